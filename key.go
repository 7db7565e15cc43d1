package courier

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// newKey derives a database key from a password using a salt persisted
// next to the data directory. The salt is created on first use.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadOrCreateSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func loadOrCreateSalt(saltPath string) ([]byte, error) {
	if _, err := os.Stat(saltPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return createSalt(saltPath)
	}
	return readSalt(saltPath)
}

func createSalt(saltPath string) ([]byte, error) {
	var salt [16]byte
	if _, err := crypto_rand.Read(salt[:]); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	n, werr := f.Write(salt[:])
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, werr
	}
	if n != 16 {
		return nil, fmt.Errorf("expected to write 16 bytes, wrote %d", n)
	}
	return salt[:], nil
}

func readSalt(saltPath string) ([]byte, error) {
	var salt [16]byte
	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	_, rerr := io.ReadFull(f, salt[:])
	if cerr := f.Close(); rerr == nil {
		rerr = cerr
	}
	if rerr != nil {
		return nil, rerr
	}
	return salt[:], nil
}
