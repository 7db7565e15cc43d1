package sessions

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/nestwire/go-courier/crypto"
	"github.com/nestwire/go-courier/identity"
	"github.com/nestwire/go-courier/ids"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

const sessionSecretLabel = "COURIER_SESSION_SECRET"

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	dhPairKey := crypto.SliceToKey(dhPair.PrivateKey())
	dhPubKey := crypto.SliceToKey(dhPub)
	out := box.Precompute(dhPubKey, dhPairKey)
	return out[:], nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

// memoryKeys holds skipped message keys. Session creation never skips keys,
// so nothing here needs to survive a restart.
type memoryKeys struct {
	keys map[string]map[uint]doubleratchet.Key
}

func newMemoryKeys() *memoryKeys {
	return &memoryKeys{keys: make(map[string]map[uint]doubleratchet.Key)}
}

func (mk *memoryKeys) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	byNum, ok := mk.keys[string(k)]
	if !ok {
		return nil, false, nil
	}
	key, ok := byNum[msgNum]
	return key, ok, nil
}

func (mk *memoryKeys) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, messageKey doubleratchet.Key, keySeqNum uint) error {
	if _, ok := mk.keys[string(k)]; !ok {
		mk.keys[string(k)] = make(map[uint]doubleratchet.Key)
	}
	mk.keys[string(k)][msgNum] = messageKey
	return nil
}

func (mk *memoryKeys) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	if byNum, ok := mk.keys[string(k)]; ok {
		delete(byNum, msgNum)
	}
	return nil
}

func (mk *memoryKeys) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	return nil
}

func (mk *memoryKeys) TruncateMks(sessionID []byte, maxKeys int) error {
	return nil
}

func (mk *memoryKeys) Count(k doubleratchet.Key) (uint, error) {
	return uint(len(mk.keys[string(k)])), nil
}

func (mk *memoryKeys) All() (map[string]map[uint]doubleratchet.Key, error) {
	return mk.keys, nil
}

type sessionStorageImpl struct {
	db *database
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.ratchetState(id)
	if err != nil {
		return nil, err
	}

	drc := &cryptoImpl{}

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                newMemoryKeys(),
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessage,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	s := &ratchetState{
		ID:          id,
		Dhr:         state.DHr,
		DhsPub:      state.DHs.PublicKey(),
		DhsPriv:     state.DHs.PrivateKey(),
		RootChKey:   state.RootCh.CK,
		SendChKey:   state.SendCh.CK,
		SendChCount: state.SendCh.N,
		RecvChKey:   state.RecvCh.CK,
		RecvChCount: state.RecvCh.N,
		PN:          state.PN,
		MaxSkip:     state.MaxSkip,
		HKr:         state.HKr,
		NHKr:        state.NHKr,
		HKs:         state.HKs,
		NHKs:        state.NHKs,
		MaxKeep:     state.MaxKeep,
		MaxMessage:  state.MaxMessageKeysPerSession,
		Step:        state.Step,
		KeysCount:   state.KeysCount,
	}
	return ss.db.upsertRatchetState(s)
}

// RatchetBuilder is the default SessionBuilder. It verifies the signed
// prekey, derives a session secret from fresh ephemeral key material and
// initializes a persisted double ratchet keyed by a random state id. It must
// be invoked inside the session manager's transaction.
type RatchetBuilder struct {
	db  *database
	log *zap.SugaredLogger
}

func (rb *RatchetBuilder) BuildSession(recipientID ids.ID, deviceID uint32, bundle *KeyBundle) ([]byte, error) {
	signedPreKey := bundle.SignedPreKey
	if len(signedPreKey) != 32 {
		return nil, fmt.Errorf("sessions: expected signed prekey of length 32, got %d", len(signedPreKey))
	}
	identityKey, err := identity.NormalizeKey(bundle.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("sessions: rejecting key bundle: %w", err)
	}
	if len(bundle.SignedPreKeySignature) != ed25519.SignatureSize {
		return nil, ErrInvalidKeySignature
	}
	if !ed25519.Verify(ed25519.PublicKey(identityKey), signedPreKey, bundle.SignedPreKeySignature) {
		return nil, ErrInvalidKeySignature
	}

	drc := &cryptoImpl{}
	eph, err := drc.GenerateDH()
	if err != nil {
		return nil, fmt.Errorf("sessions: error generating ephemeral key: %w", err)
	}
	dh, err := drc.DH(eph, signedPreKey)
	if err != nil {
		return nil, fmt.Errorf("sessions: error computing shared secret: %w", err)
	}
	secretInput := dh
	if len(bundle.OneTimePreKey) == 32 {
		dh2, err := drc.DH(eph, bundle.OneTimePreKey)
		if err != nil {
			return nil, fmt.Errorf("sessions: error computing one-time shared secret: %w", err)
		}
		secretInput = append(secretInput, dh2...)
	}
	secret, err := crypto.DeriveKey(secretInput, sessionSecretLabel)
	if err != nil {
		return nil, fmt.Errorf("sessions: error deriving session secret: %w", err)
	}

	stateID := ids.NewID()
	if _, err := doubleratchet.NewWithRemoteKey(
		stateID[:],
		secret,
		signedPreKey,
		&sessionStorageImpl{rb.db},
		doubleratchet.WithCrypto(drc),
		doubleratchet.WithKeysStorage(newMemoryKeys()),
	); err != nil {
		return nil, fmt.Errorf("sessions: error initializing doubleratchet: %w", err)
	}
	return stateID[:], nil
}

var _ SessionBuilder = (*RatchetBuilder)(nil)
