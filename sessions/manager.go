package sessions

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/nestwire/go-courier/clock"
	"github.com/nestwire/go-courier/config"
	"github.com/nestwire/go-courier/identity"
	"github.com/nestwire/go-courier/ids"
	db "github.com/nestwire/go-courier/internal/db"
	"go.uber.org/zap"
)

// Fetch boundary outcomes. A KeyFetcher translates its transport's
// error space into these sentinels; anything else is treated as a
// transient transport failure.
var (
	ErrDeviceMissing       = errors.New("sessions: device not found")
	ErrRateLimited         = errors.New("sessions: key service rate limited")
	ErrInvalidKeySignature = errors.New("sessions: invalid prekey signature")
)

// KeyBundle is the key material fetched for a single remote device.
type KeyBundle struct {
	IdentityKey           []byte
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	OneTimePreKey         []byte
}

// KeyFetcher retrieves key bundles from the remote key exchange
// service. FetchBundle returns ErrDeviceMissing when the service
// reports no such device and ErrRateLimited when the service refuses
// the request for load reasons.
type KeyFetcher interface {
	FetchBundle(ctx context.Context, recipientID ids.ID, deviceID uint32) (*KeyBundle, error)
}

// SessionBuilder turns a verified key bundle into a persisted session
// state and returns its state id. Returns ErrInvalidKeySignature when
// the bundle's signed prekey does not verify against the identity key.
// BuildSession runs inside the manager's transaction.
type SessionBuilder interface {
	BuildSession(recipientID ids.ID, deviceID uint32, bundle *KeyBundle) ([]byte, error)
}

type Target struct {
	RecipientID ids.ID
	DeviceID    uint32
}

type Result struct {
	Target Target
	Err    error
}

type MissingDeviceError struct {
	RecipientID ids.ID
	DeviceID    uint32
}

func (e *MissingDeviceError) Error() string {
	return fmt.Sprintf("sessions: device %d for %s reported missing", e.DeviceID, e.RecipientID)
}

func (e *MissingDeviceError) Retryable() bool {
	return true
}

type UntrustedIdentityError struct {
	RecipientID ids.ID
	NewKey      []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("sessions: untrusted identity key for %s", e.RecipientID)
}

func (e *UntrustedIdentityError) Retryable() bool {
	return false
}

type InvalidKeySignatureError struct {
	RecipientID ids.ID
	DeviceID    uint32
}

func (e *InvalidKeySignatureError) Error() string {
	return fmt.Sprintf("sessions: invalid prekey signature for %s device %d", e.RecipientID, e.DeviceID)
}

func (e *InvalidKeySignatureError) Retryable() bool {
	return true
}

type RateLimitedError struct {
	RecipientID ids.ID
	DeviceID    uint32
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("sessions: rate limited fetching keys for %s device %d", e.RecipientID, e.DeviceID)
}

func (e *RateLimitedError) Retryable() bool {
	return true
}

// Retryable reports whether err indicates a failure the caller may
// retry later without operator intervention.
func Retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// Manager establishes sessions with remote devices. Network fetches
// happen outside any lock or transaction; only the resulting cache and
// store updates are synchronized.
type Manager struct {
	config   *config.Config
	db       *database
	log      *zap.SugaredLogger
	clock    clock.Clock
	cache    *negativeCache
	fetcher  KeyFetcher
	builder  SessionBuilder
	identity *identity.Manager
}

// NewManager creates a session manager. A nil builder selects the
// default doubleratchet-backed RatchetBuilder.
func NewManager(c *config.Config, internalDB *db.Database, cl clock.Clock, fetcher KeyFetcher, builder SessionBuilder, ident *identity.Manager) (*Manager, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	log := c.Logger("sessions")
	if builder == nil {
		builder = &RatchetBuilder{db: d, log: log}
	}
	return &Manager{
		config:   c,
		db:       d,
		log:      log,
		clock:    cl,
		cache:    newNegativeCache(c, cl),
		fetcher:  fetcher,
		builder:  builder,
		identity: ident,
	}, nil
}

// EnsureSessions establishes a session for every target device that
// lacks one. Each target is resolved independently; the returned slice
// carries one Result per target in input order. With ignoreFailures
// set, per-target failures are logged and the batch continues;
// otherwise the first failure stops the batch and is returned.
func (m *Manager) EnsureSessions(ctx context.Context, targets []Target, ignoreFailures bool) ([]Result, error) {
	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		err := m.ensureSession(ctx, t)
		results = append(results, Result{Target: t, Err: err})
		if err != nil && !ignoreFailures {
			return results, err
		}
		if err != nil {
			m.log.Warnf("ignoring session failure for %s device %d: %s", t.RecipientID, t.DeviceID, err)
		}
	}
	return results, nil
}

func (m *Manager) ensureSession(ctx context.Context, t Target) error {
	has, err := m.HasSession(t.RecipientID, t.DeviceID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	if m.cache.isDeviceKnownMissing(t.RecipientID, t.DeviceID) {
		return &MissingDeviceError{RecipientID: t.RecipientID, DeviceID: t.DeviceID}
	}

	if blocked, newKey, err := m.identityKnownStale(t.RecipientID); err != nil {
		return err
	} else if blocked {
		return &UntrustedIdentityError{RecipientID: t.RecipientID, NewKey: newKey}
	}

	if m.cache.willLikelyFailSignature(t.RecipientID) {
		return &InvalidKeySignatureError{RecipientID: t.RecipientID, DeviceID: t.DeviceID}
	}

	bundle, err := m.fetcher.FetchBundle(ctx, t.RecipientID, t.DeviceID)
	switch {
	case errors.Is(err, ErrDeviceMissing):
		m.cache.hadMissingDevice(t.RecipientID, t.DeviceID)
		if derr := m.db.Run("removing missing device", func() error {
			return m.db.removeDevice(t.RecipientID[:], t.DeviceID)
		}); derr != nil {
			m.log.Warnf("error removing missing device %d for %s: %s", t.DeviceID, t.RecipientID, derr)
		}
		return &MissingDeviceError{RecipientID: t.RecipientID, DeviceID: t.DeviceID}
	case errors.Is(err, ErrRateLimited):
		return &RateLimitedError{RecipientID: t.RecipientID, DeviceID: t.DeviceID}
	case err != nil:
		return fmt.Errorf("sessions: error fetching key bundle: %w", err)
	}

	identityKey, err := identity.NormalizeKey(bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("sessions: rejecting key bundle: %w", err)
	}

	trusted, err := m.identity.IsTrustedIdentityKey(identityKey, t.RecipientID, identity.DirectionOutgoing)
	var mismatch *identity.KeyMismatchError
	if errors.As(err, &mismatch) {
		trusted, err = false, nil
	}
	if err != nil {
		return err
	}
	if !trusted {
		// Record the new key so it can be reviewed and trusted; until
		// then sending stays blocked. The cache holds the stored key as
		// it is after the save, so a later local key change invalidates
		// the entry.
		if _, serr := m.identity.SaveIdentityKey(t.RecipientID, identityKey); serr != nil {
			return serr
		}
		current, rerr := m.identity.RecipientIdentity(t.RecipientID)
		if rerr != nil {
			return rerr
		}
		var currentKey []byte
		if current != nil {
			currentKey = current.IdentityKey
		}
		m.cache.hadUntrustedIdentity(t.RecipientID, currentKey, identityKey)
		return &UntrustedIdentityError{RecipientID: t.RecipientID, NewKey: identityKey}
	}

	buildErr := m.db.Run("building session", func() error {
		stateID, err := m.builder.BuildSession(t.RecipientID, t.DeviceID, bundle)
		if err != nil {
			return err
		}
		if err := m.db.upsertSessionRecord(&sessionRecord{
			RecipientID: t.RecipientID[:],
			DeviceID:    t.DeviceID,
			StateID:     stateID,
			CreatedAtMs: m.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
		return m.db.addDevice(t.RecipientID[:], t.DeviceID)
	})
	if errors.Is(buildErr, ErrInvalidKeySignature) {
		m.cache.hadInvalidSignature(t.RecipientID)
		return &InvalidKeySignatureError{RecipientID: t.RecipientID, DeviceID: t.DeviceID}
	}
	if buildErr != nil {
		return buildErr
	}

	if _, err := m.identity.SaveIdentityKey(t.RecipientID, identityKey); err != nil {
		return err
	}
	m.cache.clearStaleIdentity(t.RecipientID)
	return nil
}

// identityKnownStale reports whether a fetch for this recipient should
// be skipped because an untrusted identity was observed within the
// cooldown window, the stored key has not changed since, and the
// rejected key is still untrusted.
func (m *Manager) identityKnownStale(recipientID ids.ID) (bool, []byte, error) {
	cachedCurrent, cachedNew, ok := m.cache.staleIdentity(recipientID)
	if !ok {
		return false, nil, nil
	}
	current, err := m.identity.RecipientIdentity(recipientID)
	if err != nil {
		return false, nil, err
	}
	var currentKey []byte
	if current != nil {
		currentKey = current.IdentityKey
	}
	if !bytes.Equal(currentKey, cachedCurrent) {
		m.cache.clearStaleIdentity(recipientID)
		return false, nil, nil
	}
	trusted, err := m.identity.IsTrustedIdentityKey(cachedNew, recipientID, identity.DirectionOutgoing)
	var mismatch *identity.KeyMismatchError
	if errors.As(err, &mismatch) {
		trusted, err = false, nil
	}
	if err != nil {
		return false, nil, err
	}
	if trusted {
		m.cache.clearStaleIdentity(recipientID)
		return false, nil, nil
	}
	return true, cachedNew, nil
}

// HasSession reports whether a session record exists for the device.
func (m *Manager) HasSession(recipientID ids.ID, deviceID uint32) (bool, error) {
	var found bool
	err := m.db.RunReadOnly("checking session record", func() error {
		sr, err := m.db.sessionRecord(recipientID[:], deviceID)
		if err != nil {
			return err
		}
		found = sr != nil
		return nil
	})
	return found, err
}

// KnownDevices lists the device ids currently registered for a
// recipient, in ascending order.
func (m *Manager) KnownDevices(recipientID ids.ID) ([]uint32, error) {
	var devices []uint32
	err := m.db.RunReadOnly("listing known devices", func() error {
		var err error
		devices, err = m.db.knownDevices(recipientID[:])
		return err
	})
	return devices, err
}

// AddKnownDevice registers a device for a recipient without
// establishing a session.
func (m *Manager) AddKnownDevice(recipientID ids.ID, deviceID uint32) error {
	return m.db.Run("adding known device", func() error {
		return m.db.addDevice(recipientID[:], deviceID)
	})
}

// DeleteSessions removes all session state for a recipient, typically
// after an identity change the user has not accepted.
func (m *Manager) DeleteSessions(recipientID ids.ID) error {
	return m.db.Run("deleting sessions", func() error {
		return m.db.deleteSessionsForRecipient(recipientID[:])
	})
}
