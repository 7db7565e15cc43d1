// Package identity tracks the identity key and verification state of every
// known remote recipient and decides whether a key is safe to encrypt to.
package identity

import (
	"bytes"
	"fmt"

	"github.com/nestwire/go-courier/clock"
	"github.com/nestwire/go-courier/config"
	"github.com/nestwire/go-courier/ids"
	db "github.com/nestwire/go-courier/internal/db"
	"go.uber.org/zap"
)

const (
	// stored keys carry 32 bytes of key material; wire-format keys may be
	// prefixed with a single type byte
	storedKeyLength = 32
	typedKeyLength  = 33
	keyTypePrefix   = 0x05
)

type VerificationState uint8

const (
	VerificationDefault    VerificationState = 0
	VerificationVerified   VerificationState = 1
	VerificationUnverified VerificationState = 2
)

func (vs VerificationState) String() string {
	switch vs {
	case VerificationDefault:
		return "default"
	case VerificationVerified:
		return "verified"
	case VerificationUnverified:
		return "unverified"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(vs))
	}
}

type Direction uint8

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

type IdentityChange uint8

const (
	IdentityNewOrUnchanged IdentityChange = iota
	IdentityReplacedExisting
)

// KeyMismatchError is returned when an outgoing operation presents a key
// that differs from the stored key for the recipient.
type KeyMismatchError struct {
	RecipientID ids.ID
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("identity: key mismatch for recipient %s", e.RecipientID)
}

// MalformedKeyError is returned for identity keys of unexpected length.
type MalformedKeyError struct {
	Length int
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("identity: malformed identity key of length %d", e.Length)
}

// IdentityChangedEvent is raised towards the owning threads whenever the
// stored key for a recipient actually changes value.
type IdentityChangedEvent struct {
	RecipientID ids.ID
	WasVerified bool
}

// VerificationStateChangedEvent is raised whenever a verification state
// transition is applied.
type VerificationStateChangedEvent struct {
	RecipientID   ids.ID
	State         VerificationState
	IsLocalChange bool
}

type Recipient struct {
	RecipientID       ids.ID
	IdentityKey       []byte
	VerificationState VerificationState
	FirstKnownKey     bool
	CreatedAtMs       uint64
}

type EventSink func(interface{})

type Manager struct {
	config    *config.Config
	db        *database
	log       *zap.SugaredLogger
	clock     clock.Clock
	eventSink EventSink
}

func NewManager(c *config.Config, internalDB *db.Database, cl clock.Clock, sink EventSink) (*Manager, error) {
	log := c.Logger("identity/manager")
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func(interface{}) {}
	}
	return &Manager{
		config:    c,
		db:        d,
		log:       log,
		clock:     cl,
		eventSink: sink,
	}, nil
}

// NormalizeKey strips the wire type prefix from a 33-byte key and rejects
// anything that is not 32 bytes of key material.
func NormalizeKey(key []byte) ([]byte, error) {
	switch len(key) {
	case storedKeyLength:
		return key, nil
	case typedKeyLength:
		if key[0] != keyTypePrefix {
			return nil, &MalformedKeyError{Length: len(key)}
		}
		return key[1:], nil
	default:
		return nil, &MalformedKeyError{Length: len(key)}
	}
}

// SaveIdentityKey records the identity key for a recipient. A first
// encounter creates the row with first-use trust; a changed key overwrites
// the row, downgrades a verified recipient to unverified and raises an
// identity-changed event.
func (m *Manager) SaveIdentityKey(recipientID ids.ID, key []byte) (IdentityChange, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		m.log.Warnf("rejecting identity key for %s: %v", recipientID, err)
		return IdentityNewOrUnchanged, err
	}

	change := IdentityNewOrUnchanged
	if err := m.db.Run("saving identity key", func() error {
		c, err := m.saveIdentityKeyInTx(recipientID, key)
		if err != nil {
			return err
		}
		change = c
		return nil
	}); err != nil {
		return IdentityNewOrUnchanged, err
	}
	return change, nil
}

func (m *Manager) saveIdentityKeyInTx(recipientID ids.ID, key []byte) (IdentityChange, error) {
	existing, err := m.db.recipientIdentity(recipientID[:])
	if err != nil {
		return IdentityNewOrUnchanged, err
	}

	if existing == nil {
		m.log.Debugf("saving first-use identity for %s", recipientID)
		if err := m.db.upsertRecipientIdentity(&recipientIdentity{
			RecipientID:       recipientID[:],
			IdentityKey:       key,
			FirstKnownKey:     true,
			CreatedAtMs:       m.clock.CurrentTimeMs(),
			VerificationState: uint8(VerificationDefault),
		}); err != nil {
			return IdentityNewOrUnchanged, err
		}
		return IdentityNewOrUnchanged, nil
	}

	if bytes.Equal(existing.IdentityKey, key) {
		return IdentityNewOrUnchanged, nil
	}

	wasVerified := VerificationState(existing.VerificationState) == VerificationVerified
	newState := VerificationState(existing.VerificationState)
	if newState != VerificationDefault {
		// a verified recipient whose key changed needs explicit
		// re-verification before we trust the new key
		newState = VerificationUnverified
	}
	m.log.Infof("saving new identity for %s: %s -> %s", recipientID, VerificationState(existing.VerificationState), newState)
	if err := m.db.upsertRecipientIdentity(&recipientIdentity{
		RecipientID:       recipientID[:],
		IdentityKey:       key,
		FirstKnownKey:     false,
		CreatedAtMs:       m.clock.CurrentTimeMs(),
		VerificationState: uint8(newState),
	}); err != nil {
		return IdentityNewOrUnchanged, err
	}
	recipient := recipientID
	m.db.AfterCommit(func() {
		m.eventSink(IdentityChangedEvent{RecipientID: recipient, WasVerified: wasVerified})
	})
	return IdentityReplacedExisting, nil
}

// SetVerificationState applies a locally-initiated verification change. It
// is unconditionally authoritative: the stored key and state are overwritten
// and a change event is always raised.
func (m *Manager) SetVerificationState(recipientID ids.ID, key []byte, state VerificationState) error {
	key, err := NormalizeKey(key)
	if err != nil {
		m.log.Warnf("rejecting verification state for %s: %v", recipientID, err)
		return err
	}

	return m.db.Run("setting verification state", func() error {
		existing, err := m.db.recipientIdentity(recipientID[:])
		if err != nil {
			return err
		}

		keyChanged := existing != nil && !bytes.Equal(existing.IdentityKey, key)
		wasVerified := existing != nil && VerificationState(existing.VerificationState) == VerificationVerified
		firstKnown := existing == nil
		createdAt := m.clock.CurrentTimeMs()
		if existing != nil && !keyChanged {
			firstKnown = existing.FirstKnownKey
			createdAt = existing.CreatedAtMs
		}

		if err := m.db.upsertRecipientIdentity(&recipientIdentity{
			RecipientID:       recipientID[:],
			IdentityKey:       key,
			FirstKnownKey:     firstKnown,
			CreatedAtMs:       createdAt,
			VerificationState: uint8(state),
		}); err != nil {
			return err
		}

		recipient := recipientID
		m.db.AfterCommit(func() {
			if keyChanged {
				m.eventSink(IdentityChangedEvent{RecipientID: recipient, WasVerified: wasVerified})
			}
			m.eventSink(VerificationStateChangedEvent{RecipientID: recipient, State: state, IsLocalChange: true})
		})
		return nil
	})
}

// ProcessVerifiedSync applies a verification state reported by a remote
// synchronization message. A `verified` report is authoritative and may
// overwrite a conflicting key; a `default` report is discarded when the
// synced key disagrees with the stored key, protecting against a stale or
// malicious linked device downgrading trust for a key it does not hold.
func (m *Manager) ProcessVerifiedSync(recipientID ids.ID, key []byte, state VerificationState) error {
	key, err := NormalizeKey(key)
	if err != nil {
		m.log.Warnf("rejecting verification sync for %s: %v", recipientID, err)
		return nil
	}

	var overwriteOnConflict bool
	switch state {
	case VerificationVerified:
		overwriteOnConflict = true
	case VerificationDefault:
		overwriteOnConflict = false
	default:
		m.log.Warnf("invalid verification state %s in sync message for %s", state, recipientID)
		return nil
	}

	return m.db.Run("processing verification sync", func() error {
		existing, err := m.db.recipientIdentity(recipientID[:])
		if err != nil {
			return err
		}

		shouldSaveKey := false
		shouldRaiseChange := true
		if existing != nil {
			keyChanged := !bytes.Equal(existing.IdentityKey, key)
			if keyChanged && !overwriteOnConflict {
				m.log.Warnf("discarding verification sync with non-matching key for %s", recipientID)
				return nil
			}
			shouldSaveKey = keyChanged
		} else if state == VerificationDefault {
			// no point creating a row just to mark it default
			return nil
		} else {
			shouldSaveKey = true
			shouldRaiseChange = false
		}

		if shouldSaveKey {
			if _, err := m.saveIdentityKeyInTx(recipientID, key); err != nil {
				return err
			}
		}

		existing, err = m.db.recipientIdentity(recipientID[:])
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("identity: missing expected identity for %s", recipientID)
		}

		oldState := VerificationState(existing.VerificationState)
		if oldState == state {
			return nil
		}
		if err := m.db.updateVerificationState(recipientID[:], uint8(state)); err != nil {
			return err
		}
		if shouldRaiseChange {
			recipient := recipientID
			m.db.AfterCommit(func() {
				m.eventSink(VerificationStateChangedEvent{RecipientID: recipient, State: state, IsLocalChange: false})
			})
		}
		return nil
	})
}

// RecipientIdentity returns the stored identity for a recipient, or nil when
// none exists.
func (m *Manager) RecipientIdentity(recipientID ids.ID) (*Recipient, error) {
	var out *Recipient
	if err := m.db.RunReadOnly("getting recipient identity", func() error {
		ri, err := m.db.recipientIdentity(recipientID[:])
		if err != nil {
			return err
		}
		if ri != nil {
			out = exportRecipient(ri)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// UntrustedIdentityForSending returns the stored identity when it is not
// currently safe to encrypt to, or nil when sending may proceed.
func (m *Manager) UntrustedIdentityForSending(recipientID ids.ID) (*Recipient, error) {
	var out *Recipient
	if err := m.db.RunReadOnly("checking identity for sending", func() error {
		ri, err := m.db.recipientIdentity(recipientID[:])
		if err != nil {
			return err
		}
		if !m.canSend(ri) {
			out = exportRecipient(ri)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// IsTrustedIdentityKey reports whether the given key may be used in the
// given direction. Incoming keys are always processed; outgoing keys must
// match the stored key, and the stored identity must be in a sendable state.
func (m *Manager) IsTrustedIdentityKey(key []byte, recipientID ids.ID, direction Direction) (bool, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		m.log.Warnf("rejecting trust check for %s: %v", recipientID, err)
		return false, err
	}

	if direction == DirectionIncoming {
		return true, nil
	}

	trusted := false
	if err := m.db.RunReadOnly("checking identity trust", func() error {
		ri, err := m.db.recipientIdentity(recipientID[:])
		if err != nil {
			return err
		}
		if ri != nil && !bytes.Equal(ri.IdentityKey, key) {
			return &KeyMismatchError{RecipientID: recipientID}
		}
		trusted = m.canSend(ri)
		return nil
	}); err != nil {
		return false, err
	}
	return trusted, nil
}

// MergeRecipient consolidates two recipient records. The target's identity
// wins when both exist; otherwise the source identity moves to the target.
func (m *Manager) MergeRecipient(from, into ids.ID) error {
	return m.db.Run("merging recipient identities", func() error {
		fromRow, err := m.db.recipientIdentity(from[:])
		if err != nil {
			return err
		}
		if fromRow == nil {
			return nil
		}
		intoRow, err := m.db.recipientIdentity(into[:])
		if err != nil {
			return err
		}
		if intoRow == nil {
			if err := m.db.upsertRecipientIdentity(&recipientIdentity{
				RecipientID:       into[:],
				IdentityKey:       fromRow.IdentityKey,
				FirstKnownKey:     fromRow.FirstKnownKey,
				CreatedAtMs:       fromRow.CreatedAtMs,
				VerificationState: fromRow.VerificationState,
			}); err != nil {
				return err
			}
		}
		return m.db.deleteRecipientIdentity(from[:])
	})
}

// DeleteRecipient removes the identity row as part of whole-recipient
// deletion.
func (m *Manager) DeleteRecipient(recipientID ids.ID) error {
	return m.db.Run("deleting recipient identity", func() error {
		return m.db.deleteRecipientIdentity(recipientID[:])
	})
}

func (m *Manager) canSend(ri *recipientIdentity) bool {
	if ri == nil {
		// trust on first use
		return true
	}
	if ri.FirstKnownKey {
		return true
	}
	switch VerificationState(ri.VerificationState) {
	case VerificationDefault:
		// a newly-learned key stays untrusted for a short window so the
		// user has a chance to react before sends resume
		windowMs := uint64(m.config.UntrustedKeyWindowMs)
		if ri.CreatedAtMs+windowMs > m.clock.CurrentTimeMs() {
			m.log.Warnf("not trusting new identity for %x", ri.RecipientID)
			return false
		}
		return true
	case VerificationVerified:
		return true
	default:
		m.log.Warnf("not trusting unverified identity for %x", ri.RecipientID)
		return false
	}
}

func exportRecipient(ri *recipientIdentity) *Recipient {
	return &Recipient{
		RecipientID:       ids.IDFromBytes(ri.RecipientID),
		IdentityKey:       ri.IdentityKey,
		VerificationState: VerificationState(ri.VerificationState),
		FirstKnownKey:     ri.FirstKnownKey,
		CreatedAtMs:       ri.CreatedAtMs,
	}
}
