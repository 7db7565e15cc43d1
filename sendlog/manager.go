// Package sendlog maintains a durable record of sent plaintexts so a
// recipient which fails to decrypt a message can request a resend. Payloads
// are garbage collected once delivery to every target device is accounted
// for, and pruned on a timer once they are too old to be resent.
package sendlog

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/nestwire/go-courier/clock"
	"github.com/nestwire/go-courier/config"
	"github.com/nestwire/go-courier/ids"
	db "github.com/nestwire/go-courier/internal/db"
	"go.uber.org/zap"
)

// ContentHint tells a recipient how to treat ciphertext it cannot decrypt.
type ContentHint uint8

const (
	// ContentHintDefault offers no guidance, an error is shown immediately.
	ContentHintDefault ContentHint = 0
	// ContentHintResendable means the sender keeps the plaintext and a
	// resend request is worth making before surfacing an error.
	ContentHintResendable ContentHint = 1
	// ContentHintImplicit marks traffic whose loss is invisible to the
	// user, no error is shown and no resend is requested.
	ContentHintImplicit ContentHint = 2
)

// RemoteConfig supplies the server-controlled retention knobs. The kill
// switch disables all recording and lookup without schema changes.
type RemoteConfig interface {
	SendLogEnabled() bool
	PayloadLifetimeMs() int64
}

type staticRemoteConfig struct {
	config *config.Config
}

func (rc *staticRemoteConfig) SendLogEnabled() bool {
	return rc.config.SendLogEnabled
}

func (rc *staticRemoteConfig) PayloadLifetimeMs() int64 {
	return rc.config.PayloadLifetimeMs
}

// StaticRemoteConfig returns a RemoteConfig that serves the local config
// values, used when no remote configuration source is attached.
func StaticRemoteConfig(c *config.Config) RemoteConfig {
	return &staticRemoteConfig{c}
}

type Payload struct {
	ID           int64
	Plaintext    []byte
	ContentHint  ContentHint
	SentAtMs     uint64
	ThreadID     ids.ID
	SendComplete bool
}

type PendingRecipient struct {
	RecipientID ids.ID
	DeviceID    uint32
}

type boolChannel chan bool

type Manager struct {
	config     *config.Config
	db         *database
	log        *zap.SugaredLogger
	clock      clock.Clock
	remote     RemoteConfig
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
	prune      boolChannel
}

func NewManager(c *config.Config, internalDB *db.Database, cl clock.Clock, remote RemoteConfig) (*Manager, error) {
	log := c.Logger("sendlog/manager")
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		remote = StaticRemoteConfig(c)
	}
	return &Manager{
		config:     c,
		db:         d,
		log:        log,
		clock:      cl,
		remote:     remote,
		cancelFunc: nil,
		prune:      make(boolChannel, 1),
	}, nil
}

func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.startPruner(ctx)
	m.prune <- true
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	return nil
}

// RecordPayload records plaintext about to be transmitted and returns the
// payload id, or 0 when nothing was recorded. Recording an identical payload
// for the same (thread, timestamp) reopens it for in-flight tracking and
// returns the existing id. A differing payload for an existing key is an
// expected alias for synchronization-only traffic and is not recorded.
func (m *Manager) RecordPayload(plaintext []byte, threadID ids.ID, sentAtMs uint64, hint ContentHint, interactionIDs []ids.ID) int64 {
	if !m.remote.SendLogEnabled() {
		return 0
	}

	var payloadID int64
	if err := m.db.Run("recording payload", func() error {
		existing, err := m.db.payloadByThreadAndTimestamp(threadID[:], sentAtMs)
		if err != nil {
			return err
		}
		if existing != nil {
			if !bytes.Equal(existing.Plaintext, plaintext) {
				m.log.Warnf("not recording differing payload for thread=%s sent_at=%d", threadID, sentAtMs)
				return nil
			}
			// a retried send, reopen it
			if err := m.db.reopenPayload(existing.ID); err != nil {
				return err
			}
			payloadID = existing.ID
			return nil
		}

		id, err := m.db.insertPayload(&payload{
			Plaintext:    plaintext,
			ContentHint:  uint8(hint),
			SentAtMs:     sentAtMs,
			ThreadID:     threadID[:],
			SendComplete: false,
		})
		if err != nil {
			return err
		}
		for _, interactionID := range interactionIDs {
			if err := m.db.insertInteractionLink(&interactionLink{PayloadID: id, InteractionID: interactionID[:]}); err != nil {
				return err
			}
		}
		payloadID = id
		return nil
	}); err != nil {
		m.log.Warnf("error while recording payload: %#v", err)
		return 0
	}
	return payloadID
}

// FetchPayload answers a resend request for the given device. It returns nil
// when no payload matches or the payload is older than the configured
// lifetime.
func (m *Manager) FetchPayload(recipientID ids.ID, deviceID uint32, sentAtMs uint64) *Payload {
	if !m.remote.SendLogEnabled() {
		return nil
	}
	if m.expired(sentAtMs) {
		m.log.Debugf("ignoring resend request for expired timestamp %d", sentAtMs)
		return nil
	}

	var found *Payload
	if err := m.db.RunReadOnly("fetching payload", func() error {
		p, err := m.db.payloadForDevice(recipientID[:], deviceID, sentAtMs)
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		found = &Payload{
			ID:           p.ID,
			Plaintext:    p.Plaintext,
			ContentHint:  ContentHint(p.ContentHint),
			SentAtMs:     p.SentAtMs,
			ThreadID:     ids.IDFromBytes(p.ThreadID),
			SendComplete: p.SendComplete,
		}
		return nil
	}); err != nil {
		m.log.Warnf("error while fetching payload: %#v", err)
		return nil
	}
	return found
}

// RecordPendingDelivery marks a device as awaiting a delivery receipt for
// the payload. A foreign-key failure is tolerated since a delivery receipt
// may have raced ahead of this call and already deleted the payload.
func (m *Manager) RecordPendingDelivery(payloadID int64, recipientID ids.ID, deviceID uint32) {
	if !m.remote.SendLogEnabled() {
		return
	}
	if err := m.db.Run("recording pending delivery", func() error {
		err := m.db.insertPendingRecipient(&pendingRecipient{
			PayloadID:   payloadID,
			RecipientID: recipientID[:],
			DeviceID:    deviceID,
		})
		if db.IsForeignKeyError(err) {
			m.log.Debugf("delivery receipt raced pending insert for payload=%d recipient=%s device=%d", payloadID, recipientID, deviceID)
			return nil
		}
		return err
	}); err != nil {
		m.log.Warnf("error while recording pending delivery: %#v", err)
	}
}

// RecordSuccessfulDelivery clears the pending marker for the device, then
// garbage collects the payload if it is fully accounted for.
func (m *Manager) RecordSuccessfulDelivery(payloadID int64, recipientID ids.ID, deviceID uint32) {
	if !m.remote.SendLogEnabled() {
		return
	}
	if err := m.db.Run("recording successful delivery", func() error {
		if err := m.db.deletePendingRecipient(payloadID, recipientID[:], deviceID); err != nil {
			return err
		}
		return m.db.collectGarbage(payloadID)
	}); err != nil {
		m.log.Warnf("error while recording successful delivery: %#v", err)
	}
}

// MarkSendComplete records that delivery has been attempted to every target
// device, then garbage collects the payload if nothing is still pending.
func (m *Manager) MarkSendComplete(payloadID int64) {
	if !m.remote.SendLogEnabled() {
		return
	}
	if err := m.db.Run("marking send complete", func() error {
		if err := m.db.markComplete(payloadID); err != nil {
			return err
		}
		return m.db.collectGarbage(payloadID)
	}); err != nil {
		m.log.Warnf("error while marking send complete: %#v", err)
	}
}

// PendingRecipients returns the devices still awaiting a delivery receipt
// for the payload.
func (m *Manager) PendingRecipients(payloadID int64) []PendingRecipient {
	var out []PendingRecipient
	if err := m.db.RunReadOnly("getting pending recipients", func() error {
		rs, err := m.db.pendingRecipients(payloadID)
		if err != nil {
			return err
		}
		for _, r := range rs {
			out = append(out, PendingRecipient{RecipientID: ids.IDFromBytes(r.RecipientID), DeviceID: r.DeviceID})
		}
		return nil
	}); err != nil {
		m.log.Warnf("error while getting pending recipients: %#v", err)
		return nil
	}
	return out
}

// MergeThread repoints every payload recorded under one thread onto another,
// used when two local thread records are consolidated.
func (m *Manager) MergeThread(from, into ids.ID) {
	if err := m.db.Run("merging send log threads", func() error {
		return m.db.mergeThread(from[:], into[:])
	}); err != nil {
		m.log.Warnf("error while merging threads: %#v", err)
	}
}

// DeleteAllForInteraction removes every payload linked to a locally-deleted
// displayed message.
func (m *Manager) DeleteAllForInteraction(interactionID ids.ID) {
	if err := m.db.Run("deleting payloads for interaction", func() error {
		return m.db.deletePayloadsForInteraction(interactionID[:])
	}); err != nil {
		m.log.Warnf("error while deleting payloads for interaction: %#v", err)
	}
}

// Prune runs one pruning pass immediately.
func (m *Manager) Prune() {
	if err := m.db.Run("pruning send log", func() error {
		return m.prunePass()
	}); err != nil {
		m.log.Warnf("error while pruning send log: %#v", err)
	}
}

func (m *Manager) prunePass() error {
	lifetime := m.remote.PayloadLifetimeMs()
	nowMs := m.clock.CurrentTimeMs()
	cutoff := uint64(0)
	if uint64(lifetime) < nowMs {
		cutoff = nowMs - uint64(lifetime)
	}
	n, err := m.db.deleteExpired(cutoff)
	if err != nil {
		return err
	}
	if n != 0 {
		m.log.Debugf("pruned %d expired payloads", n)
	}
	return nil
}

func (m *Manager) startPruner(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				m.finished.Done()
				return
			case <-m.prune:
				if err := m.db.Run("pruning send log", func() error {
					m.db.AfterCommit(func() {
						select {
						case <-ctx.Done():
						case <-time.After(time.Duration(m.config.PruneIntervalMs) * time.Millisecond):
							select {
							case m.prune <- true:
							default:
							}
						}
					})
					return m.prunePass()
				}); err != nil {
					m.log.Warnf("error while pruning send log: %#v", err)
					// the reschedule callback rolled back with the
					// transaction, re-arm the timer here
					go func() {
						select {
						case <-ctx.Done():
						case <-time.After(time.Duration(m.config.PruneIntervalMs) * time.Millisecond):
							select {
							case m.prune <- true:
							default:
							}
						}
					}()
				}
			}
		}
	}()
}

func (m *Manager) expired(sentAtMs uint64) bool {
	lifetime := uint64(m.remote.PayloadLifetimeMs())
	nowMs := m.clock.CurrentTimeMs()
	return nowMs > lifetime && sentAtMs < nowMs-lifetime
}
