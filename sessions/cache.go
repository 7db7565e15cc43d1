package sessions

import (
	"sync"
	"time"

	"github.com/nestwire/go-courier/clock"
	"github.com/nestwire/go-courier/config"
	"github.com/nestwire/go-courier/ids"
)

// the service refreshes a recipient's device list when a linked device
// 404s, so only primary devices are worth negative-caching
const primaryDeviceID = 1

type deviceKey struct {
	recipientID ids.ID
	deviceID    uint32
}

type staleIdentity struct {
	currentKey []byte
	newKey     []byte
	at         time.Time
}

type invalidSignature struct {
	at    time.Time
	count uint32
}

// negativeCache remembers recent known-bad key-exchange outcomes so we do
// not hammer a rate-limited endpoint with fetches that will fail the same
// way. Entries live for the configured cooldown windows and are never
// persisted. No I/O happens while the lock is held.
type negativeCache struct {
	mu                sync.Mutex
	clock             clock.Clock
	missingCooldown   time.Duration
	staleCooldown     time.Duration
	signatureCooldown time.Duration

	missingDevices    map[deviceKey]time.Time
	staleIdentities   map[ids.ID]*staleIdentity
	invalidSignatures map[ids.ID]*invalidSignature
}

func newNegativeCache(c *config.Config, cl clock.Clock) *negativeCache {
	return &negativeCache{
		clock:             cl,
		missingCooldown:   time.Duration(c.MissingDeviceCooldownMs) * time.Millisecond,
		staleCooldown:     time.Duration(c.StaleIdentityCooldownMs) * time.Millisecond,
		signatureCooldown: time.Duration(c.InvalidSignatureCooldownMs) * time.Millisecond,
		missingDevices:    make(map[deviceKey]time.Time),
		staleIdentities:   make(map[ids.ID]*staleIdentity),
		invalidSignatures: make(map[ids.ID]*invalidSignature),
	}
}

func (nc *negativeCache) hadMissingDevice(recipientID ids.ID, deviceID uint32) {
	if deviceID != primaryDeviceID {
		return
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.missingDevices[deviceKey{recipientID, deviceID}] = nc.clock.Now()
}

func (nc *negativeCache) isDeviceKnownMissing(recipientID ids.ID, deviceID uint32) bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	at, ok := nc.missingDevices[deviceKey{recipientID, deviceID}]
	if !ok {
		return false
	}
	// the device may have re-registered, allow a retry after the cooldown
	return nc.clock.Now().Sub(at) < nc.missingCooldown
}

func (nc *negativeCache) hadUntrustedIdentity(recipientID ids.ID, currentKey, newKey []byte) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.staleIdentities[recipientID] = &staleIdentity{
		currentKey: currentKey,
		newKey:     newKey,
		at:         nc.clock.Now(),
	}
}

// staleIdentity returns the recorded untrusted-identity observation for the
// recipient when it is still within the cooldown window.
func (nc *negativeCache) staleIdentity(recipientID ids.ID) (currentKey, newKey []byte, ok bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	si, found := nc.staleIdentities[recipientID]
	if !found {
		return nil, nil, false
	}
	if nc.clock.Now().Sub(si.at) >= nc.staleCooldown {
		delete(nc.staleIdentities, recipientID)
		return nil, nil, false
	}
	return si.currentKey, si.newKey, true
}

func (nc *negativeCache) clearStaleIdentity(recipientID ids.ID) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	delete(nc.staleIdentities, recipientID)
}

func (nc *negativeCache) hadInvalidSignature(recipientID ids.ID) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	count := uint32(1)
	if prev, ok := nc.invalidSignatures[recipientID]; ok {
		count = prev.count + 1
	}
	nc.invalidSignatures[recipientID] = &invalidSignature{at: nc.clock.Now(), count: count}
}

// willLikelyFailSignature reports whether a fetch for the recipient should
// be skipped because of recent invalid prekey signatures. A single error is
// let through since it may be transmission corruption of an otherwise-valid
// bundle; only a repeated error starts the cooldown.
func (nc *negativeCache) willLikelyFailSignature(recipientID ids.ID) bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	is, ok := nc.invalidSignatures[recipientID]
	if !ok {
		return false
	}
	if nc.clock.Now().Sub(is.at) >= nc.signatureCooldown {
		// expired, reset the count
		delete(nc.invalidSignatures, recipientID)
		return false
	}
	return is.count > 1
}
