package identity

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/nestwire/go-courier/config"
	"github.com/nestwire/go-courier/ids"
	"github.com/nestwire/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestManager(t *testing.T, cl *test.Clock) (*Manager, chan interface{}) {
	c := config.NewConfig(
		config.WithLoggingPrefix("identity_test"),
		config.WithUntrustedKeyWindowMs(5000),
	)
	d := test.NewTestDatabaseWithClock(c, cl)
	t.Cleanup(func() {
		if err := d.Shutdown(); err != nil {
			t.Logf("error shutting down database: %v", err)
		}
	})
	events := make(chan interface{}, 16)
	m, err := NewManager(c, d, cl, func(e interface{}) {
		events <- e
	})
	require.Nil(t, err)
	return m, events
}

func nextEvent(t *testing.T, events chan interface{}) interface{} {
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestNormalizeKey(t *testing.T) {
	require := require.New(t)

	key, err := NormalizeKey(testKey(1))
	require.Nil(err)
	require.Equal(testKey(1), key)

	typed := append([]byte{0x05}, testKey(2)...)
	key, err = NormalizeKey(typed)
	require.Nil(err)
	require.Equal(testKey(2), key)

	_, err = NormalizeKey(testKey(1)[:16])
	var malformed *MalformedKeyError
	require.ErrorAs(err, &malformed)
	require.Equal(16, malformed.Length)

	badPrefix := append([]byte{0x06}, testKey(2)...)
	_, err = NormalizeKey(badPrefix)
	require.ErrorAs(err, &malformed)
}

func TestSaveIdentityKeyFirstUse(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, events := newTestManager(t, cl)
	recipientID := ids.NewID()

	change, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	require.Equal(IdentityNewOrUnchanged, change)

	r, err := m.RecipientIdentity(recipientID)
	require.Nil(err)
	require.NotNil(r)
	require.Equal(testKey(1), r.IdentityKey)
	require.True(r.FirstKnownKey)
	require.Equal(VerificationDefault, r.VerificationState)

	// first-use keys are trusted immediately
	trusted, err := m.IsTrustedIdentityKey(testKey(1), recipientID, DirectionOutgoing)
	require.Nil(err)
	require.True(trusted)
	require.Empty(events)
}

func TestSaveIdentityKeyUnchanged(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, events := newTestManager(t, cl)
	recipientID := ids.NewID()

	_, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	change, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	require.Equal(IdentityNewOrUnchanged, change)
	require.Empty(events)
}

func TestSaveIdentityKeyChange(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, events := newTestManager(t, cl)
	recipientID := ids.NewID()

	_, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	change, err := m.SaveIdentityKey(recipientID, testKey(2))
	require.Nil(err)
	require.Equal(IdentityReplacedExisting, change)

	e := nextEvent(t, events)
	changed, ok := e.(IdentityChangedEvent)
	require.True(ok)
	require.Equal(recipientID, changed.RecipientID)
	require.False(changed.WasVerified)

	// a replaced key is untrusted for sending inside the grace window
	trusted, err := m.IsTrustedIdentityKey(testKey(2), recipientID, DirectionOutgoing)
	require.Nil(err)
	require.False(trusted)

	untrusted, err := m.UntrustedIdentityForSending(recipientID)
	require.Nil(err)
	require.NotNil(untrusted)
	require.Equal(testKey(2), untrusted.IdentityKey)

	cl.Advance(6 * time.Second)
	trusted, err = m.IsTrustedIdentityKey(testKey(2), recipientID, DirectionOutgoing)
	require.Nil(err)
	require.True(trusted)

	untrusted, err = m.UntrustedIdentityForSending(recipientID)
	require.Nil(err)
	require.Nil(untrusted)
}

func TestVerifiedDowngradeOnKeyChange(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, events := newTestManager(t, cl)
	recipientID := ids.NewID()

	_, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	require.Nil(m.SetVerificationState(recipientID, testKey(1), VerificationVerified))
	e := nextEvent(t, events)
	stateChanged, ok := e.(VerificationStateChangedEvent)
	require.True(ok)
	require.Equal(VerificationVerified, stateChanged.State)
	require.True(stateChanged.IsLocalChange)

	change, err := m.SaveIdentityKey(recipientID, testKey(2))
	require.Nil(err)
	require.Equal(IdentityReplacedExisting, change)

	e = nextEvent(t, events)
	changed, ok := e.(IdentityChangedEvent)
	require.True(ok)
	require.True(changed.WasVerified)

	r, err := m.RecipientIdentity(recipientID)
	require.Nil(err)
	require.Equal(VerificationUnverified, r.VerificationState)

	// unverified stays untrusted even past the grace window
	cl.Advance(time.Minute)
	trusted, err := m.IsTrustedIdentityKey(testKey(2), recipientID, DirectionOutgoing)
	require.Nil(err)
	require.False(trusted)

	// explicit re-verification restores trust
	require.Nil(m.SetVerificationState(recipientID, testKey(2), VerificationVerified))
	trusted, err = m.IsTrustedIdentityKey(testKey(2), recipientID, DirectionOutgoing)
	require.Nil(err)
	require.True(trusted)
}

func TestKeyMismatchOutgoing(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, _ := newTestManager(t, cl)
	recipientID := ids.NewID()

	_, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)

	_, err = m.IsTrustedIdentityKey(testKey(2), recipientID, DirectionOutgoing)
	var mismatch *KeyMismatchError
	require.ErrorAs(err, &mismatch)
	require.Equal(recipientID, mismatch.RecipientID)

	// incoming keys are always processed
	trusted, err := m.IsTrustedIdentityKey(testKey(2), recipientID, DirectionIncoming)
	require.Nil(err)
	require.True(trusted)
}

func TestVerifiedSyncCreatesRow(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, _ := newTestManager(t, cl)
	recipientID := ids.NewID()

	require.Nil(m.ProcessVerifiedSync(recipientID, testKey(1), VerificationVerified))
	r, err := m.RecipientIdentity(recipientID)
	require.Nil(err)
	require.NotNil(r)
	require.Equal(testKey(1), r.IdentityKey)
	require.Equal(VerificationVerified, r.VerificationState)
}

func TestDefaultSyncCreatesNoRow(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, _ := newTestManager(t, cl)
	recipientID := ids.NewID()

	require.Nil(m.ProcessVerifiedSync(recipientID, testKey(1), VerificationDefault))
	r, err := m.RecipientIdentity(recipientID)
	require.Nil(err)
	require.Nil(r)
}

func TestDefaultSyncDiscardedOnKeyConflict(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, _ := newTestManager(t, cl)
	recipientID := ids.NewID()

	_, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	require.Nil(m.SetVerificationState(recipientID, testKey(1), VerificationVerified))

	// a linked device reporting default for a key it does not hold
	// must not downgrade trust
	require.Nil(m.ProcessVerifiedSync(recipientID, testKey(2), VerificationDefault))
	r, err := m.RecipientIdentity(recipientID)
	require.Nil(err)
	require.Equal(testKey(1), r.IdentityKey)
	require.Equal(VerificationVerified, r.VerificationState)
}

func TestVerifiedSyncOverwritesConflictingKey(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, _ := newTestManager(t, cl)
	recipientID := ids.NewID()

	_, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	require.Nil(m.ProcessVerifiedSync(recipientID, testKey(2), VerificationVerified))

	r, err := m.RecipientIdentity(recipientID)
	require.Nil(err)
	require.Equal(testKey(2), r.IdentityKey)
	require.Equal(VerificationVerified, r.VerificationState)
}

func TestUnverifiedSyncRejected(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, _ := newTestManager(t, cl)
	recipientID := ids.NewID()

	_, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	require.Nil(m.ProcessVerifiedSync(recipientID, testKey(1), VerificationUnverified))

	r, err := m.RecipientIdentity(recipientID)
	require.Nil(err)
	require.Equal(VerificationDefault, r.VerificationState)
}

func TestMergeRecipient(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, _ := newTestManager(t, cl)
	from := ids.NewID()
	into := ids.NewID()

	_, err := m.SaveIdentityKey(from, testKey(1))
	require.Nil(err)
	_, err = m.SaveIdentityKey(into, testKey(2))
	require.Nil(err)

	// the target's identity wins when both exist
	require.Nil(m.MergeRecipient(from, into))
	r, err := m.RecipientIdentity(into)
	require.Nil(err)
	require.Equal(testKey(2), r.IdentityKey)
	r, err = m.RecipientIdentity(from)
	require.Nil(err)
	require.Nil(r)

	// a source with no target counterpart moves over
	other := ids.NewID()
	_, err = m.SaveIdentityKey(other, testKey(3))
	require.Nil(err)
	target := ids.NewID()
	require.Nil(m.MergeRecipient(other, target))
	r, err = m.RecipientIdentity(target)
	require.Nil(err)
	require.Equal(testKey(3), r.IdentityKey)
}

func TestDeleteRecipient(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m, _ := newTestManager(t, cl)
	recipientID := ids.NewID()

	_, err := m.SaveIdentityKey(recipientID, testKey(1))
	require.Nil(err)
	require.Nil(m.DeleteRecipient(recipientID))
	r, err := m.RecipientIdentity(recipientID)
	require.Nil(err)
	require.Nil(r)
}
