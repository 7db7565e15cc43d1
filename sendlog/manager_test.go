package sendlog

import (
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

type fakeRemote struct {
	enabled    bool
	lifetimeMs int64
}

func (r *fakeRemote) SendLogEnabled() bool {
	return r.enabled
}

func (r *fakeRemote) PayloadLifetimeMs() int64 {
	return r.lifetimeMs
}

func newTestManager(t *testing.T, cl *test.Clock, remote RemoteConfig) *Manager {
	c := config.NewConfig(config.WithLoggingPrefix("sendlog_test"))
	d := test.NewTestDatabaseWithClock(c, cl)
	t.Cleanup(func() {
		if err := d.Shutdown(); err != nil {
			t.Logf("error shutting down database: %v", err)
		}
	})
	m, err := NewManager(c, d, cl, remote)
	require.Nil(t, err)
	return m
}

func TestRecordAndFetchPayload(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m := newTestManager(t, cl, nil)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()
	interactionID := ids.NewID()

	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintResendable, []ids.ID{interactionID})
	require.NotZero(payloadID)

	m.RecordPendingDelivery(payloadID, recipientID, 1)

	p := m.FetchPayload(recipientID, 1, sentAt)
	require.NotNil(p)
	require.Equal(payloadID, p.ID)
	require.Equal([]byte("hello"), p.Plaintext)
	require.Equal(ContentHintResendable, p.ContentHint)
	require.Equal(threadID, p.ThreadID)
	require.False(p.SendComplete)

	require.Nil(m.FetchPayload(recipientID, 2, sentAt))
	require.Nil(m.FetchPayload(ids.NewID(), 1, sentAt))
}

func TestRecordPayloadIdempotent(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m := newTestManager(t, cl, nil)

	threadID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	first := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	require.NotZero(first)
	second := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	require.Equal(first, second)
}

func TestRecordPayloadDifferingPlaintext(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m := newTestManager(t, cl, nil)

	threadID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	require.NotZero(m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil))
	require.Zero(m.RecordPayload([]byte("other"), threadID, sentAt, ContentHintDefault, nil))
}

func TestDeliveryLifecycle(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m := newTestManager(t, cl, nil)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintResendable, nil)
	require.NotZero(payloadID)
	m.RecordPendingDelivery(payloadID, recipientID, 1)
	m.RecordPendingDelivery(payloadID, recipientID, 2)
	require.Len(m.PendingRecipients(payloadID), 2)

	// one device acked, the other still pending, payload survives
	m.RecordSuccessfulDelivery(payloadID, recipientID, 1)
	require.Len(m.PendingRecipients(payloadID), 1)
	require.NotNil(m.FetchPayload(recipientID, 2, sentAt))

	// send complete but still one pending device, payload survives
	m.MarkSendComplete(payloadID)
	require.NotNil(m.FetchPayload(recipientID, 2, sentAt))

	// last ack collects the payload
	m.RecordSuccessfulDelivery(payloadID, recipientID, 2)
	require.Nil(m.FetchPayload(recipientID, 2, sentAt))
	require.Empty(m.PendingRecipients(payloadID))
}

func TestMarkSendCompleteCollectsWithoutPending(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m := newTestManager(t, cl, nil)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	require.NotZero(payloadID)
	m.MarkSendComplete(payloadID)

	m.RecordPendingDelivery(payloadID, recipientID, 1)
	require.Nil(m.FetchPayload(recipientID, 1, sentAt))
}

func TestReopenOnRetriedSend(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m := newTestManager(t, cl, nil)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	m.RecordPendingDelivery(payloadID, recipientID, 1)
	m.MarkSendComplete(payloadID)

	// a retried send reopens the payload, so the later ack is what
	// collects it rather than the earlier completion
	again := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	require.Equal(payloadID, again)
	m.RecordPendingDelivery(again, recipientID, 2)
	m.RecordSuccessfulDelivery(again, recipientID, 1)
	require.NotNil(m.FetchPayload(recipientID, 2, sentAt))
}

func TestKillSwitch(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	remote := &fakeRemote{enabled: false, lifetimeMs: 1000 * 60}
	m := newTestManager(t, cl, remote)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	require.Zero(m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil))

	remote.enabled = true
	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	require.NotZero(payloadID)
	m.RecordPendingDelivery(payloadID, recipientID, 1)
	require.NotNil(m.FetchPayload(recipientID, 1, sentAt))

	remote.enabled = false
	require.Nil(m.FetchPayload(recipientID, 1, sentAt))
}

func TestFetchExpiredPayload(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	remote := &fakeRemote{enabled: true, lifetimeMs: 1000 * 60}
	m := newTestManager(t, cl, remote)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	m.RecordPendingDelivery(payloadID, recipientID, 1)
	require.NotNil(m.FetchPayload(recipientID, 1, sentAt))

	cl.Advance(2 * time.Minute)
	require.Nil(m.FetchPayload(recipientID, 1, sentAt))
}

func TestPrune(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	remote := &fakeRemote{enabled: true, lifetimeMs: 1000 * 60}
	m := newTestManager(t, cl, remote)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	m.RecordPendingDelivery(payloadID, recipientID, 1)

	cl.Advance(2 * time.Minute)
	m.Prune()

	// back inside the lifetime window, the row itself is gone
	cl.Advance(-2 * time.Minute)
	require.Nil(m.FetchPayload(recipientID, 1, sentAt))
}

func TestBackgroundPruner(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	remote := &fakeRemote{enabled: true, lifetimeMs: 1000 * 60}
	m := newTestManager(t, cl, remote)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, nil)
	m.RecordPendingDelivery(payloadID, recipientID, 1)
	cl.Advance(2 * time.Minute)

	require.Nil(m.Start())
	defer func() {
		require.Nil(m.Shutdown())
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cl.Advance(-2 * time.Minute)
		p := m.FetchPayload(recipientID, 1, sentAt)
		cl.Advance(2 * time.Minute)
		if p == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail("payload was not pruned by the background pruner")
}

func TestMergeThread(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m := newTestManager(t, cl, nil)

	from := ids.NewID()
	into := ids.NewID()
	recipientID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	payloadID := m.RecordPayload([]byte("hello"), from, sentAt, ContentHintDefault, nil)
	m.RecordPendingDelivery(payloadID, recipientID, 1)
	m.MergeThread(from, into)

	p := m.FetchPayload(recipientID, 1, sentAt)
	require.NotNil(p)
	require.Equal(into, p.ThreadID)
}

func TestDeleteAllForInteraction(t *testing.T) {
	require := require.New(t)
	cl := test.NewClock()
	m := newTestManager(t, cl, nil)

	threadID := ids.NewID()
	recipientID := ids.NewID()
	interactionID := ids.NewID()
	sentAt := cl.CurrentTimeMs()

	payloadID := m.RecordPayload([]byte("hello"), threadID, sentAt, ContentHintDefault, []ids.ID{interactionID})
	m.RecordPendingDelivery(payloadID, recipientID, 1)
	require.NotNil(m.FetchPayload(recipientID, 1, sentAt))

	m.DeleteAllForInteraction(interactionID)
	require.Nil(m.FetchPayload(recipientID, 1, sentAt))
}
