package livestatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresTransports(t *testing.T) {
	_, err := New(Config{}, WithFetcher(&fakeFetcher{}))
	assert.ErrorContains(t, err, "Dialer")

	_, err = New(Config{}, WithDialer(&fakeDialer{}))
	assert.ErrorContains(t, err, "Fetcher")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{BaseDelay: 10 * time.Second, MaxDelay: time.Second},
		WithDialer(&fakeDialer{}), WithFetcher(&fakeFetcher{}))
	assert.ErrorContains(t, err, "max_delay")
}

func TestClient_SubscribeAfterCloseFails(t *testing.T) {
	env := setupClient(t, Config{}, true)
	env.client.Close()
	env.client.Close()

	_, err := env.client.SubscribeFunc("u1", KindStatusUpdate, func(EventMessage) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, env.client.Subjects())
}

func TestClient_UnsubscribeAfterCloseIsSafe(t *testing.T) {
	env := setupClient(t, Config{}, true)
	unsub, err := env.client.SubscribeFunc("u1", KindStatusUpdate, func(EventMessage) {})
	require.NoError(t, err)
	waitPhase(t, env.client, "u1", PhaseOpen)

	env.client.Close()
	assert.NotPanics(t, func() { unsub() })
	assert.NotPanics(t, func() { unsub() })
	assert.Equal(t, 0, env.client.Refs("u1"))
}

func TestClient_SubscribeFuncRejectsNil(t *testing.T) {
	env := setupClient(t, Config{}, true)
	_, err := env.client.SubscribeFunc("u1", KindStatusUpdate, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

// One subscriber: u1 connects, receives a status update, unmounts.
func TestClient_SingleSubscriberLifecycle(t *testing.T) {
	env := setupClient(t, Config{}, true)
	log := &stateLog{}
	env.client.OnStateChange(log.record)
	rec := &recorder{}

	unsub, err := env.client.Subscribe("u1", KindStatusUpdate, rec)
	require.NoError(t, err)
	assert.Equal(t, []Subject{"u1"}, env.client.Subjects())
	waitPhase(t, env.client, "u1", PhaseOpen)

	env.dialer.last().send(`{"type":"status_update","subjectId":"u1","payload":{"status":"in_review"}}`)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	unsub()
	assert.Empty(t, env.client.Subjects())
	waitStreamClosed(t, env.dialer.last())
	log.wait(t, "u1", PhaseConnecting, PhaseOpen, PhaseClosed)
}

// Two subscribers on one subject share a single transport.
func TestClient_TwoSubscribersShareTransport(t *testing.T) {
	env := setupClient(t, Config{}, true)
	a, b := &recorder{}, &recorder{}

	unsubA, err := env.client.Subscribe("u1", KindStatusUpdate, a)
	require.NoError(t, err)
	unsubB, err := env.client.Subscribe("u1", KindStatusUpdate, b)
	require.NoError(t, err)
	waitPhase(t, env.client, "u1", PhaseOpen)
	assert.Equal(t, int32(1), env.dialer.calls.Load())

	env.dialer.last().send(`{"type":"status_update","payload":{"status":"approved"}}`)
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, time.Millisecond)

	unsubA()
	assert.Equal(t, PhaseOpen, env.client.State("u1").Phase)
	env.dialer.last().send(`{"type":"status_update","payload":{"status":"approved"}}`)
	require.Eventually(t, func() bool { return b.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, a.count())

	unsubB()
	assert.Equal(t, PhaseIdle, env.client.State("u1").Phase)
	waitStreamClosed(t, env.dialer.last())
}

// Subjects are independent: one in backoff does not affect another that is open.
func TestClient_SubjectsIndependent(t *testing.T) {
	env := setupClient(t, Config{}, true)
	_, err := env.client.SubscribeFunc("u1", KindStatusUpdate, func(EventMessage) {})
	require.NoError(t, err)
	waitPhase(t, env.client, "u1", PhaseOpen)

	env.dialer.setHealthy(false)
	_, err = env.client.SubscribeFunc("u2", KindStatusUpdate, func(EventMessage) {})
	require.NoError(t, err)
	waitReconnecting(t, env.client, "u2", 1)

	assert.True(t, env.client.Connected("u1"))
	assert.False(t, env.client.Connected("u2"))
	assert.Equal(t, []Subject{"u1", "u2"}, env.client.Subjects())
}

func TestClient_OnStateChangeRemove(t *testing.T) {
	env := setupClient(t, Config{}, true)
	log := &stateLog{}
	remove := env.client.OnStateChange(log.record)
	remove()

	_, err := env.client.SubscribeFunc("u1", KindStatusUpdate, func(EventMessage) {})
	require.NoError(t, err)
	waitPhase(t, env.client, "u1", PhaseOpen)
	assert.Empty(t, log.phases("u1"))
}

// u1 receives one document_verified frame over push.
func TestClient_PushDeliversDocumentVerified(t *testing.T) {
	env := setupClient(t, Config{}, true)
	rec := &recorder{}

	_, err := env.client.Subscribe("u1", KindDocumentVerified, rec)
	require.NoError(t, err)
	waitPhase(t, env.client, "u1", PhaseOpen)

	env.dialer.last().send(`{"type":"document_verified","subjectId":"u1","payload":{"score":92}}`)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, rec.count())

	msg := rec.all()[0]
	assert.JSONEq(t, `{"score":92}`, msg.Payload.String())
	assert.True(t, env.client.Connected("u1"))
	ev, err := msg.Typed()
	require.NoError(t, err)
	assert.InDelta(t, 92, ev.(*DocumentVerified).Score, 1e-9)
}

// u2: the first open and every reopen fail. When the fifth reopen fails the
// subject polls, and the first fetch arrives as a status_update.
func TestClient_FailedReopensFallBackToPolling(t *testing.T) {
	env := setupClient(t, Config{}, false)
	rec := &recorder{}

	_, err := env.client.Subscribe("u2", KindStatusUpdate, rec)
	require.NoError(t, err)
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		st := waitReconnecting(t, env.client, "u2", attempt)
		assert.Equal(t, 0, rec.count())
		env.clock.Advance(st.Delay)
	}

	waitPhase(t, env.client, "u2", PhasePolling)
	assert.Equal(t, int32(1+DefaultMaxAttempts), env.dialer.calls.Load())
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	msg := rec.all()[0]
	assert.JSONEq(t, `{"status":"pending"}`, msg.Payload.String())
	assert.Equal(t, TransportPoll, msg.Transport)
	assert.False(t, env.client.Connected("u2"))
}
