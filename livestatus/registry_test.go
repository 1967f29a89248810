package livestatus

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAttacher struct {
	mu       sync.Mutex
	attached map[Subject]int
	detached map[Subject]int
}

func newCountingAttacher() *countingAttacher {
	return &countingAttacher{attached: map[Subject]int{}, detached: map[Subject]int{}}
}

func (a *countingAttacher) Attach(s Subject) {
	a.mu.Lock()
	a.attached[s]++
	a.mu.Unlock()
}

func (a *countingAttacher) Detach(s Subject) {
	a.mu.Lock()
	a.detached[s]++
	a.mu.Unlock()
}

func (a *countingAttacher) counts(s Subject) (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached[s], a.detached[s]
}

func setupRegistry(t *testing.T) (*Registry, *countingAttacher) {
	t.Helper()
	a := newCountingAttacher()
	return NewRegistry(a, nil), a
}

func statusMsg(subject Subject, status string) EventMessage {
	return EventMessage{
		Kind:    KindStatusUpdate,
		Subject: subject,
		Payload: MustPayload(map[string]string{"status": status}),
	}
}

func TestRegistry_RefcountAttachDetach(t *testing.T) {
	r, a := setupRegistry(t)

	s1, err := r.Subscribe("u1", KindStatusUpdate, HandlerFunc(func(EventMessage) {}))
	require.NoError(t, err)
	s2, err := r.Subscribe("u1", KindDocumentUploaded, HandlerFunc(func(EventMessage) {}))
	require.NoError(t, err)

	attached, detached := a.counts("u1")
	assert.Equal(t, 1, attached)
	assert.Equal(t, 0, detached)
	assert.Equal(t, 2, r.Refs("u1"))

	s1.Unsubscribe()
	_, detached = a.counts("u1")
	assert.Equal(t, 0, detached)
	assert.Equal(t, 1, r.Refs("u1"))

	s2.Unsubscribe()
	s2.Unsubscribe()
	s1.Unsubscribe()
	attached, detached = a.counts("u1")
	assert.Equal(t, 1, attached)
	assert.Equal(t, 1, detached)
	assert.Equal(t, 0, r.Refs("u1"))
	assert.Empty(t, r.Subjects())
}

func TestRegistry_ResubscribeAfterDetachAttachesAgain(t *testing.T) {
	r, a := setupRegistry(t)

	s, err := r.Subscribe("u1", KindStatusUpdate, HandlerFunc(func(EventMessage) {}))
	require.NoError(t, err)
	s.Unsubscribe()
	_, err = r.Subscribe("u1", KindStatusUpdate, HandlerFunc(func(EventMessage) {}))
	require.NoError(t, err)

	attached, detached := a.counts("u1")
	assert.Equal(t, 2, attached)
	assert.Equal(t, 1, detached)
}

func TestRegistry_DispatchFiltersBySubjectAndKind(t *testing.T) {
	r, _ := setupRegistry(t)
	u1Status, u1Docs, u2Status := &recorder{}, &recorder{}, &recorder{}

	_, err := r.Subscribe("u1", KindStatusUpdate, u1Status)
	require.NoError(t, err)
	_, err = r.Subscribe("u1", KindDocumentUploaded, u1Docs)
	require.NoError(t, err)
	_, err = r.Subscribe("u2", KindStatusUpdate, u2Status)
	require.NoError(t, err)

	assert.Equal(t, 1, r.dispatch("u1", statusMsg("u1", "pending")))
	assert.Equal(t, 0, r.dispatch("u3", statusMsg("u3", "pending")))

	assert.Equal(t, 1, u1Status.count())
	assert.Equal(t, 0, u1Docs.count())
	assert.Equal(t, 0, u2Status.count())
}

func TestRegistry_SameHandlerDeliveredOnce(t *testing.T) {
	r, _ := setupRegistry(t)
	rec := &recorder{}

	s1, err := r.Subscribe("u1", KindStatusUpdate, rec)
	require.NoError(t, err)
	s2, err := r.Subscribe("u1", KindStatusUpdate, rec)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Refs("u1"))

	r.dispatch("u1", statusMsg("u1", "a"))
	assert.Equal(t, 1, rec.count())

	// Still held by s2.
	s1.Unsubscribe()
	r.dispatch("u1", statusMsg("u1", "b"))
	assert.Equal(t, 2, rec.count())

	s2.Unsubscribe()
	r.dispatch("u1", statusMsg("u1", "c"))
	assert.Equal(t, 2, rec.count())
}

func TestRegistry_HandlerFuncsAreDistinct(t *testing.T) {
	r, _ := setupRegistry(t)
	calls := 0
	fn := func(EventMessage) { calls++ }

	_, err := r.Subscribe("u1", KindStatusUpdate, HandlerFunc(fn))
	require.NoError(t, err)
	_, err = r.Subscribe("u1", KindStatusUpdate, HandlerFunc(fn))
	require.NoError(t, err)

	assert.Equal(t, 2, r.dispatch("u1", statusMsg("u1", "a")))
	assert.Equal(t, 2, calls)
}

func TestRegistry_NoDeliveryAfterUnsubscribe(t *testing.T) {
	r, _ := setupRegistry(t)
	rec := &recorder{}
	var s2 *Subscription

	// The first handler unsubscribes the second mid-dispatch.
	_, err := r.Subscribe("u1", KindStatusUpdate, HandlerFunc(func(EventMessage) { s2.Unsubscribe() }))
	require.NoError(t, err)
	s2, err = r.Subscribe("u1", KindStatusUpdate, rec)
	require.NoError(t, err)

	r.dispatch("u1", statusMsg("u1", "a"))
	assert.Equal(t, 0, rec.count())
}

func TestRegistry_PanicIsolated(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(newCountingAttacher(), m)
	rec := &recorder{}

	_, err := r.Subscribe("u1", KindStatusUpdate, HandlerFunc(func(EventMessage) { panic("boom") }))
	require.NoError(t, err)
	_, err = r.Subscribe("u1", KindStatusUpdate, rec)
	require.NoError(t, err)

	var delivered int
	require.NotPanics(t, func() { delivered = r.dispatch("u1", statusMsg("u1", "a")) })
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerPanics))

	r.dispatch("u1", statusMsg("u1", "b"))
	assert.Equal(t, 2, rec.count())
}

func TestRegistry_SubscribeValidation(t *testing.T) {
	r, a := setupRegistry(t)
	h := HandlerFunc(func(EventMessage) {})

	_, err := r.Subscribe("", KindStatusUpdate, h)
	assert.ErrorIs(t, err, ErrEmptySubject)

	_, err = r.Subscribe("u1", EventKind(0), h)
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = r.Subscribe("u1", EventKind(99), h)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = r.Subscribe("u1", KindStatusUpdate, nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	attached, _ := a.counts("u1")
	assert.Equal(t, 0, attached)
	assert.Equal(t, 0, r.Refs("u1"))
}

func TestRegistry_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	r, a := setupRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s, err := r.Subscribe("u1", KindStatusUpdate, &recorder{})
				if err != nil {
					t.Error(err)
					return
				}
				r.dispatch("u1", statusMsg("u1", "x"))
				s.Unsubscribe()
			}
		}()
	}
	wg.Wait()

	attached, detached := a.counts("u1")
	assert.Equal(t, attached, detached)
	assert.Equal(t, 0, r.Refs("u1"))
}
