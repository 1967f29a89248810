package livestatus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// --- fakeClock: timers fire only when the test advances time ---

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	delay time.Duration
	f     func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves time forward and runs every timer that became due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// Pending returns the delays of timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.done {
			out = append(out, t.delay)
		}
	}
	return out
}

// --- fakeStream / fakeDialer ---

type fakeStream struct {
	frames chan []byte
	failed chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 16),
		failed: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) ReadFrame() ([]byte, error) {
	select {
	case raw := <-s.frames:
		return raw, nil
	case err := <-s.failed:
		return nil, err
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) send(raw string) { s.frames <- []byte(raw) }

func (s *fakeStream) fail(err error) { s.failed <- err }

// fakeDialer hands out fresh streams while healthy and errors otherwise.
type fakeDialer struct {
	mu      sync.Mutex
	healthy bool
	streams []*fakeStream
	calls   atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, subject Subject) (Stream, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.healthy {
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) setHealthy(v bool) {
	d.mu.Lock()
	d.healthy = v
	d.mu.Unlock()
}

func (d *fakeDialer) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// fakeFetcher returns body on every call.
type fakeFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) FetchSubjectState(ctx context.Context, subject Subject) ([]byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func (f *fakeFetcher) set(body string, err error) {
	f.mu.Lock()
	f.body, f.err = body, err
	f.mu.Unlock()
}

// --- recorder: collects delivered messages ---

type recorder struct {
	mu   sync.Mutex
	msgs []EventMessage
}

func (r *recorder) HandleEvent(m EventMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) all() []EventMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventMessage(nil), r.msgs...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// --- harness ---

type testEnv struct {
	client  *Client
	clock   *fakeClock
	dialer  *fakeDialer
	fetcher *fakeFetcher
}

func setupClient(t *testing.T, cfg Config, healthy bool, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   newFakeClock(),
		dialer:  &fakeDialer{healthy: healthy},
		fetcher: &fakeFetcher{body: `{"status":"pending"}`},
	}
	opts = append([]Option{WithDialer(env.dialer), WithFetcher(env.fetcher), WithClock(env.clock)}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	env.client = c
	t.Cleanup(c.Close)
	return env
}

func waitPhase(t *testing.T, c *Client, subject Subject, phase ConnPhase) ConnectionState {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State(subject).Phase == phase
	}, 2*time.Second, time.Millisecond, "subject %s never reached %s (now %s)", subject, phase, c.State(subject))
	return c.State(subject)
}

func waitReconnecting(t *testing.T, c *Client, subject Subject, attempt int) ConnectionState {
	t.Helper()
	require.Eventually(t, func() bool {
		st := c.State(subject)
		return st.Phase == PhaseReconnecting && st.Attempt == attempt
	}, 2*time.Second, time.Millisecond, "subject %s never reached attempt %d (now %s)", subject, attempt, c.State(subject))
	return c.State(subject)
}

func waitStreamClosed(t *testing.T, s *fakeStream) {
	t.Helper()
	require.Eventually(t, s.isClosed, 2*time.Second, time.Millisecond, "stream was never closed")
}

// waitTimers waits until exactly n fake timers are armed.
func waitTimers(t *testing.T, c *fakeClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Pending()) == n }, 2*time.Second, time.Millisecond,
		"want %d pending timers, have %v", n, c.Pending())
}
