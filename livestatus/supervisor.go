package livestatus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// Supervisor owns transport selection per subject:
//
//	Idle ──attach──▶ Connecting ──ok──▶ Open ──closed──▶ Reconnecting(1, base)
//	Connecting ──fail──▶ Reconnecting(n+1, min(2d, max)) ──timer──▶ Connecting
//	Connecting ──fail, n ≥ maxAttempts──▶ Polling
//	any ──detach──▶ Closed (state discarded)
//
// Transport errors never escape; they only move the state machine.
// Attach and Detach never block on network I/O and never run listeners on the
// caller's stack: transitions are queued and delivered in order by one
// notifier goroutine.
type Supervisor struct {
	cfg     Config
	clock   Clock
	push    *PushTransport
	poll    *PollTransport
	bus     *EventBus
	metrics *Metrics

	mu        sync.Mutex
	conns     map[Subject]*subjectConn
	listeners map[int]func(StateChange)
	nextID    int
	closed    bool
	queue     []StateChange

	wake       chan struct{}
	notifyDone chan struct{}
	closers    sync.WaitGroup
}

type subjectConn struct {
	subject    Subject
	state      ConnectionState
	gen        uint64 // bumped on every transition; stale callbacks compare it
	openSeq    uint64 // bumped on every open; stale open results compare it
	push       *PushConn
	poller     *Poller
	retry      Timer
	probe      Timer
	openTimer  Timer
	cancelOpen context.CancelFunc
	detached   atomic.Bool
}

var errOpenTimeout = errors.New("push open timed out")

func newSupervisor(cfg Config, clock Clock, push *PushTransport, poll *PollTransport, m *Metrics) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		clock:      clock,
		push:       push,
		poll:       poll,
		metrics:    m,
		conns:      make(map[Subject]*subjectConn),
		listeners:  make(map[int]func(StateChange)),
		wake:       make(chan struct{}, 1),
		notifyDone: make(chan struct{}),
	}
	go s.notifyLoop()
	return s
}

// Attach starts the push transport for subject. A no-op if already attached.
func (s *Supervisor) Attach(subject Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.conns[subject]; ok {
		return
	}
	sc := &subjectConn{subject: subject, state: ConnectionState{Phase: PhaseIdle}}
	s.conns[subject] = sc
	sub("supervisor").Info("attach", "subject", subject)

	s.setStateLocked(sc, ConnectionState{Phase: PhaseConnecting})
	s.openLocked(sc, s.connectResultLocked)
}

// Detach tears down whatever transport subject has: the retry timer, an open
// in flight, the push stream and the poller. The subject's state is discarded.
func (s *Supervisor) Detach(subject Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.conns[subject]
	if !ok {
		return
	}
	delete(s.conns, subject)
	change := s.teardownLocked(sc)
	sub("supervisor").Info("detach", "subject", subject, "from", change.From)
}

func (s *Supervisor) teardownLocked(sc *subjectConn) StateChange {
	sc.detached.Store(true)
	s.stopTimersLocked(sc)
	s.clearOpenLocked(sc)
	if sc.push != nil {
		s.closeAsync(sc.push)
		sc.push = nil
	}
	if sc.poller != nil {
		sc.poller.Stop()
		sc.poller = nil
	}
	return s.setStateLocked(sc, ConnectionState{Phase: PhaseClosed})
}

// closeAsync closes conn off the caller's stack; the close handshake may block.
func (s *Supervisor) closeAsync(conn *PushConn) {
	s.closers.Add(1)
	go func() {
		defer s.closers.Done()
		conn.Close() //nolint:errcheck
	}()
}

func (s *Supervisor) stopTimersLocked(sc *subjectConn) {
	if sc.retry != nil {
		sc.retry.Stop()
		sc.retry = nil
	}
	if sc.probe != nil {
		sc.probe.Stop()
		sc.probe = nil
	}
}

func (s *Supervisor) clearOpenLocked(sc *subjectConn) {
	if sc.openTimer != nil {
		sc.openTimer.Stop()
		sc.openTimer = nil
	}
	if sc.cancelOpen != nil {
		sc.cancelOpen()
		sc.cancelOpen = nil
	}
}

// State returns the current state of subject; Idle when not attached.
func (s *Supervisor) State(subject Subject) ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.conns[subject]; ok {
		return sc.state
	}
	return ConnectionState{Phase: PhaseIdle}
}

// Attached returns the attached subjects in sorted order.
func (s *Supervisor) Attached() []Subject {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subject, 0, len(s.conns))
	for subject := range s.conns {
		out = append(out, subject)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OnStateChange registers fn for every transition; the returned func removes it.
// fn runs on the notifier goroutine, one change at a time in transition order.
// It may call back into the client but must not block.
func (s *Supervisor) OnStateChange(fn func(StateChange)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close detaches every subject, refuses further attaches, and returns once
// pending transitions are delivered and streams are closed.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for subject, sc := range s.conns {
			delete(s.conns, subject)
			s.teardownLocked(sc)
		}
		s.wakeLocked()
	}
	s.mu.Unlock()

	s.closers.Wait()
	<-s.notifyDone
}

// setStateLocked moves sc to state to and queues the change for listeners.
func (s *Supervisor) setStateLocked(sc *subjectConn, to ConnectionState) StateChange {
	from := sc.state
	sc.state = to
	sc.gen++
	s.metrics.transition(to.Phase)
	change := StateChange{Subject: sc.subject, From: from, To: to}
	s.queue = append(s.queue, change)
	s.wakeLocked()
	return change
}

func (s *Supervisor) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// notifyLoop delivers queued transitions in order until the supervisor is
// closed and the queue is drained.
func (s *Supervisor) notifyLoop() {
	defer close(s.notifyDone)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		fns := s.listenersLocked()
		s.mu.Unlock()

		for _, c := range batch {
			for _, fn := range fns {
				fn(c)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (s *Supervisor) listenersLocked() []func(StateChange) {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(StateChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	return fns
}

func (s *Supervisor) deliverFor(sc *subjectConn) func(EventMessage) {
	return func(msg EventMessage) {
		if sc.detached.Load() {
			return
		}
		s.bus.Publish(sc.subject, msg)
	}
}

// openLocked opens the push transport in the background. The first of the
// open result and OpenTimeout on s.clock is handed to done under s.mu; the
// other is discarded, and a stream that arrives late is closed.
func (s *Supervisor) openLocked(sc *subjectConn, done func(*subjectConn, *PushConn, error)) {
	sc.openSeq++
	seq := sc.openSeq
	ctx, cancel := context.WithCancel(context.Background())
	sc.cancelOpen = cancel
	sc.openTimer = s.clock.AfterFunc(s.cfg.OpenTimeout, func() {
		s.openFinished(sc, seq, nil, errOpenTimeout, done)
	})
	go func() {
		conn, err := s.push.Open(ctx, sc.subject, s.deliverFor(sc), s.onPushClosed(sc))
		s.openFinished(sc, seq, conn, err, done)
	}()
}

func (s *Supervisor) openFinished(sc *subjectConn, seq uint64, conn *PushConn, err error, done func(*subjectConn, *PushConn, error)) {
	s.mu.Lock()
	if sc.detached.Load() || sc.openSeq != seq || sc.cancelOpen == nil {
		s.mu.Unlock()
		if conn != nil {
			conn.Close() //nolint:errcheck
		}
		return
	}
	s.clearOpenLocked(sc)
	if err == nil && conn.isClosed() {
		err = errStreamEnded
	}
	done(sc, conn, err)
	s.mu.Unlock()
}

// connectResultLocked applies an open started from Connecting.
func (s *Supervisor) connectResultLocked(sc *subjectConn, conn *PushConn, err error) {
	if err != nil {
		if errors.Is(err, errOpenTimeout) {
			sub("supervisor").Warn("push open timed out", "subject", sc.subject, "timeout", s.cfg.OpenTimeout)
		}
		s.openFailedLocked(sc)
		return
	}
	sc.push = conn
	s.setStateLocked(sc, ConnectionState{Phase: PhaseOpen})
	sub("supervisor").Info("push connected", "subject", sc.subject, "conn", conn.ID())
}

func (s *Supervisor) openFailedLocked(sc *subjectConn) {
	next := sc.state.Attempt + 1
	if next > s.cfg.MaxAttempts {
		s.startPollingLocked(sc)
		return
	}
	s.scheduleRetryLocked(sc, next)
}

func (s *Supervisor) scheduleRetryLocked(sc *subjectConn, attempt int) {
	delay := s.cfg.backoffDelay(attempt)
	s.setStateLocked(sc, ConnectionState{Phase: PhaseReconnecting, Attempt: attempt, Delay: delay})
	s.metrics.reconnect()
	gen := sc.gen
	sc.retry = s.clock.AfterFunc(delay, func() { s.retryFired(sc, gen) })
	sub("supervisor").Info("reconnect scheduled", "subject", sc.subject, "attempt", attempt, "delay", delay)
}

func (s *Supervisor) retryFired(sc *subjectConn, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.detached.Load() || sc.gen != gen {
		return
	}
	sc.retry = nil
	s.setStateLocked(sc, ConnectionState{Phase: PhaseConnecting, Attempt: sc.state.Attempt})
	s.openLocked(sc, s.connectResultLocked)
}

func (s *Supervisor) onPushClosed(sc *subjectConn) func(*PushConn, error) {
	return func(conn *PushConn, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sc.detached.Load() || sc.push != conn {
			return
		}
		sc.push = nil
		sub("supervisor").Warn("push connection lost", "subject", sc.subject, "conn", conn.ID(), "err", err)
		s.scheduleRetryLocked(sc, 1)
	}
}

func (s *Supervisor) startPollingLocked(sc *subjectConn) {
	s.setStateLocked(sc, ConnectionState{Phase: PhasePolling})
	s.metrics.fallback()
	sub("supervisor").Warn("reconnect attempts exhausted, falling back to polling",
		"subject", sc.subject, "maxAttempts", s.cfg.MaxAttempts, "interval", s.cfg.PollInterval)
	sc.poller = s.poll.Start(sc.subject, s.cfg.PollInterval, s.deliverFor(sc))
	s.scheduleProbeLocked(sc)
}

// scheduleProbeLocked arms the opt-in push probe while polling.
func (s *Supervisor) scheduleProbeLocked(sc *subjectConn) {
	if s.cfg.PushProbeInterval <= 0 {
		return
	}
	gen := sc.gen
	sc.probe = s.clock.AfterFunc(s.cfg.PushProbeInterval, func() { s.probeFired(sc, gen) })
}

func (s *Supervisor) probeFired(sc *subjectConn, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.detached.Load() || sc.gen != gen || sc.state.Phase != PhasePolling {
		return
	}
	sc.probe = nil
	sub("supervisor").Debug("probing push while polling", "subject", sc.subject)
	s.openLocked(sc, s.probeResultLocked)
}

// probeResultLocked applies an open started by the push probe.
func (s *Supervisor) probeResultLocked(sc *subjectConn, conn *PushConn, err error) {
	if err != nil || sc.state.Phase != PhasePolling {
		if conn != nil {
			s.closeAsync(conn)
		}
		s.scheduleProbeLocked(sc)
		return
	}
	sc.poller.Stop()
	sc.poller = nil
	sc.push = conn
	s.setStateLocked(sc, ConnectionState{Phase: PhaseOpen})
	sub("supervisor").Info("push recovered while polling", "subject", sc.subject, "conn", conn.ID())
}
