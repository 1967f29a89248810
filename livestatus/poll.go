package livestatus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/marusama/semaphore/v2"
)

// Fetcher returns the current raw state of a subject from the REST API.
// The client treats the result as opaque JSON and never retries beyond
// skipping the tick.
type Fetcher interface {
	FetchSubjectState(ctx context.Context, subject Subject) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, subject Subject) ([]byte, error)

func (f FetcherFunc) FetchSubjectState(ctx context.Context, subject Subject) ([]byte, error) {
	return f(ctx, subject)
}

// HTTPFetcher reads GET {BaseURL}/api/kyc/{subject}/status.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

const maxStateBytes = 1 << 20

// FetchSubjectState implements Fetcher.
func (f *HTTPFetcher) FetchSubjectState(ctx context.Context, subject Subject) ([]byte, error) {
	u := strings.TrimRight(f.BaseURL, "/") + "/api/kyc/" + url.PathEscape(string(subject)) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", subject, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", subject, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStateBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s state: %w", subject, err)
	}
	return body, nil
}

// PollTransport periodically fetches subject state and synthesizes
// status_update messages. Fetches across all pollers share one semaphore.
type PollTransport struct {
	fetcher      Fetcher
	clock        Clock
	sem          semaphore.Semaphore
	fetchTimeout time.Duration
	metrics      *Metrics
}

// NewPollTransport creates a poll transport over fetcher.
func NewPollTransport(fetcher Fetcher, clock Clock, cfg Config, m *Metrics) *PollTransport {
	return &PollTransport{
		fetcher:      fetcher,
		clock:        clock,
		sem:          semaphore.New(cfg.MaxConcurrentFetches),
		fetchTimeout: cfg.FetchTimeout,
		metrics:      m,
	}
}

// Poller is one running poll loop.
type Poller struct {
	t        *PollTransport
	subject  Subject
	interval time.Duration
	deliver  func(EventMessage)
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	stopped bool
	timer   Timer
	seq     uint64
}

// Start performs one fetch immediately and then one every interval until Stop.
func (t *PollTransport) Start(subject Subject, interval time.Duration, deliver func(EventMessage)) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		t:        t,
		subject:  subject,
		interval: interval,
		deliver:  deliver,
		ctx:      ctx,
		cancel:   cancel,
	}
	sub("poll").Info("polling started", "subject", subject, "interval", interval)
	go p.tick()
	return p
}

// tick fetches once and then arms the next tick, so fetches and deliveries of
// one poller never overlap. A fetch slower than the interval delays the next.
func (p *Poller) tick() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	p.fetch(seq)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = p.t.clock.AfterFunc(p.interval, func() { go p.tick() })
}

func (p *Poller) fetch(seq uint64) {
	l := sub("poll")
	if err := p.t.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer p.t.sem.Release(1)

	ctx, cancel := context.WithTimeout(p.ctx, p.t.fetchTimeout)
	defer cancel()

	raw, err := p.t.fetcher.FetchSubjectState(ctx, p.subject)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.t.metrics.fetchFailure()
		l.Warn("poll fetch failed, skipping tick", "subject", p.subject, "err", err)
		return
	}
	payload, err := NewPayload(raw)
	if err != nil {
		p.t.metrics.fetchFailure()
		l.Warn("poll fetch returned invalid state, skipping tick", "subject", p.subject, "err", err)
		return
	}

	msg := EventMessage{
		Kind:       KindStatusUpdate,
		Subject:    p.subject,
		Payload:    payload,
		ReceivedAt: p.t.clock.Now(),
		Transport:  TransportPoll,
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}

	if logEnabled(slog.LevelDebug) {
		l.Debug("poll tick delivered", "subject", p.subject, "seq", seq)
	}
	p.deliver(msg)
}

// Stop clears the timer and cancels in-flight fetches. Safe to call multiple times.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.cancel()
	sub("poll").Info("polling stopped", "subject", p.subject)
}
