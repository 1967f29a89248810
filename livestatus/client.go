package livestatus

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("livestatus client closed")

// Unsubscribe releases one subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Client is an explicitly constructed delivery client. Independent clients
// share no mutable state.
type Client struct {
	cfg        Config
	clock      Clock
	metrics    *Metrics
	registry   *Registry
	bus        *EventBus
	supervisor *Supervisor
	closed     atomic.Bool
}

type clientOptions struct {
	dialer  Dialer
	fetcher Fetcher
	clock   Clock
	metrics *Metrics
}

// Option configures New.
type Option func(*clientOptions)

// WithDialer sets the push transport dialer. Required.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) { o.dialer = d }
}

// WithFetcher sets the REST state fetcher used while polling. Required.
func WithFetcher(f Fetcher) Option {
	return func(o *clientOptions) { o.fetcher = f }
}

// WithClock substitutes the time source and timer factory.
func WithClock(c Clock) Option {
	return func(o *clientOptions) { o.clock = c }
}

// WithMetrics records into m.
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// WithRegisterer creates metrics registered on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *clientOptions) { o.metrics = NewMetrics(reg) }
}

// New builds a client from cfg (zero fields take defaults) and options.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := clientOptions{clock: RealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		return nil, errors.New("livestatus: a Dialer is required")
	}
	if o.fetcher == nil {
		return nil, errors.New("livestatus: a Fetcher is required")
	}

	push := NewPushTransport(o.dialer, o.clock, o.metrics)
	poll := NewPollTransport(o.fetcher, o.clock, cfg, o.metrics)
	sup := newSupervisor(cfg, o.clock, push, poll, o.metrics)
	reg := NewRegistry(sup, o.metrics)
	bus := NewEventBus(reg, o.metrics)
	sup.bus = bus

	return &Client{
		cfg:        cfg,
		clock:      o.clock,
		metrics:    o.metrics,
		registry:   reg,
		bus:        bus,
		supervisor: sup,
	}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Subscribe registers h for kind events on subject. The first subscription for
// a subject attaches its transport; the returned Unsubscribe must be called
// exactly once when the caller loses interest.
func (c *Client) Subscribe(subject Subject, kind EventKind, h Handler) (Unsubscribe, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	s, err := c.registry.Subscribe(subject, kind, h)
	if err != nil {
		return nil, err
	}
	return s.Unsubscribe, nil
}

// SubscribeFunc is Subscribe for a plain function.
func (c *Client) SubscribeFunc(subject Subject, kind EventKind, fn func(EventMessage)) (Unsubscribe, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	return c.Subscribe(subject, kind, HandlerFunc(fn))
}

// State returns the connection state of subject.
func (c *Client) State(subject Subject) ConnectionState {
	return c.supervisor.State(subject)
}

// Connected reports whether subject's push transport is open.
func (c *Client) Connected(subject Subject) bool {
	return c.State(subject).Connected()
}

// Refs returns the number of live subscriptions for subject.
func (c *Client) Refs(subject Subject) int {
	return c.registry.Refs(subject)
}

// Subjects returns the subjects with an attached transport.
func (c *Client) Subjects() []Subject {
	return c.supervisor.Attached()
}

// OnStateChange registers fn for every connection transition of every subject.
func (c *Client) OnStateChange(fn func(StateChange)) func() {
	return c.supervisor.OnStateChange(fn)
}

// Close tears down every transport. Later Subscribe calls fail with ErrClosed;
// Unsubscribe functions obtained earlier remain safe to call.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.supervisor.Close()
	sub("client").Info("client closed")
}
