package livestatus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jellydator/ttlcache/v3"
	"github.com/samber/lo"
)

// Snapshot is what a consumer renders: connectivity, the latest payload per
// kind, and the recent discrete events (oldest first).
type Snapshot struct {
	Subject   Subject
	Connected bool
	State     ConnectionState
	Latest    map[EventKind]EventMessage
	Recent    []EventMessage
}

// View tracks one subject for one consumer. It holds one subscription per
// kind from creation until Close.
type View struct {
	subject Subject
	unsubs  []Unsubscribe
	unwatch func()

	mu      sync.Mutex
	closed  bool
	state   ConnectionState
	latest  map[EventKind]EventMessage
	recent  *ttlcache.Cache[string, recentEntry]
	seq     uint64
	changed chan struct{}
}

type recentEntry struct {
	seq uint64
	msg EventMessage
}

// Watch creates a View for subject. Close it exactly once when done.
func (c *Client) Watch(subject Subject) (*View, error) {
	if subject == "" {
		return nil, ErrEmptySubject
	}
	v := &View{
		subject: subject,
		latest:  make(map[EventKind]EventMessage),
		recent: ttlcache.New[string, recentEntry](
			ttlcache.WithTTL[string, recentEntry](c.cfg.RecentEventTTL),
			ttlcache.WithCapacity[string, recentEntry](uint64(c.cfg.RecentEventLimit)),
			ttlcache.WithDisableTouchOnHit[string, recentEntry](),
		),
		changed: make(chan struct{}, 1),
	}

	// Listen before subscribing so the Connecting transition is observed.
	v.unwatch = c.OnStateChange(v.onStateChange)
	v.mu.Lock()
	v.state = c.State(subject)
	v.mu.Unlock()

	for _, kind := range AllKinds {
		unsub, err := c.Subscribe(subject, kind, v)
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("watch %s: %w", subject, err)
		}
		v.unsubs = append(v.unsubs, unsub)
	}
	return v, nil
}

// Subject returns the watched subject.
func (v *View) Subject() Subject { return v.subject }

// HandleEvent implements Handler.
func (v *View) HandleEvent(m EventMessage) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.latest[m.Kind] = m
	if m.Kind.IsDiscrete() {
		v.seq++
		key := m.ID
		if key == "" {
			key = fmt.Sprintf("%s#%d", m.Kind, v.seq)
		}
		if !v.recent.Has(key) {
			v.recent.Set(key, recentEntry{seq: v.seq, msg: m}, ttlcache.DefaultTTL)
		}
	}
	v.mu.Unlock()
	v.signal()
}

func (v *View) onStateChange(c StateChange) {
	if c.Subject != v.subject {
		return
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.state = c.To
	v.mu.Unlock()
	v.signal()
}

func (v *View) signal() {
	select {
	case v.changed <- struct{}{}:
	default:
	}
}

// Changed receives a value after updates; bursts are coalesced.
func (v *View) Changed() <-chan struct{} { return v.changed }

// Connected reports whether the push transport for the subject is open.
func (v *View) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.Connected()
}

// Latest returns the most recent message of kind, if any.
func (v *View) Latest(kind EventKind) (EventMessage, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.latest[kind]
	return m, ok
}

// Snapshot copies the current view state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.recent.DeleteExpired()
	entries := lo.FilterMap(lo.Values(v.recent.Items()), func(it *ttlcache.Item[string, recentEntry], _ int) (recentEntry, bool) {
		return it.Value(), !it.IsExpired()
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	latest := make(map[EventKind]EventMessage, len(v.latest))
	for k, m := range v.latest {
		latest[k] = m
	}
	return Snapshot{
		Subject:   v.subject,
		Connected: v.state.Connected(),
		State:     v.state,
		Latest:    latest,
		Recent:    lo.Map(entries, func(e recentEntry, _ int) EventMessage { return e.msg }),
	}
}

// Close releases every subscription of the view. Safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	for _, unsub := range v.unsubs {
		unsub()
	}
	if v.unwatch != nil {
		v.unwatch()
	}
	v.recent.DeleteAll()
}

// Facade hands out views keyed by an owner (a mounted component). Repeated
// Use calls with the same owner and subject reuse the view, so re-renders do
// not churn subscriptions.
type Facade struct {
	client *Client

	mu    sync.Mutex
	views map[string]*View
}

// NewFacade creates a facade over c.
func NewFacade(c *Client) *Facade {
	return &Facade{client: c, views: make(map[string]*View)}
}

// Use returns the owner's view of subject, creating it on first use. If the
// owner previously watched another subject that view is released first.
func (f *Facade) Use(owner string, subject Subject) (*View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.views[owner]; ok {
		if v.subject == subject {
			return v, nil
		}
		delete(f.views, owner)
		v.Close()
	}
	v, err := f.client.Watch(subject)
	if err != nil {
		return nil, err
	}
	f.views[owner] = v
	return v, nil
}

// Release closes the owner's view. Releasing an unknown owner is a no-op.
func (f *Facade) Release(owner string) {
	f.mu.Lock()
	v, ok := f.views[owner]
	delete(f.views, owner)
	f.mu.Unlock()
	if ok {
		v.Close()
	}
}

// Owners returns the owners holding a view.
func (f *Facade) Owners() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	owners := lo.Keys(f.views)
	sort.Strings(owners)
	return owners
}

// Close releases every view.
func (f *Facade) Close() {
	f.mu.Lock()
	views := lo.Values(f.views)
	f.views = make(map[string]*View)
	f.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
}
