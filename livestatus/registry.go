package livestatus

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

var ErrNilHandler = errors.New("nil handler")

// Handler receives messages for one (subject, kind) subscription.
//
// Handlers with comparable dynamic types (pointers, plain structs) have an
// identity: registering the same handler twice for a (subject, kind) delivers
// each message once. HandlerFunc values are not comparable and are always
// separate registrations.
type Handler interface {
	HandleEvent(EventMessage)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(EventMessage)

func (f HandlerFunc) HandleEvent(m EventMessage) { f(m) }

// attacher is told when a subject gains its first and loses its last subscriber.
// Calls arrive under the registry lock, in refcount order, and must not block
// or call back into the registry.
type attacher interface {
	Attach(Subject)
	Detach(Subject)
}

// Registry maps subject → kind → handlers and reference-counts subjects.
// The first subscription for a subject attaches its transport; removing the
// last detaches it.
type Registry struct {
	mu       sync.Mutex
	subjects map[Subject]*subjectEntry
	attacher attacher
	metrics  *Metrics
}

type subjectEntry struct {
	refs  int
	kinds map[EventKind][]*delivery // copy-on-write on removal
}

// delivery is one distinct handler for a (subject, kind); holders counts the
// subscriptions sharing it.
type delivery struct {
	handler Handler
	key     any
	holders atomic.Int32
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	reg     *Registry
	subject Subject
	kind    EventKind
	d       *delivery
	done    atomic.Bool
}

// NewRegistry creates a registry that reports attach/detach to a.
func NewRegistry(a attacher, m *Metrics) *Registry {
	return &Registry{
		subjects: make(map[Subject]*subjectEntry),
		attacher: a,
		metrics:  m,
	}
}

// Subscribe registers h for messages of kind on subject. Registration is
// constant-time apart from the duplicate-handler scan within one (subject, kind).
func (r *Registry) Subscribe(subject Subject, kind EventKind, h Handler) (*Subscription, error) {
	if subject == "" {
		return nil, ErrEmptySubject
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	key := handlerKey(h)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.subjects[subject]
	first := !ok
	if first {
		entry = &subjectEntry{kinds: make(map[EventKind][]*delivery)}
		r.subjects[subject] = entry
	}

	d, found := lo.Find(entry.kinds[kind], func(d *delivery) bool { return d.key == key })
	if !found {
		d = &delivery{handler: h, key: key}
		entry.kinds[kind] = append(entry.kinds[kind], d)
	}
	d.holders.Add(1)
	entry.refs++

	if logEnabled(slog.LevelDebug) {
		sub("registry").Debug("subscribe", "subject", subject, "kind", kind, "refs", entry.refs, "dedup", found)
	}

	if first {
		r.metrics.attached(1)
		if r.attacher != nil {
			r.attacher.Attach(subject)
		}
	}
	return &Subscription{reg: r, subject: subject, kind: kind, d: d}, nil
}

// Unsubscribe removes the subscription. Calling it again is a no-op.
// No invocation of the handler starts after Unsubscribe returns, unless the
// same handler is still held by another subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.done.CompareAndSwap(false, true) {
		return
	}
	s.reg.remove(s)
}

// Subject returns the subscribed subject.
func (s *Subscription) Subject() Subject { return s.subject }

// Kind returns the subscribed event kind.
func (s *Subscription) Kind() EventKind { return s.kind }

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.subjects[s.subject]
	if !ok {
		return
	}
	if s.d.holders.Add(-1) <= 0 {
		entry.kinds[s.kind] = lo.Without(entry.kinds[s.kind], s.d)
		if len(entry.kinds[s.kind]) == 0 {
			delete(entry.kinds, s.kind)
		}
	}
	entry.refs--

	if logEnabled(slog.LevelDebug) {
		sub("registry").Debug("unsubscribe", "subject", s.subject, "kind", s.kind, "refs", entry.refs)
	}

	if entry.refs <= 0 {
		delete(r.subjects, s.subject)
		r.metrics.attached(-1)
		if r.attacher != nil {
			r.attacher.Detach(s.subject)
		}
	}
}

// Refs returns the number of live subscriptions for subject.
func (r *Registry) Refs(subject Subject) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.subjects[subject]; ok {
		return entry.refs
	}
	return 0
}

// Subjects returns the subjects with at least one subscription.
func (r *Registry) Subjects() []Subject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Keys(r.subjects)
}

// dispatch invokes every handler currently registered for (subject, msg.Kind).
// A panicking handler is logged and skipped; siblings still receive msg.
func (r *Registry) dispatch(subject Subject, msg EventMessage) int {
	r.mu.Lock()
	entry, ok := r.subjects[subject]
	var targets []*delivery
	if ok {
		targets = entry.kinds[msg.Kind]
	}
	r.mu.Unlock()

	delivered := 0
	for _, d := range targets {
		if d.holders.Load() <= 0 {
			continue
		}
		if r.invoke(d, msg) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) invoke(d *delivery, msg EventMessage) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			r.metrics.handlerPanic()
			sub("registry").Error("handler panicked",
				"subject", msg.Subject, "kind", msg.Kind, "err", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
		}
	}()
	d.handler.HandleEvent(msg)
	return true
}

// handlerKey returns the identity used to deduplicate h. Values that cannot be
// compared at runtime get a fresh identity.
func handlerKey(h Handler) any {
	if reflect.ValueOf(h).Comparable() {
		return h
	}
	return new(int)
}
