// Package livestatus keeps in-process consumers informed of asynchronous KYC
// backend events for a subject. A websocket push transport is preferred; after
// repeated failures the subject falls back to polling the REST state endpoint.
// Consumers never see which transport is active, only a connectivity flag.
package livestatus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Subject identifies the entity being observed (a user's KYC record id).
type Subject string

// EventKind is the closed set of event types delivered to subscribers.
type EventKind int

const (
	KindStatusUpdate EventKind = iota + 1
	KindDocumentUploaded
	KindDocumentVerified
	KindDocumentRejected
	KindDocumentFlagged
	KindExpiryAlert
)

// AllKinds lists every EventKind in declaration order.
var AllKinds = []EventKind{
	KindStatusUpdate,
	KindDocumentUploaded,
	KindDocumentVerified,
	KindDocumentRejected,
	KindDocumentFlagged,
	KindExpiryAlert,
}

var (
	ErrUnknownKind  = errors.New("unknown event kind")
	ErrEmptySubject = errors.New("empty subject")
)

func (k EventKind) String() string {
	switch k {
	case KindStatusUpdate:
		return "status_update"
	case KindDocumentUploaded:
		return "document_uploaded"
	case KindDocumentVerified:
		return "document_verified"
	case KindDocumentRejected:
		return "document_rejected"
	case KindDocumentFlagged:
		return "document_flagged"
	case KindExpiryAlert:
		return "expiry_alert"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Valid reports whether k is one of AllKinds.
func (k EventKind) Valid() bool {
	return k >= KindStatusUpdate && k <= KindExpiryAlert
}

// IsDiscrete reports whether the kind is event-like (upload, verify, reject,
// flag, expiry) rather than state-like (status).
func (k EventKind) IsDiscrete() bool {
	return k.Valid() && k != KindStatusUpdate
}

// ParseEventKind maps a wire name to its EventKind.
func ParseEventKind(s string) (EventKind, error) {
	for _, k := range AllKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Transport names the channel a message arrived through.
type Transport string

const (
	TransportPush Transport = "push"
	TransportPoll Transport = "poll"
)

// Payload is an immutable JSON snapshot. The zero value is an empty payload.
type Payload struct {
	raw []byte
}

// NewPayload validates and copies raw JSON into a Payload.
func NewPayload(raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Payload{}, nil
	}
	if !json.Valid(trimmed) {
		return Payload{}, errors.New("payload is not valid JSON")
	}
	return Payload{raw: bytes.Clone(trimmed)}, nil
}

// MustPayload marshals v into a Payload and panics on failure. Intended for tests
// and fixtures.
func MustPayload(v any) Payload {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	p, err := NewPayload(b)
	if err != nil {
		panic(err)
	}
	return p
}

// IsEmpty reports whether the payload carries no document.
func (p Payload) IsEmpty() bool { return len(p.raw) == 0 }

// Bytes returns a copy of the raw JSON.
func (p Payload) Bytes() []byte { return bytes.Clone(p.raw) }

func (p Payload) String() string { return string(p.raw) }

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if p.IsEmpty() {
		return nil
	}
	return json.Unmarshal(p.raw, v)
}

// Map returns a fresh map copy of an object payload.
func (p Payload) Map() (map[string]any, error) {
	out := map[string]any{}
	if err := p.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal compares two payloads semantically, ignoring key order and whitespace.
func (p Payload) Equal(other Payload) bool {
	if bytes.Equal(p.raw, other.raw) {
		return true
	}
	var a, b any
	if p.Decode(&a) != nil || other.Decode(&b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsEmpty() {
		return []byte("null"), nil
	}
	return p.Bytes(), nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*p = Payload{}
		return nil
	}
	parsed, err := NewPayload(b)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// EventMessage is a decoded event. Values are never mutated after creation;
// the payload is an immutable snapshot so copies can be shared freely.
type EventMessage struct {
	ID         string    `json:"id,omitempty"`
	Kind       EventKind `json:"type"`
	Subject    Subject   `json:"subjectId"`
	Payload    Payload   `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
	Transport  Transport `json:"transport"`
}

// Typed decodes the payload into the variant matching the message kind.
func (m EventMessage) Typed() (Event, error) {
	var ev Event
	switch m.Kind {
	case KindStatusUpdate:
		ev = &StatusUpdate{}
	case KindDocumentUploaded:
		ev = &DocumentUploaded{}
	case KindDocumentVerified:
		ev = &DocumentVerified{}
	case KindDocumentRejected:
		ev = &DocumentRejected{}
	case KindDocumentFlagged:
		ev = &DocumentFlagged{}
	case KindExpiryAlert:
		ev = &ExpiryAlert{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(m.Kind))
	}
	if err := m.Payload.Decode(ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return ev, nil
}

// Event is the sealed set of typed payload variants.
type Event interface {
	Kind() EventKind
	sealed()
}

// StatusUpdate is the state-like KYC record status.
type StatusUpdate struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// DocumentRef carries the fields shared by the document events.
type DocumentRef struct {
	DocumentID   string `json:"documentId,omitempty"`
	DocumentType string `json:"documentType,omitempty"`
}

type DocumentUploaded struct {
	DocumentRef
	FileName string `json:"fileName,omitempty"`
}

type DocumentVerified struct {
	DocumentRef
	Score float64 `json:"score,omitempty"`
}

type DocumentRejected struct {
	DocumentRef
	Reason string `json:"reason,omitempty"`
}

type DocumentFlagged struct {
	DocumentRef
	Flags []string `json:"flags,omitempty"`
}

// ExpiryAlert warns that a document or the whole record is about to expire.
type ExpiryAlert struct {
	DocumentRef
	ExpiresAt time.Time `json:"expiresAt"`
	DaysLeft  int       `json:"daysLeft,omitempty"`
}

func (*StatusUpdate) Kind() EventKind     { return KindStatusUpdate }
func (*DocumentUploaded) Kind() EventKind { return KindDocumentUploaded }
func (*DocumentVerified) Kind() EventKind { return KindDocumentVerified }
func (*DocumentRejected) Kind() EventKind { return KindDocumentRejected }
func (*DocumentFlagged) Kind() EventKind  { return KindDocumentFlagged }
func (*ExpiryAlert) Kind() EventKind      { return KindExpiryAlert }

func (*StatusUpdate) sealed()     {}
func (*DocumentUploaded) sealed() {}
func (*DocumentVerified) sealed() {}
func (*DocumentRejected) sealed() {}
func (*DocumentFlagged) sealed()  {}
func (*ExpiryAlert) sealed()      {}
