package livestatus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrSubjectMismatch = errors.New("frame subject does not match connection")
	errKeepalive       = errors.New("keepalive frame")
)

// frameKeepalive is the type of server heartbeat frames; they carry no event.
const frameKeepalive = "ping"

// Frame is the push wire format.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Subject Subject         `json:"subjectId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeFrame parses a raw push frame received on the connection for subject.
// A frame without a subject inherits the connection's subject.
func DecodeFrame(raw []byte, subject Subject, receivedAt time.Time) (EventMessage, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return EventMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == frameKeepalive {
		return EventMessage{}, errKeepalive
	}
	kind, err := ParseEventKind(f.Type)
	if err != nil {
		return EventMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Subject == "" {
		f.Subject = subject
	}
	if f.Subject != subject {
		return EventMessage{}, fmt.Errorf("%w: got %q want %q", ErrSubjectMismatch, f.Subject, subject)
	}
	payload, err := NewPayload(f.Payload)
	if err != nil {
		return EventMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return EventMessage{
		ID:         f.ID,
		Kind:       kind,
		Subject:    subject,
		Payload:    payload,
		ReceivedAt: receivedAt,
		Transport:  TransportPush,
	}, nil
}

// EncodeFrame renders a message in the push wire format.
func EncodeFrame(m EventMessage) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(m.Kind))
	}
	f := Frame{ID: m.ID, Type: m.Kind.String(), Subject: m.Subject}
	if !m.Payload.IsEmpty() {
		f.Payload = m.Payload.Bytes()
	}
	return json.Marshal(f)
}

var errStreamEnded = errors.New("stream ended during open")
