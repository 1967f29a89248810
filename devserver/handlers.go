package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tomasen/realip"

	"github.com/ghyeongl/livestatus/livestatus"
)

// ErrBadEvent marks an injected event that cannot be recorded.
var ErrBadEvent = errors.New("bad event")

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	maxEventBytes     = 1 << 20
	writeWait         = 10 * time.Second
)

// Handlers holds the HTTP handlers of the dev backend.
type Handlers struct {
	store     *Store
	hub       *Hub
	keepalive time.Duration
	upgrader  websocket.Upgrader
}

// NewHandlers creates the HTTP handlers. keepalive is the ping frame period of
// stream connections.
func NewHandlers(store *Store, hub *Hub, keepalive time.Duration) *Handlers {
	return &Handlers{
		store:     store,
		hub:       hub,
		keepalive: keepalive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dev backend: any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Ingest records an event for subject and broadcasts it to the subject's stream
// clients. A status_update also replaces the subject's state. It returns the
// stored record and the number of clients the frame reached.
func (h *Handlers) Ingest(subject string, f livestatus.Frame) (EventRecord, int, error) {
	l := sub("ingest")
	kind, err := livestatus.ParseEventKind(f.Type)
	if err != nil {
		return EventRecord{}, 0, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if f.Subject != "" && string(f.Subject) != subject {
		return EventRecord{}, 0, fmt.Errorf("%w: subjectId %q does not match %q", ErrBadEvent, f.Subject, subject)
	}
	payload, err := livestatus.NewPayload(f.Payload)
	if err != nil {
		return EventRecord{}, 0, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if payload.IsEmpty() {
		payload = livestatus.MustPayload(map[string]any{})
	}

	msg := livestatus.EventMessage{ID: f.ID, Kind: kind, Subject: livestatus.Subject(subject), Payload: payload}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ev, err := msg.Typed()
	if err != nil {
		return EventRecord{}, 0, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}

	now := time.Now().UnixNano()
	rec := EventRecord{
		ID:        msg.ID,
		SubjectID: subject,
		Type:      kind.String(),
		Payload:   payload.Bytes(),
		CreatedAt: now,
	}
	if err := h.store.AppendEvent(rec); err != nil {
		return EventRecord{}, 0, err
	}
	if su, ok := ev.(*livestatus.StatusUpdate); ok {
		if err := h.store.UpsertSubject(SubjectState{
			ID:        subject,
			Status:    su.Status,
			Payload:   payload.Bytes(),
			UpdatedAt: now,
		}); err != nil {
			return EventRecord{}, 0, err
		}
	}

	frame, err := livestatus.EncodeFrame(msg)
	if err != nil {
		return EventRecord{}, 0, err
	}
	sent := h.hub.Publish(subject, frame)
	l.Info("event ingested", "subject", subject, "type", rec.Type, "id", rec.ID, "clients", sent)
	return rec, sent, nil
}

// HandleStatus handles GET /api/kyc/{id}/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	id := mux.Vars(r)["id"]

	st, err := h.store.GetSubject(id)
	if err != nil {
		l.Error("get subject failed", "subject", id, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, "subject not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(st.Payload) //nolint:errcheck
}

// HandleListEvents handles GET /api/kyc/{id}/events?limit=<n>.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	id := mux.Vars(r)["id"]

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	items, err := h.store.RecentEvents(id, limit)
	if err != nil {
		l.Error("list events failed", "subject", id, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"items": items,
	})
}

// HandlePostEvent handles POST /api/kyc/{id}/events with a push frame body.
func (h *Handlers) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	id := mux.Vars(r)["id"]

	var f livestatus.Frame
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes)).Decode(&f); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	rec, sent, err := h.Ingest(id, f)
	if errors.Is(err, ErrBadEvent) {
		l.Warn("rejected event", "subject", id, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		l.Error("ingest failed", "subject", id, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"id":        rec.ID,
		"delivered": sent,
	})
}

// HandleStream handles GET /api/kyc/{id}/stream (websocket). The current state
// is sent first as a status_update, followed by every ingested event and a ping
// frame each keepalive period.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	l := sub("stream").With("subject", id, "remote", realip.FromRequest(r))

	// Subscribe before the handshake completes so nothing ingested after the
	// client's dial returns is missed.
	ch := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(id, ch)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn("upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("stream client connected", "clients", h.hub.Clients(id))

	// The client never sends data frames; reading drives control frames and
	// notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if st, err := h.store.GetSubject(id); err == nil && st != nil {
		if frame, err := encodeState(st); err == nil {
			if err := writeFrame(conn, frame); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	ping := []byte(`{"type":"ping"}`)

	for {
		select {
		case <-gone:
			l.Info("stream client disconnected")
			return
		case frame, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := writeFrame(conn, frame); err != nil {
				l.Warn("stream write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := writeFrame(conn, ping); err != nil {
				return
			}
		}
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
}

func writeFrame(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func encodeState(st *SubjectState) ([]byte, error) {
	payload, err := livestatus.NewPayload(st.Payload)
	if err != nil {
		return nil, err
	}
	return livestatus.EncodeFrame(livestatus.EventMessage{
		Kind:    livestatus.KindStatusUpdate,
		Subject: livestatus.Subject(st.ID),
		Payload: payload,
	})
}
