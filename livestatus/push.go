package livestatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Stream is an open streaming connection.
type Stream interface {
	// ReadFrame blocks until the next raw frame arrives or the stream fails.
	// It must return an error once Close has been called.
	ReadFrame() ([]byte, error)
	Close() error
}

// Dialer opens a push stream scoped to one subject. Returning without error
// means the stream is ready.
type Dialer interface {
	Dial(ctx context.Context, subject Subject) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, subject Subject) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, subject Subject) (Stream, error) {
	return f(ctx, subject)
}

// WebsocketDialer dials the KYC status stream over a websocket.
type WebsocketDialer struct {
	// URL may contain "{subject}", replaced by the path-escaped subject id,
	// e.g. "wss://api.example.com/api/kyc/{subject}/stream".
	URL string
	// Token is sent as a bearer token when non-empty.
	Token  string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) endpoint(subject Subject) string {
	return strings.ReplaceAll(d.URL, "{subject}", url.PathEscape(string(subject)))
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, subject Subject) (Stream, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, d.endpoint(subject), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", subject, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", subject, err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *wsStream) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// PushTransport opens per-subject streams and decodes their frames.
type PushTransport struct {
	dialer  Dialer
	clock   Clock
	metrics *Metrics
}

// NewPushTransport creates a push transport over dialer.
func NewPushTransport(dialer Dialer, clock Clock, m *Metrics) *PushTransport {
	return &PushTransport{dialer: dialer, clock: clock, metrics: m}
}

// PushConn is one open push stream.
type PushConn struct {
	id      string
	subject Subject
	stream  Stream
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// Open dials the stream for subject. ctx bounds the open; its expiry is an
// open failure. On success a read loop passes each decoded message to deliver,
// and calls onClosed once if the stream ends before Close.
func (t *PushTransport) Open(ctx context.Context, subject Subject, deliver func(EventMessage), onClosed func(*PushConn, error)) (*PushConn, error) {
	l := sub("push")
	stream, err := t.dialer.Dial(ctx, subject)
	if err == nil && ctx.Err() != nil {
		stream.Close() //nolint:errcheck
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			l.Warn("push open timed out", "subject", subject)
		} else {
			l.Warn("push open failed", "subject", subject, "err", err)
		}
		return nil, err
	}

	c := &PushConn{
		id:      uuid.NewString(),
		subject: subject,
		stream:  stream,
		done:    make(chan struct{}),
	}
	l.Info("push open", "subject", subject, "conn", c.id)
	go t.readLoop(c, deliver, onClosed)
	return c, nil
}

func (t *PushTransport) readLoop(c *PushConn, deliver func(EventMessage), onClosed func(*PushConn, error)) {
	l := sub("push").With("subject", c.subject, "conn", c.id)
	defer close(c.done)
	for {
		raw, err := c.stream.ReadFrame()
		if err != nil {
			if c.closed.Load() {
				l.Debug("read loop stopped after close")
				return
			}
			l.Warn("push stream ended", "err", err)
			c.Close() //nolint:errcheck
			if onClosed != nil {
				onClosed(c, err)
			}
			return
		}

		msg, err := DecodeFrame(raw, c.subject, t.clock.Now())
		if errors.Is(err, errKeepalive) {
			continue
		}
		if err != nil {
			t.metrics.malformedFrame()
			l.Warn("dropping malformed frame", "err", err, "bytes", len(raw))
			continue
		}
		if c.closed.Load() {
			return
		}
		if logEnabled(slog.LevelDebug) {
			l.Debug("frame", "kind", msg.Kind, "id", msg.ID)
		}
		deliver(msg)
	}
}

// ID returns the connection id used in logs.
func (c *PushConn) ID() string { return c.id }

// Done is closed when the read loop has exited.
func (c *PushConn) Done() <-chan struct{} { return c.done }

// isClosed reports whether Close has run, including the read loop's own close
// when the stream fails.
func (c *PushConn) isClosed() bool { return c.closed.Load() }

// Close closes the stream. It is safe to call multiple times from any state.
func (c *PushConn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.stream.Close()
	})
	return err
}
