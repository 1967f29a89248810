package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ghyeongl/livestatus/livestatus"
)

// RelayPattern is the channel pattern the relay subscribes to. The subject id
// is the part after the prefix, e.g. "kyc:events:u1".
const (
	RelayPrefix  = "kyc:events:"
	RelayPattern = RelayPrefix + "*"
)

type ingester interface {
	Ingest(subject string, f livestatus.Frame) (EventRecord, int, error)
}

// Relay injects frames published on redis into the backend, exactly as if they
// had been POSTed to the events endpoint.
type Relay struct {
	client *redis.Client
	target ingester
}

// NewRelay connects to the redis server at url (redis://host:port/db).
func NewRelay(url string, target ingester) (*Relay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Relay{client: redis.NewClient(opts), target: target}, nil
}

// Run subscribes and relays messages until ctx is cancelled. ready, when
// non-nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	l := sub("relay")
	ps := r.client.PSubscribe(ctx, RelayPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", RelayPattern, err)
	}
	l.Info("relay subscribed", "pattern", RelayPattern)
	if ready != nil {
		close(ready)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			l.Info("relay stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay channel closed")
			}
			r.handle(msg)
		}
	}
}

func (r *Relay) handle(msg *redis.Message) {
	l := sub("relay")
	subject := strings.TrimPrefix(msg.Channel, RelayPrefix)
	if subject == "" {
		l.Warn("relay message without subject", "channel", msg.Channel)
		return
	}
	var f livestatus.Frame
	if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
		l.Warn("relay message is not a frame", "channel", msg.Channel, "err", err)
		return
	}
	if _, _, err := r.target.Ingest(subject, f); err != nil {
		l.Warn("relay ingest failed", "subject", subject, "err", err)
	}
}

// Close closes the redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
