package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	feedPrefix    = "live:feed:"
	controlPrefix = "live:ctl:"
	publishTTL    = 5 * time.Second
)

// ChangeFeed delivers registry change events per session over Redis pub/sub.
// It also carries the raw control-channel bridge used by the signaling hub
// for cross-instance broadcast.
type ChangeFeed struct {
	client *redis.Client
	logger *zap.Logger
}

// NewChangeFeed creates a Redis-backed change feed.
func NewChangeFeed(client *redis.Client, logger *zap.Logger) *ChangeFeed {
	return &ChangeFeed{client: client, logger: logger}
}

// Publish sends an event to the session's feed channel.
func (f *ChangeFeed) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	return f.client.Publish(pctx, feedPrefix+ev.SessionID.String(), body).Err()
}

// Subscribe returns a channel of events for one session and a cancel
// function. Cancelling closes the channel; that is the whole unsubscribe.
func (f *ChangeFeed) Subscribe(sessionID uuid.UUID) (<-chan Event, func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := f.client.Subscribe(ctx, feedPrefix+sessionID.String())
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, nil, fmt.Errorf("subscribe feed: %w", err)
	}
	out := make(chan Event, 32)
	in := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					f.logger.Warn("bad feed payload", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				default:
					// slow consumer, drop rather than block the feed
				}
			}
		}
	}()
	return out, cancelCtx, nil
}

// controlPayload is the envelope for raw control-channel messages.
type controlPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// PublishControl publishes a raw signaling event for cross-instance fan-out.
func (f *ChangeFeed) PublishControl(sessionID uuid.UUID, event string, payload []byte) error {
	body, err := json.Marshal(controlPayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return f.client.Publish(ctx, controlPrefix+sessionID.String(), body).Err()
}

// SubscribeControl subscribes to a session's raw control channel and invokes
// handler for each message. Returns a cancel function.
func (f *ChangeFeed) SubscribeControl(sessionID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := f.client.Subscribe(ctx, controlPrefix+sessionID.String())
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe control: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p controlPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
