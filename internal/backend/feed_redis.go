package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const subscribeTimeout = 5 * time.Second

// RedisTransport implements Transport over Redis pub/sub. Each scope
// maps to one channel, so scope filtering is enforced at
// subscription-registration time by the broker itself.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport dials Redis and verifies connectivity.
func NewRedisTransport(redisURL string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisTransport{client: client}, nil
}

// NewRedisTransportWithClient wraps an existing Redis client.
func NewRedisTransportWithClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// channel maps a scope to its Redis pub/sub channel.
func (t *RedisTransport) channel(scope string) string {
	return "feed:" + scope
}

// Publish emits one raw change event on the channel for its scope.
// The production backend publishes these itself; this side is used by
// diagnostics and tests.
func (t *RedisTransport) Publish(ctx context.Context, ev RawEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel(ev.Scope), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// OpenChangeFeed subscribes to the scope's channel and starts the
// pump goroutine. The returned feed reports connecting immediately and
// subscribed (or timed_out / channel_error) once registration settles.
func (t *RedisTransport) OpenChangeFeed(ctx context.Context, scope string) (ChangeFeed, error) {
	pubsub := t.client.Subscribe(ctx, t.channel(scope))
	feed := &redisFeed{
		pubsub: pubsub,
		events: make(chan RawEvent, 256),
		status: make(chan FeedStatus, 8),
		done:   make(chan struct{}),
	}
	feed.pushStatus(StatusConnecting)
	go feed.pump(ctx)
	return feed, nil
}

type redisFeed struct {
	pubsub    *redis.PubSub
	events    chan RawEvent
	status    chan FeedStatus
	done      chan struct{}
	closeOnce sync.Once
}

func (f *redisFeed) Events() <-chan RawEvent   { return f.events }
func (f *redisFeed) Status() <-chan FeedStatus { return f.status }

func (f *redisFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.pubsub.Close()
	})
	return err
}

func (f *redisFeed) pump(ctx context.Context) {
	defer close(f.events)
	defer close(f.status)

	// Wait for the broker to confirm registration before reporting
	// subscribed; events published before this point never existed for
	// this feed.
	if _, err := f.pubsub.ReceiveTimeout(ctx, subscribeTimeout); err != nil {
		if isTimeout(err) {
			f.pushStatus(StatusTimedOut)
		} else {
			f.pushStatus(StatusChannelError)
		}
		return
	}
	f.pushStatus(StatusSubscribed)

	for {
		select {
		case <-f.done:
			f.pushStatus(StatusClosed)
			return
		case msg, ok := <-f.pubsub.Channel():
			if !ok {
				select {
				case <-f.done:
					f.pushStatus(StatusClosed)
				default:
					f.pushStatus(StatusChannelError)
				}
				return
			}
			var ev RawEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				// Malformed frames are dropped; the feed contract is
				// per-event, not per-byte.
				continue
			}
			select {
			case f.events <- ev:
			case <-f.done:
				f.pushStatus(StatusClosed)
				return
			}
		}
	}
}

// pushStatus never blocks; if the consumer is not draining statuses,
// older values are superseded anyway.
func (f *redisFeed) pushStatus(status FeedStatus) {
	select {
	case f.status <- status:
	default:
	}
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
