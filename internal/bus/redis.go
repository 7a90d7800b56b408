package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/paveldudka/async-job-scheduler/internal/jobs"
	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

// RedisRelay shares one event space across processes: every published
// event goes to a Redis channel, and a forwarder re-broadcasts inbound
// messages into the local hub. With the relay in place the engine
// publishes through it instead of the hub, so local subscribers see
// exactly the stream every other process sees.
type RedisRelay struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	hub     *Hub
}

// NewRedisRelay connects to Redis and verifies the connection. The client
// is constructed once here and torn down by Close; nothing else in the
// process opens its own connection.
func NewRedisRelay(log *logger.Logger, addr, channel string, hub *Hub) (*RedisRelay, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		channel = "jobs-events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRelay{
		log:     log.With("component", "RedisRelay"),
		rdb:     rdb,
		channel: channel,
		hub:     hub,
	}, nil
}

// Publish sends the event to the Redis channel. Local delivery happens
// when the forwarder receives it back.
func (r *RedisRelay) Publish(evt jobs.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		r.log.Warn("Could not marshal event", "error", err)
		return
	}
	if err := r.rdb.Publish(context.Background(), r.channel, raw).Err(); err != nil {
		r.log.Warn("Redis publish failed", "topic", evt.Topic(), "error", err)
	}
}

// Start subscribes to the Redis channel and forwards every message into
// the local hub until ctx is cancelled.
func (r *RedisRelay) Start(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var evt jobs.Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					r.log.Warn("Bad relay payload", "error", err)
					continue
				}
				r.hub.Publish(evt)
			}
		}
	}()

	return nil
}

func (r *RedisRelay) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
