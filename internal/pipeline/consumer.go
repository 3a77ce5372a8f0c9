package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jnohr/beacon/internal/event"
)

// EventHandler receives each decoded event. A handler error marks the
// message failed but the message is still acked; the stream never
// redelivers poison messages.
type EventHandler func(e *event.MetricsEvent) error

// ConsumerStats is a point-in-time view of the consumer's counters.
type ConsumerStats struct {
	Consumed      int64
	Processed     int64
	Failed        int64
	Invalid       int64
	ReadErrors    int64
	EventsPerSec  float64
	UptimeSeconds float64
	Connected     bool
}

// Consumer reads metric events from a Redis stream through a consumer
// group and hands them to a handler. Messages are always acked after a
// decode attempt; malformed payloads are logged and counted, never
// requeued.
type Consumer struct {
	client   *redis.Client
	stream   string
	group    string
	name     string
	prefetch int64
	ttl      time.Duration
	handler  EventHandler

	consumed   atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
	invalid    atomic.Int64
	readErrors atomic.Int64
	connected  atomic.Bool
	started    time.Time
}

// NewConsumer creates a stream consumer. name identifies this process
// inside the group.
func NewConsumer(client *redis.Client, cfg BrokerConfig, name string, handler EventHandler) *Consumer {
	return &Consumer{
		client:   client,
		stream:   cfg.MetricsStream,
		group:    cfg.ConsumerGroup,
		name:     name,
		prefetch: int64(cfg.PrefetchCount),
		ttl:      cfg.MetricsTTL.Duration,
		handler:  handler,
		started:  time.Now(),
	}
}

// Run consumes until ctx is cancelled. Group creation and transient
// read failures back off exponentially up to 30s and retry.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.ensureGroup(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.readErrors.Add(1)
		slog.Error("create consumer group failed", "stream", c.stream, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	c.connected.Store(true)

	trim := time.NewTicker(time.Minute)
	defer trim.Stop()

	backoff = time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trim.C:
			c.trimExpired(ctx)
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    c.prefetch,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == redis.Nil {
				continue
			}
			c.readErrors.Add(1)
			c.connected.Store(false)
			slog.Error("stream read failed", "stream", c.stream, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		c.connected.Store(true)

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handleMessage(ctx, msg)
			}
		}
	}
}

// ensureGroup creates the consumer group, tolerating a pre-existing one.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	c.consumed.Add(1)

	payload, ok := msg.Values["payload"].(string)
	if !ok {
		c.invalid.Add(1)
		slog.Warn("stream message without payload", "id", msg.ID)
	} else if len(payload) > event.MaxMessageSize {
		c.invalid.Add(1)
		slog.Warn("stream message too large", "id", msg.ID, "bytes", len(payload))
	} else if e, err := event.Decode([]byte(payload)); err != nil {
		c.invalid.Add(1)
		slog.Warn("invalid event", "id", msg.ID, "error", err)
	} else if err := c.handler(e); err != nil {
		c.failed.Add(1)
		slog.Warn("event handler failed", "id", msg.ID, "event_id", e.EventID, "error", err)
	} else {
		c.processed.Add(1)
	}

	if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		slog.Error("ack failed", "id", msg.ID, "error", err)
	}
}

// trimExpired drops stream entries older than the retention TTL. Stream
// IDs are millisecond timestamps, so the cutoff maps directly to an ID.
func (c *Consumer) trimExpired(ctx context.Context) {
	cutoff := time.Now().Add(-c.ttl).UnixMilli()
	minID := strconv.FormatInt(cutoff, 10)
	if err := c.client.XTrimMinID(ctx, c.stream, minID).Err(); err != nil {
		slog.Warn("stream trim failed", "stream", c.stream, "error", err)
	}
}

// Healthy reports whether the consumer's last read succeeded.
func (c *Consumer) Healthy() bool {
	return c.connected.Load()
}

// Stats returns the consumer's runtime counters.
func (c *Consumer) Stats() ConsumerStats {
	uptime := time.Since(c.started).Seconds()
	processed := c.processed.Load()
	var rate float64
	if uptime > 0 {
		rate = float64(processed) / uptime
	}
	return ConsumerStats{
		Consumed:      c.consumed.Load(),
		Processed:     processed,
		Failed:        c.failed.Load(),
		Invalid:       c.invalid.Load(),
		ReadErrors:    c.readErrors.Load(),
		EventsPerSec:  rate,
		UptimeSeconds: uptime,
		Connected:     c.connected.Load(),
	}
}
