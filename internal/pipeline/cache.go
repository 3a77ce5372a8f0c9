package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache key layout for the current-window mirror.
const (
	cacheKeyOverall  = "metrics:overall:current"
	cacheKeySnapshot = "metrics:snapshot:current"
)

func cacheKeyService(service string) string {
	return "metrics:service:" + service + ":current"
}

func cacheKeyEndpoint(service, endpoint string) string {
	return "metrics:endpoint:" + service + ":" + endpoint + ":current"
}

// Cache mirrors the latest snapshot into Redis so dashboards can read
// current metrics without touching the database. All keys carry the
// same TTL; a stalled pipeline leaves no stale keys behind.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps an existing Redis client.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// SetSnapshot writes the per-scope keys and the full snapshot in one
// pipelined round trip.
func (c *Cache) SetSnapshot(ctx context.Context, snap *Snapshot) error {
	overall, err := json.Marshal(snap.Overall)
	if err != nil {
		return fmt.Errorf("marshal overall: %w", err)
	}
	full, err := json.Marshal(cacheSnapshot(snap))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.SetEx(ctx, cacheKeyOverall, overall, c.ttl)
	pipe.SetEx(ctx, cacheKeySnapshot, full, c.ttl)

	for name, sm := range snap.Services {
		b, err := json.Marshal(sm)
		if err != nil {
			return fmt.Errorf("marshal service %s: %w", name, err)
		}
		pipe.SetEx(ctx, cacheKeyService(name), b, c.ttl)
	}
	for key, em := range snap.Endpoints {
		b, err := json.Marshal(em)
		if err != nil {
			return fmt.Errorf("marshal endpoint %s: %w", key, err)
		}
		pipe.SetEx(ctx, cacheKeyEndpoint(key.Service, key.Endpoint), b, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache pipeline: %w", err)
	}
	return nil
}

// SnapshotDoc is the JSON shape of the full cached snapshot. Endpoint
// keys flatten to "service:endpoint" strings.
type SnapshotDoc struct {
	Timestamp     time.Time               `json:"timestamp"`
	WindowSeconds int                     `json:"window_seconds"`
	ActiveBuckets int                     `json:"active_buckets"`
	Overall       ScopeMetrics            `json:"overall"`
	Services      map[string]ScopeMetrics `json:"services"`
	Endpoints     map[string]ScopeMetrics `json:"endpoints"`
}

func cacheSnapshot(snap *Snapshot) *SnapshotDoc {
	doc := &SnapshotDoc{
		Timestamp:     snap.Timestamp,
		WindowSeconds: snap.WindowSeconds,
		ActiveBuckets: snap.ActiveBuckets,
		Overall:       snap.Overall,
		Services:      snap.Services,
		Endpoints:     make(map[string]ScopeMetrics, len(snap.Endpoints)),
	}
	for key, em := range snap.Endpoints {
		doc.Endpoints[key.String()] = em
	}
	return doc
}

// Overall reads back the cached overall metrics. Returns redis.Nil
// (wrapped) when the key expired or was never written.
func (c *Cache) Overall(ctx context.Context) (ScopeMetrics, error) {
	var m ScopeMetrics
	b, err := c.client.Get(ctx, cacheKeyOverall).Bytes()
	if err != nil {
		return m, fmt.Errorf("get %s: %w", cacheKeyOverall, err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode %s: %w", cacheKeyOverall, err)
	}
	return m, nil
}

// Service reads back the cached metrics for one service.
func (c *Cache) Service(ctx context.Context, service string) (ScopeMetrics, error) {
	var m ScopeMetrics
	key := cacheKeyService(service)
	b, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return m, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode %s: %w", key, err)
	}
	return m, nil
}

// Snapshot reads back the full cached snapshot document.
func (c *Cache) Snapshot(ctx context.Context) (*SnapshotDoc, error) {
	b, err := c.client.Get(ctx, cacheKeySnapshot).Bytes()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", cacheKeySnapshot, err)
	}
	var doc SnapshotDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", cacheKeySnapshot, err)
	}
	return &doc, nil
}

// Ping verifies the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
