package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jnohr/beacon/internal/event"
)

const (
	healthInterval  = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

// Health is the aggregated component status reported by the processor.
type Health struct {
	Healthy bool `json:"healthy"`
	Broker  bool `json:"broker"`
	Storage bool `json:"storage"`
	Cache   bool `json:"cache"`
}

// ProcessorStats bundles the per-component counters.
type ProcessorStats struct {
	Consumer   ConsumerStats
	Aggregator AggregatorStats
	Store      StoreStats
	Alerts     AlertManagerStats
}

// Processor wires the pipeline together: stream consumer feeding the
// aggregator, with independent loops for persistence, alert evaluation
// and health reporting.
type Processor struct {
	cfg *Config

	broker      *redis.Client
	cacheClient *redis.Client

	consumer  *Consumer
	agg       *Aggregator
	store     *Store
	cache     *Cache
	alerts    *AlertManager
	publisher *Publisher
	notifier  *Notifier
	hub       *Hub

	lastCleanup time.Time
}

// NewProcessor builds the full pipeline from config. Call Run to start
// it; on error all opened resources are released.
func NewProcessor(cfg *Config) (*Processor, error) {
	brokerOpts, err := redis.ParseURL(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("broker url: %w", err)
	}
	broker := redis.NewClient(brokerOpts)

	cacheClient := broker
	if cfg.Cache.URL != cfg.Broker.URL {
		cacheOpts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			broker.Close()
			return nil, fmt.Errorf("cache url: %w", err)
		}
		cacheClient = redis.NewClient(cacheOpts)
	}

	store, err := OpenStore(cfg.Storage.Path, cfg.Storage.BatchSize, cfg.Storage.BatchTimeout.Duration)
	if err != nil {
		broker.Close()
		if cacheClient != broker {
			cacheClient.Close()
		}
		return nil, fmt.Errorf("open store: %w", err)
	}

	alerts, err := NewAlertManager(cfg.Alerts, cfg.Rules)
	if err != nil {
		store.Close()
		broker.Close()
		if cacheClient != broker {
			cacheClient.Close()
		}
		return nil, fmt.Errorf("alert manager: %w", err)
	}

	p := &Processor{
		cfg:         cfg,
		broker:      broker,
		cacheClient: cacheClient,
		agg:         NewAggregator(cfg.Window.Size.Duration, cfg.Window.Sub.Duration),
		store:       store,
		cache:       NewCache(cacheClient, cfg.Cache.TTL.Duration),
		alerts:      alerts,
		publisher:   NewPublisher(broker, cfg.Broker),
		hub:         NewHub(),
	}
	p.notifier = NewNotifier(&cfg.Notify, p.publisher)
	p.alerts.OnTransition(p.onAlertTransition)

	hostname, _ := os.Hostname()
	p.consumer = NewConsumer(broker, cfg.Broker, fmt.Sprintf("beacon-%s-%d", hostname, os.Getpid()),
		func(e *event.MetricsEvent) error {
			p.agg.Add(e)
			return nil
		})

	return p, nil
}

// Hub exposes the in-process fan-out for embedding callers.
func (p *Processor) Hub() *Hub {
	return p.hub
}

// Alerts exposes the alert manager for acknowledge and query surfaces.
func (p *Processor) Alerts() *AlertManager {
	return p.alerts
}

// Store exposes historical queries.
func (p *Processor) Store() *Store {
	return p.store
}

// Publisher exposes the stream publisher for ingest tooling.
func (p *Processor) Publisher() *Publisher {
	return p.publisher
}

// onAlertTransition persists the transition, notifies channels and fans
// out in process. Runs outside the alert manager's lock.
func (p *Processor) onAlertTransition(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch a.Status {
	case AlertTriggered:
		if err := p.store.InsertAlert(ctx, &a); err != nil {
			slog.Error("persist alert", "alert_id", a.ID, "error", err)
		}
	default:
		if err := p.store.UpdateAlert(ctx, &a); err != nil {
			slog.Error("persist alert update", "alert_id", a.ID, "error", err)
		}
	}

	p.hub.PublishAlert(a)
	p.notifier.Send(a)
}

// Acknowledge marks an active alert acknowledged and persists the change.
func (p *Processor) Acknowledge(ctx context.Context, alertID string) error {
	a, err := p.alerts.Acknowledge(alertID)
	if err != nil {
		return err
	}
	if err := p.store.UpdateAlert(ctx, &a); err != nil {
		return fmt.Errorf("persist acknowledge: %w", err)
	}
	p.hub.PublishAlert(a)
	return nil
}

// Run starts the consumer and the storage, alert and health loops, then
// blocks until ctx is cancelled. Each loop ticks independently so a slow
// database write never delays alert evaluation.
func (p *Processor) Run(ctx context.Context) error {
	slog.Info("processor starting",
		"broker", p.cfg.Broker.URL,
		"stream", p.cfg.Broker.MetricsStream,
		"window", p.cfg.Window.Size.Duration,
		"db", p.cfg.Storage.Path,
	)

	p.lastCleanup = time.Now()

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		if err := p.consumer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("consumer stopped", "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		p.loop(ctx, p.cfg.Storage.Interval.Duration, p.storageTick)
	}()

	go func() {
		defer wg.Done()
		p.loop(ctx, p.cfg.Alerts.CheckInterval.Duration, p.alertTick)
	}()

	go func() {
		defer wg.Done()
		p.loop(ctx, healthInterval, p.healthTick)
	}()

	<-ctx.Done()
	wg.Wait()
	return p.shutdown()
}

func (p *Processor) loop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// storageTick snapshots the window, persists it and mirrors it to the
// cache. A snapshot with no traffic still refreshes the cache but
// writes no rows. Cache and storage fail independently.
func (p *Processor) storageTick(ctx context.Context) {
	snap := p.agg.Snapshot()

	if snap.Overall.TotalRequests > 0 || len(snap.Services) > 0 {
		if err := p.store.StoreSnapshot(ctx, snap); err != nil {
			slog.Error("store snapshot", "error", err)
		}
	}
	if err := p.cache.SetSnapshot(ctx, snap); err != nil {
		slog.Error("cache snapshot", "error", err)
	}
	p.hub.PublishSnapshot(snap)
}

// alertTick evaluates all rules against a fresh snapshot.
func (p *Processor) alertTick(ctx context.Context) {
	p.alerts.Check(p.agg.Snapshot())
}

// healthTick logs component status and runs daily retention cleanup.
func (p *Processor) healthTick(ctx context.Context) {
	h := p.Health(ctx)
	stats := p.Stats()

	logFn := slog.Info
	if !h.Healthy {
		logFn = slog.Warn
	}
	logFn("health",
		"broker", h.Broker,
		"storage", h.Storage,
		"cache", h.Cache,
		"events_processed", stats.Consumer.Processed,
		"events_invalid", stats.Consumer.Invalid,
		"active_buckets", stats.Aggregator.ActiveBuckets,
		"active_alerts", stats.Alerts.ActiveAlerts,
		"rows_written", stats.Store.RowsWritten,
	)

	if time.Since(p.lastCleanup) >= cleanupInterval {
		p.lastCleanup = time.Now()
		if err := p.store.Cleanup(ctx, p.cfg.Storage.RetentionDays); err != nil {
			slog.Error("retention cleanup", "error", err)
		} else {
			slog.Info("retention cleanup done", "retention_days", p.cfg.Storage.RetentionDays)
		}
	}
}

// Health probes each component.
func (p *Processor) Health(ctx context.Context) Health {
	h := Health{
		Broker:  p.consumer.Healthy(),
		Storage: p.store.Ping(ctx) == nil,
		Cache:   p.cache.Ping(ctx) == nil,
	}
	h.Healthy = h.Broker && h.Storage && h.Cache
	return h
}

// Stats returns the per-component counters.
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Consumer:   p.consumer.Stats(),
		Aggregator: p.agg.Stats(),
		Store:      p.store.Stats(),
		Alerts:     p.alerts.Stats(),
	}
}

// shutdown stops components in dependency order: the consumer has
// already exited with the context, then buffered rows flush, queued
// notifications drain, and connections close.
func (p *Processor) shutdown() error {
	slog.Info("processor shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.store.ForceFlush(ctx); err != nil {
		slog.Error("final flush", "error", err)
	}
	p.notifier.Flush()
	p.notifier.Stop()

	if err := p.store.Close(); err != nil {
		slog.Error("close store", "error", err)
	}
	if p.cacheClient != p.broker {
		if err := p.cacheClient.Close(); err != nil {
			slog.Error("close cache client", "error", err)
		}
	}
	if err := p.broker.Close(); err != nil {
		slog.Error("close broker client", "error", err)
	}

	slog.Info("processor stopped")
	return nil
}
