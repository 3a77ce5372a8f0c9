package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jnohr/beacon/internal/event"
)

// Aggregator maintains the sliding window of sub-window buckets and
// derives snapshots from it. Single writer (the event handler), multiple
// snapshot readers; all access goes through mu.
type Aggregator struct {
	mu sync.Mutex

	windowSize time.Duration
	subSize    time.Duration
	maxBuckets int

	// Sealed buckets in ascending start order, plus the open one.
	buckets []*subWindow
	current *subWindow

	processed int64
	discarded int64
	started   time.Time
	now       func() time.Time
}

// AggregatorStats is a point-in-time view of the aggregator's counters.
type AggregatorStats struct {
	EventsProcessed int64
	EventsDiscarded int64
	ActiveBuckets   int
	MaxBuckets      int
	UptimeSeconds   float64
}

// NewAggregator creates an Aggregator. size must be a multiple of sub;
// LoadConfig enforces that before construction.
func NewAggregator(size, sub time.Duration) *Aggregator {
	a := &Aggregator{
		windowSize: size,
		subSize:    sub,
		maxBuckets: int(size / sub),
		now:        time.Now,
	}
	a.started = a.now()
	return a
}

// bucketStart aligns t down to a sub-window boundary.
func (a *Aggregator) bucketStart(t time.Time) time.Time {
	return t.Truncate(a.subSize)
}

// Add records one event. Only response events contribute; other event
// types are ignored. Events older than the live window are dropped and
// counted.
func (a *Aggregator) Add(e *event.MetricsEvent) {
	if e.EventType != event.TypeResponse {
		return
	}

	start := a.bucketStart(e.Timestamp)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		a.current = newSubWindow(start, a.subSize)
	}

	switch {
	case start.Equal(a.current.start):
		a.current.add(e)
	case start.After(a.current.start):
		a.roll(start)
		a.current.add(e)
	default:
		// Late event: place it into its sealed bucket if that bucket is
		// still live, otherwise drop it.
		if !a.placeLate(e, start) {
			a.discarded++
			slog.Debug("event outside window, dropped", "event_id", e.EventID, "timestamp", e.Timestamp)
			return
		}
	}

	a.processed++
}

// roll seals the current bucket, evicts buckets that fell out of the
// window relative to newStart, and opens a bucket at newStart. Caller
// holds a.mu.
func (a *Aggregator) roll(newStart time.Time) {
	a.buckets = append(a.buckets, a.current)

	cutoff := newStart.Add(-a.windowSize)
	firstLive := 0
	for firstLive < len(a.buckets) && !a.buckets[firstLive].end().After(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		a.buckets = a.buckets[firstLive:]
	}
	// The ring never holds more than maxBuckets-1 sealed buckets; the
	// open bucket is the Nth.
	if excess := len(a.buckets) - (a.maxBuckets - 1); excess > 0 {
		a.buckets = a.buckets[excess:]
	}

	a.current = newSubWindow(newStart, a.subSize)
}

// placeLate files an out-of-order event into an existing sealed bucket.
// Caller holds a.mu.
func (a *Aggregator) placeLate(e *event.MetricsEvent, start time.Time) bool {
	for _, b := range a.buckets {
		if b.start.Equal(start) {
			b.add(e)
			return true
		}
	}
	return false
}

// Snapshot returns a consistent view over all live buckets. With no data
// it returns a well-defined zeroed snapshot.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := a.now()
	windowSeconds := int(a.windowSize / time.Second)
	snap := &Snapshot{
		Timestamp:     ts,
		WindowStart:   ts.Add(-a.windowSize),
		WindowEnd:     ts,
		WindowSeconds: windowSeconds,
		Services:      make(map[string]ScopeMetrics),
		Endpoints:     make(map[EndpointKey]ScopeMetrics),
	}

	live := a.buckets
	if a.current != nil {
		live = append(append([]*subWindow{}, a.buckets...), a.current)
	}
	snap.ActiveBuckets = len(live)
	if len(live) == 0 {
		return snap
	}

	var requests, errors int64
	var latencies []float64
	svcAgg := make(map[string]*scopeCounts)
	epAgg := make(map[EndpointKey]*scopeCounts)

	for _, b := range live {
		requests += b.overall.requests
		errors += b.overall.errors
		latencies = append(latencies, b.overall.latencies...)

		for name, sc := range b.services {
			agg := svcAgg[name]
			if agg == nil {
				agg = &scopeCounts{}
				svcAgg[name] = agg
			}
			agg.requests += sc.requests
			agg.errors += sc.errors
			agg.latencies = append(agg.latencies, sc.latencies...)
		}
		for key, ec := range b.endpoints {
			agg := epAgg[key]
			if agg == nil {
				agg = &scopeCounts{}
				epAgg[key] = agg
			}
			agg.requests += ec.requests
			agg.errors += ec.errors
			agg.latencies = append(agg.latencies, ec.latencies...)
		}
	}

	snap.Overall = computeScope(requests, errors, latencies, windowSeconds)
	for name, agg := range svcAgg {
		snap.Services[name] = computeScope(agg.requests, agg.errors, agg.latencies, windowSeconds)
	}
	for key, agg := range epAgg {
		snap.Endpoints[key] = computeScope(agg.requests, agg.errors, agg.latencies, windowSeconds)
	}
	return snap
}

// Stats returns the aggregator's runtime counters.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	active := len(a.buckets)
	if a.current != nil {
		active++
	}
	return AggregatorStats{
		EventsProcessed: a.processed,
		EventsDiscarded: a.discarded,
		ActiveBuckets:   active,
		MaxBuckets:      a.maxBuckets,
		UptimeSeconds:   a.now().Sub(a.started).Seconds(),
	}
}
