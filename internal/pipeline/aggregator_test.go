package pipeline

import (
	"testing"
	"time"

	"github.com/jnohr/beacon/internal/event"
)

var aggBase = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func respEvent(ts time.Time, service, endpoint string, status int, latency float64) *event.MetricsEvent {
	return &event.MetricsEvent{
		EventID:        "evt-" + ts.Format("150405.000"),
		EventType:      event.TypeResponse,
		Timestamp:      ts,
		ServiceName:    service,
		APIEndpoint:    endpoint,
		HTTPMethod:     "GET",
		StatusCode:     status,
		ResponseTimeMs: latency,
	}
}

func testAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a := NewAggregator(60*time.Second, 5*time.Second)
	a.now = func() time.Time { return aggBase.Add(60 * time.Second) }
	return a
}

func TestAggregatorSnapshot(t *testing.T) {
	a := testAggregator(t)

	a.Add(respEvent(aggBase, "auth", "/login", 200, 100))
	a.Add(respEvent(aggBase.Add(time.Second), "auth", "/login", 500, 300))
	a.Add(respEvent(aggBase.Add(7*time.Second), "billing", "/charge", 200, 200))

	snap := a.Snapshot()

	if snap.Overall.TotalRequests != 3 {
		t.Fatalf("TotalRequests = %d, want 3", snap.Overall.TotalRequests)
	}
	if snap.Overall.TotalErrors != 1 {
		t.Errorf("TotalErrors = %d, want 1", snap.Overall.TotalErrors)
	}
	if snap.Overall.AvgResponseTime != 200 {
		t.Errorf("AvgResponseTime = %v, want 200", snap.Overall.AvgResponseTime)
	}
	if snap.ActiveBuckets != 2 {
		t.Errorf("ActiveBuckets = %d, want 2", snap.ActiveBuckets)
	}
	if snap.WindowSeconds != 60 {
		t.Errorf("WindowSeconds = %d, want 60", snap.WindowSeconds)
	}

	auth, ok := snap.Services["auth"]
	if !ok {
		t.Fatal("missing auth service scope")
	}
	if auth.TotalRequests != 2 || auth.TotalErrors != 1 {
		t.Errorf("auth = %d/%d, want 2/1", auth.TotalRequests, auth.TotalErrors)
	}

	ep, ok := snap.Endpoints[EndpointKey{Service: "billing", Endpoint: "/charge"}]
	if !ok {
		t.Fatal("missing billing:/charge endpoint scope")
	}
	if ep.TotalRequests != 1 {
		t.Errorf("endpoint requests = %d, want 1", ep.TotalRequests)
	}
}

func TestAggregatorIgnoresNonResponseEvents(t *testing.T) {
	a := testAggregator(t)

	a.Add(&event.MetricsEvent{EventType: event.TypeRequest, Timestamp: aggBase, ServiceName: "auth", APIEndpoint: "/login"})
	a.Add(&event.MetricsEvent{EventType: event.TypeHealth, Timestamp: aggBase, ServiceName: "auth"})

	snap := a.Snapshot()
	if snap.Overall.TotalRequests != 0 {
		t.Errorf("TotalRequests = %d, want 0", snap.Overall.TotalRequests)
	}
	if a.Stats().EventsProcessed != 0 {
		t.Errorf("EventsProcessed = %d, want 0", a.Stats().EventsProcessed)
	}
}

func TestAggregatorLateEventLandsInSealedBucket(t *testing.T) {
	a := testAggregator(t)

	a.Add(respEvent(aggBase, "auth", "/login", 200, 100))
	a.Add(respEvent(aggBase.Add(10*time.Second), "auth", "/login", 200, 100))
	// Arrives out of order but its bucket is still inside the window.
	a.Add(respEvent(aggBase.Add(2*time.Second), "auth", "/login", 200, 100))

	snap := a.Snapshot()
	if snap.Overall.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", snap.Overall.TotalRequests)
	}
	if a.Stats().EventsDiscarded != 0 {
		t.Errorf("EventsDiscarded = %d, want 0", a.Stats().EventsDiscarded)
	}
}

func TestAggregatorDropsEventsOlderThanWindow(t *testing.T) {
	a := testAggregator(t)

	a.Add(respEvent(aggBase.Add(120*time.Second), "auth", "/login", 200, 100))
	a.Add(respEvent(aggBase.Add(30*time.Second), "auth", "/login", 200, 100))

	stats := a.Stats()
	if stats.EventsProcessed != 1 {
		t.Errorf("EventsProcessed = %d, want 1", stats.EventsProcessed)
	}
	if stats.EventsDiscarded != 1 {
		t.Errorf("EventsDiscarded = %d, want 1", stats.EventsDiscarded)
	}
}

func TestAggregatorEvictsExpiredBuckets(t *testing.T) {
	a := testAggregator(t)

	// Bucket [0s, 5s) ends exactly at the cutoff for an event at 65s
	// and must be evicted; bucket [10s, 15s) survives.
	a.Add(respEvent(aggBase, "auth", "/login", 200, 100))
	a.Add(respEvent(aggBase.Add(10*time.Second), "auth", "/login", 200, 100))
	a.Add(respEvent(aggBase.Add(65*time.Second), "auth", "/login", 200, 100))

	snap := a.Snapshot()
	if snap.Overall.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", snap.Overall.TotalRequests)
	}
	if snap.ActiveBuckets != 2 {
		t.Errorf("ActiveBuckets = %d, want 2", snap.ActiveBuckets)
	}
}

func TestAggregatorFutureEventOpensNewBucket(t *testing.T) {
	a := testAggregator(t)

	a.Add(respEvent(aggBase, "auth", "/login", 200, 100))
	a.Add(respEvent(aggBase.Add(10*time.Minute), "auth", "/login", 200, 100))

	snap := a.Snapshot()
	// The old bucket fell out of the window relative to the future one.
	if snap.Overall.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", snap.Overall.TotalRequests)
	}
	if a.Stats().EventsProcessed != 2 {
		t.Errorf("EventsProcessed = %d, want 2", a.Stats().EventsProcessed)
	}
}

func TestAggregatorEmptySnapshot(t *testing.T) {
	a := testAggregator(t)

	snap := a.Snapshot()
	if snap.ActiveBuckets != 0 {
		t.Errorf("ActiveBuckets = %d, want 0", snap.ActiveBuckets)
	}
	if snap.Overall.TotalRequests != 0 || snap.Overall.QPS != 0 {
		t.Errorf("overall not zeroed: %+v", snap.Overall)
	}
	if snap.Services == nil || snap.Endpoints == nil {
		t.Error("scope maps must be non-nil")
	}
}

func TestAggregatorSnapshotIsReadOnly(t *testing.T) {
	a := testAggregator(t)
	a.Add(respEvent(aggBase, "auth", "/login", 200, 100))

	first := a.Snapshot()
	second := a.Snapshot()

	if first.Overall.TotalRequests != second.Overall.TotalRequests {
		t.Errorf("snapshots differ: %d vs %d", first.Overall.TotalRequests, second.Overall.TotalRequests)
	}
	first.Services["injected"] = ScopeMetrics{TotalRequests: 99}
	if _, ok := a.Snapshot().Services["injected"]; ok {
		t.Error("mutating a snapshot leaked into the aggregator")
	}
}

func TestAggregatorExcludesInvalidLatency(t *testing.T) {
	a := testAggregator(t)

	a.Add(respEvent(aggBase, "auth", "/login", 200, 100))
	a.Add(respEvent(aggBase, "auth", "/login", 200, -1))

	snap := a.Snapshot()
	if snap.Overall.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", snap.Overall.TotalRequests)
	}
	if snap.Overall.AvgResponseTime != 100 {
		t.Errorf("AvgResponseTime = %v, want 100", snap.Overall.AvgResponseTime)
	}
}

func TestAggregatorExcludesMissingLatency(t *testing.T) {
	a := testAggregator(t)

	// response_time_ms absent from the payload decodes to zero.
	a.Add(respEvent(aggBase, "auth", "/login", 200, 0))
	a.Add(respEvent(aggBase, "auth", "/login", 200, 100))

	snap := a.Snapshot()
	if snap.Overall.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", snap.Overall.TotalRequests)
	}
	if snap.Overall.AvgResponseTime != 100 {
		t.Errorf("AvgResponseTime = %v, want 100", snap.Overall.AvgResponseTime)
	}
	if snap.Overall.P95ResponseTime != 100 {
		t.Errorf("P95ResponseTime = %v, want 100", snap.Overall.P95ResponseTime)
	}
}
