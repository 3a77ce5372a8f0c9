package pipeline

import (
	"math"
	"sort"
	"time"
)

// ScopeMetrics holds the derived metrics for one aggregation scope over
// the full sliding window.
type ScopeMetrics struct {
	QPS             float64 `json:"qps"`
	ErrorRate       float64 `json:"error_rate"`
	AvgResponseTime float64 `json:"avg_response_time"`
	P95ResponseTime float64 `json:"p95_response_time"`
	P99ResponseTime float64 `json:"p99_response_time"`
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
}

// EndpointKey identifies one endpoint within a service.
type EndpointKey struct {
	Service  string
	Endpoint string
}

func (k EndpointKey) String() string {
	return k.Service + ":" + k.Endpoint
}

// Snapshot is an immutable point-in-time view of the sliding window,
// produced by the aggregator and read-only to downstream consumers.
type Snapshot struct {
	Timestamp     time.Time
	WindowStart   time.Time
	WindowEnd     time.Time
	WindowSeconds int
	ActiveBuckets int

	Overall   ScopeMetrics
	Services  map[string]ScopeMetrics
	Endpoints map[EndpointKey]ScopeMetrics
}

// computeScope derives the emitted metrics for one scope. The latencies
// slice is sorted in place.
func computeScope(requests, errors int64, latencies []float64, windowSeconds int) ScopeMetrics {
	m := ScopeMetrics{
		TotalRequests: requests,
		TotalErrors:   errors,
		QPS:           round2(float64(requests) / float64(windowSeconds)),
	}
	if requests > 0 {
		m.ErrorRate = round2(float64(errors) / float64(requests) * 100)
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		var sum float64
		for _, v := range latencies {
			sum += v
		}
		m.AvgResponseTime = round2(sum / float64(len(latencies)))
		m.P95ResponseTime = round2(percentile(latencies, 95))
		m.P99ResponseTime = round2(percentile(latencies, 99))
	}
	return m
}

// percentile computes the linearly interpolated p-th percentile of an
// already sorted sample. Returns 0 for an empty sample.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	k := float64(n-1) * p / 100
	floor := int(k)
	ceil := floor + 1
	if ceil >= n {
		return sorted[n-1]
	}
	return sorted[floor] + (k-float64(floor))*(sorted[ceil]-sorted[floor])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
