package pipeline

import (
	"math"
	"time"

	"github.com/jnohr/beacon/internal/event"
)

// scopeCounts accumulates the raw per-scope quantities inside one bucket.
type scopeCounts struct {
	requests  int64
	errors    int64
	latencies []float64
}

func (c *scopeCounts) add(e *event.MetricsEvent, latencyOK bool) {
	c.requests++
	if e.IsError() {
		c.errors++
	}
	if latencyOK {
		c.latencies = append(c.latencies, e.ResponseTimeMs)
	}
}

// subWindow is one half-open time bucket [start, start+width).
type subWindow struct {
	start time.Time
	width time.Duration

	overall   scopeCounts
	services  map[string]*scopeCounts
	endpoints map[EndpointKey]*scopeCounts
}

func newSubWindow(start time.Time, width time.Duration) *subWindow {
	return &subWindow{
		start:     start,
		width:     width,
		services:  make(map[string]*scopeCounts),
		endpoints: make(map[EndpointKey]*scopeCounts),
	}
}

func (w *subWindow) end() time.Time {
	return w.start.Add(w.width)
}

// add records one response event. Events without a positive latency
// still count as requests but are excluded from latency statistics; an
// absent response_time_ms decodes to zero.
func (w *subWindow) add(e *event.MetricsEvent) {
	latencyOK := e.ResponseTimeMs > 0 && !math.IsInf(e.ResponseTimeMs, 0) && !math.IsNaN(e.ResponseTimeMs)

	w.overall.add(e, latencyOK)

	sc := w.services[e.ServiceName]
	if sc == nil {
		sc = &scopeCounts{}
		w.services[e.ServiceName] = sc
	}
	sc.add(e, latencyOK)

	key := EndpointKey{Service: e.ServiceName, Endpoint: e.APIEndpoint}
	ec := w.endpoints[key]
	if ec == nil {
		ec = &scopeCounts{}
		w.endpoints[key] = ec
	}
	ec.add(e, latencyOK)
}
