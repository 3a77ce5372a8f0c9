package pipeline

import (
	"math"
	"testing"
)

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 95, 0},
		{"single", []float64{42}, 99, 42},
		{"two p50", []float64{10, 20}, 50, 15},
		{"ten p95", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 95, 9.55},
		{"ten p99", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 99, 9.91},
		{"p100", []float64{1, 2, 3}, 100, 3},
		{"p0", []float64{1, 2, 3}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := percentile(tt.sorted, tt.p)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("percentile(%v, %v) = %v, want %v", tt.sorted, tt.p, got, tt.want)
			}
		})
	}
}

func TestComputeScope(t *testing.T) {
	m := computeScope(120, 6, []float64{100, 200, 300}, 60)

	if m.QPS != 2.0 {
		t.Errorf("QPS = %v, want 2.0", m.QPS)
	}
	if m.ErrorRate != 5.0 {
		t.Errorf("ErrorRate = %v, want 5.0", m.ErrorRate)
	}
	if m.AvgResponseTime != 200.0 {
		t.Errorf("AvgResponseTime = %v, want 200.0", m.AvgResponseTime)
	}
	if m.TotalRequests != 120 || m.TotalErrors != 6 {
		t.Errorf("totals = %d/%d, want 120/6", m.TotalRequests, m.TotalErrors)
	}
}

func TestComputeScopeNoRequests(t *testing.T) {
	m := computeScope(0, 0, nil, 60)

	if m.QPS != 0 || m.ErrorRate != 0 || m.AvgResponseTime != 0 || m.P95ResponseTime != 0 || m.P99ResponseTime != 0 {
		t.Errorf("empty scope not zeroed: %+v", m)
	}
}

func TestComputeScopeRounds(t *testing.T) {
	// 1 request over 60s is 0.016666..., rounded to 0.02.
	m := computeScope(1, 1, []float64{333.333}, 60)

	if m.QPS != 0.02 {
		t.Errorf("QPS = %v, want 0.02", m.QPS)
	}
	if m.ErrorRate != 100.0 {
		t.Errorf("ErrorRate = %v, want 100.0", m.ErrorRate)
	}
	if m.AvgResponseTime != 333.33 {
		t.Errorf("AvgResponseTime = %v, want 333.33", m.AvgResponseTime)
	}
}

func TestEndpointKeyString(t *testing.T) {
	k := EndpointKey{Service: "auth", Endpoint: "/login"}
	if k.String() != "auth:/login" {
		t.Errorf("String() = %q", k.String())
	}
}
