package pipeline

import (
	"fmt"
	"time"
)

// Metric names a rule can evaluate against a ScopeMetrics.
const (
	MetricErrorRate = "error_rate"
	MetricQPS       = "qps"
	MetricAvg       = "avg_response_time"
	MetricP95       = "p95_response_time"
	MetricP99       = "p99_response_time"
)

// Severity orders alerts for display and notification.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rule is a validated alert rule. A rule with Service set only matches
// that service; with Endpoint also set it matches a single endpoint;
// with neither it evaluates the overall scope.
type Rule struct {
	ID        string
	Name      string
	Metric    string
	Operator  string
	Threshold float64
	Severity  Severity
	Service   string
	Endpoint  string
	For       time.Duration
	Disabled  bool
}

// Rule validates the raw config entry and converts it. id comes from the
// config table key.
func (rc *RuleConfig) Rule(id string) (Rule, error) {
	r := Rule{
		ID:        id,
		Name:      rc.Name,
		Metric:    rc.Metric,
		Operator:  rc.Operator,
		Threshold: rc.Threshold,
		Severity:  Severity(rc.Severity),
		Service:   rc.Service,
		Endpoint:  rc.Endpoint,
		For:       rc.For.Duration,
		Disabled:  rc.Disabled,
	}
	if r.Name == "" {
		r.Name = id
	}
	switch r.Metric {
	case MetricErrorRate, MetricQPS, MetricAvg, MetricP95, MetricP99:
	default:
		return Rule{}, fmt.Errorf("unknown metric %q", r.Metric)
	}
	switch r.Operator {
	case ">", "<", ">=", "<=", "==":
	case "=":
		r.Operator = "=="
	default:
		return Rule{}, fmt.Errorf("unknown operator %q", r.Operator)
	}
	if !r.Severity.valid() {
		return Rule{}, fmt.Errorf("unknown severity %q", rc.Severity)
	}
	if r.Endpoint != "" && r.Service == "" {
		return Rule{}, fmt.Errorf("endpoint %q requires a service", r.Endpoint)
	}
	if r.For < 0 {
		return Rule{}, fmt.Errorf("negative duration %s", r.For)
	}
	return r, nil
}

// exceeded reports whether v trips the rule's threshold.
func (r *Rule) exceeded(v float64) bool {
	switch r.Operator {
	case ">":
		return v > r.Threshold
	case "<":
		return v < r.Threshold
	case ">=":
		return v >= r.Threshold
	case "<=":
		return v <= r.Threshold
	case "==":
		return v == r.Threshold
	}
	return false
}

// metricValue extracts the rule's metric from a scope.
func (r *Rule) metricValue(m ScopeMetrics) float64 {
	switch r.Metric {
	case MetricErrorRate:
		return m.ErrorRate
	case MetricQPS:
		return m.QPS
	case MetricAvg:
		return m.AvgResponseTime
	case MetricP95:
		return m.P95ResponseTime
	case MetricP99:
		return m.P99ResponseTime
	}
	return 0
}

// defaultRules are installed unless alerts.disable_defaults is set.
// Config rules with the same ID override them.
func defaultRules() []Rule {
	return []Rule{
		{ID: "high_error_rate", Name: "High Error Rate", Metric: MetricErrorRate, Operator: ">", Threshold: 5.0, Severity: SeverityHigh},
		{ID: "critical_error_rate", Name: "Critical Error Rate", Metric: MetricErrorRate, Operator: ">", Threshold: 10.0, Severity: SeverityCritical},
		{ID: "high_p95_latency", Name: "High P95 Latency", Metric: MetricP95, Operator: ">", Threshold: 1000.0, Severity: SeverityMedium},
		{ID: "critical_p99_latency", Name: "Critical P99 Latency", Metric: MetricP99, Operator: ">", Threshold: 5000.0, Severity: SeverityCritical},
		{ID: "low_qps", Name: "Low QPS", Metric: MetricQPS, Operator: "<", Threshold: 1.0, Severity: SeverityLow},
	}
}
