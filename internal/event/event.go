package event

import "time"

// Type identifies the kind of a metrics event.
type Type string

const (
	TypeRequest  Type = "api_request"
	TypeResponse Type = "api_response"
	TypeError    Type = "api_error"
	TypeHealth   Type = "system_health"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeError, TypeHealth:
		return true
	}
	return false
}

// MetricsEvent is one observed request, emitted by an instrumented model
// server and carried as a JSON message on the metrics stream.
type MetricsEvent struct {
	EventID   string    `json:"event_id"`
	EventType Type      `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`

	ServiceName string `json:"service_name"`
	APIEndpoint string `json:"api_endpoint"`
	HTTPMethod  string `json:"http_method"`
	StatusCode  int    `json:"status_code"`

	ResponseTimeMs float64 `json:"response_time_ms"`

	RequestSizeBytes  int64  `json:"request_size_bytes,omitempty"`
	ResponseSizeBytes int64  `json:"response_size_bytes,omitempty"`
	ClientIP          string `json:"client_ip,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	TraceID           string `json:"trace_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	ErrorType         string `json:"error_type,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsError reports whether the event represents a failed request.
func (e *MetricsEvent) IsError() bool {
	return e.StatusCode >= 400
}

// EndpointKey returns the identity used for endpoint-level aggregation.
func (e *MetricsEvent) EndpointKey() string {
	return e.ServiceName + ":" + e.APIEndpoint
}

// AlertNotification is the message published on the alerts stream when an
// alert changes state.
type AlertNotification struct {
	AlertID     string    `json:"alert_id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	MetricValue float64   `json:"metric_value"`
	Threshold   float64   `json:"threshold"`
	ServiceName string    `json:"service_name,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
