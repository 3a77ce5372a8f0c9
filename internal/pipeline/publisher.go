package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jnohr/beacon/internal/event"
)

// Publisher writes events and alert notifications onto the Redis
// streams. The event side exists for ingest tooling and tests; the
// alert side is the broker notification channel.
type Publisher struct {
	client        *redis.Client
	metricsStream string
	alertsStream  string
	metricsMaxLen int64
	alertsMaxLen  int64
}

// NewPublisher creates a Publisher for the configured streams.
func NewPublisher(client *redis.Client, cfg BrokerConfig) *Publisher {
	return &Publisher{
		client:        client,
		metricsStream: cfg.MetricsStream,
		alertsStream:  cfg.AlertsStream,
		metricsMaxLen: int64(cfg.MetricsMaxLen),
		alertsMaxLen:  int64(cfg.AlertsMaxLen),
	}
}

// PublishEvent appends one metric event to the metrics stream. A missing
// event ID or timestamp is filled in.
func (p *Publisher) PublishEvent(ctx context.Context, e *event.MetricsEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	payload, err := event.Encode(e)
	if err != nil {
		return err
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.metricsStream,
		MaxLen: p.metricsMaxLen,
		Approx: true,
		Values: map[string]any{
			"event_type":   string(e.EventType),
			"service_name": e.ServiceName,
			"timestamp":    e.Timestamp.Format(time.RFC3339Nano),
			"payload":      payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", e.EventID, err)
	}
	return nil
}

// PublishAlert appends an alert notification to the alerts stream.
func (p *Publisher) PublishAlert(ctx context.Context, a Alert) error {
	n := event.AlertNotification{
		AlertID:     a.ID,
		RuleID:      a.RuleID,
		RuleName:    a.RuleName,
		Severity:    string(a.Severity),
		Status:      string(a.Status),
		Message:     a.Message,
		MetricValue: a.Value,
		Threshold:   a.Threshold,
		ServiceName: a.Service,
		Endpoint:    a.Endpoint,
		Timestamp:   time.Now().UTC(),
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.alertsStream,
		MaxLen: p.alertsMaxLen,
		Approx: true,
		Values: map[string]any{
			"status":   string(a.Status),
			"severity": string(a.Severity),
			"payload":  payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}
