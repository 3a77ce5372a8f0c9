package event

import (
	"encoding/json"
	"fmt"
)

// MaxMessageSize is the maximum allowed encoded event size (256 KB).
const MaxMessageSize = 256 * 1024

// Encode marshals a MetricsEvent to its wire form.
func Encode(e *MetricsEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("event too large: %d > %d", len(data), MaxMessageSize)
	}
	return data, nil
}

// Decode unmarshals and validates a wire message. Messages that parse but
// are missing required fields are rejected so malformed producers surface
// as invalid-message counts rather than zero-valued aggregates.
func Decode(data []byte) (*MetricsEvent, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}

	var e MetricsEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func validate(e *MetricsEvent) error {
	if e.EventID == "" {
		return fmt.Errorf("missing event_id")
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("unknown event_type %q", e.EventType)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if e.ServiceName == "" {
		return fmt.Errorf("missing service_name")
	}
	if e.EventType != TypeHealth && e.APIEndpoint == "" {
		return fmt.Errorf("missing api_endpoint")
	}
	return nil
}
