package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestNotifierWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var received []Alert
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var a Alert
		if err := json.Unmarshal(body, &a); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		mu.Lock()
		received = append(received, a)
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(&NotifyConfig{
		Webhooks: []WebhookConfig{{
			Enabled: true,
			URL:     srv.URL,
			Headers: map[string]string{"Authorization": "Bearer token"},
		}},
	}, nil)
	defer n.Stop()

	n.Send(Alert{ID: "a1", RuleID: "high_error_rate", Severity: SeverityHigh, Status: AlertTriggered})
	n.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received = %d, want 1", len(received))
	}
	if received[0].ID != "a1" || received[0].Status != AlertTriggered {
		t.Errorf("alert = %+v", received[0])
	}
	if gotAuth != "Bearer token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestNotifierNoChannels(t *testing.T) {
	n := NewNotifier(&NotifyConfig{}, nil)

	if n.HasChannels() {
		t.Error("HasChannels() = true for empty config")
	}
	// All no-ops, must not block or panic.
	n.Send(Alert{ID: "a1"})
	n.Flush()
	n.Stop()
	n.Stop()
}

func TestNotifierBrokerChannel(t *testing.T) {
	_, client := testRedis(t)
	p := NewPublisher(client, testBrokerConfig())

	n := NewNotifier(&NotifyConfig{Broker: true}, p)
	defer n.Stop()

	n.Send(Alert{ID: "a1", RuleID: "low_qps", Severity: SeverityLow, Status: AlertTriggered})
	n.Flush()

	if got := client.XLen(context.Background(), "alerts:notifications").Val(); got != 1 {
		t.Errorf("stream length = %d, want 1", got)
	}
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := &webhookChannel{cfg: WebhookConfig{Enabled: true, URL: srv.URL}}
	if err := ch.Send(context.Background(), Alert{ID: "a1"}); err == nil {
		t.Error("expected error for 502 response")
	}
}
