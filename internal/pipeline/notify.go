package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// webhookClient is a dedicated HTTP client for webhook notifications.
// Separate from http.DefaultClient to avoid shared state and configure timeouts.
var webhookClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// Channel delivers one alert transition to a single destination.
type Channel interface {
	Send(ctx context.Context, a Alert) error
}

// Notifier fans alert transitions out to the configured channels.
// Transitions are queued and sent asynchronously so slow or unreachable
// destinations never block alert evaluation.
type Notifier struct {
	channels []Channel
	queue    chan Alert
	wg       sync.WaitGroup // tracks run goroutine
	pending  sync.WaitGroup // tracks queued-but-unprocessed items
	stopOnce sync.Once
}

// NewNotifier creates a Notifier. Safe to call with an empty config;
// Send becomes a no-op when no channels are enabled. With channels
// configured a background goroutine drains the queue; call Stop to shut
// it down.
func NewNotifier(cfg *NotifyConfig, publisher *Publisher) *Notifier {
	var channels []Channel
	if cfg.Broker && publisher != nil {
		channels = append(channels, &brokerChannel{publisher: publisher})
	}
	for i := range cfg.Webhooks {
		wh := &cfg.Webhooks[i]
		if wh.Enabled {
			channels = append(channels, &webhookChannel{cfg: *wh})
		}
	}
	n := &Notifier{
		channels: channels,
		queue:    make(chan Alert, 64),
	}
	if len(channels) > 0 {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// HasChannels returns whether any notification channels are configured.
func (n *Notifier) HasChannels() bool {
	return len(n.channels) > 0
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for a := range n.queue {
		for _, ch := range n.channels {
			sendWithRetry(context.Background(), ch, a)
		}
		n.pending.Done()
	}
}

// Send queues an alert transition for async delivery. If the queue is
// full the transition is dropped with a warning. Never blocks.
func (n *Notifier) Send(a Alert) {
	if len(n.channels) == 0 {
		return
	}
	n.pending.Add(1)
	select {
	case n.queue <- a:
	default:
		n.pending.Done()
		slog.Warn("notification queue full, dropping", "alert_id", a.ID, "rule", a.RuleID)
	}
}

// Flush waits for all queued notifications to be processed.
func (n *Notifier) Flush() {
	n.pending.Wait()
}

// Stop closes the queue and waits for remaining items to drain. Safe to
// call multiple times.
func (n *Notifier) Stop() {
	if len(n.channels) == 0 {
		return
	}
	n.stopOnce.Do(func() { close(n.queue) })
	n.wg.Wait()
}

// sendWithRetry attempts delivery up to 3 times with backoff (1s, 3s).
// Retries abort early if ctx is cancelled.
func sendWithRetry(ctx context.Context, ch Channel, a Alert) {
	backoffs := []time.Duration{1 * time.Second, 3 * time.Second}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = ch.Send(ctx, a)
		if err == nil {
			return
		}
		if attempt < len(backoffs) {
			slog.Warn("notification failed, retrying", "error", err, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				slog.Error("notification retry aborted", "error", ctx.Err())
				return
			case <-time.After(backoffs[attempt]):
			}
		}
	}
	slog.Error("notification failed after 3 attempts", "alert_id", a.ID, "error", err)
}

// brokerChannel publishes alert transitions to the alerts stream.
type brokerChannel struct {
	publisher *Publisher
}

func (b *brokerChannel) Send(ctx context.Context, a Alert) error {
	return b.publisher.PublishAlert(ctx, a)
}

// webhookChannel delivers alerts via HTTP POST as a JSON document.
type webhookChannel struct {
	cfg WebhookConfig
}

func (w *webhookChannel) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	// Apply custom headers first, then set Content-Type as default only
	// if not overridden.
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
