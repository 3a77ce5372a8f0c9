package pipeline

import "testing"

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub()

	ch := h.SubscribeAlerts()
	defer h.UnsubscribeAlerts(ch)

	h.PublishAlert(Alert{ID: "a1"})

	select {
	case a := <-ch:
		if a.ID != "a1" {
			t.Errorf("alert = %#v", a)
		}
	default:
		t.Fatal("no alert received")
	}
}

func TestHubStreamsIsolated(t *testing.T) {
	h := NewHub()

	alerts := h.SubscribeAlerts()
	h.PublishSnapshot(&Snapshot{})

	select {
	case a := <-alerts:
		t.Errorf("alert subscriber woke on snapshot: %#v", a)
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()

	ch := h.SubscribeSnapshots()
	h.UnsubscribeSnapshots(ch)

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}

	// Double unsubscribe and publishing afterwards must not panic.
	h.UnsubscribeSnapshots(ch)
	h.PublishSnapshot(&Snapshot{})
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := NewHub()

	ch := h.SubscribeSnapshots()
	for i := 0; i < subscriberBufSize+10; i++ {
		h.PublishSnapshot(&Snapshot{})
	}

	if got := len(ch); got != subscriberBufSize {
		t.Errorf("buffered = %d, want %d", got, subscriberBufSize)
	}
}
