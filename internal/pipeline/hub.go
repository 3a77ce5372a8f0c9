package pipeline

import "sync"

const subscriberBufSize = 64

// Hub fans out snapshots and alert transitions to in-process
// subscribers. Publishing never blocks: a subscriber whose buffer is
// full misses the message.
type Hub struct {
	mu        sync.RWMutex
	snapshots map[chan *Snapshot]struct{}
	alerts    map[chan Alert]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		snapshots: make(map[chan *Snapshot]struct{}),
		alerts:    make(map[chan Alert]struct{}),
	}
}

// SubscribeSnapshots returns a buffered channel receiving every
// published snapshot. Pass it to UnsubscribeSnapshots when done.
func (h *Hub) SubscribeSnapshots() chan *Snapshot {
	ch := make(chan *Snapshot, subscriberBufSize)
	h.mu.Lock()
	h.snapshots[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// UnsubscribeSnapshots removes the channel and closes it.
func (h *Hub) UnsubscribeSnapshots(ch chan *Snapshot) {
	h.mu.Lock()
	if _, ok := h.snapshots[ch]; ok {
		delete(h.snapshots, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// PublishSnapshot delivers snap to all snapshot subscribers.
func (h *Hub) PublishSnapshot(snap *Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.snapshots {
		select {
		case ch <- snap:
		default:
			// Slow consumer, drop.
		}
	}
}

// SubscribeAlerts returns a buffered channel receiving every alert
// transition. Pass it to UnsubscribeAlerts when done.
func (h *Hub) SubscribeAlerts() chan Alert {
	ch := make(chan Alert, subscriberBufSize)
	h.mu.Lock()
	h.alerts[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// UnsubscribeAlerts removes the channel and closes it.
func (h *Hub) UnsubscribeAlerts(ch chan Alert) {
	h.mu.Lock()
	if _, ok := h.alerts[ch]; ok {
		delete(h.alerts, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// PublishAlert delivers a to all alert subscribers.
func (h *Hub) PublishAlert(a Alert) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.alerts {
		select {
		case ch <- a:
		default:
			// Slow consumer, drop.
		}
	}
}
