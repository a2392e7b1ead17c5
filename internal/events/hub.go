package events

import (
	"sync"
	"time"
)

// Hub is the central event bus.
// It provides pub/sub semantics with typed events and non-blocking fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events
	global []chan Event

	// Metrics
	published uint64
	dropped   uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[EventType][]chan Event),
	}
}

// Publish sends an event to all subscribers of that event type.
// This is non-blocking - if a subscriber's channel is full, the event is dropped.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.published++

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}

	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

// Subscribe returns a channel that receives events of the specified types.
// If no types are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)

	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published, h.dropped
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// ──────────────────────────────────────────────────────────────────────────────
// Convenience Methods
// ──────────────────────────────────────────────────────────────────────────────

// EmitLink publishes a link state event.
func (h *Hub) EmitLink(device, uplink string, up bool) {
	t := EventLinkDown
	if up {
		t = EventLinkUp
	}
	h.Publish(Event{
		Type:   t,
		Source: "link",
		Data:   LinkData{Device: device, Uplink: uplink, Up: up},
	})
}

// EmitHealth publishes a health transition event.
func (h *Hub) EmitHealth(uplink string, online bool, latency time.Duration, failures, successes int) {
	t := EventHealthOffline
	if online {
		t = EventHealthOnline
	}
	h.Publish(Event{
		Type:   t,
		Source: "health",
		Data: HealthData{
			Uplink:    uplink,
			Online:    online,
			Latency:   latency,
			Failures:  failures,
			Successes: successes,
		},
	})
}

// EmitPolicyApplied publishes a successful policy apply.
func (h *Hub) EmitPolicyApplied(policy, kind string, uplinks []string) {
	h.Publish(Event{
		Type:   EventPolicyApplied,
		Source: "policy",
		Data:   PolicyData{Policy: policy, Kind: kind, Uplinks: uplinks},
	})
}

// EmitPolicyFailed publishes a failed policy apply.
func (h *Hub) EmitPolicyFailed(policy, kind string, err error) {
	h.Publish(Event{
		Type:   EventPolicyFailed,
		Source: "policy",
		Data:   PolicyData{Policy: policy, Kind: kind, Error: err.Error()},
	})
}

// EmitRace publishes a race resolution event.
func (h *Hub) EmitRace(id uint64, target, winner string, latency time.Duration) {
	t := EventRaceTimedOut
	if winner != "" {
		t = EventRaceWon
	}
	h.Publish(Event{
		Type:   t,
		Source: "race",
		Data:   RaceData{RaceID: id, Target: target, Winner: winner, Latency: latency},
	})
}
