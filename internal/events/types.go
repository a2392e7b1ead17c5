// Package events provides a unified pub/sub event bus for the daemon.
// Health transitions, link state changes, policy applies and race results
// all flow through this hub.
package events

import "time"

// EventType identifies the category of event.
type EventType string

// Event types for all sources.
const (
	// Link events (from the netlink monitor)
	EventLinkUp   EventType = "link.up"
	EventLinkDown EventType = "link.down"

	// Health monitor events
	EventHealthOnline  EventType = "health.online"
	EventHealthOffline EventType = "health.offline"

	// Policy engine events
	EventPolicyApplied EventType = "policy.applied"
	EventPolicyFailed  EventType = "policy.failed"

	// Race coordinator events
	EventRaceWon      EventType = "race.won"
	EventRaceTimedOut EventType = "race.timeout"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // Component that emitted: "health", "link", "policy", "race"
	Data      interface{} `json:"data"`   // Type-specific payload
}

// LinkData is the payload for link up/down events.
type LinkData struct {
	Device string `json:"device"`
	Uplink string `json:"uplink,omitempty"` // Configured uplink name, if mapped
	Up     bool   `json:"up"`
}

// HealthData is the payload for health transition events.
type HealthData struct {
	Uplink    string        `json:"uplink"`
	Online    bool          `json:"online"`
	Latency   time.Duration `json:"latency,omitempty"`
	Failures  int           `json:"failures"`
	Successes int           `json:"successes"`
}

// PolicyData is the payload for policy apply events.
type PolicyData struct {
	Policy  string   `json:"policy"`
	Kind    string   `json:"kind"`
	Uplinks []string `json:"uplinks"` // Uplinks carrying traffic after the apply
	Error   string   `json:"error,omitempty"`
}

// RaceData is the payload for race resolution events.
type RaceData struct {
	RaceID  uint64        `json:"race_id"`
	Target  string        `json:"target"`
	Winner  string        `json:"winner,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}
