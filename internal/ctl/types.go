// Package ctl is the daemon's control surface: a net/rpc server on a
// unix socket, and the client the CLI talks to it with.
package ctl

import (
	"time"

	"grimm.is/mwand/internal/brand"
	"grimm.is/mwand/internal/health"
)

// SocketPath is where the daemon listens. Variable so tests can relocate it.
var SocketPath = brand.SocketPath()

// Empty is the zero-argument RPC placeholder.
type Empty struct{}

// StatusReply is the operator-visible daemon snapshot.
type StatusReply struct {
	Version      string          `json:"version"`
	PID          int             `json:"pid"`
	ActivePolicy string          `json:"active_policy"`
	Uplinks      []health.Status `json:"uplinks"`
	Online       []string        `json:"online"`
}

// ActivateArgs names the policy to switch to.
type ActivateArgs struct {
	Policy string
}

// ActivateReply reports the post-activation state.
type ActivateReply struct {
	Policy  string   `json:"policy"`
	Uplinks []string `json:"uplinks"`
}

// RaceArgs describes a manual path race.
type RaceArgs struct {
	Target  string // UDP host:port
	Payload []byte
	Timeout time.Duration // zero means the server default
}

// RaceReply reports the winner.
type RaceReply struct {
	RaceID  uint64        `json:"race_id"`
	Winner  string        `json:"winner"`
	Device  string        `json:"device"`
	Latency time.Duration `json:"latency"`
}

// PathArgs carries a file path for backup and restore.
type PathArgs struct {
	Path string
}

// ReloadReply reports the outcome of a config reload.
type ReloadReply struct {
	Uplinks  int    `json:"uplinks"`
	Policies int    `json:"policies"`
	Active   string `json:"active_policy"`
}
