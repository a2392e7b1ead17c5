// Package config defines the daemon configuration schema and loading.
// Configs are written in HCL (JSON is accepted as a fallback) and validated
// before use; a failed reload never replaces a previously good snapshot.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	Global   GlobalSettings `hcl:"global,block" json:"global"`
	Uplinks  []Uplink       `hcl:"uplink,block" json:"uplinks"`
	Policies []Policy       `hcl:"policy,block" json:"policies"`
}

// GlobalSettings holds daemon-wide switches.
type GlobalSettings struct {
	// Policy activated at startup.
	Policy string `hcl:"policy" json:"policy"`

	// Allow racing UDP probes across uplinks.
	UDPRace bool `hcl:"udp_race,optional" json:"udp_race"`

	// MPTCP kernel support and per-uplink endpoints.
	MPTCP bool `hcl:"mptcp,optional" json:"mptcp"`

	// TCP Fast Open (only meaningful with MPTCP).
	TFO bool `hcl:"tfo,optional" json:"tfo"`

	// Optional prometheus listen address, e.g. "127.0.0.1:9321".
	MetricsAddr string `hcl:"metrics_addr,optional" json:"metrics_addr,omitempty"`

	HealthCheck HealthCheck `hcl:"health_check,block" json:"health_check"`
}

// HealthCheck configures the uplink reachability probes.
type HealthCheck struct {
	// Seconds before a single probe is abandoned.
	TimeoutSeconds int `hcl:"timeout,optional" json:"timeout"`

	// Seconds between probe cycles.
	IntervalSeconds int `hcl:"interval,optional" json:"interval"`

	// Probe target for the http method.
	URL string `hcl:"url,optional" json:"url"`

	// "http" (default) or "ping".
	Method string `hcl:"method,optional" json:"method,omitempty"`

	// Consecutive failures before an online uplink is declared offline.
	FailThreshold int `hcl:"fail_threshold,optional" json:"fail_threshold"`

	// Consecutive successes before an offline uplink is declared online.
	SuccThreshold int `hcl:"succ_threshold,optional" json:"succ_threshold"`
}

// Timeout returns the per-probe deadline.
func (h HealthCheck) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Interval returns the probe cycle period.
func (h HealthCheck) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Uplink describes one WAN-facing path.
type Uplink struct {
	Name string `hcl:"name,label" json:"name"`

	// Underlying network device, e.g. "eth0".
	Device string `hcl:"device" json:"device"`

	// Relative weight for weighted-balance policies.
	Weight int `hcl:"weight,optional" json:"weight"`

	// Firewall mark assigned to traffic routed via this uplink.
	// Must be unique and non-zero.
	Mark uint32 `hcl:"mark" json:"mark"`

	Enabled bool `hcl:"enabled" json:"enabled"`

	// Named nftables sets whose members are pinned to this uplink.
	SourceSets []string `hcl:"source_sets,optional" json:"source_sets,omitempty"`
}

// PolicyKind is the closed set of selection strategies.
type PolicyKind string

const (
	KindBestPath         PolicyKind = "best-path"
	KindWeightedBalance  PolicyKind = "weighted-balance"
	KindPriorityFailover PolicyKind = "priority-failover"
)

// legacyKinds maps pre-1.0 policy type names to their current spelling.
var legacyKinds = map[string]PolicyKind{
	"url-test":     KindBestPath,
	"load-balance": KindWeightedBalance,
	"fallback":     KindPriorityFailover,
}

// ParsePolicyKind normalizes a policy kind string, accepting legacy names.
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch PolicyKind(s) {
	case KindBestPath, KindWeightedBalance, KindPriorityFailover:
		return PolicyKind(s), nil
	}
	if k, ok := legacyKinds[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown policy kind %q", s)
}

// Policy names an ordered set of uplinks governed by one selection strategy.
type Policy struct {
	Name    string   `hcl:"name,label" json:"name"`
	Kind    string   `hcl:"kind" json:"kind"`
	Uplinks []string `hcl:"uplinks" json:"uplinks"`
}

// ParsedKind returns the normalized kind. Call only after Validate.
func (p Policy) ParsedKind() PolicyKind {
	k, _ := ParsePolicyKind(p.Kind)
	return k
}

// UplinkByName returns the named uplink, or nil.
func (c *Config) UplinkByName(name string) *Uplink {
	for i := range c.Uplinks {
		if c.Uplinks[i].Name == name {
			return &c.Uplinks[i]
		}
	}
	return nil
}

// PolicyByName returns the named policy, or nil.
func (c *Config) PolicyByName(name string) *Policy {
	for i := range c.Policies {
		if c.Policies[i].Name == name {
			return &c.Policies[i]
		}
	}
	return nil
}

// EnabledUplinks returns the uplinks with Enabled set, in config order.
func (c *Config) EnabledUplinks() []Uplink {
	var out []Uplink
	for _, u := range c.Uplinks {
		if u.Enabled {
			out = append(out, u)
		}
	}
	return out
}

// ApplyDefaults fills unset fields with daemon defaults.
func (c *Config) ApplyDefaults() {
	hc := &c.Global.HealthCheck
	if hc.TimeoutSeconds == 0 {
		hc.TimeoutSeconds = 3
	}
	if hc.IntervalSeconds == 0 {
		hc.IntervalSeconds = 10
	}
	if hc.URL == "" {
		hc.URL = "http://cp.cloudflare.com/generate_204"
	}
	if hc.Method == "" {
		hc.Method = "http"
	}
	if hc.FailThreshold == 0 {
		hc.FailThreshold = 3
	}
	if hc.SuccThreshold == 0 {
		hc.SuccThreshold = 2
	}
	for i := range c.Uplinks {
		if c.Uplinks[i].Weight == 0 {
			c.Uplinks[i].Weight = 1
		}
	}
}
