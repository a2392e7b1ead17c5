// Package policy turns health state and configured policies into
// forwarding intents and drives the rule compiler with them.
package policy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/events"
	"grimm.is/mwand/internal/logging"
	"grimm.is/mwand/internal/nft"
)

var (
	// ErrPolicyNotFound is returned by Activate for an unknown policy
	// name, or when a policy references an unconfigured uplink.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrUnknownPolicyKind is returned when a policy's kind fails to parse.
	ErrUnknownPolicyKind = errors.New("unknown policy kind")

	// ErrNoUplinksAvailable is returned when a policy's uplink list has
	// no online members. The previously applied rules stay in place.
	ErrNoUplinksAvailable = errors.New("no uplinks available")
)

// HealthSource is the slice of the health monitor the engine reads.
type HealthSource interface {
	IsOnline(uplink string) bool
}

// Applier is the slice of the rule compiler the engine drives.
type Applier interface {
	Apply(intent *nft.Intent) error
}

// Engine owns the active-policy cell. Activation and reactive
// re-evaluation are serialized by one mutex, so a half-applied intent is
// never observable and concurrent chain writes cannot happen.
type Engine struct {
	mu       sync.Mutex
	cfg      *config.Config
	health   HealthSource
	compiler Applier
	hub      *events.Hub
	logger   *logging.Logger

	active string // name of the active policy, "" before first activation

	// Latency hints from race results, consulted by best-path ahead of
	// probe latency. Cleared on config replacement.
	raceLatency map[string]time.Duration
}

// NewEngine creates a policy engine over the given collaborators.
func NewEngine(cfg *config.Config, health HealthSource, compiler Applier, hub *events.Hub, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		cfg:         cfg,
		health:      health,
		compiler:    compiler,
		hub:         hub,
		logger:      logger.WithComponent("policy"),
		raceLatency: make(map[string]time.Duration),
	}
}

// Activate computes and applies the named policy's intent. On success the
// policy becomes the active one; on any failure the active policy and the
// kernel rules are unchanged.
func (e *Engine) Activate(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.evaluateLocked(name); err != nil {
		e.emitFailed(name, err)
		return err
	}
	e.active = name
	return nil
}

// ActivePolicy returns the name of the active policy, or "".
func (e *Engine) ActivePolicy() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Reevaluate re-runs the active policy against the latest online set.
// A no-op when nothing is active. Safe to call from any goroutine; calls
// are serialized with Activate.
func (e *Engine) Reevaluate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == "" {
		return nil
	}
	if err := e.evaluateLocked(e.active); err != nil {
		e.emitFailed(e.active, err)
		return err
	}
	return nil
}

// OnHealthChanged is the health monitor's transition callback.
func (e *Engine) OnHealthChanged(uplink string, online bool) {
	if err := e.Reevaluate(); err != nil {
		e.logger.Warn("re-evaluation after health change failed",
			"uplink", uplink, "online", online, "error", err.Error())
	}
}

// OnUplinkEvent is the link monitor's device event callback.
func (e *Engine) OnUplinkEvent(uplink string, up bool) {
	if err := e.Reevaluate(); err != nil {
		e.logger.Warn("re-evaluation after link event failed",
			"uplink", uplink, "up", up, "error", err.Error())
	}
}

// RecordRaceLatency feeds a race result into best-path selection.
func (e *Engine) RecordRaceLatency(uplink string, latency time.Duration) {
	e.mu.Lock()
	e.raceLatency[uplink] = latency
	e.mu.Unlock()
}

// SetConfig swaps the configuration after a reload. The active policy is
// re-evaluated against the new config; if it no longer exists or cannot
// be applied, the error is returned and the previous rules stay live.
func (e *Engine) SetConfig(cfg *config.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prevCfg, prevLatency := e.cfg, e.raceLatency
	e.cfg = cfg
	e.raceLatency = make(map[string]time.Duration)
	if e.active == "" {
		return nil
	}
	if err := e.evaluateLocked(e.active); err != nil {
		// Keep evaluating against the config that last worked.
		e.cfg, e.raceLatency = prevCfg, prevLatency
		e.emitFailed(e.active, err)
		return err
	}
	return nil
}

// evaluateLocked resolves, selects and applies one policy. Caller holds mu.
func (e *Engine) evaluateLocked(name string) error {
	spec := e.cfg.PolicyByName(name)
	if spec == nil {
		return fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
	}
	kind, err := config.ParsePolicyKind(spec.Kind)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownPolicyKind, spec.Kind)
	}

	members, err := e.resolveMembers(spec)
	if err != nil {
		return err
	}

	intent, err := e.selectIntent(spec.Name, kind, members)
	if err != nil {
		return err
	}

	if err := e.compiler.Apply(intent); err != nil {
		return err
	}

	if e.hub != nil {
		e.hub.EmitPolicyApplied(spec.Name, string(kind), intent.Uplinks())
	}
	e.logger.Info("policy evaluated",
		"policy", spec.Name, "kind", string(kind), "uplinks", intent.Uplinks())
	return nil
}

// member is one resolved policy uplink with its live state.
type member struct {
	uplink  config.Uplink
	online  bool
	latency time.Duration
	hasLat  bool
}

// resolveMembers maps the policy's uplink names to configured uplinks,
// in policy order. A reference to an unconfigured uplink fails here, at
// activation time, not at config load.
func (e *Engine) resolveMembers(spec *config.Policy) ([]member, error) {
	members := make([]member, 0, len(spec.Uplinks))
	for _, name := range spec.Uplinks {
		u := e.cfg.UplinkByName(name)
		if u == nil {
			return nil, fmt.Errorf("%w: policy %q references unknown uplink %q",
				ErrPolicyNotFound, spec.Name, name)
		}
		m := member{uplink: *u}
		if u.Enabled {
			m.online = e.health.IsOnline(name)
			if lat, ok := e.raceLatency[name]; ok {
				m.latency, m.hasLat = lat, true
			}
		}
		members = append(members, m)
	}
	return members, nil
}

// selectIntent runs the kind-specific selection over the resolved members.
func (e *Engine) selectIntent(policy string, kind config.PolicyKind, members []member) (*nft.Intent, error) {
	online := make([]member, 0, len(members))
	for _, m := range members {
		if m.uplink.Enabled && m.online {
			online = append(online, m)
		}
	}
	if len(online) == 0 {
		return nil, fmt.Errorf("%w: policy %q has no online uplinks", ErrNoUplinksAvailable, policy)
	}

	switch kind {
	case config.KindBestPath:
		return bestPathIntent(policy, kind, online), nil
	case config.KindWeightedBalance:
		return weightedIntent(policy, kind, online), nil
	case config.KindPriorityFailover:
		return failoverIntent(policy, kind, online), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicyKind, kind)
	}
}

// bestPathIntent picks one winner. List order decides by default; when
// race results have been supplied, the lowest measured latency wins and
// list order only breaks exact ties.
func bestPathIntent(policy string, kind config.PolicyKind, online []member) *nft.Intent {
	winner := online[0]
	for _, m := range online[1:] {
		if m.hasLat && (!winner.hasLat || m.latency < winner.latency) {
			winner = m
		}
	}
	return &nft.Intent{
		Policy:  policy,
		Kind:    string(kind),
		Mode:    nft.ModeSingle,
		Entries: []nft.Entry{entryFor(winner)},
	}
}

// weightedIntent spreads flows over all online members by weight.
func weightedIntent(policy string, kind config.PolicyKind, online []member) *nft.Intent {
	entries := make([]nft.Entry, 0, len(online))
	for _, m := range online {
		entries = append(entries, entryFor(m))
	}
	return &nft.Intent{
		Policy:  policy,
		Kind:    string(kind),
		Mode:    nft.ModeWeighted,
		Entries: entries,
	}
}

// failoverIntent marks everything for the first online member; the rest
// of the list documents the standby order inside the intent.
func failoverIntent(policy string, kind config.PolicyKind, online []member) *nft.Intent {
	entries := make([]nft.Entry, 0, len(online))
	for _, m := range online {
		entries = append(entries, entryFor(m))
	}
	return &nft.Intent{
		Policy:  policy,
		Kind:    string(kind),
		Mode:    nft.ModeFailover,
		Entries: entries,
	}
}

func entryFor(m member) nft.Entry {
	return nft.Entry{
		Uplink: m.uplink.Name,
		Device: m.uplink.Device,
		Mark:   m.uplink.Mark,
		Weight: m.uplink.Weight,
	}
}

func (e *Engine) emitFailed(name string, err error) {
	if e.hub == nil {
		return
	}
	kind := ""
	if spec := e.cfg.PolicyByName(name); spec != nil {
		kind = spec.Kind
	}
	e.hub.EmitPolicyFailed(name, kind, err)
}
