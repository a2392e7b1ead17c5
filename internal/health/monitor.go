package health

import (
	"context"
	"sync"
	"time"

	"grimm.is/mwand/internal/clock"
	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/events"
	"grimm.is/mwand/internal/logging"
)

// Status is a point-in-time view of one uplink's health.
type Status struct {
	Uplink      string        `json:"uplink"`
	Device      string        `json:"device"`
	Online      bool          `json:"online"`
	Latency     time.Duration `json:"latency"`
	Failures    int           `json:"failures"`
	Successes   int           `json:"successes"`
	LastChecked time.Time     `json:"last_checked"`
	LastError   string        `json:"last_error,omitempty"`
}

// record is the mutable per-uplink health state. Counters track
// consecutive results only; any success zeroes the failure streak and
// vice versa, which is what keeps alternating results from flipping
// state when the thresholds are above one.
type record struct {
	mu          sync.Mutex
	device      string
	online      bool
	failures    int
	successes   int
	latency     time.Duration
	hasLatency  bool
	lastChecked time.Time
	lastError   string
}

// Monitor probes all enabled uplinks on a shared cycle and applies
// hysteresis to the results. New uplinks start offline and must earn
// their first online transition.
type Monitor struct {
	mu           sync.Mutex
	cfg          config.HealthCheck
	prober       Prober
	customProber bool
	clk          clock.Clock
	hub          *events.Hub
	logger       *logging.Logger
	records      map[string]*record
	onChange     func(uplink string, online bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects a time source for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clk = c }
}

// WithProber overrides the configured prober. The override survives
// SetConfig.
func WithProber(p Prober) Option {
	return func(m *Monitor) {
		m.prober = p
		m.customProber = true
	}
}

// OnChange registers a callback fired on every online/offline
// transition, after the event hub publish.
func OnChange(fn func(uplink string, online bool)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// SetOnChange installs the transition callback after construction, for
// wiring cycles where the consumer needs the monitor first.
func (m *Monitor) SetOnChange(fn func(uplink string, online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// NewMonitor creates a monitor for the given health check settings.
func NewMonitor(cfg config.HealthCheck, hub *events.Hub, logger *logging.Logger, opts ...Option) (*Monitor, error) {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Monitor{
		cfg:     cfg,
		clk:     &clock.RealClock{},
		hub:     hub,
		logger:  logger.WithComponent("health"),
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil {
		p, err := NewProber(cfg.Method, cfg.URL, cfg.Timeout())
		if err != nil {
			return nil, err
		}
		m.prober = p
	}
	return m, nil
}

// SetConfig swaps the health check settings after a reload. The prober
// is rebuilt from the new method and URL unless one was injected.
// Threshold and timeout changes take effect on the next probe cycle,
// the interval change on the cycle after that.
func (m *Monitor) SetConfig(cfg config.HealthCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.customProber {
		p, err := NewProber(cfg.Method, cfg.URL, cfg.Timeout())
		if err != nil {
			return err
		}
		m.prober = p
	}
	m.cfg = cfg
	return nil
}

// SetUplinks reconciles the tracked set with configuration. Removed
// uplinks are dropped; an uplink that disappears and returns starts
// over as offline with zeroed counters.
func (m *Monitor) SetUplinks(uplinks []config.Uplink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(uplinks))
	for _, u := range uplinks {
		if !u.Enabled {
			continue
		}
		seen[u.Name] = true
		if rec, ok := m.records[u.Name]; ok {
			rec.mu.Lock()
			rec.device = u.Device
			rec.mu.Unlock()
			continue
		}
		m.records[u.Name] = &record{device: u.Device}
	}
	for name := range m.records {
		if !seen[name] {
			delete(m.records, name)
		}
	}
}

// CheckAll probes every tracked uplink concurrently and waits for the
// cycle to finish. Slow probes from one cycle never overlap the next
// because Run gates on this call.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	cfg := m.cfg
	prober := m.prober
	targets := make(map[string]*record, len(m.records))
	for name, rec := range m.records {
		targets[name] = rec
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, rec := range targets {
		wg.Add(1)
		go func(name string, rec *record) {
			defer wg.Done()
			rec.mu.Lock()
			device := rec.device
			rec.mu.Unlock()

			probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
			latency, err := prober.Probe(probeCtx, device)
			cancel()
			m.observe(name, rec, cfg, latency, err)
		}(name, rec)
	}
	wg.Wait()
}

// observe folds one probe result into the uplink's record and fires
// transitions when a threshold is crossed.
func (m *Monitor) observe(name string, rec *record, cfg config.HealthCheck, latency time.Duration, err error) {
	rec.mu.Lock()
	rec.lastChecked = m.clk.Now()

	var transitioned, nowOnline bool
	if err == nil {
		rec.successes++
		rec.failures = 0
		rec.latency = latency
		rec.hasLatency = true
		rec.lastError = ""
		if !rec.online && rec.successes >= cfg.SuccThreshold {
			rec.online = true
			transitioned = true
			nowOnline = true
		}
	} else {
		rec.failures++
		rec.successes = 0
		rec.lastError = err.Error()
		// Latency is deliberately retained: the last known figure is
		// more useful to best-path selection than zero.
		if rec.online && rec.failures >= cfg.FailThreshold {
			rec.online = false
			transitioned = true
		}
	}
	snapshot := rec.statusLocked(name)
	rec.mu.Unlock()

	if err != nil {
		m.logger.Debug("probe failed", "uplink", name, "device", snapshot.Device,
			"failures", snapshot.Failures, "error", err.Error())
	} else {
		m.logger.Debug("probe ok", "uplink", name, "latency", latency)
	}

	if !transitioned {
		return
	}
	if nowOnline {
		m.logger.Info("uplink online", "uplink", name, "latency", snapshot.Latency)
	} else {
		m.logger.Warn("uplink offline", "uplink", name, "failures", snapshot.Failures)
	}
	if m.hub != nil {
		m.hub.EmitHealth(name, nowOnline, snapshot.Latency, snapshot.Failures, snapshot.Successes)
	}
	m.mu.Lock()
	onChange := m.onChange
	m.mu.Unlock()
	if onChange != nil {
		onChange(name, nowOnline)
	}
}

func (r *record) statusLocked(name string) Status {
	return Status{
		Uplink:      name,
		Device:      r.device,
		Online:      r.online,
		Latency:     r.latency,
		Failures:    r.failures,
		Successes:   r.successes,
		LastChecked: r.lastChecked,
		LastError:   r.lastError,
	}
}

// IsOnline reports the hysteresis-filtered state of one uplink.
// Unknown uplinks are offline.
func (m *Monitor) IsOnline(uplink string) bool {
	m.mu.Lock()
	rec, ok := m.records[uplink]
	m.mu.Unlock()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.online
}

// Latency returns the last known latency for an uplink and whether one
// has been observed at all.
func (m *Monitor) Latency(uplink string) (time.Duration, bool) {
	m.mu.Lock()
	rec, ok := m.records[uplink]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.latency, rec.hasLatency
}

// Snapshot returns the status of every tracked uplink.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	names := make([]string, 0, len(m.records))
	recs := make([]*record, 0, len(m.records))
	for name, rec := range m.records {
		names = append(names, name)
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	out := make([]Status, len(recs))
	for i, rec := range recs {
		rec.mu.Lock()
		out[i] = rec.statusLocked(names[i])
		rec.mu.Unlock()
	}
	return out
}

// Run probes on the configured interval until the context is canceled.
// An initial cycle fires immediately so the daemon does not route
// blind for a full interval after startup.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	m.logger.Info("health monitor started",
		"interval", cfg.Interval(), "method", cfg.Method,
		"fail_threshold", cfg.FailThreshold, "succ_threshold", cfg.SuccThreshold)

	m.CheckAll(ctx)

	ticker := time.NewTicker(cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
			// Pick up an interval changed by SetConfig.
			if next := m.config(); next.Interval() != cfg.Interval() {
				cfg = next
				ticker.Reset(next.Interval())
			}
		}
	}
}

func (m *Monitor) config() config.HealthCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}
