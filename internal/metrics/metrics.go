// Package metrics exposes daemon state to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/mwand/internal/events"
	"grimm.is/mwand/internal/logging"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	// Health
	UplinkOnline  *prometheus.GaugeVec
	ProbeLatency  *prometheus.GaugeVec
	ProbeFailures *prometheus.CounterVec

	// Policy
	PolicyApplies  *prometheus.CounterVec
	PolicyFailures *prometheus.CounterVec

	// Race
	RaceWins     *prometheus.CounterVec
	RaceTimeouts prometheus.Counter

	// Link
	LinkTransitions *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.UplinkOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mwand_uplink_online",
		Help: "Whether the uplink is online after hysteresis (1) or offline (0)",
	}, []string{"uplink"})

	r.ProbeLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mwand_probe_latency_seconds",
		Help: "Last observed health probe latency per uplink",
	}, []string{"uplink"})

	r.ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mwand_probe_failures_total",
		Help: "Health probe failures per uplink",
	}, []string{"uplink"})

	r.PolicyApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mwand_policy_applies_total",
		Help: "Successful policy evaluations per policy",
	}, []string{"policy"})

	r.PolicyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mwand_policy_failures_total",
		Help: "Failed policy evaluations per policy",
	}, []string{"policy"})

	r.RaceWins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mwand_race_wins_total",
		Help: "Path races won per uplink",
	}, []string{"uplink"})

	r.RaceTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mwand_race_timeouts_total",
		Help: "Path races that resolved without a winner",
	})

	r.LinkTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mwand_link_transitions_total",
		Help: "Device up/down transitions per uplink",
	}, []string{"uplink", "state"})

	return r
}

// Exporter consumes hub events and keeps the registry current.
type Exporter struct {
	reg    *Registry
	hub    *events.Hub
	logger *logging.Logger
}

// NewExporter wires the registry to the event hub.
func NewExporter(hub *events.Hub, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Exporter{
		reg:    Get(),
		hub:    hub,
		logger: logger.WithComponent("metrics"),
	}
}

// Run consumes events until the context is canceled.
func (e *Exporter) Run(ctx context.Context) {
	sub := e.hub.Subscribe(64,
		events.EventHealthOnline, events.EventHealthOffline,
		events.EventPolicyApplied, events.EventPolicyFailed,
		events.EventRaceWon, events.EventRaceTimedOut,
		events.EventLinkUp, events.EventLinkDown,
	)
	defer e.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			e.observe(ev)
		}
	}
}

func (e *Exporter) observe(ev events.Event) {
	switch data := ev.Data.(type) {
	case events.HealthData:
		online := 0.0
		if data.Online {
			online = 1.0
		}
		e.reg.UplinkOnline.WithLabelValues(data.Uplink).Set(online)
		if data.Latency > 0 {
			e.reg.ProbeLatency.WithLabelValues(data.Uplink).Set(data.Latency.Seconds())
		}
		if !data.Online {
			e.reg.ProbeFailures.WithLabelValues(data.Uplink).Add(float64(data.Failures))
		}
	case events.PolicyData:
		if data.Error == "" {
			e.reg.PolicyApplies.WithLabelValues(data.Policy).Inc()
		} else {
			e.reg.PolicyFailures.WithLabelValues(data.Policy).Inc()
		}
	case events.RaceData:
		if data.Winner != "" {
			e.reg.RaceWins.WithLabelValues(data.Winner).Inc()
		} else {
			e.reg.RaceTimeouts.Inc()
		}
	case events.LinkData:
		state := "down"
		if data.Up {
			state = "up"
		}
		e.reg.LinkTransitions.WithLabelValues(data.Uplink, state).Inc()
	}
}

// Serve exposes /metrics on addr until the context is canceled. An empty
// addr disables the listener.
func Serve(ctx context.Context, addr string, logger *logging.Logger) error {
	if addr == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listener started", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
