// Package link watches kernel device state and maps device events back
// to configured uplinks so the policy engine can react before the next
// health cycle notices an outage.
package link

import (
	"sync"

	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/events"
	"grimm.is/mwand/internal/logging"
)

// Change is one device transition mapped to its uplink, if any.
type Change struct {
	Device string
	Uplink string // empty when the device is not a configured uplink
	Up     bool
}

// Monitor subscribes to kernel link updates and forwards transitions for
// configured uplink devices. Repeated updates with an unchanged oper
// state are suppressed.
type Monitor struct {
	mu        sync.RWMutex
	devices   map[string]string // device -> uplink name
	lastState map[string]bool
	callbacks []func(Change)
	hub       *events.Hub
	logger    *logging.Logger
	running   bool
	stop      chan struct{}
}

// NewMonitor creates a link monitor.
func NewMonitor(hub *events.Hub, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		devices:   make(map[string]string),
		lastState: make(map[string]bool),
		hub:       hub,
		logger:    logger.WithComponent("link"),
	}
}

// SetUplinks replaces the device-to-uplink mapping from configuration.
func (m *Monitor) SetUplinks(uplinks []config.Uplink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = make(map[string]string, len(uplinks))
	for _, u := range uplinks {
		if u.Enabled {
			m.devices[u.Device] = u.Name
		}
	}
	for dev := range m.lastState {
		if _, ok := m.devices[dev]; !ok {
			delete(m.lastState, dev)
		}
	}
}

// OnChange registers a callback invoked for every uplink device
// transition, after the event hub publish.
func (m *Monitor) OnChange(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// handle folds one device observation into state and dispatches it.
func (m *Monitor) handle(device string, up bool) {
	m.mu.Lock()
	uplink, tracked := m.devices[device]
	if !tracked {
		m.mu.Unlock()
		return
	}
	if last, seen := m.lastState[device]; seen && last == up {
		m.mu.Unlock()
		return
	}
	m.lastState[device] = up
	callbacks := append([]func(Change){}, m.callbacks...)
	m.mu.Unlock()

	if up {
		m.logger.Info("uplink device up", "device", device, "uplink", uplink)
	} else {
		m.logger.Warn("uplink device down", "device", device, "uplink", uplink)
	}
	if m.hub != nil {
		m.hub.EmitLink(device, uplink, up)
	}
	ch := Change{Device: device, Uplink: uplink, Up: up}
	for _, fn := range callbacks {
		fn(ch)
	}
}
