//go:build linux
// +build linux

package link

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Start subscribes to kernel link updates. Idempotent.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	updates := make(chan netlink.LinkUpdate)
	if err := netlink.LinkSubscribe(updates, stop); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("failed to subscribe to link updates: %w", err)
	}

	go m.processUpdates(updates, stop)
	m.logger.Info("link monitor started")
	return nil
}

// Stop ends the subscription.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stop)
	m.running = false
	m.logger.Info("link monitor stopped")
}

func (m *Monitor) processUpdates(updates chan netlink.LinkUpdate, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			attrs := update.Link.Attrs()
			if attrs == nil {
				continue
			}
			m.handle(attrs.Name, attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown)
		}
	}
}

// Prime seeds the state map with the current state of every tracked
// device, so the first real transition is not mistaken for a duplicate.
func (m *Monitor) Prime() {
	m.mu.RLock()
	devices := make([]string, 0, len(m.devices))
	for dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.RUnlock()

	for _, dev := range devices {
		link, err := netlink.LinkByName(dev)
		if err != nil {
			m.logger.Warn("uplink device missing", "device", dev, "error", err.Error())
			continue
		}
		up := link.Attrs().Flags&net.FlagUp != 0
		m.mu.Lock()
		m.lastState[dev] = up
		m.mu.Unlock()
	}
}
