// Package mptcp toggles kernel multipath TCP support and registers one
// MPTCP endpoint per enabled uplink so established flows can use
// subflows across WANs.
package mptcp

import (
	"fmt"
	"net"
	"os"

	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/logging"
	"grimm.is/mwand/internal/nft"
)

const (
	sysctlEnabled = "/proc/sys/net/mptcp/enabled"
	sysctlTFO     = "/proc/sys/net/ipv4/tcp_fastopen"
)

// AddrLookup resolves a device's primary IPv4 address. Injected so tests
// run without netlink.
type AddrLookup func(device string) (net.IP, error)

// Manager applies the MPTCP portion of the configuration.
type Manager struct {
	runner     nft.CommandRunner
	lookup     AddrLookup
	logger     *logging.Logger
	sysctlRoot string // test override, "" means the real /proc
	endpoints  map[string]string
}

// NewManager creates a manager over the given runner and address lookup.
func NewManager(runner nft.CommandRunner, lookup AddrLookup, logger *logging.Logger) *Manager {
	if runner == nil {
		runner = &nft.RealCommandRunner{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		runner:    runner,
		lookup:    lookup,
		logger:    logger.WithComponent("mptcp"),
		endpoints: make(map[string]string),
	}
}

// Configure enables or leaves alone kernel MPTCP per config, sets TCP
// Fast Open when requested, and reconciles per-uplink endpoints.
// With mptcp disabled in config this is a no-op.
func (m *Manager) Configure(cfg *config.Config) error {
	if !cfg.Global.MPTCP {
		return nil
	}

	if err := m.writeSysctl(sysctlEnabled, "1"); err != nil {
		return fmt.Errorf("failed to enable mptcp: %w", err)
	}
	if cfg.Global.TFO {
		// 3 = enable TFO for both outgoing and incoming connections.
		if err := m.writeSysctl(sysctlTFO, "3"); err != nil {
			return fmt.Errorf("failed to enable tcp fastopen: %w", err)
		}
	}
	m.logger.Info("mptcp enabled", "tfo", cfg.Global.TFO)

	return m.syncEndpoints(cfg.EnabledUplinks())
}

// syncEndpoints adds endpoints for new uplink devices and removes
// endpoints for devices no longer configured.
func (m *Manager) syncEndpoints(uplinks []config.Uplink) error {
	want := make(map[string]bool, len(uplinks))
	for _, u := range uplinks {
		want[u.Device] = true
	}

	for device := range m.endpoints {
		if want[device] {
			continue
		}
		if err := m.runner.Run("ip", "mptcp", "endpoint", "delete", "dev", device); err != nil {
			m.logger.Warn("failed to remove mptcp endpoint", "device", device, "error", err.Error())
		}
		delete(m.endpoints, device)
	}

	for _, u := range uplinks {
		if _, ok := m.endpoints[u.Device]; ok {
			continue
		}
		ip, err := m.lookup(u.Device)
		if err != nil {
			m.logger.Warn("skipping mptcp endpoint, no address",
				"uplink", u.Name, "device", u.Device, "error", err.Error())
			continue
		}
		if err := m.runner.Run("ip", "mptcp", "endpoint", "add",
			ip.String(), "dev", u.Device, "subflow", "fullmesh"); err != nil {
			m.logger.Warn("failed to add mptcp endpoint",
				"uplink", u.Name, "device", u.Device, "error", err.Error())
			continue
		}
		m.endpoints[u.Device] = ip.String()
		m.logger.Info("mptcp endpoint added", "device", u.Device, "addr", ip.String())
	}
	return nil
}

func (m *Manager) writeSysctl(path, value string) error {
	if m.sysctlRoot != "" {
		path = m.sysctlRoot + path
	}
	return os.WriteFile(path, []byte(value), 0644)
}
