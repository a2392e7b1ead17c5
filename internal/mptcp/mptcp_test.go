package mptcp

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/nft"
)

func fakeLookup(addrs map[string]string) AddrLookup {
	return func(device string) (net.IP, error) {
		if a, ok := addrs[device]; ok {
			return net.ParseIP(a), nil
		}
		return nil, errors.New("no address on " + device)
	}
}

func sysctlFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range []string{sysctlEnabled, sysctlTFO} {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("0"), 0644))
	}
	return root
}

func mptcpConfig(enabled, tfo bool) *config.Config {
	cfg := &config.Config{
		Global: config.GlobalSettings{Policy: "main", MPTCP: enabled, TFO: tfo},
		Uplinks: []config.Uplink{
			{Name: "fiber", Device: "eth0", Mark: 1, Enabled: true},
			{Name: "lte", Device: "wwan0", Mark: 2, Enabled: true},
			{Name: "spare", Device: "eth9", Mark: 3, Enabled: false},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfigureDisabledIsNoop(t *testing.T) {
	runner := new(nft.MockCommandRunner)
	m := NewManager(runner, fakeLookup(nil), nil)
	m.sysctlRoot = t.TempDir() // would fail if written to

	require.NoError(t, m.Configure(mptcpConfig(false, true)))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestConfigureEnablesKernelSupport(t *testing.T) {
	runner := new(nft.MockCommandRunner)
	runner.On("Run", "ip", mock.Anything).Return(nil)

	m := NewManager(runner, fakeLookup(map[string]string{
		"eth0":  "198.51.100.2",
		"wwan0": "203.0.113.7",
	}), nil)
	m.sysctlRoot = sysctlFixture(t)

	require.NoError(t, m.Configure(mptcpConfig(true, true)))

	data, err := os.ReadFile(filepath.Join(m.sysctlRoot, sysctlEnabled))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	data, err = os.ReadFile(filepath.Join(m.sysctlRoot, sysctlTFO))
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
}

func TestConfigureWithoutTFOLeavesFastopen(t *testing.T) {
	runner := new(nft.MockCommandRunner)
	runner.On("Run", "ip", mock.Anything).Return(nil)

	m := NewManager(runner, fakeLookup(map[string]string{"eth0": "198.51.100.2", "wwan0": "203.0.113.7"}), nil)
	m.sysctlRoot = sysctlFixture(t)

	require.NoError(t, m.Configure(mptcpConfig(true, false)))
	data, err := os.ReadFile(filepath.Join(m.sysctlRoot, sysctlTFO))
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))
}

func TestConfigureAddsEndpointsPerEnabledUplink(t *testing.T) {
	runner := new(nft.MockCommandRunner)
	runner.On("Run", "ip", []string{"mptcp", "endpoint", "add", "198.51.100.2", "dev", "eth0", "subflow", "fullmesh"}).Return(nil).Once()
	runner.On("Run", "ip", []string{"mptcp", "endpoint", "add", "203.0.113.7", "dev", "wwan0", "subflow", "fullmesh"}).Return(nil).Once()

	m := NewManager(runner, fakeLookup(map[string]string{
		"eth0":  "198.51.100.2",
		"wwan0": "203.0.113.7",
	}), nil)
	m.sysctlRoot = sysctlFixture(t)

	require.NoError(t, m.Configure(mptcpConfig(true, false)))
	runner.AssertExpectations(t)

	// Re-running must not add duplicates.
	require.NoError(t, m.Configure(mptcpConfig(true, false)))
	runner.AssertNumberOfCalls(t, "Run", 2)
}

func TestConfigureRemovesStaleEndpoints(t *testing.T) {
	runner := new(nft.MockCommandRunner)
	runner.On("Run", "ip", mock.Anything).Return(nil)

	m := NewManager(runner, fakeLookup(map[string]string{
		"eth0":  "198.51.100.2",
		"wwan0": "203.0.113.7",
	}), nil)
	m.sysctlRoot = sysctlFixture(t)
	require.NoError(t, m.Configure(mptcpConfig(true, false)))

	cfg := mptcpConfig(true, false)
	cfg.Uplinks = cfg.Uplinks[:1] // drop lte
	require.NoError(t, m.Configure(cfg))

	runner.AssertCalled(t, "Run", "ip", []string{"mptcp", "endpoint", "delete", "dev", "wwan0"})
}

func TestConfigureSkipsUplinkWithoutAddress(t *testing.T) {
	runner := new(nft.MockCommandRunner)
	runner.On("Run", "ip", mock.Anything).Return(nil)

	m := NewManager(runner, fakeLookup(map[string]string{"eth0": "198.51.100.2"}), nil)
	m.sysctlRoot = sysctlFixture(t)

	require.NoError(t, m.Configure(mptcpConfig(true, false)), "an addressless uplink is skipped, not fatal")
	runner.AssertNotCalled(t, "Run", "ip", []string{"mptcp", "endpoint", "add", mock.Anything, "dev", "wwan0", "subflow", "fullmesh"})
}
