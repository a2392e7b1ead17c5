package ctl

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/health"
	"grimm.is/mwand/internal/nft"
	"grimm.is/mwand/internal/policy"
	"grimm.is/mwand/internal/race"
)

// okProber always succeeds instantly.
type okProber struct{}

func (okProber) Probe(ctx context.Context, device string) (time.Duration, error) {
	return 10 * time.Millisecond, nil
}

// recordingSink is a minimal in-memory nft.Sink.
type recordingSink struct {
	table  string
	loaded string
}

func (s *recordingSink) EnsureTable() error { return nil }

func (s *recordingSink) ReplaceChain(chain string, r []nft.Rule) error { return nil }

func (s *recordingSink) ListTable() (string, error) { return s.table, nil }

func (s *recordingSink) LoadTable(text string) error { s.loaded = text; return nil }

func ctlConfig() *config.Config {
	cfg := &config.Config{
		Global: config.GlobalSettings{
			Policy: "main",
			HealthCheck: config.HealthCheck{
				TimeoutSeconds: 1, IntervalSeconds: 10,
				URL: "http://example.invalid/generate_204", Method: "http",
				FailThreshold: 1, SuccThreshold: 1,
			},
		},
		Uplinks: []config.Uplink{
			{Name: "fiber", Device: "eth0", Mark: 0x100, Weight: 1, Enabled: true},
		},
		Policies: []config.Policy{
			{Name: "main", Kind: "best-path", Uplinks: []string{"fiber"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// countingSysconf records the configs passed to Configure.
type countingSysconf struct {
	configs []*config.Config
}

func (c *countingSysconf) Configure(cfg *config.Config) error {
	c.configs = append(c.configs, cfg)
	return nil
}

func startTestServer(t *testing.T, cfg *config.Config, sink nft.Sink, sysconf SystemConfigurer, reload Reloader) (*Server, *Client) {
	t.Helper()

	SocketPath = filepath.Join(t.TempDir(), "mwand.sock")

	monitor, err := health.NewMonitor(cfg.Global.HealthCheck, nil, nil, health.WithProber(okProber{}))
	require.NoError(t, err)
	monitor.SetUplinks(cfg.Uplinks)
	monitor.CheckAll(context.Background())

	compiler := nft.NewCompiler(sink, nil)
	engine := policy.NewEngine(cfg, monitor, compiler, nil, nil)
	racer := race.NewCoordinator(func(ctx context.Context, device string) (net.PacketConn, error) {
		return net.ListenPacket("udp4", "127.0.0.1:0")
	}, nil, nil)

	srv := NewServer(cfg, monitor, engine, compiler, racer, sysconf, reload, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	client, err := NewClient()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestStatusAndActivate(t *testing.T) {
	_, client := startTestServer(t, ctlConfig(), &recordingSink{}, nil, nil)

	status, err := client.Status()
	require.NoError(t, err)
	assert.Empty(t, status.ActivePolicy)
	assert.Equal(t, []string{"fiber"}, status.Online)

	reply, err := client.Activate("main")
	require.NoError(t, err)
	assert.Equal(t, "main", reply.Policy)
	assert.Equal(t, []string{"fiber"}, reply.Uplinks)

	status, err = client.Status()
	require.NoError(t, err)
	assert.Equal(t, "main", status.ActivePolicy)
}

func TestActivateUnknownPolicyPropagatesError(t *testing.T) {
	_, client := startTestServer(t, ctlConfig(), &recordingSink{}, nil, nil)

	_, err := client.Activate("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy not found")
}

func TestBackupAndRestoreOverRPC(t *testing.T) {
	sink := &recordingSink{table: "table inet mwan3 {\n}\n"}
	_, client := startTestServer(t, ctlConfig(), sink, nil, nil)

	path := filepath.Join(t.TempDir(), "backup.nft")
	require.NoError(t, client.Backup(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sink.table, string(data))

	require.NoError(t, client.Restore(path))
	assert.Equal(t, sink.table, sink.loaded)
}

func TestRaceOverRPC(t *testing.T) {
	// Loopback echo target.
	echo, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := echo.ReadFrom(buf)
			if err != nil {
				return
			}
			echo.WriteTo(buf[:n], from)
		}
	}()

	_, client := startTestServer(t, ctlConfig(), &recordingSink{}, nil, nil)

	reply, err := client.Race(RaceArgs{Target: echo.LocalAddr().String(), Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "fiber", reply.Winner)
	assert.Greater(t, reply.Latency, time.Duration(0))
}

func TestReloadFailureKeepsConfig(t *testing.T) {
	reloadErr := errors.New("config invalid: duplicate mark")
	srv, client := startTestServer(t, ctlConfig(), &recordingSink{}, nil, func() (*config.Config, error) {
		return nil, reloadErr
	})

	_, err := client.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate mark")

	srv.mu.RLock()
	defer srv.mu.RUnlock()
	assert.Len(t, srv.cfg.Uplinks, 1, "previous config snapshot must remain")
}

func TestReloadSuccess(t *testing.T) {
	next := ctlConfig()
	next.Uplinks = append(next.Uplinks, config.Uplink{
		Name: "lte", Device: "wwan0", Mark: 0x200, Weight: 1, Enabled: true,
	})
	_, client := startTestServer(t, ctlConfig(), &recordingSink{}, nil, func() (*config.Config, error) {
		return next, nil
	})

	reply, err := client.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Uplinks)
	assert.Equal(t, 1, reply.Policies)
}

func TestReloadReappliesSystemConfig(t *testing.T) {
	next := ctlConfig()
	next.Global.MPTCP = true
	next.Global.HealthCheck.FailThreshold = 5

	sysconf := &countingSysconf{}
	_, client := startTestServer(t, ctlConfig(), &recordingSink{}, sysconf, func() (*config.Config, error) {
		return next, nil
	})

	_, err := client.Reload()
	require.NoError(t, err)

	require.Len(t, sysconf.configs, 1, "host-level settings must be re-applied on reload")
	assert.Same(t, next, sysconf.configs[0])
}

func TestEachServerServesItsOwnState(t *testing.T) {
	_, first := startTestServer(t, ctlConfig(), &recordingSink{}, nil, nil)

	two := ctlConfig()
	two.Uplinks = append(two.Uplinks, config.Uplink{
		Name: "lte", Device: "wwan0", Mark: 0x200, Weight: 1, Enabled: true,
	})
	_, second := startTestServer(t, two, &recordingSink{}, nil, nil)

	// Two servers in one process: each connection must reach the server
	// that owns its socket, not the first one registered.
	status, err := first.Status()
	require.NoError(t, err)
	assert.Len(t, status.Uplinks, 1)

	status, err = second.Status()
	require.NoError(t, err)
	assert.Len(t, status.Uplinks, 2)
}
