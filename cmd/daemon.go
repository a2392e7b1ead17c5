// Package cmd implements the CLI subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"grimm.is/mwand/internal/brand"
	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/ctl"
	"grimm.is/mwand/internal/events"
	"grimm.is/mwand/internal/health"
	"grimm.is/mwand/internal/link"
	"grimm.is/mwand/internal/logging"
	"grimm.is/mwand/internal/metrics"
	"grimm.is/mwand/internal/mptcp"
	"grimm.is/mwand/internal/netbind"
	"grimm.is/mwand/internal/nft"
	"grimm.is/mwand/internal/policy"
	"grimm.is/mwand/internal/race"
)

// RunDaemon runs the daemon in the foreground until SIGTERM/SIGINT.
// SIGHUP reloads configuration; a failed reload keeps the previous
// config and rules.
func RunDaemon(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := logging.Default()
	logger.Info("starting", "name", brand.Name, "config", configFile, "pid", os.Getpid())

	if err := writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(brand.PIDFilePath())

	hub := events.NewHub()

	// Rule compiler: native netlink programming when available, the nft
	// binary otherwise.
	runner := &nft.RealCommandRunner{}
	var sink nft.Sink
	if native, err := nft.NewNativeSink(runner); err == nil {
		sink = native
	} else {
		logger.Warn("netlink unavailable, using nft binary", "error", err.Error())
		sink = nft.NewShellSink(runner)
	}
	compiler := nft.NewCompiler(sink, logger)
	if err := compiler.Initialize(); err != nil {
		return err
	}
	if err := compiler.SyncUplinkRules(uplinkSpecs(cfg)); err != nil {
		return err
	}

	mptcpMgr := mptcp.NewManager(runner, netbind.DeviceAddr, logger)
	if err := mptcpMgr.Configure(cfg); err != nil {
		logger.Warn("mptcp configuration failed", "error", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor, err := health.NewMonitor(cfg.Global.HealthCheck, hub, logger)
	if err != nil {
		return err
	}
	monitor.SetUplinks(cfg.Uplinks)

	engine := policy.NewEngine(cfg, monitor, compiler, hub, logger)
	monitor.SetOnChange(engine.OnHealthChanged)

	linkMon := link.NewMonitor(hub, logger)
	linkMon.SetUplinks(cfg.Uplinks)
	linkMon.OnChange(func(c link.Change) {
		engine.OnUplinkEvent(c.Uplink, c.Up)
	})
	linkMon.Prime()
	if err := linkMon.Start(); err != nil {
		logger.Warn("link monitor unavailable", "error", err.Error())
	}
	defer linkMon.Stop()

	racer := race.NewCoordinator(nil, hub, logger)

	exporter := metrics.NewExporter(hub, logger)
	go exporter.Run(ctx)
	go func() {
		if err := metrics.Serve(ctx, cfg.Global.MetricsAddr, logger); err != nil {
			logger.Error("metrics listener failed", "error", err.Error())
		}
	}()

	currentFile := configFile
	server := ctl.NewServer(cfg, monitor, engine, compiler, racer, mptcpMgr, func() (*config.Config, error) {
		return config.LoadFile(currentFile)
	}, logger)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	if err := engine.Activate(cfg.Global.Policy); err != nil {
		// Not fatal: all uplinks may still be warming up. The first
		// health transition re-evaluates.
		logger.Warn("initial policy activation failed", "policy", cfg.Global.Policy, "error", err.Error())
	}

	go monitor.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("reload requested")
			var reply ctl.ReloadReply
			if err := server.Reload(&ctl.Empty{}, &reply); err != nil {
				logger.Error("reload failed, previous config retained", "error", err.Error())
			}
		default:
			logger.Info("shutting down", "signal", sig.String())
			cancel()
			return nil
		}
	}
	return nil
}

func uplinkSpecs(cfg *config.Config) []nft.UplinkSpec {
	specs := make([]nft.UplinkSpec, 0, len(cfg.Uplinks))
	for _, u := range cfg.Uplinks {
		specs = append(specs, nft.UplinkSpec{
			Name: u.Name, Device: u.Device, Mark: u.Mark,
			Enabled: u.Enabled, SourceSets: u.SourceSets,
		})
	}
	return specs
}

func writePIDFile() error {
	runDir := brand.GetRunDir()
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	pidFile := brand.PIDFilePath()
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// DefaultConfigFile is the config path used when none is given.
func DefaultConfigFile() string {
	return filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName)
}
