package ctl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"
	"time"

	"grimm.is/mwand/internal/brand"
	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/health"
	"grimm.is/mwand/internal/logging"
	"grimm.is/mwand/internal/nft"
	"grimm.is/mwand/internal/policy"
	"grimm.is/mwand/internal/race"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// Reloader re-reads configuration from disk. Supplied by the daemon so
// the server does not own config file handling.
type Reloader func() (*config.Config, error)

// SystemConfigurer re-applies host-level settings (MPTCP, endpoints)
// after a successful reload.
type SystemConfigurer interface {
	Configure(cfg *config.Config) error
}

// Server exposes daemon operations over RPC. All methods are safe for
// concurrent callers; policy changes serialize in the engine.
type Server struct {
	mu       sync.RWMutex
	cfg      *config.Config
	monitor  *health.Monitor
	engine   *policy.Engine
	compiler *nft.Compiler
	racer    *race.Coordinator
	sysconf  SystemConfigurer
	reload   Reloader
	logger   *logging.Logger
	listener net.Listener
}

// NewServer creates a control server over the daemon's components.
// sysconf may be nil when no host-level settings are managed.
func NewServer(cfg *config.Config, monitor *health.Monitor, engine *policy.Engine,
	compiler *nft.Compiler, racer *race.Coordinator, sysconf SystemConfigurer,
	reload Reloader, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		cfg:      cfg,
		monitor:  monitor,
		engine:   engine,
		compiler: compiler,
		racer:    racer,
		sysconf:  sysconf,
		reload:   reload,
		logger:   logger.WithComponent("ctl"),
	}
}

// Start listens on the unix control socket and serves in the background.
func (s *Server) Start() error {
	os.Remove(SocketPath)
	listener, err := net.Listen("unix", SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", SocketPath, err)
	}
	// Operator tooling runs unprivileged; the socket is the auth boundary
	// of a single-admin appliance.
	if err := os.Chmod(SocketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.listener = listener

	// A dedicated rpc.Server per control socket. The package-level
	// registry keys services by bare type name once per process, which
	// would route every connection to the first server ever started.
	rpcSrv := rpc.NewServer()
	if err := rpcSrv.RegisterName("Server", s); err != nil {
		listener.Close()
		return fmt.Errorf("failed to register rpc service: %w", err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("accept failed", "error", err.Error())
				return
			}
			go rpcSrv.ServeConn(conn)
		}
	}()

	s.logger.Info("control socket listening", "path", SocketPath)
	return nil
}

// Stop closes the listener and removes the socket.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(SocketPath)
}

// GetStatus returns the daemon snapshot.
func (s *Server) GetStatus(args *Empty, reply *StatusReply) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.monitor.Snapshot()
	var online []string
	for _, st := range snapshot {
		if st.Online {
			online = append(online, st.Uplink)
		}
	}
	*reply = StatusReply{
		Version:      Version,
		PID:          os.Getpid(),
		ActivePolicy: s.engine.ActivePolicy(),
		Uplinks:      snapshot,
		Online:       online,
	}
	return nil
}

// ActivatePolicy switches the active policy.
func (s *Server) ActivatePolicy(args *ActivateArgs, reply *ActivateReply) error {
	if err := s.engine.Activate(args.Policy); err != nil {
		return err
	}
	s.mu.RLock()
	spec := s.cfg.PolicyByName(args.Policy)
	s.mu.RUnlock()

	reply.Policy = args.Policy
	if spec != nil {
		reply.Uplinks = spec.Uplinks
	}
	return nil
}

// Race runs a manual path race across all enabled uplinks and feeds the
// winner's latency back into best-path selection.
func (s *Server) Race(args *RaceArgs, reply *RaceReply) error {
	s.mu.RLock()
	uplinks := s.cfg.Uplinks
	s.mu.RUnlock()

	timeout := args.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	payload := args.Payload
	if len(payload) == 0 {
		payload = []byte(brand.LowerName + "-race")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := s.racer.Race(ctx, args.Target, payload, uplinks)
	if err != nil {
		return err
	}
	s.engine.RecordRaceLatency(res.Uplink, res.Latency)

	*reply = RaceReply{
		RaceID:  res.RaceID,
		Winner:  res.Uplink,
		Device:  res.Device,
		Latency: res.Latency,
	}
	return nil
}

// Backup dumps the live rule table to a file.
func (s *Server) Backup(args *PathArgs, reply *Empty) error {
	return s.compiler.Backup(args.Path)
}

// Restore atomically replaces the live rule table from a file.
func (s *Server) Restore(args *PathArgs, reply *Empty) error {
	return s.compiler.Restore(args.Path)
}

// Reload re-reads configuration. On any failure the previous config
// stays active and the previous rules stay live.
func (s *Server) Reload(args *Empty, reply *ReloadReply) error {
	next, err := s.reload()
	if err != nil {
		s.logger.Error("reload rejected, keeping previous config", "error", err.Error())
		return err
	}
	if err := s.engine.SetConfig(next); err != nil {
		s.logger.Error("reload applied config but re-evaluation failed", "error", err.Error())
		return err
	}

	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()

	// Unreachable for configs that passed validation; the old probe
	// settings stay live if it ever fires.
	if err := s.monitor.SetConfig(next.Global.HealthCheck); err != nil {
		s.logger.Error("health check reconfiguration failed", "error", err.Error())
	}
	s.monitor.SetUplinks(next.Uplinks)

	specs := make([]nft.UplinkSpec, 0, len(next.Uplinks))
	for _, u := range next.Uplinks {
		specs = append(specs, nft.UplinkSpec{
			Name: u.Name, Device: u.Device, Mark: u.Mark,
			Enabled: u.Enabled, SourceSets: u.SourceSets,
		})
	}
	if err := s.compiler.SyncUplinkRules(specs); err != nil {
		return err
	}

	if s.sysconf != nil {
		if err := s.sysconf.Configure(next); err != nil {
			s.logger.Warn("mptcp reconfiguration failed", "error", err.Error())
		}
	}

	*reply = ReloadReply{
		Uplinks:  len(next.Uplinks),
		Policies: len(next.Policies),
		Active:   s.engine.ActivePolicy(),
	}
	s.logger.Info("configuration reloaded",
		"uplinks", reply.Uplinks, "policies", reply.Policies)
	return nil
}
