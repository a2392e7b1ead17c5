// Package race sends one probe payload simultaneously out of every
// enabled uplink and reports the first uplink whose response arrives.
package race

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/events"
	"grimm.is/mwand/internal/logging"
	"grimm.is/mwand/internal/netbind"
)

var (
	// ErrNoUplinks is returned when no enabled uplinks exist. No socket
	// is opened in that case.
	ErrNoUplinks = errors.New("no uplinks available")

	// ErrRaceTimedOut is returned when every uplink failed or the
	// deadline elapsed with no well-formed response.
	ErrRaceTimedOut = errors.New("race timed out")
)

// DefaultTimeout bounds a race whose context carries no deadline, so a
// silent target can never hang a caller.
var DefaultTimeout = 5 * time.Second

// SocketFactory opens a UDP socket whose egress traverses the given
// device. Injected by tests; production uses SO_BINDTODEVICE.
type SocketFactory func(ctx context.Context, device string) (net.PacketConn, error)

// Result is the outcome of a resolved race.
type Result struct {
	RaceID   uint64        `json:"race_id"`
	Uplink   string        `json:"uplink"`
	Device   string        `json:"device"`
	Latency  time.Duration `json:"latency"`
	Response []byte        `json:"-"`
}

// Coordinator runs UDP path races. Each race gets a monotonically
// increasing id scoped to the coordinator's lifetime and its bookkeeping
// entry is dropped as soon as the race resolves.
type Coordinator struct {
	nextID  atomic.Uint64
	factory SocketFactory
	hub     *events.Hub
	logger  *logging.Logger

	mu       sync.Mutex
	inflight map[uint64]string // id -> target, for introspection only
}

// NewCoordinator creates a coordinator. A nil factory uses device-bound
// sockets.
func NewCoordinator(factory SocketFactory, hub *events.Hub, logger *logging.Logger) *Coordinator {
	if factory == nil {
		factory = func(ctx context.Context, device string) (net.PacketConn, error) {
			return netbind.ListenUDP(ctx, device, "")
		}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		factory:  factory,
		hub:      hub,
		logger:   logger.WithComponent("race"),
		inflight: make(map[uint64]string),
	}
}

// InFlight returns the number of unresolved races.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// lane is one uplink's socket in a race.
type lane struct {
	uplink string
	device string
	conn   net.PacketConn
}

// Race sends payload to target out of every enabled uplink and waits for
// the first well-formed response or the context deadline. Losing probes
// are abandoned, not cancelled mid-flight; their sockets close when the
// race resolves and their results are discarded.
func (c *Coordinator) Race(ctx context.Context, target string, payload []byte, uplinks []config.Uplink) (*Result, error) {
	var enabled []config.Uplink
	for _, u := range uplinks {
		if u.Enabled {
			enabled = append(enabled, u)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoUplinks
	}

	raddr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("invalid race target %q: %w", target, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	c.mu.Lock()
	c.inflight[id] = target
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}()

	// Open every socket before the first send so the sends start as
	// close to simultaneously as possible.
	var lanes []lane
	for _, u := range enabled {
		conn, err := c.factory(ctx, u.Device)
		if err != nil {
			c.logger.Warn("race socket open failed",
				"race_id", id, "uplink", u.Name, "error", err.Error())
			continue
		}
		lanes = append(lanes, lane{uplink: u.Name, device: u.Device, conn: conn})
	}
	if len(lanes) == 0 {
		c.emitTimeout(id, target)
		return nil, ErrRaceTimedOut
	}
	defer func() {
		for _, l := range lanes {
			l.conn.Close()
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		for _, l := range lanes {
			l.conn.SetDeadline(deadline)
		}
	}

	results := make(chan *Result, len(lanes))
	var wg sync.WaitGroup
	for _, l := range lanes {
		wg.Add(1)
		go func(l lane) {
			defer wg.Done()
			c.runLane(id, l, raddr, payload, results)
		}(l)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case res, ok := <-results:
		if !ok {
			c.emitTimeout(id, target)
			return nil, ErrRaceTimedOut
		}
		c.logger.Info("race won",
			"race_id", id, "target", target, "uplink", res.Uplink, "latency", res.Latency)
		if c.hub != nil {
			c.hub.EmitRace(id, target, res.Uplink, res.Latency)
		}
		return res, nil
	case <-ctx.Done():
		c.emitTimeout(id, target)
		return nil, ErrRaceTimedOut
	}
}

// runLane does one uplink's send/receive pair. Only a response from the
// raced target counts; stray datagrams are read past.
func (c *Coordinator) runLane(id uint64, l lane, raddr *net.UDPAddr, payload []byte, results chan<- *Result) {
	start := time.Now()
	if _, err := l.conn.WriteTo(payload, raddr); err != nil {
		c.logger.Debug("race send failed", "race_id", id, "uplink", l.uplink, "error", err.Error())
		return
	}

	buf := make([]byte, 2048)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if !sameSender(from, raddr) || n == 0 {
			continue
		}
		results <- &Result{
			RaceID:   id,
			Uplink:   l.uplink,
			Device:   l.device,
			Latency:  time.Since(start),
			Response: append([]byte(nil), buf[:n]...),
		}
		return
	}
}

func sameSender(from net.Addr, raddr *net.UDPAddr) bool {
	u, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	return u.Port == raddr.Port && u.IP.Equal(raddr.IP)
}

func (c *Coordinator) emitTimeout(id uint64, target string) {
	c.logger.Warn("race timed out", "race_id", id, "target", target)
	if c.hub != nil {
		c.hub.EmitRace(id, target, "", 0)
	}
}
