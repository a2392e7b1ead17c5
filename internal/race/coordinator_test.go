package race

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/mwand/internal/config"
	"grimm.is/mwand/internal/events"
)

// echoServer answers every datagram with its own payload.
func echoServer(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			conn.WriteTo(buf[:n], from)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

// silentServer accepts datagrams and never replies.
func silentServer(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			if _, _, err := conn.ReadFrom(buf); err != nil {
				return
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

// delayConn delays sends by a fixed amount to simulate path latency.
type delayConn struct {
	net.PacketConn
	delay time.Duration
}

func (d *delayConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	time.Sleep(d.delay)
	return d.PacketConn.WriteTo(p, addr)
}

// laneFactory opens loopback sockets with per-device artificial latency
// and counts how many sockets were opened.
func laneFactory(delays map[string]time.Duration) (SocketFactory, *int32) {
	var opened int32
	var mu sync.Mutex
	factory := func(ctx context.Context, device string) (net.PacketConn, error) {
		mu.Lock()
		opened++
		mu.Unlock()
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		return &delayConn{PacketConn: conn, delay: delays[device]}, nil
	}
	return factory, &opened
}

func raceUplinks() []config.Uplink {
	return []config.Uplink{
		{Name: "fiber", Device: "eth0", Mark: 0x100, Enabled: true},
		{Name: "lte", Device: "wwan0", Mark: 0x200, Enabled: true},
		{Name: "dsl", Device: "eth1", Mark: 0x300, Enabled: true},
	}
}

func TestRaceFastestUplinkWins(t *testing.T) {
	target := echoServer(t)
	factory, _ := laneFactory(map[string]time.Duration{
		"eth0":  120 * time.Millisecond,
		"wwan0": 5 * time.Millisecond,
		"eth1":  80 * time.Millisecond,
	})
	c := NewCoordinator(factory, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Race(ctx, target.String(), []byte("probe"), raceUplinks())
	require.NoError(t, err)
	assert.Equal(t, "lte", res.Uplink)
	assert.Equal(t, []byte("probe"), res.Response)
	assert.Greater(t, res.Latency, time.Duration(0))
	assert.Equal(t, 0, c.InFlight(), "bookkeeping is dropped once resolved")
}

func TestRaceZeroEnabledUplinks(t *testing.T) {
	factory, opened := laneFactory(nil)
	c := NewCoordinator(factory, nil, nil)

	uplinks := []config.Uplink{
		{Name: "fiber", Device: "eth0", Mark: 1, Enabled: false},
	}
	_, err := c.Race(context.Background(), "127.0.0.1:9", []byte("x"), uplinks)
	require.ErrorIs(t, err, ErrNoUplinks)
	assert.Zero(t, *opened, "no socket may be opened when no uplink is enabled")
}

func TestRaceAllTimeout(t *testing.T) {
	target := silentServer(t)
	factory, _ := laneFactory(nil)
	c := NewCoordinator(factory, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := c.Race(ctx, target.String(), []byte("probe"), raceUplinks())
	require.ErrorIs(t, err, ErrRaceTimedOut)
	assert.Equal(t, 0, c.InFlight())
}

func TestRaceWithoutDeadlineIsBounded(t *testing.T) {
	prev := DefaultTimeout
	DefaultTimeout = 150 * time.Millisecond
	t.Cleanup(func() { DefaultTimeout = prev })

	target := silentServer(t)
	factory, _ := laneFactory(nil)
	c := NewCoordinator(factory, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Race(context.Background(), target.String(), []byte("probe"), raceUplinks())
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRaceTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("race without a context deadline must still time out")
	}
}

func TestRaceIDsMonotonic(t *testing.T) {
	target := echoServer(t)
	factory, _ := laneFactory(nil)
	c := NewCoordinator(factory, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := c.Race(ctx, target.String(), []byte("a"), raceUplinks()[:1])
	require.NoError(t, err)
	second, err := c.Race(ctx, target.String(), []byte("b"), raceUplinks()[:1])
	require.NoError(t, err)
	assert.Greater(t, second.RaceID, first.RaceID)
}

func TestRaceEmitsEvents(t *testing.T) {
	target := echoServer(t)
	factory, _ := laneFactory(nil)
	hub := events.NewHub()
	won := hub.Subscribe(4, events.EventRaceWon)

	c := NewCoordinator(factory, hub, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Race(ctx, target.String(), []byte("probe"), raceUplinks()[:1])
	require.NoError(t, err)

	select {
	case e := <-won:
		data := e.Data.(events.RaceData)
		assert.Equal(t, res.RaceID, data.RaceID)
		assert.Equal(t, "fiber", data.Winner)
	case <-time.After(time.Second):
		t.Fatal("expected a race.won event")
	}
}
