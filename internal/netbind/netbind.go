// Package netbind creates sockets pinned to a specific network device so
// probe and race traffic egresses the uplink under test instead of
// following the default route.
package netbind

import (
	"context"
	"net"
	"time"
)

// Dialer returns a net.Dialer whose connections are bound to device.
// An empty device yields a plain dialer.
func Dialer(device string, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if device != "" {
		d.Control = control(device)
	}
	return d
}

// ListenUDP opens a UDP socket bound to device for the given local
// address ("" means any address, ephemeral port).
func ListenUDP(ctx context.Context, device, laddr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	if device != "" {
		lc.Control = control(device)
	}
	return lc.ListenPacket(ctx, "udp4", laddr)
}
