//go:build linux
// +build linux

package netbind

import (
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// control returns a socket Control hook that binds the socket to device
// via SO_BINDTODEVICE. Requires CAP_NET_RAW.
func control(device string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			opErr = unix.BindToDevice(int(fd), device)
		})
		if err != nil {
			return err
		}
		if opErr != nil {
			return fmt.Errorf("failed to bind socket to %s: %w", device, opErr)
		}
		return nil
	}
}

// DeviceAddr returns the primary IPv4 address of device.
func DeviceAddr(device string) (net.IP, error) {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return nil, fmt.Errorf("device %s not found: %w", device, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses for %s: %w", device, err)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil && !a.IP.IsLinkLocalUnicast() {
			return a.IP, nil
		}
	}
	return nil, fmt.Errorf("device %s has no usable IPv4 address", device)
}

// DeviceUp reports whether device exists and its operational state is up.
func DeviceUp(device string) (bool, error) {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return false, fmt.Errorf("device %s not found: %w", device, err)
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}
