//go:build !linux
// +build !linux

package netbind

import (
	"errors"
	"net"
	"syscall"
)

var errNotLinux = errors.New("device binding requires linux")

func control(device string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return errNotLinux
	}
}

func DeviceAddr(device string) (net.IP, error) {
	return nil, errNotLinux
}

func DeviceUp(device string) (bool, error) {
	return false, errNotLinux
}
