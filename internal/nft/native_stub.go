//go:build !linux
// +build !linux

package nft

import "errors"

var errNotLinux = errors.New("native nftables sink requires linux")

// NativeSink is only available on Linux; this stub keeps the package
// buildable elsewhere for tests and tooling.
type NativeSink struct{}

func NewNativeSink(runner CommandRunner) (*NativeSink, error) {
	return nil, errNotLinux
}

func (s *NativeSink) EnsureTable() error {
	return errNotLinux
}

func (s *NativeSink) ReplaceChain(chain string, rules []Rule) error {
	return errNotLinux
}

func (s *NativeSink) ListTable() (string, error) {
	return "", errNotLinux
}

func (s *NativeSink) LoadTable(text string) error {
	return errNotLinux
}
