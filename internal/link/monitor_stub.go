//go:build !linux
// +build !linux

package link

// Start is a no-op off Linux; tests drive handle directly.
func (m *Monitor) Start() error { return nil }

// Stop is a no-op off Linux.
func (m *Monitor) Stop() {}

// Prime is a no-op off Linux.
func (m *Monitor) Prime() {}
