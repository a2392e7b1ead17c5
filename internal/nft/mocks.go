package nft

import "github.com/stretchr/testify/mock"

// MockCommandRunner records command invocations for tests.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(name string, args ...string) error {
	ret := m.Called(name, args)
	return ret.Error(0)
}

func (m *MockCommandRunner) Output(name string, args ...string) ([]byte, error) {
	ret := m.Called(name, args)
	if b, ok := ret.Get(0).([]byte); ok {
		return b, ret.Error(1)
	}
	return nil, ret.Error(1)
}

func (m *MockCommandRunner) RunInput(input string, name string, args ...string) error {
	ret := m.Called(input, name, args)
	return ret.Error(0)
}
