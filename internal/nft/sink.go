package nft

import (
	"fmt"
	"strings"
)

// Sink is the narrow kernel rule interface the compiler drives. Two
// implementations exist: NativeSink programs nftables over netlink, and
// ShellSink feeds scripts to the nft binary. Both honor the same
// contract: EnsureTable is idempotent and ReplaceChain swaps a chain's
// content in a single transaction.
type Sink interface {
	// EnsureTable creates the table, its five chains and the static
	// chain content. Safe to call on an already-initialized system.
	EnsureTable() error

	// ReplaceChain atomically replaces one chain's rules.
	ReplaceChain(chain string, rules []Rule) error

	// ListTable returns the live table as nft script text.
	ListTable() (string, error)

	// LoadTable atomically replaces the whole table from nft script
	// text, as produced by ListTable.
	LoadTable(text string) error
}

// ShellSink implements Sink via the nft command-line tool. All mutations
// go through `nft -f -` so each call is one kernel transaction.
type ShellSink struct {
	runner CommandRunner
}

// NewShellSink creates a sink backed by the given runner.
func NewShellSink(runner CommandRunner) *ShellSink {
	if runner == nil {
		runner = &RealCommandRunner{}
	}
	return &ShellSink{runner: runner}
}

// EnsureTable creates the table and chains. nft's `add` is create-if-absent,
// so re-running the script on a live system changes nothing except the
// static chains, which are flushed and rewritten.
func (s *ShellSink) EnsureTable() error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "add table inet %s\n", TableName)
	fmt.Fprintf(&sb, "add chain inet %s %s { type route hook output priority mangle ; policy accept ; }\n", TableName, ChainHook)
	for _, chain := range []string{ChainConnected, ChainTrack, ChainPolicy, ChainRules} {
		fmt.Fprintf(&sb, "add chain inet %s %s\n", TableName, chain)
	}
	sb.WriteString(replaceChainScript(ChainHook, hookRules()))
	sb.WriteString(replaceChainScript(ChainConnected, connectedRules()))
	sb.WriteString(replaceChainScript(ChainTrack, trackRules()))

	if err := s.apply(sb.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	return nil
}

// ReplaceChain flushes and refills one chain in a single transaction.
func (s *ShellSink) ReplaceChain(chain string, rules []Rule) error {
	return s.apply(replaceChainScript(chain, rules))
}

// ListTable dumps the live table.
func (s *ShellSink) ListTable() (string, error) {
	out, err := s.runner.Output("nft", "list", "table", "inet", TableName)
	if err != nil {
		return "", fmt.Errorf("failed to list table %s: %w", TableName, err)
	}
	return string(out), nil
}

// LoadTable swaps the live table for the given script text. The delete
// and re-add run in one nft transaction, so there is no window without
// rules. The leading add makes the delete valid when the table does not
// exist yet, which is the fresh-boot restore case.
func (s *ShellSink) LoadTable(text string) error {
	script := fmt.Sprintf("add table inet %s\ndelete table inet %s\n%s", TableName, TableName, text)
	return s.apply(script)
}

func (s *ShellSink) apply(script string) error {
	if err := s.runner.RunInput(script, "nft", "-f", "-"); err != nil {
		return &ApplyError{
			Command:    strings.TrimSpace(script),
			Diagnostic: err.Error(),
			Err:        err,
		}
	}
	return nil
}

// replaceChainScript renders a flush+refill script for one chain.
func replaceChainScript(chain string, rules []Rule) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "flush chain inet %s %s\n", TableName, chain)
	for _, r := range rules {
		fmt.Fprintf(&sb, "add rule inet %s %s %s\n", TableName, chain, r.Render())
	}
	return sb.String()
}
