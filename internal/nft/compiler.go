package nft

import (
	"fmt"
	"os"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/mwand/internal/logging"
)

// Compiler turns forwarding intents into kernel state through a Sink.
// All mutations are serialized; a chain rewrite is never interleaved
// with another apply or a backup.
type Compiler struct {
	mu     sync.Mutex
	sink   Sink
	logger *logging.Logger

	lastIntent *Intent
	lastRules  []Rule
}

// NewCompiler creates a compiler on the given sink.
func NewCompiler(sink Sink, logger *logging.Logger) *Compiler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Compiler{
		sink:   sink,
		logger: logger.WithComponent("nft"),
	}
}

// Initialize creates the table and chains and clears cached state, so the
// next Apply rewrites the policy chain unconditionally.
func (c *Compiler) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sink.EnsureTable(); err != nil {
		return err
	}
	c.lastIntent = nil
	c.lastRules = nil
	c.logger.Info("rule table initialized", "table", TableName)
	return nil
}

// Apply compiles the intent into the mwan3_policy chain. Applying an
// intent equal to the previous one is a no-op; the comparison ignores the
// policy name, so re-activating a renamed but identical policy does not
// touch the kernel.
func (c *Compiler) Apply(intent *Intent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if intent.Equal(c.lastIntent) {
		c.logger.Debug("intent unchanged, skipping apply",
			"policy", intent.Policy, "mode", intent.Mode.String())
		return nil
	}

	rules := intent.PolicyRules()
	if err := c.sink.ReplaceChain(ChainPolicy, rules); err != nil {
		// Previous chain content may be partially gone depending on the
		// sink, but cached state is untouched so the next successful
		// apply restores a consistent view.
		return err
	}

	c.logChainDiff(c.lastRules, rules)
	c.lastIntent = intent
	c.lastRules = rules
	c.logger.Info("policy chain applied",
		"policy", intent.Policy,
		"kind", intent.Kind,
		"mode", intent.Mode.String(),
		"uplinks", len(intent.Entries))
	return nil
}

// LastIntent returns the most recently applied intent, or nil.
func (c *Compiler) LastIntent() *Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIntent
}

// SyncUplinkRules rewrites the mwan3_rules chain from uplink
// configuration. Called on startup and whenever uplinks change.
func (c *Compiler) SyncUplinkRules(uplinks []UplinkSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rules := SourceSetRules(uplinks)
	if err := c.sink.ReplaceChain(ChainRules, rules); err != nil {
		return err
	}
	c.logger.Debug("uplink rules chain synced", "rules", len(rules))
	return nil
}

// Backup writes the live table as nft script text to path.
func (c *Compiler) Backup(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	text, err := c.sink.ListTable()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	c.logger.Info("table backed up", "path", path, "bytes", len(text))
	return nil
}

// Restore atomically replaces the live table from a backup file. Cached
// intent state is cleared since the kernel no longer matches it.
func (c *Compiler) Restore(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if err := c.sink.LoadTable(string(text)); err != nil {
		return err
	}
	c.lastIntent = nil
	c.lastRules = nil
	c.logger.Info("table restored", "path", path)
	return nil
}

// logChainDiff logs a unified diff of the policy chain rewrite at debug
// level, so operators can see exactly what changed in the kernel.
func (c *Compiler) logChainDiff(old, new []Rule) {
	if c.logger.GetLevel() > logging.LevelDebug {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(RenderChain(old)),
		B:        difflib.SplitLines(RenderChain(new)),
		FromFile: ChainPolicy + " (previous)",
		ToFile:   ChainPolicy + " (applied)",
		Context:  2,
	})
	if err != nil || diff == "" {
		return
	}
	c.logger.Debug("policy chain diff\n" + diff)
}
