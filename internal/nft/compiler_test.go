package nft

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink counts sink calls and records the last rules per chain.
type fakeSink struct {
	ensureCalls  int
	replaceCalls map[string]int
	lastRules    map[string][]Rule
	tableText    string
	loadedText   string
	replaceErr   error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		replaceCalls: make(map[string]int),
		lastRules:    make(map[string][]Rule),
	}
}

func (f *fakeSink) EnsureTable() error {
	f.ensureCalls++
	return nil
}

func (f *fakeSink) ReplaceChain(chain string, rules []Rule) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaceCalls[chain]++
	f.lastRules[chain] = rules
	return nil
}

func (f *fakeSink) ListTable() (string, error) {
	return f.tableText, nil
}

func (f *fakeSink) LoadTable(text string) error {
	f.loadedText = text
	return nil
}

func singleIntent(policy, uplink string, mark uint32) *Intent {
	return &Intent{
		Policy:  policy,
		Kind:    "best-path",
		Mode:    ModeSingle,
		Entries: []Entry{{Uplink: uplink, Mark: mark, Weight: 1}},
	}
}

func TestCompilerApplyIdempotent(t *testing.T) {
	sink := newFakeSink()
	c := NewCompiler(sink, nil)

	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))
	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))
	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))

	assert.Equal(t, 1, sink.replaceCalls[ChainPolicy], "equal intents must not rewrite the chain")
}

func TestCompilerApplyRenamedPolicySkipsRewrite(t *testing.T) {
	sink := newFakeSink()
	c := NewCompiler(sink, nil)

	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))
	require.NoError(t, c.Apply(singleIntent("main-renamed", "fiber", 0x100)))

	assert.Equal(t, 1, sink.replaceCalls[ChainPolicy])
}

func TestCompilerApplyRewritesOnChange(t *testing.T) {
	sink := newFakeSink()
	c := NewCompiler(sink, nil)

	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))
	require.NoError(t, c.Apply(singleIntent("main", "lte", 0x200)))

	assert.Equal(t, 2, sink.replaceCalls[ChainPolicy])
	rules := sink.lastRules[ChainPolicy]
	require.Len(t, rules, 1)
	assert.Equal(t, uint32(0x200), rules[0].SetMark)
}

func TestCompilerApplyFailureKeepsCachedIntent(t *testing.T) {
	sink := newFakeSink()
	c := NewCompiler(sink, nil)

	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))

	sink.replaceErr = errors.New("kernel said no")
	err := c.Apply(singleIntent("main", "lte", 0x200))
	require.Error(t, err)

	// A retry of the failed intent must hit the sink again, not be
	// swallowed as already-applied.
	sink.replaceErr = nil
	require.NoError(t, c.Apply(singleIntent("main", "lte", 0x200)))
	assert.Equal(t, 2, sink.replaceCalls[ChainPolicy])
	assert.Equal(t, "lte", c.LastIntent().Entries[0].Uplink)
}

func TestCompilerInitializeClearsCache(t *testing.T) {
	sink := newFakeSink()
	c := NewCompiler(sink, nil)

	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))

	assert.Equal(t, 1, sink.ensureCalls)
	assert.Equal(t, 2, sink.replaceCalls[ChainPolicy], "post-init apply must rewrite unconditionally")
}

func TestCompilerSyncUplinkRules(t *testing.T) {
	sink := newFakeSink()
	c := NewCompiler(sink, nil)

	uplinks := []UplinkSpec{
		{Name: "fiber", Mark: 0x100, Enabled: true, SourceSets: []string{"lan_voip"}},
	}
	require.NoError(t, c.SyncUplinkRules(uplinks))
	assert.Equal(t, 1, sink.replaceCalls[ChainRules])
	require.Len(t, sink.lastRules[ChainRules], 1)
	assert.Equal(t, "lan_voip", sink.lastRules[ChainRules][0].SourceSet)
}

func TestCompilerBackupRestore(t *testing.T) {
	sink := newFakeSink()
	sink.tableText = "table inet mwan3 {\n\tchain mwan3_policy {\n\t}\n}\n"
	c := NewCompiler(sink, nil)

	path := filepath.Join(t.TempDir(), "mwan3.nft")
	require.NoError(t, c.Backup(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sink.tableText, string(data))

	require.NoError(t, c.Apply(singleIntent("main", "fiber", 0x100)))
	require.NoError(t, c.Restore(path))
	assert.Equal(t, sink.tableText, sink.loadedText)
	assert.Nil(t, c.LastIntent(), "restore invalidates the cached intent")
}

func TestCompilerRestoreMissingFile(t *testing.T) {
	c := NewCompiler(newFakeSink(), nil)
	err := c.Restore(filepath.Join(t.TempDir(), "absent.nft"))
	require.Error(t, err)
}
