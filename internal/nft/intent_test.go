package nft

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntentEqualIgnoresPolicyName(t *testing.T) {
	a := &Intent{
		Policy: "main",
		Kind:   "best-path",
		Mode:   ModeSingle,
		Entries: []Entry{
			{Uplink: "fiber", Device: "eth0", Mark: 0x100, Weight: 1},
		},
	}
	b := &Intent{
		Policy:  "renamed",
		Kind:    a.Kind,
		Mode:    a.Mode,
		Entries: append([]Entry(nil), a.Entries...),
	}
	assert.True(t, a.Equal(b))
}

func TestIntentEqualDetectsChanges(t *testing.T) {
	base := &Intent{
		Kind: "weighted-balance",
		Mode: ModeWeighted,
		Entries: []Entry{
			{Uplink: "fiber", Mark: 0x100, Weight: 3},
			{Uplink: "lte", Mark: 0x200, Weight: 1},
		},
	}

	reweighted := &Intent{
		Kind: base.Kind,
		Mode: base.Mode,
		Entries: []Entry{
			{Uplink: "fiber", Mark: 0x100, Weight: 2},
			{Uplink: "lte", Mark: 0x200, Weight: 1},
		},
	}
	assert.False(t, base.Equal(reweighted))

	reordered := &Intent{
		Kind: base.Kind,
		Mode: base.Mode,
		Entries: []Entry{
			{Uplink: "lte", Mark: 0x200, Weight: 1},
			{Uplink: "fiber", Mark: 0x100, Weight: 3},
		},
	}
	assert.False(t, base.Equal(reordered), "entry order is part of intent identity")

	assert.False(t, base.Equal(nil))
	assert.True(t, (*Intent)(nil).Equal(nil))
}

func TestIntentPolicyRulesSingle(t *testing.T) {
	in := &Intent{
		Policy: "main",
		Kind:   "best-path",
		Mode:   ModeSingle,
		Entries: []Entry{
			{Uplink: "fiber", Mark: 0x100},
		},
	}
	rules := in.PolicyRules()
	assert.Len(t, rules, 1)
	assert.Equal(t, `meta mark 0x0 meta mark set 0x100 comment "policy_main"`, rules[0].Render())
}

func TestIntentPolicyRulesFailoverUsesFirstEntry(t *testing.T) {
	in := &Intent{
		Policy: "fo",
		Kind:   "priority-failover",
		Mode:   ModeFailover,
		Entries: []Entry{
			{Uplink: "fiber", Mark: 0x100},
			{Uplink: "lte", Mark: 0x200},
		},
	}
	rules := in.PolicyRules()
	assert.Len(t, rules, 1)
	assert.Equal(t, uint32(0x100), rules[0].SetMark)
}

func TestIntentPolicyRulesWeighted(t *testing.T) {
	in := &Intent{
		Policy: "balance",
		Kind:   "weighted-balance",
		Mode:   ModeWeighted,
		Entries: []Entry{
			{Uplink: "fiber", Mark: 0x100, Weight: 3},
			{Uplink: "lte", Mark: 0x200, Weight: 1},
		},
	}
	rules := in.PolicyRules()
	assert.Len(t, rules, 1)
	assert.Equal(t,
		`meta mark 0x0 meta mark set numgen random mod 4 map { 0-2 : 0x100, 3-3 : 0x200 } comment "policy_balance"`,
		rules[0].Render())
}

func TestIntentPolicyRulesEmpty(t *testing.T) {
	in := &Intent{Policy: "empty", Mode: ModeSingle}
	assert.Empty(t, in.PolicyRules())
}
