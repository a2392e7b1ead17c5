package nft

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleRender(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want string
	}{
		{
			name: "jump",
			rule: Rule{Jump: ChainPolicy},
			want: "jump mwan3_policy",
		},
		{
			name: "restore connmark",
			rule: Rule{RestoreConnMark: true},
			want: "ct mark != 0x0 meta mark set ct mark",
		},
		{
			name: "save connmark",
			rule: Rule{SaveConnMark: true},
			want: "ct state new meta mark != 0x0 ct mark set meta mark",
		},
		{
			name: "single mark",
			rule: Rule{MatchUnmarked: true, SetMark: 0x100},
			want: "meta mark 0x0 meta mark set 0x100",
		},
		{
			name: "source set pin",
			rule: Rule{SourceSet: "lan_voip", SetMark: 0x200},
			want: "ip saddr @lan_voip meta mark set 0x200",
		},
		{
			name: "comment",
			rule: Rule{MatchUnmarked: true, SetMark: 0x100, Comment: "policy_main"},
			want: `meta mark 0x0 meta mark set 0x100 comment "policy_main"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Render())
		})
	}
}

func TestRuleRenderNumgen(t *testing.T) {
	r := Rule{
		MatchUnmarked: true,
		Numgen: []NumgenBand{
			{Mark: 0x100, Weight: 3},
			{Mark: 0x200, Weight: 1},
		},
	}
	assert.Equal(t,
		"meta mark 0x0 meta mark set numgen random mod 4 map { 0-2 : 0x100, 3-3 : 0x200 }",
		r.Render())
}

func TestRuleRenderNumgenSkipsZeroWeight(t *testing.T) {
	r := Rule{
		Numgen: []NumgenBand{
			{Mark: 0x100, Weight: 2},
			{Mark: 0x200, Weight: 0},
			{Mark: 0x300, Weight: 2},
		},
	}
	assert.Equal(t,
		"meta mark set numgen random mod 4 map { 0-1 : 0x100, 2-3 : 0x300 }",
		r.Render())
}

func TestHookRulesOrder(t *testing.T) {
	rules := hookRules()
	var jumps []string
	for _, r := range rules {
		jumps = append(jumps, r.Jump)
	}
	assert.Equal(t, []string{ChainConnected, ChainRules, ChainPolicy, ChainTrack}, jumps)
}

func TestSourceSetRules(t *testing.T) {
	uplinks := []UplinkSpec{
		{Name: "fiber", Device: "eth0", Mark: 0x100, Enabled: true, SourceSets: []string{"lan_voip", "lan_iot"}},
		{Name: "lte", Device: "wwan0", Mark: 0x200, Enabled: false, SourceSets: []string{"lan_voip"}},
		{Name: "dsl", Device: "eth1", Mark: 0x300, Enabled: true},
	}

	rules := SourceSetRules(uplinks)
	assert.Len(t, rules, 2, "disabled uplinks and uplinks without sets contribute nothing")
	assert.Equal(t, "ip saddr @lan_voip meta mark set 0x100 comment \"uplink_fiber_lan_voip\"", rules[0].Render())
	assert.Equal(t, "ip saddr @lan_iot meta mark set 0x100 comment \"uplink_fiber_lan_iot\"", rules[1].Render())
}

func TestSourceSetRulesDeterministic(t *testing.T) {
	uplinks := []UplinkSpec{
		{Name: "a", Mark: 1, Enabled: true, SourceSets: []string{"s1", "s2"}},
		{Name: "b", Mark: 2, Enabled: true, SourceSets: []string{"s3"}},
	}
	first := RenderChain(SourceSetRules(uplinks))
	second := RenderChain(SourceSetRules(uplinks))
	assert.Equal(t, first, second)
}
