package nft

import (
	"fmt"
	"strings"

	"grimm.is/mwand/internal/brand"
)

// Table and chain names are fixed wire contract; other tooling greps for them.
var TableName = brand.TableName

const (
	ChainHook      = "mwan3_hook"
	ChainConnected = "mwan3_connected"
	ChainTrack     = "mwan3_track"
	ChainPolicy    = "mwan3_policy"
	ChainRules     = "mwan3_rules"
)

// AllChains lists every chain in the table, hook first.
var AllChains = []string{ChainHook, ChainConnected, ChainTrack, ChainPolicy, ChainRules}

// NumgenBand is one uplink's slice of a weighted numgen map.
type NumgenBand struct {
	Mark   uint32
	Weight int
}

// Rule is a logical nftables statement, independent of how a sink renders
// it (nft script text or netlink expressions). Exactly one action field
// should be set.
type Rule struct {
	// Matches
	MatchUnmarked bool   // meta mark 0x0
	SourceSet     string // ip saddr @<set>
	CtNew         bool   // ct state new

	// Actions
	Jump            string       // jump <chain>
	SetMark         uint32       // meta mark set 0x<mark>
	Numgen          []NumgenBand // meta mark set numgen random mod <total> map {...}
	RestoreConnMark bool         // ct mark != 0 meta mark set ct mark
	SaveConnMark    bool         // meta mark != 0 ct mark set meta mark

	Comment string
}

// Render returns the statement in nft syntax, without the
// "add rule inet <table> <chain>" prefix.
func (r Rule) Render() string {
	var parts []string

	switch {
	case r.RestoreConnMark:
		parts = append(parts, "ct mark != 0x0", "meta mark set ct mark")
	case r.SaveConnMark:
		parts = append(parts, "ct state new", "meta mark != 0x0", "ct mark set meta mark")
	case r.Jump != "":
		parts = append(parts, "jump "+r.Jump)
	default:
		if r.SourceSet != "" {
			parts = append(parts, "ip saddr @"+r.SourceSet)
		}
		if r.CtNew {
			parts = append(parts, "ct state new")
		}
		if r.MatchUnmarked {
			parts = append(parts, "meta mark 0x0")
		}
		if len(r.Numgen) > 0 {
			parts = append(parts, renderNumgen(r.Numgen))
		} else {
			parts = append(parts, fmt.Sprintf("meta mark set 0x%x", r.SetMark))
		}
	}

	if r.Comment != "" {
		parts = append(parts, fmt.Sprintf("comment %q", r.Comment))
	}
	return strings.Join(parts, " ")
}

func renderNumgen(bands []NumgenBand) string {
	total := 0
	for _, b := range bands {
		total += b.Weight
	}

	var elems []string
	pos := 0
	for _, b := range bands {
		if b.Weight <= 0 {
			continue
		}
		elems = append(elems, fmt.Sprintf("%d-%d : 0x%x", pos, pos+b.Weight-1, b.Mark))
		pos += b.Weight
	}

	return fmt.Sprintf("meta mark set numgen random mod %d map { %s }", total, strings.Join(elems, ", "))
}

// RenderChain renders a chain's rules as one statement per line.
func RenderChain(rules []Rule) string {
	var sb strings.Builder
	for _, r := range rules {
		sb.WriteString(r.Render())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// hookRules is the static content of mwan3_hook: classify in order
// connected -> rules -> policy, then persist the result via track.
func hookRules() []Rule {
	return []Rule{
		{Jump: ChainConnected},
		{Jump: ChainRules},
		{Jump: ChainPolicy},
		{Jump: ChainTrack},
	}
}

// connectedRules is the static content of mwan3_connected.
func connectedRules() []Rule {
	return []Rule{{RestoreConnMark: true, Comment: "restore classified flows"}}
}

// trackRules is the static content of mwan3_track.
func trackRules() []Rule {
	return []Rule{{SaveConnMark: true, Comment: "persist new flow marks"}}
}

// UplinkSpec is the slice of uplink configuration the compiler needs to
// rebuild the mwan3_rules chain.
type UplinkSpec struct {
	Name       string
	Device     string
	Mark       uint32
	Enabled    bool
	SourceSets []string
}

// SourceSetRules builds the mwan3_rules chain content: one rule per
// enabled uplink per bound source set. Disabled uplinks contribute
// nothing.
func SourceSetRules(uplinks []UplinkSpec) []Rule {
	var rules []Rule
	for _, u := range uplinks {
		if !u.Enabled {
			continue
		}
		for _, set := range u.SourceSets {
			rules = append(rules, Rule{
				SourceSet: set,
				SetMark:   u.Mark,
				Comment:   fmt.Sprintf("uplink_%s_%s", u.Name, set),
			})
		}
	}
	return rules
}
