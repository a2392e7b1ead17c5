// Package nft compiles forwarding intents into the mwan3 nftables table.
//
// The table carries five independently rewritable chains:
//
//	mwan3_hook       attachment point (type route hook output priority mangle)
//	mwan3_connected  restores the mark of already-classified flows
//	mwan3_track      saves the mark of new flows to conntrack
//	mwan3_policy     active-policy mark assignment (rewritten on policy change)
//	mwan3_rules      static per-source-set mark assignment (rewritten on uplink change)
//
// Applying the same intent twice is a no-op against live kernel state.
package nft

// SelectionMode describes how an intent distributes traffic over its entries.
type SelectionMode int

const (
	// ModeSingle marks all unclassified traffic for one uplink.
	ModeSingle SelectionMode = iota

	// ModeWeighted spreads new flows over the entries proportionally
	// to their weights.
	ModeWeighted

	// ModeFailover marks all traffic for the first entry; the remaining
	// entries document the standby order but emit no rules.
	ModeFailover
)

func (m SelectionMode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeWeighted:
		return "weighted"
	case ModeFailover:
		return "failover"
	default:
		return "unknown"
	}
}

// Entry is one uplink's share of a forwarding intent.
type Entry struct {
	Uplink string
	Device string
	Mark   uint32
	Weight int
}

// Intent is the policy engine's output: an ordered mapping from firewall
// marks to uplinks plus a selection mode. It is the sole contract between
// the policy engine and the rule compiler.
type Intent struct {
	Policy  string
	Kind    string
	Mode    SelectionMode
	Entries []Entry
}

// Equal reports whether two intents compile to the same rule set.
// The policy name is excluded: identity is derived from kind, mode and the
// ordered entry list, so re-activating a renamed but identical policy does
// not touch the kernel.
func (in *Intent) Equal(other *Intent) bool {
	if in == nil || other == nil {
		return in == other
	}
	if in.Kind != other.Kind || in.Mode != other.Mode || len(in.Entries) != len(other.Entries) {
		return false
	}
	for i := range in.Entries {
		if in.Entries[i] != other.Entries[i] {
			return false
		}
	}
	return true
}

// Uplinks returns the uplink names in entry order.
func (in *Intent) Uplinks() []string {
	out := make([]string, len(in.Entries))
	for i, e := range in.Entries {
		out[i] = e.Uplink
	}
	return out
}

// PolicyRules renders the mwan3_policy chain content for this intent.
func (in *Intent) PolicyRules() []Rule {
	switch in.Mode {
	case ModeWeighted:
		bands := make([]NumgenBand, 0, len(in.Entries))
		for _, e := range in.Entries {
			if e.Weight <= 0 {
				continue
			}
			bands = append(bands, NumgenBand{Mark: e.Mark, Weight: e.Weight})
		}
		return []Rule{{
			MatchUnmarked: true,
			Numgen:        bands,
			Comment:       "policy_" + in.Policy,
		}}
	default:
		if len(in.Entries) == 0 {
			return nil
		}
		return []Rule{{
			MatchUnmarked: true,
			SetMark:       in.Entries[0].Mark,
			Comment:       "policy_" + in.Policy,
		}}
	}
}
