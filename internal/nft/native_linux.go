//go:build linux
// +build linux

package nft

import (
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// NativeSink implements Sink using the google/nftables netlink library.
// Table dumps and restores have no netlink representation, so those two
// operations delegate to a ShellSink.
type NativeSink struct {
	conn  *nftables.Conn
	shell *ShellSink
	table *nftables.Table
}

// NewNativeSink opens a lasting netlink connection to nftables.
func NewNativeSink(runner CommandRunner) (*NativeSink, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	return &NativeSink{
		conn:  conn,
		shell: NewShellSink(runner),
	}, nil
}

// EnsureTable creates the table, the hook chain and the four regular
// chains, then rewrites the static chain content. Adds are
// create-if-absent at the netlink level, so this is safe on a live system.
func (s *NativeSink) EnsureTable() error {
	s.table = s.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   TableName,
	})

	s.conn.AddChain(&nftables.Chain{
		Name:     ChainHook,
		Table:    s.table,
		Type:     nftables.ChainTypeRoute,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityMangle,
	})
	for _, name := range []string{ChainConnected, ChainTrack, ChainPolicy, ChainRules} {
		s.conn.AddChain(&nftables.Chain{Name: name, Table: s.table})
	}

	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	for chain, rules := range map[string][]Rule{
		ChainHook:      hookRules(),
		ChainConnected: connectedRules(),
		ChainTrack:     trackRules(),
	} {
		if err := s.ReplaceChain(chain, rules); err != nil {
			return fmt.Errorf("%w: %v", ErrInitFailed, err)
		}
	}
	return nil
}

// ReplaceChain flushes and refills one chain; the flush and the adds are
// committed in a single netlink batch.
func (s *NativeSink) ReplaceChain(chainName string, rules []Rule) error {
	chain, err := s.getChain(chainName)
	if err != nil {
		return err
	}

	s.conn.FlushChain(chain)
	for _, r := range rules {
		exprs, err := s.compileRule(r)
		if err != nil {
			return &ApplyError{Command: r.Render(), Diagnostic: err.Error(), Err: err}
		}
		s.conn.AddRule(&nftables.Rule{
			Table:    s.table,
			Chain:    chain,
			Exprs:    exprs,
			UserData: userdata(r.Comment),
		})
	}

	if err := s.conn.Flush(); err != nil {
		return &ApplyError{
			Command:    fmt.Sprintf("replace chain %s", chainName),
			Diagnostic: err.Error(),
			Err:        err,
		}
	}
	return nil
}

// ListTable delegates to the nft binary; netlink has no text dump.
func (s *NativeSink) ListTable() (string, error) {
	return s.shell.ListTable()
}

// LoadTable delegates to the nft binary for an atomic swap.
func (s *NativeSink) LoadTable(text string) error {
	return s.shell.LoadTable(text)
}

func (s *NativeSink) getChain(chainName string) (*nftables.Chain, error) {
	if s.table == nil {
		return nil, fmt.Errorf("%w: table not initialized", ErrInitFailed)
	}
	chains, err := s.conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table.Name == TableName && c.Name == chainName {
			return c, nil
		}
	}
	return nil, fmt.Errorf("chain %s not found in table %s", chainName, TableName)
}

// compileRule translates a logical Rule into netlink expressions.
func (s *NativeSink) compileRule(r Rule) ([]expr.Any, error) {
	var exprs []expr.Any

	switch {
	case r.Jump != "":
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: r.Jump}}, nil

	case r.RestoreConnMark:
		// ct mark != 0x0 meta mark set ct mark
		return []expr.Any{
			&expr.Ct{Key: expr.CtKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
			&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
		}, nil

	case r.SaveConnMark:
		// ct state new meta mark != 0x0 ct mark set meta mark
		return []expr.Any{
			&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitNEW),
				Xor:            []byte{0, 0, 0, 0},
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
			&expr.Ct{Key: expr.CtKeyMARK, Register: 1, SourceRegister: true},
		}, nil
	}

	if r.SourceSet != "" {
		set, err := s.conn.GetSetByName(s.table, r.SourceSet)
		if err != nil {
			return nil, fmt.Errorf("source set %q not found: %w", r.SourceSet, err)
		}
		exprs = append(exprs,
			// Only IPv4 saddr is matched against sets in the inet table.
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12, // IPv4 src offset
				Len:          4,
			},
			&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
		)
	}

	if r.CtNew {
		exprs = append(exprs,
			&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitNEW),
				Xor:            []byte{0, 0, 0, 0},
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
		)
	}

	if r.MatchUnmarked {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{0, 0, 0, 0}},
		)
	}

	if len(r.Numgen) > 0 {
		ngExprs, err := s.compileNumgen(r.Numgen)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, ngExprs...)
	} else {
		exprs = append(exprs,
			&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(r.SetMark)},
			&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
		)
	}

	return exprs, nil
}

// compileNumgen builds the weighted mark assignment: a random number mod
// the total weight, mapped through an anonymous interval set to a mark.
func (s *NativeSink) compileNumgen(bands []NumgenBand) ([]expr.Any, error) {
	total := 0
	for _, b := range bands {
		total += b.Weight
	}
	if total <= 0 {
		return nil, fmt.Errorf("total weight is 0")
	}

	var elements []nftables.SetElement
	pos := uint32(0)
	for _, b := range bands {
		if b.Weight <= 0 {
			continue
		}
		elements = append(elements, nftables.SetElement{
			Key:    binaryutil.NativeEndian.PutUint32(pos),
			KeyEnd: binaryutil.NativeEndian.PutUint32(pos + uint32(b.Weight) - 1),
			Val:    binaryutil.NativeEndian.PutUint32(b.Mark),
		})
		pos += uint32(b.Weight)
	}

	set := &nftables.Set{
		Table:     s.table,
		Anonymous: true,
		Constant:  true,
		Interval:  true,
		IsMap:     true,
		KeyType:   nftables.TypeInteger,
		DataType:  nftables.TypeInteger,
	}
	if err := s.conn.AddSet(set, elements); err != nil {
		return nil, fmt.Errorf("failed to add numgen map: %w", err)
	}

	return []expr.Any{
		&expr.Numgen{Register: 1, Modulus: uint32(total), Type: unix.NFT_NG_RANDOM},
		&expr.Lookup{SourceRegister: 1, DestRegister: 1, SetName: set.Name, SetID: set.ID, IsDestRegSet: true},
		&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
	}, nil
}

func userdata(comment string) []byte {
	if comment == "" {
		return nil
	}
	return []byte(comment)
}
