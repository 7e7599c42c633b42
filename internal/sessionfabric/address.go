package sessionfabric

import (
	"fmt"
	"strings"
)

// Kind identifies which level of the workspace:tab:pane:terminal hierarchy
// an Address targets.
type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindTab       Kind = "tab"
	KindPane      Kind = "pane"
	KindTerminal  Kind = "terminal"
)

// Address is the typed form of the hierarchical selector grammar from
// spec §6: `workspace:{W}[:tab:{T}[:pane:{P}[:terminal:{op}]]]`.
//
// Parsed once at the EdgeGateway boundary instead of re-parsed by string
// matching at every operation — the REDESIGN FLAGS item in spec.md §9
// ("dynamic event dispatch by string parsing" -> "single parser producing
// a typed address, then table-driven dispatcher").
type Address struct {
	Kind        Kind
	WorkspaceID string
	TabID       string
	PaneID      string
	Op          string // set only when Kind == KindTerminal
}

// String reconstructs the wire form of an Address, degrading gracefully to
// whatever prefix of the hierarchy is actually populated rather than
// emitting empty segments (e.g. a workspace-wide broadcast with no known
// pane renders as just "workspace:{W}").
func (a Address) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workspace:%s", a.WorkspaceID)
	if a.TabID == "" {
		return b.String()
	}
	fmt.Fprintf(&b, ":tab:%s", a.TabID)
	if a.PaneID == "" {
		return b.String()
	}
	fmt.Fprintf(&b, ":pane:%s", a.PaneID)
	if a.Op == "" {
		return b.String()
	}
	fmt.Fprintf(&b, ":terminal:%s", a.Op)
	return b.String()
}

// ParseAddress parses the hierarchical selector grammar. Unrecognized
// forms (including legacy flat event names) are rejected with an error
// rather than interpreted, per the Open Question resolution in
// SPEC_FULL.md §9: only the hierarchical form is ever accepted.
func ParseAddress(s string) (Address, error) {
	segs := strings.Split(s, ":")
	if len(segs) < 2 || segs[0] != "workspace" || segs[1] == "" {
		return Address{}, fmt.Errorf("invalid address %q: must start with workspace:{id}", s)
	}
	addr := Address{Kind: KindWorkspace, WorkspaceID: segs[1]}
	rest := segs[2:]
	if len(rest) == 0 {
		return addr, nil
	}

	if len(rest) < 2 || rest[0] != "tab" || rest[1] == "" {
		return Address{}, fmt.Errorf("invalid address %q: expected :tab:{id} after workspace", s)
	}
	addr.Kind = KindTab
	addr.TabID = rest[1]
	rest = rest[2:]
	if len(rest) == 0 {
		return addr, nil
	}

	if len(rest) < 2 || rest[0] != "pane" || rest[1] == "" {
		return Address{}, fmt.Errorf("invalid address %q: expected :pane:{id} after tab", s)
	}
	addr.Kind = KindPane
	addr.PaneID = rest[1]
	rest = rest[2:]
	if len(rest) == 0 {
		return addr, nil
	}

	if len(rest) < 2 || rest[0] != "terminal" || rest[1] == "" {
		return Address{}, fmt.Errorf("invalid address %q: expected :terminal:{op} after pane", s)
	}
	addr.Kind = KindTerminal
	addr.Op = rest[1]
	rest = rest[2:]
	if len(rest) != 0 {
		return Address{}, fmt.Errorf("invalid address %q: trailing segments after terminal op", s)
	}
	return addr, nil
}
