// Package directive defines the BlockDirective entity (spec §3) shared by
// TerminalHost (which enforces it), SessionFabric (which surfaces block
// state on Terminal entities) and SupervisoryBus (which originates and
// orders it).
package directive

import "time"

// Scope is the breadth a directive applies to.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeWorkspace Scope = "workspace"
	ScopeTerminal  Scope = "terminal"
)

// UnlockPolicyKind selects how a block is allowed to clear.
type UnlockPolicyKind string

const (
	UnlockCtrlD         UnlockPolicyKind = "ctrl_d"
	UnlockSupervisorOnly UnlockPolicyKind = "supervisor_only"
	UnlockTimeout        UnlockPolicyKind = "timeout"
)

// UnlockPolicy is the directive's unlock_policy field; Timeout is only
// meaningful when Kind == UnlockTimeout.
type UnlockPolicy struct {
	Kind    UnlockPolicyKind
	Timeout time.Duration
}

// Directive is a BlockDirective, spec §3.
type Directive struct {
	ID               string
	Scope            Scope
	WorkspaceID      string // set when Scope == ScopeWorkspace
	TerminalID       string // set when Scope == ScopeTerminal
	Reason           string
	SourcePrincipal  string
	IssuedAt         time.Time
	UnlockPolicy     UnlockPolicy
	AuthorityOrder   uint64 // authority-assigned monotonic id, spec §4.4 "Ordering"
}

// AppliesTo reports whether the directive blocks the given terminal,
// considering its scope.
func (d *Directive) AppliesTo(workspaceID, terminalID string) bool {
	switch d.Scope {
	case ScopeAll:
		return true
	case ScopeWorkspace:
		return d.WorkspaceID == workspaceID
	case ScopeTerminal:
		return d.TerminalID == terminalID
	default:
		return false
	}
}
