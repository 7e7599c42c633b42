package sessionfabric

// Verb names every permission-checked fabric operation, spec §4.2.
type Verb string

const (
	VerbWorkspaceOpen   Verb = "workspace_open"
	VerbWorkspaceResume Verb = "workspace_resume"
	VerbTabCreate       Verb = "tab_create"
	VerbTabSwitch       Verb = "tab_switch"
	VerbTabClose        Verb = "tab_close"
	VerbPaneSplit       Verb = "pane_split"
	VerbPaneClose       Verb = "pane_close"
	VerbTerminalCreate  Verb = "terminal_create"
	VerbTerminalInput   Verb = "terminal_input"
	VerbTerminalResize  Verb = "terminal_resize"
	VerbTerminalClose   Verb = "terminal_close"
	VerbAttachRead      Verb = "attach_read"
	VerbAttachWrite     Verb = "attach_write"
)

// collaboratorVerbs are the ops a collaborator may perform. Allowed does
// not check workspace membership, so a collaborator holds these verbs on
// every workspace, not only on ones its connection has joined.
var collaboratorVerbs = map[Verb]bool{
	VerbWorkspaceResume: true,
	VerbTabCreate:       true,
	VerbTabSwitch:       true,
	VerbTabClose:        true,
	VerbPaneSplit:       true,
	VerbPaneClose:       true,
	VerbTerminalCreate:  true,
	VerbTerminalInput:   true,
	VerbTerminalResize:  true,
	VerbTerminalClose:   true,
	VerbAttachRead:      true,
	VerbAttachWrite:     true,
}

// Allowed reports whether a principal may perform verb against a
// workspace it is (or is about to become) associated with. isOwner is
// resolved by the caller by comparing principal.ID to the workspace's
// OwnerPrincipalID.
func Allowed(p Principal, verb Verb, isOwner bool) bool {
	if verb == VerbWorkspaceOpen {
		// Opening a workspace makes the requester its owner; every role
		// except a pure observer may do so.
		return p.Role != RoleObserver
	}
	switch p.Role {
	case RoleOwner:
		return isOwner
	case RoleSupervisor:
		return true
	case RoleCollaborator:
		return collaboratorVerbs[verb]
	case RoleObserver:
		return verb == VerbAttachRead || verb == VerbWorkspaceResume
	case RoleAgent:
		for _, v := range p.AgentCapabilities {
			if v == verb {
				return true
			}
		}
		return false
	default:
		return false
	}
}
