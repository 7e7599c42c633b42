// Package agentbridge implements the AgentBridge component from spec
// §4.5: agent_register, agent_subscribe, agent_emit, plus the
// pane/terminal conveniences (agent_create_pane, agent_inject_input,
// agent_observe_output, agent_publish_progress) an agent needs to do
// anything useful with a registered session. It translates these
// capability-scoped calls into ordinary SessionFabric operations, the
// same way EdgeGateway translates a browser connection's wire frames.
// The two components are peers sitting on top of Fabric — neither calls
// into the other.
//
// Grounded on the teacher's (blaxel-ai-sandbox/sandbox-api) MCP server:
// mcp_server_ref.go's NewServer/registerTools/setupHTTPEndpoints shape and
// src/mcp/process.go's AddTool/LogToolCall idiom carry over directly in
// mcp.go; this file is the new in-process half with no teacher analogue,
// generalized from the teacher's direct handler.ProcessHandler calls to
// SessionFabric's permission-checked operations.
package agentbridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/sessionfabric"
	"github.com/aetherterm/aetherterm-core/internal/terminalhost"
)

const observeQuietWindow = 150 * time.Millisecond

// Bridge is the in-process AgentBridge API: agent_register, agent_create_pane,
// agent_inject_input, agent_observe_output, agent_publish_progress.
type Bridge struct {
	fabric *sessionfabric.Fabric
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*agentSession
}

type agentSession struct {
	principal   sessionfabric.Principal
	workspaceID string
	tabID       string
	paneID      string
}

// New constructs a Bridge bound to fabric.
func New(fabric *sessionfabric.Fabric, log *logrus.Logger) *Bridge {
	if log == nil {
		log = logrus.New()
	}
	return &Bridge{
		fabric:   fabric,
		log:      log.WithField("component", "agentbridge"),
		sessions: make(map[string]*agentSession),
	}
}

// Register implements agent_register(capability_set) -> agent_principal_id:
// mints an agent-role Principal scoped to the requested capability verbs
// and opens the workspace it acts in. A caller may supply its own stable
// agentID (e.g. a process restarting with known state); an empty agentID
// gets a server-assigned principal id, matching the operation's literal
// signature. Re-registering an already-known agent id refreshes its
// capability grant in place rather than opening a second workspace.
func (b *Bridge) Register(ctx context.Context, agentID, displayName string, capabilities []string) (string, string, error) {
	if agentID == "" {
		agentID = uuid.NewString()
	}
	verbs := make([]sessionfabric.Verb, 0, len(capabilities))
	for _, c := range capabilities {
		verbs = append(verbs, sessionfabric.Verb(c))
	}
	principal := sessionfabric.Principal{ID: agentID, DisplayName: displayName, Role: sessionfabric.RoleAgent, AgentCapabilities: verbs}

	b.mu.Lock()
	existing, ok := b.sessions[agentID]
	b.mu.Unlock()
	if ok {
		b.mu.Lock()
		existing.principal = principal
		workspaceID := existing.workspaceID
		b.mu.Unlock()
		return agentID, workspaceID, nil
	}

	workspaceID, err := b.fabric.WorkspaceOpen(ctx, principal)
	if err != nil {
		return "", "", err
	}

	b.mu.Lock()
	b.sessions[agentID] = &agentSession{principal: principal, workspaceID: workspaceID}
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{"agent_id": agentID, "workspace_id": workspaceID}).Info("agent registered")
	return agentID, workspaceID, nil
}

func (b *Bridge) session(agentID string) (*agentSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[agentID]
	if !ok {
		return nil, aetherr.Wrap(aetherr.KindUnauthorized, "agent %s is not registered", agentID)
	}
	return s, nil
}

// CreatePane implements agent_create_pane: the agent's first call opens a
// terminal tab seeded with one full-rect pane (spec §3); later calls split
// the tab's most recently created pane, mirroring a browser pane_split.
func (b *Bridge) CreatePane(ctx context.Context, agentID, direction string) (*sessionfabric.Pane, error) {
	s, err := b.session(agentID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	hasTab := s.tabID != ""
	workspaceID := s.workspaceID
	principal := s.principal
	currentPane := s.paneID
	b.mu.Unlock()

	if !hasTab {
		tab, err := b.fabric.TabCreate(ctx, principal, workspaceID, sessionfabric.TabTerminal, "agent:"+agentID)
		if err != nil {
			return nil, err
		}
		pane := tab.Panes[0]
		b.mu.Lock()
		s.tabID = tab.ID
		s.paneID = pane.ID
		b.mu.Unlock()
		return pane, nil
	}

	if direction != "horizontal" && direction != "vertical" {
		direction = "horizontal"
	}
	pane, err := b.fabric.PaneSplit(ctx, principal, workspaceID, currentPane, direction)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	s.paneID = pane.ID
	b.mu.Unlock()
	return pane, nil
}

// resolveTerminal returns the terminal bound to paneID, lazily creating one
// with the default shell if the agent hasn't issued terminal_create itself —
// agent_inject_input is meant to work the moment a pane exists.
func (b *Bridge) resolveTerminal(ctx context.Context, s *agentSession, paneID string) (string, error) {
	state, err := b.fabric.WorkspaceResume(ctx, s.principal, s.workspaceID)
	if err != nil {
		return "", err
	}
	for _, tab := range state.Tabs {
		for _, pane := range tab.Panes {
			if pane.PaneID != paneID {
				continue
			}
			if pane.TerminalID != "" {
				return pane.TerminalID, nil
			}
			return b.fabric.TerminalCreate(ctx, s.principal, s.workspaceID, paneID, terminalhost.ShellSpec{}, 80, 24)
		}
	}
	return "", aetherr.Wrap(aetherr.KindNotFound, "pane %s not found", paneID)
}

// InjectInput implements agent_inject_input: writes bytes to the pane's
// terminal, creating one first if the agent hasn't already.
func (b *Bridge) InjectInput(ctx context.Context, agentID, paneID string, data []byte) error {
	s, err := b.session(agentID)
	if err != nil {
		return err
	}
	if _, err := b.resolveTerminal(ctx, s, paneID); err != nil {
		return err
	}
	return b.fabric.TerminalInput(ctx, s.principal, s.workspaceID, paneID, data)
}

// ObserveOutput implements agent_observe_output: returns the pane's
// catch-up snapshot plus whatever else arrives within a short quiet
// window, since an MCP tool call is request/response rather than a
// persistent stream — a live subscription wouldn't fit that shape.
func (b *Bridge) ObserveOutput(ctx context.Context, agentID, paneID string) ([]byte, error) {
	s, err := b.session(agentID)
	if err != nil {
		return nil, err
	}
	sub, snapshot, _, err := b.fabric.Attach(ctx, s.principal, s.workspaceID, paneID, "agent:"+agentID, terminalhost.ModeRead)
	if err != nil {
		return nil, err
	}
	defer b.fabric.Detach(sub.TerminalID, sub.ID)

	out := append([]byte(nil), snapshot...)
	timer := time.NewTimer(observeQuietWindow)
	defer timer.Stop()
	for {
		select {
		case data, ok := <-sub.Data():
			if !ok {
				return out, nil
			}
			out = append(out, data...)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(observeQuietWindow)
		case <-sub.Done():
			return out, nil
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// PublishProgress implements agent_publish_progress: a status broadcast to
// a pane's subscribers that does not touch terminal or fabric state.
func (b *Bridge) PublishProgress(ctx context.Context, agentID, paneID, message string) error {
	s, err := b.session(agentID)
	if err != nil {
		return err
	}
	return b.fabric.PublishAgentProgress(s.workspaceID, paneID, agentID, message)
}

// eventSubscriber adapts a buffered channel to sessionfabric.Subscriber,
// filtering by a selector address prefix before forwarding. Backs
// Subscribe below the same way EdgeGateway's per-connection Subscriber
// backs browser pane/tab event delivery, just fed to a channel instead of
// a WebSocket writer.
type eventSubscriber struct {
	selector string
	out      chan sessionfabric.Event
}

func (s *eventSubscriber) Notify(ev sessionfabric.Event) {
	if s.selector != "" && !strings.HasPrefix(ev.Address.String(), s.selector) {
		return
	}
	select {
	case s.out <- ev:
	default:
	}
}

// Subscribe implements agent_subscribe(selector) -> stream of events: a
// live channel of fabric events whose address starts with selector (e.g.
// "workspace:W" for everything in a workspace, "workspace:W:tab:T:pane:P"
// for one pane), for agents running in-process that want push delivery
// instead of polling agent_observe_output. The returned func unsubscribes.
func (b *Bridge) Subscribe(agentID, selector string) (<-chan sessionfabric.Event, func(), error) {
	s, err := b.session(agentID)
	if err != nil {
		return nil, nil, err
	}
	sub := &eventSubscriber{selector: selector, out: make(chan sessionfabric.Event, 64)}
	unsubscribe, err := b.fabric.Subscribe(s.workspaceID, "agent:"+agentID+":"+selector, sub)
	if err != nil {
		return nil, nil, err
	}
	return sub.out, unsubscribe, nil
}

// Emit implements agent_emit(selector, event): publishes an ai_agent:*
// event on a pane's address. The fabric only routes it, per spec §4.5 —
// PublishProgress is the specialization of this for the one status-line
// shape the MCP surface exposes as a dedicated tool.
func (b *Bridge) Emit(ctx context.Context, agentID, paneID, kind string, payload any) error {
	s, err := b.session(agentID)
	if err != nil {
		return err
	}
	return b.fabric.PublishAgentEvent(s.workspaceID, paneID, kind, payload)
}
