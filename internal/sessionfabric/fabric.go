// Package sessionfabric models the workspace/tab/pane hierarchy and routes
// hierarchical fabric operations, per spec §4.2. It has no teacher
// analogue — blaxel-ai-sandbox manages one flat terminal session per id
// with no grouping — and is grounded instead on the actor-per-entity style
// of the apex-build-platform terminal multiplexer and shellman's
// runtime_pane_actor (other_examples/), generalized to a single actor per
// workspace since the fabric's structural invariants (tiling, single
// active pane) span every pane in a tab at once.
package sessionfabric

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/directive"
	"github.com/aetherterm/aetherterm-core/internal/terminalhost"
	"github.com/aetherterm/aetherterm-core/internal/wire"
)

// Config bounds Fabric request handling, spec §6 `request_timeout_ms`.
type Config struct {
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	return c
}

// Fabric is the SessionFabric component: the authoritative model of every
// Workspace/Tab/Pane/Terminal relationship and permission boundary,
// constructed explicitly with its TerminalHost collaborator (spec.md §9
// "replace global singletons with explicit component handles").
type Fabric struct {
	cfg  Config
	host *terminalhost.Host
	log  *logrus.Entry

	mu         sync.RWMutex
	workspaces map[string]*workspaceHandle
}

// New constructs a Fabric bound to host.
func New(cfg Config, host *terminalhost.Host, log *logrus.Logger) *Fabric {
	if log == nil {
		log = logrus.New()
	}
	entry := log.WithField("component", "sessionfabric")
	return &Fabric{
		cfg:        cfg.withDefaults(),
		host:       host,
		log:        entry,
		workspaces: make(map[string]*workspaceHandle),
	}
}

func (f *Fabric) requestCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, f.cfg.RequestTimeout)
}

func (f *Fabric) handle(workspaceID string) (*workspaceHandle, error) {
	f.mu.RLock()
	h, ok := f.workspaces[workspaceID]
	f.mu.RUnlock()
	if !ok {
		return nil, aetherr.Wrap(aetherr.KindNotFound, "workspace %s not found", workspaceID)
	}
	return h, nil
}

// WorkspaceOpen implements spec §4.2 workspace_open: creates a workspace
// lazily owned by the requesting principal.
func (f *Fabric) WorkspaceOpen(ctx context.Context, principal Principal) (string, error) {
	if !Allowed(principal, VerbWorkspaceOpen, false) {
		return "", aetherr.Wrap(aetherr.KindUnauthorized, "principal %s may not open a workspace", principal.ID)
	}
	h := newWorkspaceHandle(principal.ID, f.log)
	f.mu.Lock()
	f.workspaces[h.ws.ID] = h
	f.mu.Unlock()
	f.log.WithFields(logrus.Fields{"workspace_id": h.ws.ID, "owner": principal.ID}).Info("workspace opened")
	return h.ws.ID, nil
}

// Subscribe registers a connection to receive structural/lifecycle events
// for a workspace it has joined (spec §4.3 per-principal filtering).
// Returns an unsubscribe func.
func (f *Fabric) Subscribe(workspaceID, connID string, sub Subscriber) (func(), error) {
	h, err := f.handle(workspaceID)
	if err != nil {
		return nil, err
	}
	h.subscribe(connID, sub)
	return func() { h.unsubscribe(connID) }, nil
}

func (f *Fabric) checkPermission(h *workspaceHandle, principal Principal, verb Verb) error {
	isOwner := principal.ID == h.ws.OwnerPrincipalID
	if !Allowed(principal, verb, isOwner) {
		return aetherr.Wrap(aetherr.KindUnauthorized, "principal %s may not %s on workspace %s", principal.ID, verb, h.ws.ID)
	}
	return nil
}

// TabCreate implements spec §4.2 tab_create.
func (f *Fabric) TabCreate(ctx context.Context, principal Principal, workspaceID string, kind TabKind, title string) (*Tab, error) {
	h, err := f.handle(workspaceID)
	if err != nil {
		return nil, err
	}
	if err := f.checkPermission(h, principal, VerbTabCreate); err != nil {
		return nil, err
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var created *Tab
	err = h.act.submit(ctx, func() { created = h.createTab(kind, title) })
	if err != nil {
		return nil, f.timeoutOr(err)
	}
	h.publish(Address{Kind: KindTab, WorkspaceID: workspaceID, TabID: created.ID}, wire.EventTabCreate, created)
	return created, nil
}

// TabSwitch implements spec §4.2 tab_switch. Purely advisory: it verifies
// the tab exists and the principal may act on the workspace, but does not
// mutate fabric state — which connections are "interested" in a tab lives
// at EdgeGateway, not here.
func (f *Fabric) TabSwitch(ctx context.Context, principal Principal, workspaceID, tabID string) error {
	h, err := f.handle(workspaceID)
	if err != nil {
		return err
	}
	if err := f.checkPermission(h, principal, VerbTabSwitch); err != nil {
		return err
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var notFound bool
	err = h.act.submit(ctx, func() { notFound = h.ws.findTab(tabID) == nil })
	if err != nil {
		return f.timeoutOr(err)
	}
	if notFound {
		return aetherr.Wrap(aetherr.KindNotFound, "tab %s not found", tabID)
	}
	return nil
}

// TabClose implements spec §4.2 tab_close.
func (f *Fabric) TabClose(ctx context.Context, principal Principal, workspaceID, tabID string) error {
	h, err := f.handle(workspaceID)
	if err != nil {
		return err
	}
	if err := f.checkPermission(h, principal, VerbTabClose); err != nil {
		return err
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var opErr error
	err = h.act.submit(ctx, func() { opErr = h.closeTab(tabID, f.host) })
	if err != nil {
		return f.timeoutOr(err)
	}
	if opErr != nil {
		return opErr
	}
	h.publish(Address{Kind: KindTab, WorkspaceID: workspaceID, TabID: tabID}, wire.EventTabClose, nil)
	f.destroyWorkspaceIfEmpty(workspaceID)
	return nil
}

// PaneSplit implements spec §4.2 pane_split.
func (f *Fabric) PaneSplit(ctx context.Context, principal Principal, workspaceID, paneID, direction string) (*Pane, error) {
	h, err := f.handle(workspaceID)
	if err != nil {
		return nil, err
	}
	if err := f.checkPermission(h, principal, VerbPaneSplit); err != nil {
		return nil, err
	}
	if direction != "horizontal" && direction != "vertical" {
		return nil, aetherr.Wrap(aetherr.KindInvalidState, "invalid split direction %q", direction)
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var newPane *Pane
	var opErr error
	err = h.act.submit(ctx, func() { newPane, opErr = h.splitPane(paneID, direction == "horizontal") })
	if err != nil {
		return nil, f.timeoutOr(err)
	}
	if opErr != nil {
		return nil, opErr
	}
	h.publish(Address{Kind: KindPane, WorkspaceID: workspaceID, TabID: newPane.TabID, PaneID: newPane.ID}, wire.EventPaneSplit, newPane)
	return newPane, nil
}

// PaneClose implements spec §4.2 pane_close.
func (f *Fabric) PaneClose(ctx context.Context, principal Principal, workspaceID, paneID string) error {
	h, err := f.handle(workspaceID)
	if err != nil {
		return err
	}
	if err := f.checkPermission(h, principal, VerbPaneClose); err != nil {
		return err
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var tabID string
	var tabClosed bool
	var opErr error
	err = h.act.submit(ctx, func() { tabID, tabClosed, opErr = h.closePane(paneID, f.host) })
	if err != nil {
		return f.timeoutOr(err)
	}
	if opErr != nil {
		return opErr
	}
	h.publish(Address{Kind: KindPane, WorkspaceID: workspaceID, TabID: tabID, PaneID: paneID}, wire.EventPaneClose, nil)
	if tabClosed {
		h.publish(Address{Kind: KindTab, WorkspaceID: workspaceID, TabID: tabID}, wire.EventTabClose, nil)
		f.destroyWorkspaceIfEmpty(workspaceID)
	}
	return nil
}

// TerminalCreate implements spec §4.2 terminal_create: delegates to
// TerminalHost and binds the returned terminal to the pane.
func (f *Fabric) TerminalCreate(ctx context.Context, principal Principal, workspaceID, paneID string, spec terminalhost.ShellSpec, cols, rows uint16) (string, error) {
	h, err := f.handle(workspaceID)
	if err != nil {
		return "", err
	}
	if err := f.checkPermission(h, principal, VerbTerminalCreate); err != nil {
		return "", err
	}

	term, err := f.host.CreateTerminal(principal.ID, spec, cols, rows)
	if err != nil {
		return "", err
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var opErr error
	err = h.act.submit(ctx, func() { opErr = h.bindTerminal(paneID, term.ID) })
	if err != nil {
		_ = f.host.Close(term.ID, terminalhost.CloseReasonRequested)
		return "", f.timeoutOr(err)
	}
	if opErr != nil {
		_ = f.host.Close(term.ID, terminalhost.CloseReasonRequested)
		return "", opErr
	}

	var tabID string
	_ = h.act.submit(ctx, func() { tabID, _ = h.tabIDForPane(paneID) })

	go f.watchTerminalClosed(workspaceID, tabID, paneID, term)

	return term.ID, nil
}

// watchTerminalClosed publishes terminal:closed once a Terminal fully
// closes, so EdgeGateway can notify subscribers per spec §4.1 failure
// semantics ("subscribers receive a terminal_closed event").
func (f *Fabric) watchTerminalClosed(workspaceID, tabID, paneID string, term *terminalhost.Terminal) {
	<-term.Closed()
	h, err := f.handle(workspaceID)
	if err != nil {
		return
	}
	info := term.ClosedInfo()
	h.publish(
		Address{Kind: KindTerminal, WorkspaceID: workspaceID, TabID: tabID, PaneID: paneID, Op: "closed"},
		wire.EventTerminalClosed,
		wire.TerminalClosedEvent{ExitStatus: info.ExitStatus},
	)
}

// TerminalInput/Resize/Close are thin proxies into TerminalHost, resolving
// the pane's bound terminal first.
func (f *Fabric) TerminalInput(ctx context.Context, principal Principal, workspaceID, paneID string, data []byte) error {
	termID, err := f.resolveTerminal(ctx, principal, workspaceID, paneID, VerbTerminalInput)
	if err != nil {
		return err
	}
	return f.host.Write(termID, data, principal.ID)
}

func (f *Fabric) TerminalResize(ctx context.Context, principal Principal, workspaceID, paneID string, cols, rows uint16) error {
	termID, err := f.resolveTerminal(ctx, principal, workspaceID, paneID, VerbTerminalResize)
	if err != nil {
		return err
	}
	return f.host.Resize(termID, cols, rows)
}

func (f *Fabric) TerminalClose(ctx context.Context, principal Principal, workspaceID, paneID string) error {
	termID, err := f.resolveTerminal(ctx, principal, workspaceID, paneID, VerbTerminalClose)
	if err != nil {
		return err
	}
	return f.host.Close(termID, terminalhost.CloseReasonRequested)
}

func (f *Fabric) resolveTerminal(ctx context.Context, principal Principal, workspaceID, paneID string, verb Verb) (string, error) {
	h, err := f.handle(workspaceID)
	if err != nil {
		return "", err
	}
	if err := f.checkPermission(h, principal, verb); err != nil {
		return "", err
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var termID string
	var opErr error
	err = h.act.submit(ctx, func() { termID, opErr = h.terminalIDForPane(paneID) })
	if err != nil {
		return "", f.timeoutOr(err)
	}
	return termID, opErr
}

// WorkspaceResume implements spec §4.2 workspace_resume: returns the
// current tab/pane/terminal shape for fast UI reconnect.
func (f *Fabric) WorkspaceResume(ctx context.Context, principal Principal, workspaceID string) (wire.WorkspaceState, error) {
	h, err := f.handle(workspaceID)
	if err != nil {
		return wire.WorkspaceState{}, err
	}
	if err := f.checkPermission(h, principal, VerbWorkspaceResume); err != nil {
		return wire.WorkspaceState{}, err
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var state wire.WorkspaceState
	err = h.act.submit(ctx, func() { state = snapshotWorkspace(h.ws) })
	if err != nil {
		return wire.WorkspaceState{}, f.timeoutOr(err)
	}
	return state, nil
}

func snapshotWorkspace(ws *Workspace) wire.WorkspaceState {
	state := wire.WorkspaceState{WorkspaceID: ws.ID}
	for _, t := range ws.Tabs {
		tabState := wire.TabState{
			TabID:        t.ID,
			Kind:         string(t.Kind),
			Title:        t.Title,
			ActivePaneID: t.ActivePaneID,
		}
		for _, p := range t.Panes {
			tabState.Panes = append(tabState.Panes, wire.PaneState{
				PaneID:     p.ID,
				TerminalID: p.TerminalID,
				Rect:       wire.RectPercent{X: p.Rect.X, Y: p.Rect.Y, W: p.Rect.W, H: p.Rect.H},
				Active:     p.Active,
			})
		}
		state.Tabs = append(state.Tabs, tabState)
	}
	return state
}

// Attach/Detach pass through to TerminalHost so the raw byte stream never
// routes through the workspace actor. Attach also returns the pane's tab
// id so callers can build a fully-qualified Address for the events they
// forward, without a second round trip through the actor.
func (f *Fabric) Attach(ctx context.Context, principal Principal, workspaceID, paneID, connectionID string, mode terminalhost.Mode) (*terminalhost.Subscription, []byte, string, error) {
	verb := VerbAttachRead
	if mode == terminalhost.ModeReadWrite {
		verb = VerbAttachWrite
	}
	h, err := f.handle(workspaceID)
	if err != nil {
		return nil, nil, "", err
	}

	ctx, cancel := f.requestCtx(ctx)
	defer cancel()

	var termID, tabID string
	var opErr error
	err = h.act.submit(ctx, func() {
		termID, opErr = h.terminalIDForPane(paneID)
		if opErr == nil {
			tabID, opErr = h.tabIDForPane(paneID)
		}
	})
	if err != nil {
		return nil, nil, "", f.timeoutOr(err)
	}
	if opErr != nil {
		return nil, nil, "", opErr
	}
	if err := f.checkPermission(h, principal, verb); err != nil {
		return nil, nil, "", err
	}

	sub, snapshot, err := f.host.Attach(termID, connectionID, mode)
	if err != nil {
		return nil, nil, "", err
	}
	return sub, snapshot, tabID, nil
}

// Detach releases a subscription obtained from Attach.
func (f *Fabric) Detach(terminalID, subscriptionID string) {
	f.host.Detach(terminalID, subscriptionID)
}

// SetBlock/ClearBlock resolve every terminal a directive targets within a
// workspace and proxy into TerminalHost. Authority-scoped (scope=all)
// directives are applied by SupervisoryBus across every workspace's
// Fabric, not here.
func (f *Fabric) SetBlock(workspaceID string, d *directive.Directive) error {
	h, err := f.handle(workspaceID)
	if err != nil {
		return err
	}
	var ids []string
	for _, id := range f.allTerminalIDs(h) {
		if d.AppliesTo(workspaceID, id) {
			ids = append(ids, id)
		}
	}
	f.host.SetBlock(ids, d)
	h.publish(Address{Kind: KindTerminal, WorkspaceID: workspaceID, Op: "blocked"}, wire.EventTerminalBlocked,
		wire.TerminalBlockedEvent{Reason: d.Reason, DirectiveID: d.ID})
	return nil
}

func (f *Fabric) ClearBlock(workspaceID, directiveID string) error {
	h, err := f.handle(workspaceID)
	if err != nil {
		return err
	}
	ids := f.allTerminalIDs(h)
	f.host.ClearBlock(ids, directiveID)
	h.publish(Address{Kind: KindTerminal, WorkspaceID: workspaceID, Op: "unblocked"}, wire.EventTerminalUnblock,
		wire.TerminalBlockedEvent{DirectiveID: directiveID})
	return nil
}

func (f *Fabric) allTerminalIDs(h *workspaceHandle) []string {
	var ids []string
	_ = h.act.submit(context.Background(), func() {
		for _, t := range h.ws.Tabs {
			for _, p := range t.Panes {
				if p.TerminalID != "" {
					ids = append(ids, p.TerminalID)
				}
			}
		}
	})
	return ids
}

// PublishAgentProgress broadcasts an agent_publish_progress update (spec
// §4.5) to a pane's subscribers without touching terminal or fabric state.
func (f *Fabric) PublishAgentProgress(workspaceID, paneID, agentID, message string) error {
	h, err := f.handle(workspaceID)
	if err != nil {
		return err
	}
	var tabID string
	_ = h.act.submit(context.Background(), func() { tabID, _ = h.tabIDForPane(paneID) })
	h.publish(Address{Kind: KindPane, WorkspaceID: workspaceID, TabID: tabID, PaneID: paneID}, wire.EventAgentProgress,
		wire.AgentProgressEvent{AgentID: agentID, Message: message})
	return nil
}

// PublishAgentEvent implements agent_emit(selector, event): publishes an
// arbitrary ai_agent:* event on a pane's address. The fabric does not
// interpret the payload beyond routing it to the pane's subscribers, per
// spec §4.5; kind is namespaced under wire.EventAgentKindPrefix so it can
// never collide with a structural event name.
func (f *Fabric) PublishAgentEvent(workspaceID, paneID, kind string, payload any) error {
	h, err := f.handle(workspaceID)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(kind, wire.EventAgentKindPrefix) {
		kind = wire.EventAgentKindPrefix + kind
	}
	var tabID string
	_ = h.act.submit(context.Background(), func() { tabID, _ = h.tabIDForPane(paneID) })
	h.publish(Address{Kind: KindPane, WorkspaceID: workspaceID, TabID: tabID, PaneID: paneID}, kind, payload)
	return nil
}

// TerminalIDs returns every terminal id bound to a pane across every live
// workspace, for SupervisoryBus's registration message.
func (f *Fabric) TerminalIDs() []string {
	f.mu.RLock()
	handles := make([]*workspaceHandle, 0, len(f.workspaces))
	for _, h := range f.workspaces {
		handles = append(handles, h)
	}
	f.mu.RUnlock()

	var ids []string
	for _, h := range handles {
		ids = append(ids, f.allTerminalIDs(h)...)
	}
	return ids
}

// Workspaces returns a snapshot of every live workspace id, for the
// /debug/workspaces admin endpoint.
func (f *Fabric) Workspaces() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.workspaces))
	for id := range f.workspaces {
		ids = append(ids, id)
	}
	return ids
}

func (f *Fabric) destroyWorkspaceIfEmpty(workspaceID string) {
	h, err := f.handle(workspaceID)
	if err != nil {
		return
	}
	var empty bool
	_ = h.act.submit(context.Background(), func() { empty = len(h.ws.Tabs) == 0 })
	if !empty {
		return
	}
	h.subMu.RLock()
	hasSubs := len(h.subs) > 0
	h.subMu.RUnlock()
	if hasSubs {
		return
	}
	f.mu.Lock()
	delete(f.workspaces, workspaceID)
	f.mu.Unlock()
	h.act.stop()
	f.log.WithField("workspace_id", workspaceID).Info("workspace destroyed")
}

func (f *Fabric) timeoutOr(err error) error {
	if err == context.DeadlineExceeded {
		return aetherr.Wrap(aetherr.KindRequestTimeout, "request exceeded deadline")
	}
	return err
}

// NewPrincipal is a small convenience constructor, mirroring the
// teacher's flat request-struct style.
func NewPrincipal(id, displayName string, role Role) Principal {
	return Principal{ID: id, DisplayName: displayName, Role: role}
}
