package sessionfabric

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/terminalhost"
)

// workspaceHandle pairs a Workspace's entity tree with the single-writer
// actor that serializes every mutation to it, and the set of connections
// currently subscribed to its events.
type workspaceHandle struct {
	ws  *Workspace
	act *actor
	log *logrus.Entry

	subMu sync.RWMutex
	subs  map[string]Subscriber // keyed by an opaque subscriber id (connection id)
}

func newWorkspaceHandle(ownerPrincipal string, log *logrus.Entry) *workspaceHandle {
	return &workspaceHandle{
		ws: &Workspace{
			ID:               uuid.NewString(),
			OwnerPrincipalID: ownerPrincipal,
			CreatedAt:        time.Now(),
		},
		act:  newActor(),
		log:  log,
		subs: make(map[string]Subscriber),
	}
}

func (h *workspaceHandle) subscribe(connID string, s Subscriber) {
	h.subMu.Lock()
	h.subs[connID] = s
	h.subMu.Unlock()
}

func (h *workspaceHandle) unsubscribe(connID string) {
	h.subMu.Lock()
	delete(h.subs, connID)
	h.subMu.Unlock()
}

func (h *workspaceHandle) publish(addr Address, name string, payload any) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for _, s := range h.subs {
		s.Notify(Event{Address: addr, Name: name, Payload: payload})
	}
}

// --- operations executed on the workspace actor goroutine ---

// createTab creates a tab. Terminal-kind tabs are never externally visible
// without a pane (spec §3 invariant "a tab of kind terminal has ≥1 pane
// while it exists"), so an initial full-rect pane is created alongside it;
// other kinds get none.
func (h *workspaceHandle) createTab(kind TabKind, title string) *Tab {
	tab := &Tab{
		ID:          uuid.NewString(),
		WorkspaceID: h.ws.ID,
		Kind:        kind,
		Title:       title,
	}
	if kind == TabTerminal {
		initial := &Pane{
			ID:     uuid.NewString(),
			TabID:  tab.ID,
			Rect:   Rect{X: 0, Y: 0, W: 100, H: 100},
			Active: true,
		}
		tab.Panes = append(tab.Panes, initial)
		tab.ActivePaneID = initial.ID
	}
	h.ws.Tabs = append(h.ws.Tabs, tab)
	return tab
}

func (h *workspaceHandle) closeTab(tabID string, host *terminalhost.Host) error {
	tab := h.ws.findTab(tabID)
	if tab == nil {
		return aetherr.Wrap(aetherr.KindNotFound, "tab %s not found", tabID)
	}
	for _, p := range tab.Panes {
		if p.TerminalID != "" {
			_ = host.Close(p.TerminalID, terminalhost.CloseReasonRequested)
		}
	}
	h.ws.removeTab(tabID)
	return nil
}

// splitPane splits the target pane's rect in half along the requested
// axis and inserts a new, terminal-less pane. Deterministic tie-break per
// spec §4.2: horizontal places the new pane to the right, vertical places
// it below. Sibling panes outside the split pane are untouched, matching
// spec §8 scenario 2.
func (h *workspaceHandle) splitPane(paneID string, horizontal bool) (*Pane, error) {
	tab, pane := h.ws.findPane(paneID)
	if pane == nil {
		return nil, aetherr.Wrap(aetherr.KindNotFound, "pane %s not found", paneID)
	}
	if tab.Kind != TabTerminal {
		return nil, aetherr.Wrap(aetherr.KindInvalidState, "tab %s is not a terminal tab", tab.ID)
	}

	newPane := &Pane{ID: uuid.NewString(), TabID: tab.ID}
	if horizontal {
		halfW := pane.Rect.W / 2
		newPane.Rect = Rect{X: pane.Rect.X + halfW, Y: pane.Rect.Y, W: halfW, H: pane.Rect.H}
		pane.Rect.W = halfW
	} else {
		halfH := pane.Rect.H / 2
		newPane.Rect = Rect{X: pane.Rect.X, Y: pane.Rect.Y + halfH, W: pane.Rect.W, H: halfH}
		pane.Rect.H = halfH
	}
	tab.Panes = append(tab.Panes, newPane)
	return newPane, nil
}

// closePane removes a pane, closing its terminal. If it was the tab's
// last pane, the tab is closed too (spec §4.2 pane_close contract).
// Returns whether the tab was also closed.
func (h *workspaceHandle) closePane(paneID string, host *terminalhost.Host) (tabID string, tabClosed bool, err error) {
	tab, pane := h.ws.findPane(paneID)
	if pane == nil {
		return "", false, aetherr.Wrap(aetherr.KindNotFound, "pane %s not found", paneID)
	}
	tabID = tab.ID
	if pane.TerminalID != "" {
		_ = host.Close(pane.TerminalID, terminalhost.CloseReasonRequested)
	}
	tab.removePane(paneID)
	if tab.ActivePaneID == paneID {
		tab.ActivePaneID = ""
	}
	if len(tab.Panes) > 0 {
		if tab.ActivePaneID == "" {
			tab.Panes[0].Active = true
			tab.ActivePaneID = tab.Panes[0].ID
		}
		return tabID, false, nil
	}
	h.ws.removeTab(tab.ID)
	return tabID, true, nil
}

func (h *workspaceHandle) bindTerminal(paneID, terminalID string) error {
	_, pane := h.ws.findPane(paneID)
	if pane == nil {
		return aetherr.Wrap(aetherr.KindNotFound, "pane %s not found", paneID)
	}
	pane.TerminalID = terminalID
	return nil
}

func (h *workspaceHandle) tabIDForPane(paneID string) (string, error) {
	tab, pane := h.ws.findPane(paneID)
	if pane == nil {
		return "", aetherr.Wrap(aetherr.KindNotFound, "pane %s not found", paneID)
	}
	return tab.ID, nil
}

func (h *workspaceHandle) terminalIDForPane(paneID string) (string, error) {
	_, pane := h.ws.findPane(paneID)
	if pane == nil {
		return "", aetherr.Wrap(aetherr.KindNotFound, "pane %s not found", paneID)
	}
	if pane.TerminalID == "" {
		return "", aetherr.Wrap(aetherr.KindInvalidState, "pane %s has no terminal", paneID)
	}
	return pane.TerminalID, nil
}
