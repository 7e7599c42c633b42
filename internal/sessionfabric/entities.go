package sessionfabric

import "time"

// TabKind is the polymorphic tag from the REDESIGN FLAGS "polymorphic tab
// kinds" item: a tagged variant instead of subclassing. Operations valid
// only for certain kinds fail with invalid_state (enforced in workspace.go).
type TabKind string

const (
	TabTerminal   TabKind = "terminal"
	TabAIAgent    TabKind = "ai_agent"
	TabLogMonitor TabKind = "log_monitor"
)

// Rect is a pane's layout rectangle in percent of its tab, spec §3.
type Rect struct {
	X, Y, W, H float64
}

// Pane is the spec §3 Pane entity.
type Pane struct {
	ID         string
	TabID      string
	TerminalID string
	Rect       Rect
	Active     bool
}

// Tab is the spec §3 Tab entity.
type Tab struct {
	ID           string
	WorkspaceID  string
	Kind         TabKind
	Title        string
	ActivePaneID string
	Panes        []*Pane
}

// Workspace is the spec §3 Workspace entity.
type Workspace struct {
	ID               string
	OwnerPrincipalID string
	CreatedAt        time.Time
	Tabs             []*Tab
}

func (w *Workspace) findTab(tabID string) *Tab {
	for _, t := range w.Tabs {
		if t.ID == tabID {
			return t
		}
	}
	return nil
}

func (w *Workspace) findPane(paneID string) (*Tab, *Pane) {
	for _, t := range w.Tabs {
		for _, p := range t.Panes {
			if p.ID == paneID {
				return t, p
			}
		}
	}
	return nil, nil
}

func (w *Workspace) removeTab(tabID string) {
	for i, t := range w.Tabs {
		if t.ID == tabID {
			w.Tabs = append(w.Tabs[:i], w.Tabs[i+1:]...)
			return
		}
	}
}

func (t *Tab) removePane(paneID string) {
	for i, p := range t.Panes {
		if p.ID == paneID {
			t.Panes = append(t.Panes[:i], t.Panes[i+1:]...)
			return
		}
	}
}
