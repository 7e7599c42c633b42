package sessionfabric

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/terminalhost"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	host := terminalhost.New(terminalhost.Config{}, l)
	return New(Config{RequestTimeout: 5 * time.Second}, host, l)
}

func TestWorkspaceOpenAndTabCreateSeedsInitialPane(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()
	owner := NewPrincipal("alice", "Alice", RoleOwner)

	wsID, err := f.WorkspaceOpen(ctx, owner)
	if err != nil {
		t.Fatalf("workspace_open: %v", err)
	}

	tab, err := f.TabCreate(ctx, owner, wsID, TabTerminal, "")
	if err != nil {
		t.Fatalf("tab_create: %v", err)
	}
	if len(tab.Panes) != 1 {
		t.Fatalf("expected 1 initial pane, got %d", len(tab.Panes))
	}
	if !tab.Panes[0].Active {
		t.Fatal("initial pane should be active")
	}
	if tab.Panes[0].Rect != (Rect{X: 0, Y: 0, W: 100, H: 100}) {
		t.Fatalf("initial pane rect = %+v, want full tab", tab.Panes[0].Rect)
	}
}

func TestPaneSplitTilesDeterministically(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()
	owner := NewPrincipal("alice", "Alice", RoleOwner)

	wsID, _ := f.WorkspaceOpen(ctx, owner)
	tab, _ := f.TabCreate(ctx, owner, wsID, TabTerminal, "")
	p1 := tab.Panes[0]

	p2, err := f.PaneSplit(ctx, owner, wsID, p1.ID, "horizontal")
	if err != nil {
		t.Fatalf("pane_split: %v", err)
	}

	if p2.Rect != (Rect{X: 50, Y: 0, W: 50, H: 100}) {
		t.Fatalf("new pane rect = %+v, want right half", p2.Rect)
	}

	state, err := f.WorkspaceResume(ctx, owner, wsID)
	if err != nil {
		t.Fatalf("workspace_resume: %v", err)
	}
	var p1After *struct{ W, H float64 }
	for _, ts := range state.Tabs {
		for _, ps := range ts.Panes {
			if ps.PaneID == p1.ID {
				p1After = &struct{ W, H float64 }{ps.Rect.W, ps.Rect.H}
			}
		}
	}
	if p1After == nil || p1After.W != 50 || p1After.H != 100 {
		t.Fatalf("original pane after split = %+v, want {50 100}", p1After)
	}
}

func TestPaneCloseLastPaneClosesTab(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()
	owner := NewPrincipal("alice", "Alice", RoleOwner)

	wsID, _ := f.WorkspaceOpen(ctx, owner)
	tab, _ := f.TabCreate(ctx, owner, wsID, TabTerminal, "")
	p1 := tab.Panes[0]

	// A subscribed connection keeps the workspace alive once its last tab
	// closes, so it can still be resumed and inspected below.
	unsubscribe, err := f.Subscribe(wsID, "conn-1", nopSubscriber{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if err := f.PaneClose(ctx, owner, wsID, p1.ID); err != nil {
		t.Fatalf("pane_close: %v", err)
	}

	state, err := f.WorkspaceResume(ctx, owner, wsID)
	if err != nil {
		t.Fatalf("workspace_resume: %v", err)
	}
	if len(state.Tabs) != 0 {
		t.Fatalf("expected tab to be closed along with its last pane, got %d tabs", len(state.Tabs))
	}
}

// nopSubscriber stands in for a connection that has joined a workspace.
type nopSubscriber struct{}

func (nopSubscriber) Notify(Event) {}

func TestObserverCannotCreateTab(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()
	owner := NewPrincipal("alice", "Alice", RoleOwner)
	observer := NewPrincipal("bob", "Bob", RoleObserver)

	wsID, _ := f.WorkspaceOpen(ctx, owner)

	_, err := f.TabCreate(ctx, observer, wsID, TabTerminal, "")
	if kind, ok := aetherr.KindOf(err); !ok || kind != aetherr.KindUnauthorized {
		t.Fatalf("error kind = %v (ok=%v), want unauthorized", kind, ok)
	}
}

func TestTerminalCreateAndInputEndToEnd(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()
	owner := NewPrincipal("alice", "Alice", RoleOwner)

	wsID, _ := f.WorkspaceOpen(ctx, owner)
	tab, _ := f.TabCreate(ctx, owner, wsID, TabTerminal, "")
	p1 := tab.Panes[0]

	termID, err := f.TerminalCreate(ctx, owner, wsID, p1.ID, terminalhost.ShellSpec{Command: "/bin/sh"}, 80, 24)
	if err != nil {
		t.Fatalf("terminal_create: %v", err)
	}
	if termID == "" {
		t.Fatal("expected non-empty terminal id")
	}

	sub, _, _, err := f.Attach(ctx, owner, wsID, p1.ID, "conn-1", terminalhost.ModeRead)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := f.TerminalInput(ctx, owner, wsID, p1.ID, []byte("echo fabric-probe\n")); err != nil {
		t.Fatalf("terminal_input: %v", err)
	}

	deadline := time.After(3 * time.Second)
	found := false
	for !found {
		select {
		case chunk := <-sub.Data():
			if bytes.Contains(chunk, []byte("fabric-probe")) {
				found = true
			}
		case <-deadline:
			t.Fatal("never observed echoed output")
		}
	}
}

func TestAddressParseRoundTrip(t *testing.T) {
	cases := []string{
		"workspace:w1",
		"workspace:w1:tab:t1",
		"workspace:w1:tab:t1:pane:p1",
		"workspace:w1:tab:t1:pane:p1:terminal:input",
	}
	for _, s := range cases {
		addr, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", s, err)
		}
		if addr.String() != s {
			t.Fatalf("round trip = %q, want %q", addr.String(), s)
		}
	}
}

func TestAddressParseRejectsFlatForm(t *testing.T) {
	if _, err := ParseAddress("terminal:data"); err == nil {
		t.Fatal("expected flat legacy form to be rejected")
	}
}
