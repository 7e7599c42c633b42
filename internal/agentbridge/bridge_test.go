package agentbridge

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/sessionfabric"
	"github.com/aetherterm/aetherterm-core/internal/terminalhost"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	host := terminalhost.New(terminalhost.Config{}, l)
	fabric := sessionfabric.New(sessionfabric.Config{RequestTimeout: 5 * time.Second}, host, l)
	return New(fabric, l)
}

func TestRegisterAssignsPrincipalIDWhenOmitted(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	id, wsID, err := b.Register(ctx, "", "observer-agent", []string{"terminal_input"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id == "" {
		t.Fatal("expected a server-assigned principal id")
	}
	if wsID == "" {
		t.Fatal("expected a workspace id")
	}
}

func TestRegisterHonorsCallerSuppliedID(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	id, wsID, err := b.Register(ctx, "agent-1", "Agent One", []string{"terminal_input"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != "agent-1" {
		t.Fatalf("id = %q, want agent-1", id)
	}

	id2, wsID2, err := b.Register(ctx, "agent-1", "Agent One Renamed", []string{"terminal_input", "pane_split"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if id2 != id || wsID2 != wsID {
		t.Fatalf("re-registering agent-1 should reuse its workspace, got id=%q ws=%q", id2, wsID2)
	}
}

func TestCreatePaneThenInjectAndObserveOutput(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	id, _, err := b.Register(ctx, "", "", []string{"tab_create", "pane_split", "terminal_create", "terminal_input", "attach_read", "workspace_resume"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pane, err := b.CreatePane(ctx, id, "")
	if err != nil {
		t.Fatalf("create_pane: %v", err)
	}
	if pane.ID == "" {
		t.Fatal("expected a pane id")
	}

	if err := b.InjectInput(ctx, id, pane.ID, []byte("echo hi\n")); err != nil {
		t.Fatalf("inject_input: %v", err)
	}

	out, err := b.ObserveOutput(ctx, id, pane.ID)
	if err != nil {
		t.Fatalf("observe_output: %v", err)
	}
	_ = out // shell output timing is not deterministic in a test environment

	pane2, err := b.CreatePane(ctx, id, "vertical")
	if err != nil {
		t.Fatalf("second create_pane (split): %v", err)
	}
	if pane2.ID == pane.ID {
		t.Fatal("expected a distinct pane from the split")
	}
}

func TestSubscribeReceivesPaneEvents(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	id, wsID, err := b.Register(ctx, "", "", []string{"tab_create", "pane_split"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	events, unsubscribe, err := b.Subscribe(id, "workspace:"+wsID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	pane, err := b.CreatePane(ctx, id, "")
	if err != nil {
		t.Fatalf("create_pane: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Address.WorkspaceID != wsID {
			t.Fatalf("event workspace = %q, want %q", ev.Address.WorkspaceID, wsID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tab_create event")
	}
	_ = pane
}

func TestEmitPublishesAIAgentEvent(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	id, wsID, err := b.Register(ctx, "", "", []string{"tab_create", "pane_split"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	pane, err := b.CreatePane(ctx, id, "")
	if err != nil {
		t.Fatalf("create_pane: %v", err)
	}

	events, unsubscribe, err := b.Subscribe(id, "workspace:"+wsID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if err := b.Emit(ctx, id, pane.ID, "plan_step", map[string]any{"step": 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Name != "ai_agent:plan_step" {
			t.Fatalf("event name = %q, want ai_agent:plan_step", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emitted event")
	}
}

func TestInjectInputUnknownAgentFails(t *testing.T) {
	b := newTestBridge(t)
	if err := b.InjectInput(context.Background(), "ghost", "pane-1", []byte("x")); err == nil {
		t.Fatal("expected an error for an unregistered agent")
	}
}
