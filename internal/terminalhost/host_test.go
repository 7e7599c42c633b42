package terminalhost

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
)

func newTestHost(cfg Config) *Host {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return New(cfg, l)
}

func TestHostEnforcesPerHostCap(t *testing.T) {
	h := newTestHost(Config{MaxTerminalsPerHost: 1})

	term, err := h.CreateTerminal("alice", ShellSpec{Command: "/bin/sh"}, 80, 24)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	defer h.Close(term.ID, CloseReasonRequested)

	_, err = h.CreateTerminal("alice", ShellSpec{Command: "/bin/sh"}, 80, 24)
	if err == nil {
		t.Fatal("expected resource_limit error on second create")
	}
	if kind, ok := aetherr.KindOf(err); !ok || kind != aetherr.KindResourceLimit {
		t.Fatalf("error kind = %v (ok=%v), want resource_limit", kind, ok)
	}
}

func TestHostWriteOnUnknownTerminalIsNotFound(t *testing.T) {
	h := newTestHost(Config{})
	err := h.Write("does-not-exist", []byte("x"), "alice")
	if kind, ok := aetherr.KindOf(err); !ok || kind != aetherr.KindNotFound {
		t.Fatalf("error kind = %v (ok=%v), want not_found", kind, ok)
	}
}

func TestHostRemovesTerminalOnClose(t *testing.T) {
	h := newTestHost(Config{CloseGrace: 200 * time.Millisecond})
	term, err := h.CreateTerminal("alice", ShellSpec{Command: "/bin/sh"}, 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := h.Close(term.ID, CloseReasonRequested); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-term.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal never closed")
	}

	deadline := time.Now().Add(time.Second)
	for h.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Count() != 0 {
		t.Fatalf("host still tracks %d terminals after close", h.Count())
	}
}

func TestHostAttachReplaysCatchUpSnapshot(t *testing.T) {
	h := newTestHost(Config{})
	term, err := h.CreateTerminal("alice", ShellSpec{Command: "/bin/sh"}, 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close(term.ID, CloseReasonRequested)

	if err := h.Write(term.ID, []byte("echo snapshot-probe\n"), "alice"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !waitForOutput(t, mustAttach(t, h, term.ID), "snapshot-probe", 3*time.Second) {
		t.Fatal("first subscriber never saw output")
	}

	// A late subscriber should receive the prior output via its snapshot,
	// without needing the shell to print anything new.
	_, snapshot, err := h.Attach(term.ID, "conn-late", ModeRead)
	if err != nil {
		t.Fatalf("late attach: %v", err)
	}
	if len(snapshot) == 0 {
		t.Fatal("expected non-empty catch-up snapshot for late subscriber")
	}
}

func mustAttach(t *testing.T, h *Host, terminalID string) *Subscription {
	t.Helper()
	sub, _, err := h.Attach(terminalID, "conn-1", ModeRead)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return sub
}
