package terminalhost

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/directive"
)

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l.WithField("test", true)
}

func TestTerminalEchoesInputAndClosesOnExit(t *testing.T) {
	term, err := newTerminal("term-1", "alice", ShellSpec{Command: "/bin/sh"}, 80, 24, 4096, nil, newTestLogger())
	if err != nil {
		t.Fatalf("newTerminal: %v", err)
	}
	defer term.Close(CloseReasonRequested, 2*time.Second)

	sub, _ := term.Attach("sub-1", "conn-1", ModeRead, 0, 0)

	if err := term.Write([]byte("echo hello-aether\n"), "alice"); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !waitForOutput(t, sub, "hello-aether", 3*time.Second) {
		t.Fatal("never saw echoed output")
	}

	if err := term.Write([]byte("exit\n"), "alice"); err != nil {
		t.Fatalf("write exit: %v", err)
	}

	select {
	case <-term.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("terminal never closed after shell exit")
	}
	if term.State() != StateClosed {
		t.Fatalf("state = %s, want closed", term.State())
	}
}

func TestTerminalResizeIsIdempotent(t *testing.T) {
	term, err := newTerminal("term-2", "alice", ShellSpec{Command: "/bin/sh"}, 80, 24, 4096, nil, newTestLogger())
	if err != nil {
		t.Fatalf("newTerminal: %v", err)
	}
	defer term.Close(CloseReasonRequested, 2*time.Second)

	if err := term.Resize(80, 24); err != nil {
		t.Fatalf("resize to same size: %v", err)
	}
	cols, rows := term.Dimensions()
	if cols != 80 || rows != 24 {
		t.Fatalf("dimensions = %d x %d, want 80x24", cols, rows)
	}

	if err := term.Resize(120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
	cols, rows = term.Dimensions()
	if cols != 120 || rows != 40 {
		t.Fatalf("dimensions after resize = %d x %d, want 120x40", cols, rows)
	}
}

func TestTerminalBlockedInputIsDroppedUntilCleared(t *testing.T) {
	term, err := newTerminal("term-3", "alice", ShellSpec{Command: "/bin/sh"}, 80, 24, 4096, nil, newTestLogger())
	if err != nil {
		t.Fatalf("newTerminal: %v", err)
	}
	defer term.Close(CloseReasonRequested, 2*time.Second)

	sub, _ := term.Attach("sub-2", "conn-1", ModeRead, 0, 0)

	d := &directive.Directive{
		ID:              "d-1",
		Scope:           directive.ScopeTerminal,
		TerminalID:      "term-3",
		SourcePrincipal: "supervisor-1",
		UnlockPolicy:    directive.UnlockPolicy{Kind: directive.UnlockCtrlD},
	}
	term.SetBlock(d)
	if term.State() != StateBlocked {
		t.Fatalf("state = %s, want blocked", term.State())
	}

	err = term.Write([]byte("echo should-not-run\n"), "alice")
	if kind, ok := aetherr.KindOf(err); !ok || kind != aetherr.KindBlocked {
		t.Fatalf("write on blocked terminal: err=%v kind=%v ok=%v, want KindBlocked", err, kind, ok)
	}
	if waitForOutput(t, sub, "should-not-run", 500*time.Millisecond) {
		t.Fatal("blocked input reached the shell")
	}

	// Ctrl+D from the owning principal clears the block; the write itself
	// still reports blocked since the unlock takes effect for subsequent
	// writes, not retroactively for this one.
	err = term.Write([]byte{0x04}, "alice")
	if kind, ok := aetherr.KindOf(err); !ok || kind != aetherr.KindBlocked {
		t.Fatalf("write ctrl-d: err=%v kind=%v ok=%v, want KindBlocked", err, kind, ok)
	}
	deadline := time.Now().Add(time.Second)
	for term.State() == StateBlocked && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if term.State() != StateRunning {
		t.Fatalf("state after ctrl-d = %s, want running", term.State())
	}
}

func waitForOutput(t *testing.T, sub *Subscription, want string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.After(timeout)
	var seen strings.Builder
	for {
		select {
		case chunk := <-sub.Data():
			seen.Write(chunk)
			if strings.Contains(seen.String(), want) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
