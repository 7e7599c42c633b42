package terminalhost

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/directive"
)

// State is a Terminal's position in the per-terminal state machine from
// spec §4.1: spawning -> running -> blocked -> running -> closing -> closed.
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateBlocked  State = "blocked"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// CloseReason explains why a Terminal transitioned to closing/closed.
type CloseReason string

const (
	CloseReasonRequested   CloseReason = "requested"
	CloseReasonShellExit   CloseReason = "shell_exit"
	CloseReasonPTYIOError  CloseReason = "pty_io_error"
	CloseReasonHostShutdown CloseReason = "host_shutdown"
)

// ShellSpec describes how to launch the PTY's child process.
type ShellSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// ClosedInfo is delivered once to Closed() observers when a Terminal
// finishes closing.
type ClosedInfo struct {
	Reason     CloseReason
	ExitStatus *int
}

// Terminal is the spec §3 Terminal entity: one PTY-backed process tree,
// its bounded output_ring, and the block_state enforced on writes to it.
//
// Directly descended from the teacher's TerminalSession
// (internal/terminalhost/legacy_session_manager_ref.go's predecessor,
// src/handler/terminal/terminal.go): the PTY spawn/kill/resize mechanics
// are the same, generalized with an explicit state machine, an owned
// output ring, and a subscription registry so TerminalHost need not keep
// any of that bookkeeping itself.
type Terminal struct {
	ID              string
	OwnerPrincipal  string
	CreatedAt       time.Time

	mu     sync.Mutex
	state  State
	cols   uint16
	rows   uint16
	block  *directive.Directive
	usePgrp bool

	ptmx *os.File
	cmd  *exec.Cmd

	ring *outputRing

	subMu sync.RWMutex
	subs  map[string]*Subscription

	inputCh chan []byte

	closedCh   chan struct{}
	closeOnce  sync.Once
	closedInfo ClosedInfo

	onUnblocked func(directiveID string)

	log *logrus.Entry
}

// newTerminal spawns the PTY-backed process and starts its pump goroutines.
func newTerminal(id, owner string, spec ShellSpec, cols, rows uint16, ringBytes int, onUnblocked func(string), log *logrus.Entry) (*Terminal, error) {
	shellPath := spec.Command
	if shellPath == "" {
		shellPath = os.Getenv("SHELL")
	}
	if shellPath == "" {
		shellPath = "/bin/sh"
	}

	cmd := exec.Command(shellPath, spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	t := &Terminal{
		ID:             id,
		OwnerPrincipal: owner,
		CreatedAt:      time.Now(),
		state:          StateSpawning,
		cols:           cols,
		rows:           rows,
		usePgrp:        usePgrp,
		ptmx:           ptmx,
		cmd:            cmd,
		ring:           newOutputRing(ringBytes),
		subs:           make(map[string]*Subscription),
		inputCh:        make(chan []byte, 256),
		closedCh:       make(chan struct{}),
		onUnblocked:    onUnblocked,
		log:            log.WithField("terminal_id", id),
	}

	t.mu.Lock()
	t.state = StateRunning
	t.mu.Unlock()

	go t.outputPump()
	go t.inputPump()
	go t.waitShell()

	return t, nil
}

// mergeEnv overlays overrides on top of a base environment (KEY=VALUE
// strings), matching the teacher's override-by-key merge in terminal.go.
func mergeEnv(base []string, overrides map[string]string) []string {
	taken := make(map[string]bool, len(overrides))
	for k := range overrides {
		taken[k] = true
	}
	out := make([]string, 0, len(base)+len(overrides)+1)
	for _, kv := range base {
		idx := -1
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				idx = i
				break
			}
		}
		if idx > 0 && taken[kv[:idx]] {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	out = append(out, "TERM=xterm-256color")
	return out
}

// outputPump is the spec §4.1 "Output pump algorithm": read fixed-size
// buffers from the PTY master, append to output_ring, fan out to every
// subscription non-blockingly.
func (t *Terminal) outputPump() {
	buf := make([]byte, 8*1024)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.ring.Write(chunk)
			t.broadcast(chunk)
		}
		if err != nil {
			if !isExpectedPTYClose(err) {
				t.log.WithError(err).Warn("pty read error")
				t.beginClose(CloseReasonPTYIOError, nil)
				return
			}
			t.beginClose(CloseReasonShellExit, nil)
			return
		}
	}
}

func (t *Terminal) broadcast(chunk []byte) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, sub := range t.subs {
		sub.deliver(chunk)
	}
}

// inputPump serializes writes to the PTY master through a single queue,
// giving strict per-connection FIFO input ordering (spec §5). Block
// enforcement happens earlier, synchronously in Write, so everything that
// reaches this channel is already cleared to reach the shell.
func (t *Terminal) inputPump() {
	for data := range t.inputCh {
		t.mu.Lock()
		ptmx := t.ptmx
		t.mu.Unlock()
		if ptmx != nil {
			_, _ = ptmx.Write(data)
		}
	}
}

// supervisorPrincipalSentinel marks writes sourced from a supervisor
// override rather than a connection's bound principal.
const supervisorPrincipalSentinel = "\x00supervisor"

// checkCtrlDUnlock implements the Ctrl+D unlock watch from spec §4.1: a
// 0x04 byte from the terminal's owner clears a ctrl_d-policy block. Called
// from Write while holding no lock of its own; block is the directive
// observed under t.mu at the point of the call.
func (t *Terminal) checkCtrlDUnlock(block *directive.Directive, sourcePrincipal string, data []byte) {
	if block.UnlockPolicy.Kind != directive.UnlockCtrlD || sourcePrincipal != t.OwnerPrincipal {
		return
	}
	for _, b := range data {
		if b == 0x04 {
			if t.ClearBlock(block.ID) && t.onUnblocked != nil {
				t.onUnblocked(block.ID)
			}
			return
		}
	}
}

func (t *Terminal) waitShell() {
	err := t.cmd.Wait()
	exit := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exit = ee.ExitCode()
		} else {
			exit = -1
		}
	}
	t.beginClose(CloseReasonShellExit, &exit)
}

// beginClose transitions closing -> closed exactly once, draining
// subscriptions and releasing PTY/process resources in the teardown order
// from spec §9 (subscriptions detach, then PTY closes, then ring drops).
func (t *Terminal) beginClose(reason CloseReason, exitStatus *int) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateClosing
		t.mu.Unlock()

		close(t.inputCh)

		t.subMu.Lock()
		for id, sub := range t.subs {
			sub.close()
			delete(t.subs, id)
		}
		t.subMu.Unlock()

		if t.ptmx != nil {
			_ = t.ptmx.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			if t.usePgrp {
				_ = syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL)
			} else {
				_ = t.cmd.Process.Kill()
			}
		}

		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()

		t.closedInfo = ClosedInfo{Reason: reason, ExitStatus: exitStatus}
		close(t.closedCh)
	})
}

// Close signals the shell (SIGHUP then SIGKILL after a grace period per
// spec §4.1), drains the PTY, and closes it. Safe to call multiple times.
func (t *Terminal) Close(reason CloseReason, grace time.Duration) {
	t.mu.Lock()
	alreadyClosing := t.state == StateClosing || t.state == StateClosed
	proc := t.cmd
	t.mu.Unlock()
	if alreadyClosing {
		return
	}

	if proc != nil && proc.Process != nil {
		_ = proc.Process.Signal(syscall.SIGHUP)
	}

	go func() {
		select {
		case <-t.closedCh:
		case <-time.After(grace):
			t.beginClose(reason, nil)
		}
	}()
}

// Closed returns a channel closed once the terminal has fully closed.
func (t *Terminal) Closed() <-chan struct{} { return t.closedCh }

// ClosedInfo returns the close reason/exit status once Closed() fires.
func (t *Terminal) ClosedInfo() ClosedInfo { return t.closedInfo }

// State returns the terminal's current state.
func (t *Terminal) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Write enqueues input bytes atomically per call (spec: "Writes are atomic
// per call"), returning immediately; actual delivery happens on inputPump.
// block_state is enforced here, synchronously, so a caller gets a blocked
// error back rather than having the bytes silently dropped downstream
// (spec §4.1 write() contract, §8 Scenario 3).
func (t *Terminal) Write(data []byte, sourcePrincipal string) error {
	t.mu.Lock()
	state := t.state
	block := t.block
	t.mu.Unlock()
	if state == StateClosing || state == StateClosed {
		return nil
	}

	if block != nil && sourcePrincipal != supervisorPrincipalSentinel {
		t.checkCtrlDUnlock(block, sourcePrincipal, data)
		return aetherr.Wrap(aetherr.KindBlocked, "terminal %s is blocked", t.ID)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case t.inputCh <- cp:
	default:
		// input queue saturated; drop rather than block the caller, the
		// PTY side is presumably stalled.
	}
	return nil
}

// Resize updates the PTY window size; idempotent when dimensions already
// match (spec §4.1, §8 "Idempotent resize").
func (t *Terminal) Resize(cols, rows uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed || t.state == StateClosing {
		return nil
	}
	if t.cols == cols && t.rows == rows {
		return nil
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}
	t.cols, t.rows = cols, rows
	return nil
}

// Dimensions returns the terminal's current column/row size.
func (t *Terminal) Dimensions() (cols, rows uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// SetBlock installs a block directive, transitioning running -> blocked.
func (t *Terminal) SetBlock(d *directive.Directive) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning {
		t.state = StateBlocked
	}
	t.block = d
}

// ClearBlock removes the active directive if its id matches, transitioning
// blocked -> running. Returns true if a block was actually cleared.
func (t *Terminal) ClearBlock(directiveID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.block == nil || t.block.ID != directiveID {
		return false
	}
	t.block = nil
	if t.state == StateBlocked {
		t.state = StateRunning
	}
	return true
}

// BlockState returns the active directive, or nil if unblocked.
func (t *Terminal) BlockState() *directive.Directive {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.block
}

// Attach registers a new Subscription, delivering a catch-up snapshot from
// output_ring before the caller starts reading Data() (spec §4.1 "attach").
func (t *Terminal) Attach(subID, connectionID string, mode Mode, highWater, lowWater int) (*Subscription, []byte) {
	sub := newSubscription(subID, connectionID, t.ID, mode, highWater, lowWater)
	t.subMu.Lock()
	t.subs[subID] = sub
	t.subMu.Unlock()
	return sub, t.ring.Snapshot()
}

// Detach removes a subscription.
func (t *Terminal) Detach(subID string) {
	t.subMu.Lock()
	sub, ok := t.subs[subID]
	if ok {
		delete(t.subs, subID)
	}
	t.subMu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (t *Terminal) SubscriberCount() int {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	return len(t.subs)
}

// isExpectedPTYClose reports whether err is the ordinary "shell exited,
// slave side hung up" shape — io.EOF, or EIO, the kernel's signal that a
// PTY master has no slave left to read from — rather than a genuine I/O
// failure (EBADF, ENXIO, a device-level error) that spec §4.1 requires
// surfacing as pty_io_error instead of an ordinary shell exit.
func isExpectedPTYClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EIO
	}
	return false
}
