// Package terminalhost owns PTY-backed process lifecycles: spawning shells,
// pumping their input/output, enforcing block directives, and fanning out
// output to subscribers through a bounded ring buffer and back-pressured
// subscriptions.
//
// Grounded on the teacher's (blaxel-ai-sandbox/sandbox-api) terminal session
// manager: github.com/creack/pty spawn/resize/kill mechanics carry over
// directly; the subscriber registry, broadcast loop and buffer are
// generalized into Subscription/outputRing with the lagging/gap behavior
// spec §4.1 requires and the teacher does not have.
package terminalhost

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/directive"
)

// Config bounds a Host's resource usage, spec §6 bind/limit options.
type Config struct {
	MaxTerminalsPerHost   int
	OutputRingBytes       int
	SubscriptionHighWater int
	SubscriptionLowWater  int
	CloseGrace            time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTerminalsPerHost <= 0 {
		c.MaxTerminalsPerHost = 256
	}
	if c.OutputRingBytes <= 0 {
		c.OutputRingBytes = 64 * 1024
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 3 * time.Second
	}
	return c
}

// Host is the TerminalHost component from spec §4.1: it owns every
// Terminal's full lifecycle on this process and is constructed explicitly
// by cmd/aetherterm-core/main.go, rather than reached as a package-level
// singleton the way the teacher's session manager was.
type Host struct {
	cfg Config
	log *logrus.Entry

	mu        sync.RWMutex
	terminals map[string]*Terminal

	onUnblocked func(terminalID, directiveID string)
}

// New constructs a Host. cfg is defaulted in place.
func New(cfg Config, log *logrus.Logger) *Host {
	if log == nil {
		log = logrus.New()
	}
	return &Host{
		cfg:       cfg.withDefaults(),
		log:       log.WithField("component", "terminalhost"),
		terminals: make(map[string]*Terminal),
	}
}

// OnUnblocked registers a callback fired whenever a terminal's block clears
// by a path other than an explicit Host.ClearBlock call — currently just
// the Ctrl+D local unlock. SupervisoryBus uses this to report the clear
// upstream to the authority that issued it.
func (h *Host) OnUnblocked(cb func(terminalID, directiveID string)) {
	h.mu.Lock()
	h.onUnblocked = cb
	h.mu.Unlock()
}

// CreateTerminal spawns a new PTY-backed process, enforcing the per-host
// terminal cap from spec §4.1 ("resource_limit" edge case).
func (h *Host) CreateTerminal(owner string, spec ShellSpec, cols, rows uint16) (*Terminal, error) {
	h.mu.Lock()
	if len(h.terminals) >= h.cfg.MaxTerminalsPerHost {
		h.mu.Unlock()
		return nil, aetherr.Wrap(aetherr.KindResourceLimit, "terminal host at capacity (%d)", h.cfg.MaxTerminalsPerHost)
	}
	h.mu.Unlock()

	id := uuid.NewString()
	onUnblocked := func(directiveID string) {
		h.mu.RLock()
		cb := h.onUnblocked
		h.mu.RUnlock()
		if cb != nil {
			cb(id, directiveID)
		}
	}
	t, err := newTerminal(id, owner, spec, cols, rows, h.cfg.OutputRingBytes, onUnblocked, h.log)
	if err != nil {
		return nil, aetherr.Wrap(aetherr.KindSpawnFailed, "spawn pty: %v", err)
	}

	h.mu.Lock()
	h.terminals[id] = t
	h.mu.Unlock()

	go func() {
		<-t.Closed()
		h.mu.Lock()
		delete(h.terminals, id)
		h.mu.Unlock()
	}()

	h.log.WithFields(logrus.Fields{"terminal_id": id, "owner": owner}).Info("terminal created")
	return t, nil
}

// Get returns a live terminal by id.
func (h *Host) Get(id string) (*Terminal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.terminals[id]
	return t, ok
}

// Write forwards input bytes to a terminal, returning KindNotFound if it no
// longer exists.
func (h *Host) Write(id string, data []byte, sourcePrincipal string) error {
	t, ok := h.Get(id)
	if !ok {
		return aetherr.Wrap(aetherr.KindNotFound, "terminal %s not found", id)
	}
	return t.Write(data, sourcePrincipal)
}

// Resize forwards a resize to a terminal.
func (h *Host) Resize(id string, cols, rows uint16) error {
	t, ok := h.Get(id)
	if !ok {
		return aetherr.Wrap(aetherr.KindNotFound, "terminal %s not found", id)
	}
	return t.Resize(cols, rows)
}

// Close begins closing a terminal with the host's configured grace period.
func (h *Host) Close(id string, reason CloseReason) error {
	t, ok := h.Get(id)
	if !ok {
		return aetherr.Wrap(aetherr.KindNotFound, "terminal %s not found", id)
	}
	t.Close(reason, h.cfg.CloseGrace)
	return nil
}

// Attach subscribes a connection to a terminal's output, returning the
// catch-up snapshot to replay before streaming Data().
func (h *Host) Attach(terminalID, connectionID string, mode Mode) (*Subscription, []byte, error) {
	t, ok := h.Get(terminalID)
	if !ok {
		return nil, nil, aetherr.Wrap(aetherr.KindNotFound, "terminal %s not found", terminalID)
	}
	subID := uuid.NewString()
	sub, snapshot := t.Attach(subID, connectionID, mode, h.cfg.SubscriptionHighWater, h.cfg.SubscriptionLowWater)
	return sub, snapshot, nil
}

// Detach removes a subscription from its terminal.
func (h *Host) Detach(terminalID, subID string) {
	if t, ok := h.Get(terminalID); ok {
		t.Detach(subID)
	}
}

// SetBlock applies a directive to every terminal it targets (spec §4.1
// set_block: scope all/workspace/terminal resolved by the caller before
// reaching here — Host only knows terminal ids, so SessionFabric passes the
// already-resolved set).
func (h *Host) SetBlock(terminalIDs []string, d *directive.Directive) {
	for _, id := range terminalIDs {
		if t, ok := h.Get(id); ok {
			t.SetBlock(d)
		}
	}
}

// ClearBlock removes a directive (by id) from every terminal it targets.
func (h *Host) ClearBlock(terminalIDs []string, directiveID string) {
	for _, id := range terminalIDs {
		if t, ok := h.Get(id); ok {
			t.ClearBlock(directiveID)
		}
	}
}

// Count returns the number of live terminals, for /debug and capacity
// checks.
func (h *Host) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.terminals)
}

// Shutdown closes every terminal, used on process shutdown.
func (h *Host) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.terminals))
	for id := range h.terminals {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		t, ok := h.Get(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(t *Terminal) {
			defer wg.Done()
			t.Close(CloseReasonHostShutdown, h.cfg.CloseGrace)
			<-t.Closed()
		}(t)
	}
	wg.Wait()
}
