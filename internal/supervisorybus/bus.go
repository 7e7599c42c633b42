// Package supervisorybus implements the SupervisoryBus component from
// spec §4.4: an outbound WebSocket client that connects this host to an
// authority, receives BlockDirectives in authority-assigned order, and
// applies them to SessionFabric.
//
// No teacher analogue exists for an outbound, self-reconnecting control
// channel — blaxel-ai-sandbox only ever accepts connections. Grounded
// instead on ehrlich-b-wingthing's internal/ws.Client: the same
// connect/register/read-loop/reconnect-with-backoff shape, reimplemented
// over gorilla/websocket (this module's transport library throughout)
// rather than coder/websocket.
package supervisorybus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/directive"
	"github.com/aetherterm/aetherterm-core/internal/sessionfabric"
	"github.com/aetherterm/aetherterm-core/internal/wire"
)

// Config bounds a Bus's connection to its authority, spec §6.
type Config struct {
	SupervisorURL       string
	HostID              string
	ReconnectBackoffMax time.Duration
	HeartbeatInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectBackoffMax <= 0 {
		c.ReconnectBackoffMax = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Bus is one host's connection to its supervisory authority. A zero-value
// SupervisorURL means no authority is configured; Run returns immediately
// in that case, matching spec §6's optional supervisor_url.
type Bus struct {
	cfg    Config
	fabric *sessionfabric.Fabric
	log    *logrus.Entry

	nextMsgID atomic.Uint64

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	outbound  chan []byte

	directives *registry
}

// New constructs a Bus bound to fabric. Call Run to start the connection
// loop and OnUnblocked on the owning TerminalHost to wire ctrl_d-originated
// unblocks back through ReportUnblock.
func New(cfg Config, fabric *sessionfabric.Fabric, log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.New()
	}
	return &Bus{
		cfg:        cfg.withDefaults(),
		fabric:     fabric,
		log:        log.WithField("component", "supervisorybus"),
		directives: newRegistry(),
	}
}

// Run dials the authority and services the connection until ctx is
// cancelled, reconnecting with exponential backoff on every failure. It
// is a no-op returning nil if no supervisor_url was configured.
func (b *Bus) Run(ctx context.Context) error {
	if b.cfg.SupervisorURL == "" {
		b.log.Info("no supervisor_url configured, running without a supervisory authority")
		return nil
	}

	bo := newBackoff(b.cfg.ReconnectBackoffMax)
	for {
		connected, err := b.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.reset()
		}
		delay := bo.next()
		b.log.WithError(err).WithField("retry_in", delay).Warn("supervisory bus disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *Bus) connectAndServe(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, b.cfg.SupervisorURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	connected = true

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.outbound = make(chan []byte, 64)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.connected = false
		b.conn = nil
		b.mu.Unlock()
	}()

	writerDone := make(chan struct{})
	go b.writePump(conn, writerDone)
	defer func() { <-writerDone }()

	if err := b.register(); err != nil {
		conn.Close()
		return connected, err
	}
	if err := b.requestSync(); err != nil {
		conn.Close()
		return connected, err
	}

	b.log.Info("supervisory bus connected")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			close(b.outbound)
			return connected, err
		}
		msg, err := wire.DecodeSupervisory(raw)
		if err != nil {
			b.log.WithError(err).Warn("malformed supervisory frame")
			continue
		}
		b.dispatch(msg)
	}
}

// writePump is the bus's sole writer goroutine: gorilla/websocket requires
// a single writer per connection, mirroring edgegateway.Connection.writePump.
func (b *Bus) writePump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-b.outbound:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Bus) send(kind string, payload any) error {
	frame, err := wire.MarshalSupervisory(b.nextMsgID.Add(1), kind, payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	ch := b.outbound
	b.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case ch <- frame:
	default:
		b.log.Warn("supervisory outbound queue overflow, dropping frame")
	}
	return nil
}

func (b *Bus) register() error {
	return b.send(wire.SupervisoryKindRegister, wire.RegisterPayload{
		HostID:      b.cfg.HostID,
		TerminalIDs: b.fabric.TerminalIDs(),
	})
}

func (b *Bus) requestSync() error {
	return b.send(wire.SupervisoryKindSyncRequest, struct{}{})
}

var dispatchTable = map[string]func(*Bus, wire.SupervisoryMessage){
	wire.SupervisoryKindDirective:    (*Bus).handleDirective,
	wire.SupervisoryKindSyncResponse: (*Bus).handleSyncResponse,
}

func (b *Bus) dispatch(msg wire.SupervisoryMessage) {
	handler, ok := dispatchTable[msg.Kind]
	if !ok {
		b.log.WithField("kind", msg.Kind).Warn("unknown supervisory message kind")
		return
	}
	handler(b, msg)
}

func (b *Bus) handleDirective(msg wire.SupervisoryMessage) {
	var p wire.DirectivePayload
	if err := msg.DecodePayload(&p); err != nil {
		b.log.WithError(err).Warn("malformed directive payload")
		return
	}
	if p.Cleared {
		b.applyClear(p.WorkspaceID, p.DirectiveID)
		return
	}
	b.applySet(directivePayloadToDirective(p), p.WorkspaceID)
}

func (b *Bus) handleSyncResponse(msg wire.SupervisoryMessage) {
	var p wire.SyncResponsePayload
	if err := msg.DecodePayload(&p); err != nil {
		b.log.WithError(err).Warn("malformed sync_response payload")
		return
	}
	b.log.WithField("count", len(p.Directives)).Info("reconciling directive set from authority")
	for _, dp := range p.Directives {
		b.applySet(directivePayloadToDirective(dp), dp.WorkspaceID)
	}
}

// applySet installs a directive into every workspace its scope reaches and
// arms a fail-open timer if its unlock policy calls for one.
func (b *Bus) applySet(d *directive.Directive, explicitWorkspace string) {
	workspaceIDs := []string{explicitWorkspace}
	if d.Scope == directive.ScopeAll {
		workspaceIDs = b.fabric.Workspaces()
	}
	for _, wsID := range workspaceIDs {
		if wsID == "" {
			continue
		}
		if err := b.fabric.SetBlock(wsID, d); err != nil {
			b.log.WithError(err).WithField("workspace_id", wsID).Warn("failed to apply directive")
			continue
		}
	}
	b.directives.put(d, workspaceIDs)
	b.armFailOpen(d, workspaceIDs)
	_ = b.send(wire.SupervisoryKindAck, wire.AckPayload{DirectiveID: d.ID, HostID: b.cfg.HostID})
}

func (b *Bus) applyClear(workspaceID, directiveID string) {
	workspaceIDs := b.directives.workspacesFor(directiveID)
	if workspaceID != "" {
		workspaceIDs = append(workspaceIDs, workspaceID)
	}
	for _, wsID := range workspaceIDs {
		if err := b.fabric.ClearBlock(wsID, directiveID); err != nil {
			b.log.WithError(err).WithField("workspace_id", wsID).Warn("failed to clear directive")
		}
	}
	b.directives.remove(directiveID)
}

func (b *Bus) armFailOpen(d *directive.Directive, workspaceIDs []string) {
	if d.UnlockPolicy.Kind != directive.UnlockTimeout || d.UnlockPolicy.Timeout <= 0 {
		return
	}
	b.directives.arm(d.ID, d.UnlockPolicy.Timeout, func() {
		b.log.WithField("directive_id", d.ID).Warn("unlock_policy timeout elapsed, failing open")
		for _, wsID := range workspaceIDs {
			_ = b.fabric.ClearBlock(wsID, d.ID)
		}
		b.directives.remove(d.ID)
		_ = b.send(wire.SupervisoryKindUnblockRequest, wire.UnblockPayload{DirectiveID: d.ID, HostID: b.cfg.HostID})
	})
}

// ReportUnblock tells the authority a directive cleared locally without
// its involvement — currently only the Ctrl+D unlock path, wired via
// TerminalHost.OnUnblocked. The terminal id is informational; directives
// are tracked and cleared by id, not by terminal.
func (b *Bus) ReportUnblock(terminalID, directiveID string) {
	b.directives.remove(directiveID)
	_ = b.send(wire.SupervisoryKindUnblockRequest, wire.UnblockPayload{DirectiveID: directiveID, HostID: b.cfg.HostID})
}

func directivePayloadToDirective(p wire.DirectivePayload) *directive.Directive {
	return &directive.Directive{
		ID:              p.DirectiveID,
		Scope:           directive.Scope(p.Scope),
		WorkspaceID:     p.WorkspaceID,
		TerminalID:      p.TerminalID,
		Reason:          p.Reason,
		SourcePrincipal: p.SourcePrincipal,
		IssuedAt:        time.Now(),
		UnlockPolicy: directive.UnlockPolicy{
			Kind:    directive.UnlockPolicyKind(p.UnlockPolicyKind),
			Timeout: time.Duration(p.UnlockTimeoutMs) * time.Millisecond,
		},
		AuthorityOrder: p.AuthorityOrder,
	}
}
