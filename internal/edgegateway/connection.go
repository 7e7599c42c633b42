package edgegateway

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/sessionfabric"
	"github.com/aetherterm/aetherterm-core/internal/terminalhost"
	"github.com/aetherterm/aetherterm-core/internal/wire"
)

const defaultShell = "/bin/bash"

// attachment tracks one pane's bound terminal subscription for a
// connection, so terminal:data/gap streaming survives a workspace:resume
// reattach and is cleanly torn down on pane/terminal close or disconnect.
type attachment struct {
	sub   *terminalhost.Subscription
	tabID string
}

// Connection is one browser or shell-wrapper WebSocket connection, the
// direct descendant of the teacher's TerminalHandler.HandleTerminalWS
// (terminal_ws_ref.go) generalized from a single PTY session to the full
// workspace/tab/pane/terminal wire protocol.
type Connection struct {
	id        string
	cfg       Config
	fabric    *sessionfabric.Fabric
	principal sessionfabric.Principal
	conn      *websocket.Conn
	log       *logrus.Entry

	inputLimiter *rate.Limiter
	outbound     chan []byte
	missedPongs  int32

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	joined      map[string]func()
	attachments map[string]*attachment // keyed by pane id
}

func newConnection(cfg Config, fabric *sessionfabric.Fabric, principal sessionfabric.Principal, conn *websocket.Conn, log *logrus.Entry) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:           id,
		cfg:          cfg,
		fabric:       fabric,
		principal:    principal,
		conn:         conn,
		log:          log.WithFields(logrus.Fields{"connection_id": id, "principal_id": principal.ID}),
		inputLimiter: rate.NewLimiter(rate.Limit(cfg.InputRateLimitPerSec), cfg.InputRateBurst),
		outbound:     make(chan []byte, cfg.OutboundQueueSize),
		done:         make(chan struct{}),
		joined:       make(map[string]func()),
		attachments:  make(map[string]*attachment),
	}
}

var eventHandlers = map[string]func(*Connection, wire.Envelope){
	wire.EventWorkspaceOpen:   (*Connection).handleWorkspaceOpen,
	wire.EventWorkspaceResume: (*Connection).handleWorkspaceResume,
	wire.EventTabCreate:       (*Connection).handleTabCreate,
	wire.EventTabSwitch:       (*Connection).handleTabSwitch,
	wire.EventTabClose:        (*Connection).handleTabClose,
	wire.EventPaneSplit:       (*Connection).handlePaneSplit,
	wire.EventPaneClose:       (*Connection).handlePaneClose,
	wire.EventPaneAttach:      (*Connection).handlePaneAttach,
	wire.EventPaneDetach:      (*Connection).handlePaneDetach,
	wire.EventTerminalCreate:  (*Connection).handleTerminalCreate,
	wire.EventTerminalInput:   (*Connection).handleTerminalInput,
	wire.EventTerminalResize:  (*Connection).handleTerminalResize,
	wire.EventTerminalClose:   (*Connection).handleTerminalClose,
}

func (c *Connection) readDeadline() time.Duration {
	return c.cfg.HeartbeatInterval * time.Duration(c.cfg.MaxMissedPongs+1)
}

// run pumps inbound frames and blocks until the connection ends. Mirrors
// terminal_ws_ref.go's HandleTerminalWS: a dedicated write-side goroutine
// plus a read loop that decodes and dispatches.
func (c *Connection) run() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
	c.conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&c.missedPongs, 0)
		c.conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
		return nil
	})

	go c.writePump()

	c.log.Info("connection established")
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("connection read loop ended")
			return
		}

		env, err := wire.Decode(raw)
		if err != nil {
			c.log.WithError(err).Warn("malformed frame")
			continue
		}

		if env.Event == wire.EventTerminalInput && !c.inputLimiter.Allow() {
			c.sendResponse(env, aetherr.Wrap(aetherr.KindResourceLimit, "input rate exceeded"), nil)
			continue
		}

		handler, ok := eventHandlers[env.Event]
		if !ok {
			c.sendResponse(env, aetherr.Wrap(aetherr.KindInvalidState, "unknown event %q", env.Event), nil)
			continue
		}
		handler(c, env)
	}
}

// writePump is the connection's sole writer goroutine: gorilla/websocket
// requires writes be single-threaded per connection, so both outbound
// frames and heartbeat pings flow through here.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.WithError(err).Debug("write failed")
				go c.Close()
				return
			}
		case <-ticker.C:
			if int(atomic.AddInt32(&c.missedPongs, 1)) > c.cfg.MaxMissedPongs {
				c.log.Warn("heartbeat missed too many times, closing connection")
				go c.Close()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears down the connection: every joined workspace's event
// subscription and every pane attachment's terminal subscription.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		joined := c.joined
		attachments := c.attachments
		c.joined = nil
		c.attachments = nil
		c.mu.Unlock()

		for _, unsub := range joined {
			unsub()
		}
		for _, att := range attachments {
			c.fabric.Detach(att.sub.TerminalID, att.sub.ID)
		}
		c.log.Info("connection closed")
	})
}

// send queues a pre-encoded frame for delivery without blocking. A full
// queue means a slow consumer; per spec §5 back-pressure policy a lagging
// subscriber is isolated and never allowed to block others, and a
// connection this far behind is treated as transport_lost.
func (c *Connection) send(frame []byte) bool {
	select {
	case c.outbound <- frame:
		return true
	default:
		c.log.Warn("outbound queue overflow, closing connection")
		go c.Close()
		return false
	}
}

func (c *Connection) sendEnvelope(event, address, requestID string, payload any) bool {
	frame, err := wire.Marshal(event, address, requestID, payload)
	if err != nil {
		c.log.WithError(err).Error("failed to marshal outbound frame")
		return false
	}
	return c.send(frame)
}

// sendResponse builds a `{event}:response` frame, merging the standard
// success/error/message shape with any operation-specific result fields.
func (c *Connection) sendResponse(env wire.Envelope, opErr error, extra map[string]any) {
	resp := responseForError(opErr)
	payload := map[string]any{"success": resp.Success}
	if resp.Error != "" {
		payload["error"] = resp.Error
	}
	if resp.Message != "" {
		payload["message"] = resp.Message
	}
	for k, v := range extra {
		payload[k] = v
	}
	c.sendEnvelope(wire.ResponseEvent(env.Event), env.Address, env.RequestID, payload)
}

// Notify implements sessionfabric.Subscriber: forwards a structural/
// lifecycle fabric event to this connection verbatim.
func (c *Connection) Notify(ev sessionfabric.Event) {
	c.sendEnvelope(ev.Name, ev.Address.String(), "", ev.Payload)
}

func (c *Connection) joinWorkspace(workspaceID string) {
	c.mu.Lock()
	if c.joined == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.joined[workspaceID]; ok {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	unsub, err := c.fabric.Subscribe(workspaceID, c.id, c)
	if err != nil {
		c.log.WithError(err).Warn("failed to subscribe to workspace events")
		return
	}
	c.mu.Lock()
	if c.joined == nil {
		c.mu.Unlock()
		unsub()
		return
	}
	c.joined[workspaceID] = unsub
	c.mu.Unlock()
}

// attachPane binds this connection to a pane's terminal output, replaying
// the catch-up snapshot before live streaming begins (spec §8 scenario 5).
// Idempotent: re-attaching an already-attached pane is a no-op.
func (c *Connection) attachPane(workspaceID, paneID string, mode terminalhost.Mode) error {
	c.mu.Lock()
	if c.attachments == nil {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.attachments[paneID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, snapshot, tabID, err := c.fabric.Attach(context.Background(), c.principal, workspaceID, paneID, c.id, mode)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.attachments == nil {
		c.mu.Unlock()
		c.fabric.Detach(sub.TerminalID, sub.ID)
		return nil
	}
	c.attachments[paneID] = &attachment{sub: sub, tabID: tabID}
	c.mu.Unlock()

	addr := sessionfabric.Address{Kind: sessionfabric.KindTerminal, WorkspaceID: workspaceID, TabID: tabID, PaneID: paneID, Op: "data"}
	if len(snapshot) > 0 {
		c.sendEnvelope(wire.EventTerminalData, addr.String(), "", wire.TerminalDataEvent{BytesB64: base64.StdEncoding.EncodeToString(snapshot)})
	}
	go c.forwardTerminal(addr, sub)
	return nil
}

func (c *Connection) detachPane(paneID string) {
	c.mu.Lock()
	if c.attachments == nil {
		c.mu.Unlock()
		return
	}
	att, ok := c.attachments[paneID]
	if ok {
		delete(c.attachments, paneID)
	}
	c.mu.Unlock()
	if ok {
		c.fabric.Detach(att.sub.TerminalID, att.sub.ID)
	}
}

// resyncAttachments re-attaches every pane with a live terminal after a
// workspace:resume, so output streaming continues across a reconnect.
func (c *Connection) resyncAttachments(workspaceID string, state wire.WorkspaceState) {
	for _, tab := range state.Tabs {
		for _, pane := range tab.Panes {
			if pane.TerminalID == "" {
				continue
			}
			if err := c.attachPane(workspaceID, pane.PaneID, terminalhost.ModeRead); err != nil {
				c.log.WithError(err).WithField("pane_id", pane.PaneID).Warn("resume reattach failed")
			}
		}
	}
}

// forwardTerminal streams one pane's terminal output for the lifetime of
// its subscription, terminating when the subscription closes or the
// connection does.
func (c *Connection) forwardTerminal(addr sessionfabric.Address, sub *terminalhost.Subscription) {
	gapAddr := addr
	gapAddr.Op = "gap"
	for {
		select {
		case data, ok := <-sub.Data():
			if !ok {
				return
			}
			if !c.sendEnvelope(wire.EventTerminalData, addr.String(), "", wire.TerminalDataEvent{BytesB64: base64.StdEncoding.EncodeToString(data)}) {
				return
			}
		case <-sub.Gap():
			c.sendEnvelope(wire.EventTerminalGap, gapAddr.String(), "", wire.TerminalGapEvent{MissedBytesEstimate: sub.MissedBytes()})
		case <-sub.Done():
			return
		case <-c.done:
			return
		}
	}
}

func badPayload(err error) error {
	return aetherr.Wrap(aetherr.KindInvalidState, "bad payload: %v", err)
}

func badAddress(err error) error {
	if err == nil {
		return aetherr.Wrap(aetherr.KindInvalidState, "address targets the wrong entity kind")
	}
	return aetherr.Wrap(aetherr.KindInvalidState, "bad address: %v", err)
}

func tabStateOf(t *sessionfabric.Tab) wire.TabState {
	ts := wire.TabState{TabID: t.ID, Kind: string(t.Kind), Title: t.Title, ActivePaneID: t.ActivePaneID}
	for _, p := range t.Panes {
		ts.Panes = append(ts.Panes, paneStateOf(p))
	}
	return ts
}

func paneStateOf(p *sessionfabric.Pane) wire.PaneState {
	return wire.PaneState{
		PaneID:     p.ID,
		TerminalID: p.TerminalID,
		Rect:       wire.RectPercent{X: p.Rect.X, Y: p.Rect.Y, W: p.Rect.W, H: p.Rect.H},
		Active:     p.Active,
	}
}

// --- event handlers, one per wire.Event* constant ---

func (c *Connection) handleWorkspaceOpen(env wire.Envelope) {
	wsID, err := c.fabric.WorkspaceOpen(context.Background(), c.principal)
	if err != nil {
		c.sendResponse(env, err, nil)
		return
	}
	c.joinWorkspace(wsID)
	c.sendResponse(env, nil, map[string]any{"workspace_id": wsID})
}

func (c *Connection) handleWorkspaceResume(env wire.Envelope) {
	var req wire.WorkspaceResumeRequest
	if err := env.DecodePayload(&req); err != nil {
		c.sendResponse(env, badPayload(err), nil)
		return
	}
	state, err := c.fabric.WorkspaceResume(context.Background(), c.principal, req.WorkspaceID)
	if err != nil {
		c.sendResponse(env, err, nil)
		return
	}
	c.joinWorkspace(req.WorkspaceID)
	c.resyncAttachments(req.WorkspaceID, state)
	c.sendEnvelope(wire.EventWorkspaceState, "workspace:"+req.WorkspaceID, env.RequestID, state)
}

func (c *Connection) handleTabCreate(env wire.Envelope) {
	var req wire.TabCreateRequest
	if err := env.DecodePayload(&req); err != nil {
		c.sendResponse(env, badPayload(err), nil)
		return
	}
	tab, err := c.fabric.TabCreate(context.Background(), c.principal, req.WorkspaceID, sessionfabric.TabKind(req.Kind), req.Title)
	if err != nil {
		c.sendResponse(env, err, nil)
		return
	}
	c.sendResponse(env, nil, map[string]any{"tab": tabStateOf(tab)})
}

func (c *Connection) handleTabSwitch(env wire.Envelope) {
	var req wire.TabSwitchRequest
	if err := env.DecodePayload(&req); err != nil {
		c.sendResponse(env, badPayload(err), nil)
		return
	}
	err := c.fabric.TabSwitch(context.Background(), c.principal, req.WorkspaceID, req.TabID)
	c.sendResponse(env, err, nil)
}

func (c *Connection) handleTabClose(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindTab {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	err = c.fabric.TabClose(context.Background(), c.principal, addr.WorkspaceID, addr.TabID)
	c.sendResponse(env, err, nil)
}

func (c *Connection) handlePaneSplit(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindPane {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	var req wire.PaneSplitRequest
	if err := env.DecodePayload(&req); err != nil {
		c.sendResponse(env, badPayload(err), nil)
		return
	}
	pane, err := c.fabric.PaneSplit(context.Background(), c.principal, addr.WorkspaceID, addr.PaneID, req.Direction)
	if err != nil {
		c.sendResponse(env, err, nil)
		return
	}
	c.sendResponse(env, nil, map[string]any{"pane": paneStateOf(pane)})
}

func (c *Connection) handlePaneClose(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindPane {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	err = c.fabric.PaneClose(context.Background(), c.principal, addr.WorkspaceID, addr.PaneID)
	c.detachPane(addr.PaneID)
	c.sendResponse(env, err, nil)
}

func (c *Connection) handlePaneAttach(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindPane {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	var req wire.PaneAttachRequest
	_ = env.DecodePayload(&req)
	mode := terminalhost.ModeRead
	if req.Mode == string(terminalhost.ModeReadWrite) {
		mode = terminalhost.ModeReadWrite
	}
	err = c.attachPane(addr.WorkspaceID, addr.PaneID, mode)
	c.sendResponse(env, err, nil)
}

func (c *Connection) handlePaneDetach(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindPane {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	c.detachPane(addr.PaneID)
	c.sendResponse(env, nil, nil)
}

func (c *Connection) handleTerminalCreate(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindPane {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	var req wire.TerminalCreateRequest
	if err := env.DecodePayload(&req); err != nil {
		c.sendResponse(env, badPayload(err), nil)
		return
	}
	spec := terminalhost.ShellSpec{Command: req.Shell}
	if spec.Command == "" {
		spec.Command = defaultShell
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	termID, err := c.fabric.TerminalCreate(context.Background(), c.principal, addr.WorkspaceID, addr.PaneID, spec, cols, rows)
	if err != nil {
		c.sendResponse(env, err, nil)
		return
	}
	c.sendResponse(env, nil, map[string]any{"terminal_id": termID})
	if err := c.attachPane(addr.WorkspaceID, addr.PaneID, terminalhost.ModeReadWrite); err != nil {
		c.log.WithError(err).Warn("auto-attach after terminal_create failed")
	}
}

func (c *Connection) handleTerminalInput(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindTerminal {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	var req wire.TerminalInputRequest
	if err := env.DecodePayload(&req); err != nil {
		c.sendResponse(env, badPayload(err), nil)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.BytesB64)
	if err != nil {
		c.sendResponse(env, badPayload(err), nil)
		return
	}
	err = c.fabric.TerminalInput(context.Background(), c.principal, addr.WorkspaceID, addr.PaneID, data)
	c.sendResponse(env, err, nil)
}

func (c *Connection) handleTerminalResize(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindTerminal {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	var req wire.TerminalResizeRequest
	if err := env.DecodePayload(&req); err != nil {
		c.sendResponse(env, badPayload(err), nil)
		return
	}
	err = c.fabric.TerminalResize(context.Background(), c.principal, addr.WorkspaceID, addr.PaneID, req.Cols, req.Rows)
	c.sendResponse(env, err, nil)
}

func (c *Connection) handleTerminalClose(env wire.Envelope) {
	addr, err := sessionfabric.ParseAddress(env.Address)
	if err != nil || addr.Kind != sessionfabric.KindTerminal {
		c.sendResponse(env, badAddress(err), nil)
		return
	}
	err = c.fabric.TerminalClose(context.Background(), c.principal, addr.WorkspaceID, addr.PaneID)
	c.detachPane(addr.PaneID)
	c.sendResponse(env, err, nil)
}
