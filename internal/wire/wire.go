// Package wire defines the JSON frame envelope and payload shapes shared by
// EdgeGateway (browser/shell-wrapper connections) and SupervisoryBus
// (authority connections). Both ride the same hierarchical event addressing
// scheme from spec §6; SupervisoryBus payloads simply never carry an
// address.
package wire

import (
	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in for encoding/json tuned for the hot path of decoding
// terminal output frames at PTY read rate.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the wire frame exchanged over every WebSocket connection:
// {event, address?, request_id?, payload}.
type Envelope struct {
	Event     string          `json:"event"`
	Address   string          `json:"address,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   jsoniter.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes an envelope with the given payload marshaled into it.
func Marshal(event, address, requestID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Event:     event,
		Address:   address,
		RequestID: requestID,
		Payload:   raw,
	})
}

// Decode unmarshals raw bytes into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// DecodePayload unmarshals the envelope's payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// Canonical event names, spec §6.
const (
	EventWorkspaceOpen   = "workspace:open"
	EventWorkspaceResume = "workspace:resume"
	EventWorkspaceState  = "workspace:state"
	EventTabCreate       = "tab:create"
	EventTabClose        = "tab:close"
	EventTabSwitch       = "tab:switch"
	EventPaneSplit       = "pane:split"
	EventPaneClose       = "pane:close"
	EventPaneAttach      = "pane:attach"
	EventPaneDetach      = "pane:detach"
	EventTerminalCreate  = "terminal:create"
	EventTerminalInput   = "terminal:input"
	EventTerminalResize  = "terminal:resize"
	EventTerminalClose   = "terminal:close"
	EventTerminalData    = "terminal:data"
	EventTerminalGap     = "terminal:gap"
	EventTerminalBlocked = "terminal:blocked"
	EventTerminalUnblock = "terminal:unblocked"
	EventTerminalClosed  = "terminal:closed"
	EventAgentProgress   = "ai_agent:progress"

	// EventAgentKindPrefix namespaces every agent_emit(selector, event) event
	// name (spec §4.5: "ordinary fabric events with kind ai_agent:*, the
	// fabric does not interpret them beyond routing").
	EventAgentKindPrefix = "ai_agent:"
	EventError           = "error"
)

// ResponseEvent returns the canonical "*:response" event name for a request
// event, per spec §6 ("each has a *:response variant").
func ResponseEvent(event string) string { return event + ":response" }

// Typed error codes, spec §6/§7.
const (
	ErrUnauthorized    = "unauthorized"
	ErrNotFound        = "not_found"
	ErrInvalidState    = "invalid_state"
	ErrResourceLimit   = "resource_limit"
	ErrBlocked         = "blocked"
	ErrRequestTimeout  = "request_timeout"
)

// Response is the payload of every "*:response" frame.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Payload shapes, spec §6 canonical operations table.

type WorkspaceOpenResult struct {
	WorkspaceID string `json:"workspace_id"`
}

type WorkspaceResumeRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

type TabCreateRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Kind        string `json:"kind"`
	Title       string `json:"title,omitempty"`
}

type TabCloseRequest struct {
	TabID string `json:"tab_id"`
}

type TabSwitchRequest struct {
	WorkspaceID string `json:"workspace_id"`
	TabID       string `json:"tab_id"`
}

type PaneSplitRequest struct {
	PaneID    string `json:"pane_id"`
	Direction string `json:"direction"`
}

type PaneCloseRequest struct {
	PaneID string `json:"pane_id"`
}

// PaneAttachRequest is this module's addition to the non-exhaustive §6
// table: attach/detach bind a connection to a pane's terminal output
// stream, distinct from terminal_create since a reconnecting principal
// reattaches to an already-running terminal (spec §8 scenario 5).
type PaneAttachRequest struct {
	Mode string `json:"mode,omitempty"` // "read" (default) or "read_write"
}

type TerminalCreateRequest struct {
	PaneID string `json:"pane_id"`
	Cols   uint16 `json:"cols"`
	Rows   uint16 `json:"rows"`
	Shell  string `json:"shell,omitempty"`
}

type TerminalInputRequest struct {
	BytesB64 string `json:"bytes_b64"`
}

type TerminalResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type TerminalDataEvent struct {
	BytesB64 string `json:"bytes_b64"`
}

type TerminalGapEvent struct {
	MissedBytesEstimate int `json:"missed_bytes_estimate"`
}

type TerminalBlockedEvent struct {
	Reason      string `json:"reason,omitempty"`
	DirectiveID string `json:"directive_id,omitempty"`
}

type TerminalClosedEvent struct {
	ExitStatus *int `json:"exit_status,omitempty"`
}

// AgentProgressEvent is broadcast to a pane's subscribers by
// agent_publish_progress (spec §4.5): a free-form status update from an
// agent session that does not alter terminal state.
type AgentProgressEvent struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

// RectPercent is a pane layout rectangle expressed in percent of its tab.
type RectPercent struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// PaneState is the resumed view of one pane.
type PaneState struct {
	PaneID     string      `json:"pane_id"`
	TerminalID string      `json:"terminal_id,omitempty"`
	Rect       RectPercent `json:"layout_rect"`
	Active     bool        `json:"active"`
}

// TabState is the resumed view of one tab.
type TabState struct {
	TabID        string      `json:"tab_id"`
	Kind         string      `json:"kind"`
	Title        string      `json:"title"`
	ActivePaneID string      `json:"active_pane_id,omitempty"`
	Panes        []PaneState `json:"panes,omitempty"`
}

// WorkspaceState is the full shape returned by workspace:resume / workspace:state.
type WorkspaceState struct {
	WorkspaceID string     `json:"workspace_id"`
	Tabs        []TabState `json:"tabs"`
}

// SupervisoryMessage is the SupervisoryBus wire frame, spec §6: a
// monotonic msg_id, a message kind, and a kind-specific payload. Distinct
// from Envelope (no event/address/request_id) since this link carries
// authority directives, not fabric operations.
type SupervisoryMessage struct {
	MsgID   uint64              `json:"msg_id"`
	Kind    string              `json:"kind"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

// MarshalSupervisory encodes a SupervisoryMessage with payload marshaled in.
func MarshalSupervisory(msgID uint64, kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SupervisoryMessage{MsgID: msgID, Kind: kind, Payload: raw})
}

// DecodeSupervisory unmarshals a SupervisoryMessage.
func DecodeSupervisory(raw []byte) (SupervisoryMessage, error) {
	var msg SupervisoryMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

// DecodePayload unmarshals a SupervisoryMessage's payload into dst.
func (m SupervisoryMessage) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, dst)
}

// SupervisoryBus message kinds, spec §6.
const (
	SupervisoryKindRegister       = "register"
	SupervisoryKindDirective      = "directive"
	SupervisoryKindAck            = "ack"
	SupervisoryKindUnblockRequest = "unblock_request"
	SupervisoryKindSyncRequest    = "sync_request"
	SupervisoryKindSyncResponse   = "sync_response"
)

// RegisterPayload announces a host and the terminals it currently owns
// when the SupervisoryBus connection is established or re-established.
type RegisterPayload struct {
	HostID      string   `json:"host_id"`
	TerminalIDs []string `json:"terminal_ids"`
}

// DirectivePayload carries a BlockDirective's wire-relevant fields. The
// authority also uses this shape (with Cleared set) to tell a host a
// previously issued directive no longer applies, rather than defining a
// seventh message kind just for that. WorkspaceID is always populated,
// even for Scope == "terminal", since a host locates its SessionFabric
// handle by workspace first and narrows to one terminal from there.
type DirectivePayload struct {
	DirectiveID      string `json:"directive_id"`
	Scope            string `json:"scope"`
	WorkspaceID      string `json:"workspace_id"`
	TerminalID       string `json:"terminal_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	SourcePrincipal  string `json:"source_principal,omitempty"`
	UnlockPolicyKind string `json:"unlock_policy_kind"`
	UnlockTimeoutMs  int64  `json:"unlock_timeout_ms,omitempty"`
	AuthorityOrder   uint64 `json:"authority_order"`
	Cleared          bool   `json:"cleared,omitempty"`
}

// UnblockPayload identifies a directive that a host cleared on its own (a
// Ctrl+D unlock or a fail-open timeout) and reports with kind=unblock_request.
// Authority-issued clears arrive as a DirectivePayload with Cleared set.
type UnblockPayload struct {
	DirectiveID string `json:"directive_id"`
	HostID      string `json:"host_id,omitempty"`
}

// AckPayload acknowledges a directive's application on a host.
type AckPayload struct {
	DirectiveID string `json:"directive_id"`
	HostID      string `json:"host_id"`
}

// SyncResponsePayload is the authority's reply to sync_request: its
// current directive set, for reconciliation after a reconnect.
type SyncResponsePayload struct {
	Directives []DirectivePayload `json:"directives"`
}
