package edgegateway

import (
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/sessionfabric"
	"github.com/aetherterm/aetherterm-core/internal/terminalhost"
	"github.com/aetherterm/aetherterm-core/internal/wire"
)

func newTestGateway(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	host := terminalhost.New(terminalhost.Config{}, l)
	fabric := sessionfabric.New(sessionfabric.Config{RequestTimeout: 5 * time.Second}, host, l)
	gw := New(Config{HeartbeatInterval: time.Second, InputRateLimitPerSec: 1000, InputRateBurst: 1000}, fabric, l)
	server := httptest.NewServer(gw.Engine())
	return server, server.Close
}

func dial(t *testing.T, server *httptest.Server, principalID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?principal_id=" + principalID + "&role=owner"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

// readResponse reads frames until the *:response to event arrives, skipping
// fabric events (such as the tab:create broadcast to a joined connection)
// that are delivered before it.
func readResponse(t *testing.T, conn *websocket.Conn, event string) wire.Envelope {
	t.Helper()
	want := wire.ResponseEvent(event)
	for {
		env := readEnvelope(t, conn)
		if env.Event == want {
			return env
		}
	}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event, address string, payload any) {
	t.Helper()
	frame, err := wire.Marshal(event, address, "", payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectionRejectsMissingPrincipal(t *testing.T) {
	server, cleanup := newTestGateway(t)
	defer cleanup()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail without a principal")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("expected 403, got resp=%v", resp)
	}
}

func TestConnectionWorkspaceAndTabLifecycle(t *testing.T) {
	server, cleanup := newTestGateway(t)
	defer cleanup()

	conn := dial(t, server, "alice")
	defer conn.Close()

	sendEnvelope(t, conn, wire.EventWorkspaceOpen, "", struct{}{})
	resp := readEnvelope(t, conn)
	if resp.Event != wire.ResponseEvent(wire.EventWorkspaceOpen) {
		t.Fatalf("event = %q", resp.Event)
	}
	var openResult struct {
		Success     bool   `json:"success"`
		WorkspaceID string `json:"workspace_id"`
	}
	if err := resp.DecodePayload(&openResult); err != nil || !openResult.Success || openResult.WorkspaceID == "" {
		t.Fatalf("workspace_open response = %+v, err=%v", openResult, err)
	}

	sendEnvelope(t, conn, wire.EventTabCreate, "", wire.TabCreateRequest{WorkspaceID: openResult.WorkspaceID, Kind: "terminal"})
	tabResp := readResponse(t, conn, wire.EventTabCreate)
	var tabResult struct {
		Success bool          `json:"success"`
		Tab     wire.TabState `json:"tab"`
	}
	if err := tabResp.DecodePayload(&tabResult); err != nil || !tabResult.Success || len(tabResult.Tab.Panes) != 1 {
		t.Fatalf("tab_create response = %+v, err=%v", tabResult, err)
	}
}

func TestConnectionTerminalCreateAndEcho(t *testing.T) {
	server, cleanup := newTestGateway(t)
	defer cleanup()

	conn := dial(t, server, "alice")
	defer conn.Close()

	sendEnvelope(t, conn, wire.EventWorkspaceOpen, "", struct{}{})
	var openResult struct {
		WorkspaceID string `json:"workspace_id"`
	}
	readEnvelope(t, conn).DecodePayload(&openResult)

	sendEnvelope(t, conn, wire.EventTabCreate, "", wire.TabCreateRequest{WorkspaceID: openResult.WorkspaceID, Kind: "terminal"})
	var tabResult struct {
		Tab wire.TabState `json:"tab"`
	}
	readResponse(t, conn, wire.EventTabCreate).DecodePayload(&tabResult)
	paneID := tabResult.Tab.Panes[0].PaneID

	paneAddr := "workspace:" + openResult.WorkspaceID + ":tab:" + tabResult.Tab.TabID + ":pane:" + paneID
	sendEnvelope(t, conn, wire.EventTerminalCreate, paneAddr, wire.TerminalCreateRequest{Shell: "/bin/sh", Cols: 80, Rows: 24})
	createResp := readEnvelope(t, conn)
	var createResult struct {
		Success    bool   `json:"success"`
		TerminalID string `json:"terminal_id"`
	}
	if err := createResp.DecodePayload(&createResult); err != nil || !createResult.Success {
		t.Fatalf("terminal_create response = %+v, err=%v", createResult, err)
	}

	termAddr := paneAddr + ":terminal:input"
	sendEnvelope(t, conn, wire.EventTerminalInput, termAddr, wire.TerminalInputRequest{
		BytesB64: base64.StdEncoding.EncodeToString([]byte("echo connection-probe\n")),
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.Event != wire.EventTerminalData {
			continue
		}
		var data wire.TerminalDataEvent
		if err := env.DecodePayload(&data); err != nil {
			t.Fatalf("decode terminal:data: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(data.BytesB64)
		if err != nil {
			t.Fatalf("decode b64: %v", err)
		}
		if strings.Contains(string(raw), "connection-probe") {
			return
		}
	}
	t.Fatal("never observed echoed output over the wire")
}
