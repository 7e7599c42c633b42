package supervisorybus

import (
	"context"
	"net/http"
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

func newTestFabric(t *testing.T) *sessionfabric.Fabric {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	host := terminalhost.New(terminalhost.Config{}, l)
	return sessionfabric.New(sessionfabric.Config{RequestTimeout: 5 * time.Second}, host, l)
}

// httptestHandler is a minimal authority stub: it upgrades the one
// connection a Bus opens, pushes every inbound frame onto received, and
// hands the raw *websocket.Conn back so the test can push directives down.
func httptestHandler(t *testing.T, upgrader websocket.Upgrader, connCh chan *websocket.Conn, received chan wire.SupervisoryMessage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.DecodeSupervisory(raw)
			if err != nil {
				continue
			}
			received <- msg
		}
	}
}

func TestBusAppliesDirectiveAndAcks(t *testing.T) {
	fabric := newTestFabric(t)
	ctx := context.Background()
	owner := sessionfabric.NewPrincipal("owner-1", "Owner", sessionfabric.RoleOwner)
	wsID, err := fabric.WorkspaceOpen(ctx, owner)
	if err != nil {
		t.Fatalf("workspace open: %v", err)
	}

	upgrader := websocket.Upgrader{}
	received := make(chan wire.SupervisoryMessage, 16)
	connCh := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(httptestHandler(t, upgrader, connCh, received))
	defer server.Close()

	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/bus"
	bus := New(Config{SupervisorURL: url, HostID: "host-1", HeartbeatInterval: time.Second}, fabric, l)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go bus.Run(runCtx)

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case <-time.After(3 * time.Second):
		t.Fatal("authority never received a connection")
	}

	drainUntilKind(t, received, wire.SupervisoryKindRegister)
	drainUntilKind(t, received, wire.SupervisoryKindSyncRequest)

	frame, err := wire.MarshalSupervisory(1, wire.SupervisoryKindDirective, wire.DirectivePayload{
		DirectiveID:      "d-1",
		Scope:            "workspace",
		WorkspaceID:      wsID,
		UnlockPolicyKind: "supervisor_only",
		AuthorityOrder:   1,
	})
	if err != nil {
		t.Fatalf("marshal directive: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write directive: %v", err)
	}

	ack := drainUntilKind(t, received, wire.SupervisoryKindAck)
	var ackPayload wire.AckPayload
	if err := ack.DecodePayload(&ackPayload); err != nil || ackPayload.DirectiveID != "d-1" {
		t.Fatalf("ack payload = %+v, err=%v", ackPayload, err)
	}
}

func drainUntilKind(t *testing.T, ch chan wire.SupervisoryMessage, kind string) wire.SupervisoryMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("never observed a %q message", kind)
		}
	}
}
