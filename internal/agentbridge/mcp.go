package agentbridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

// Server exposes a Bridge as an MCP tool server, the direct descendant of
// mcp_server_ref.go's Server/NewServer/setupHTTPEndpoints.
type Server struct {
	bridge    *Bridge
	mcpServer *mcp.Server
	log       *logrus.Entry
}

// NewServer builds the MCP server and registers every AgentBridge tool.
func NewServer(bridge *Bridge, engine *gin.Engine, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		bridge: bridge,
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    "AetherTerm Agent Bridge",
			Version: "1.0.0",
		}, nil),
		log: log.WithField("component", "agentbridge"),
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("register agent bridge tools: %w", err)
	}
	s.setupHTTPEndpoints(engine)
	return s, nil
}

func (s *Server) setupHTTPEndpoints(engine *gin.Engine) {
	handler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
	engine.Any("/mcp/*path", gin.WrapH(http.StripPrefix("/mcp", handler)))
	engine.Any("/mcp", gin.WrapH(handler))
}

// logToolCall wraps a tool handler with the teacher's timing/error log
// shape (mcp_server_ref.go's LogToolCall), generalized with a generic
// output type via Go generics so every tool below shares it verbatim.
func logToolCall[T any, R any](log *logrus.Entry, name string, handler func(ctx context.Context, req *mcp.CallToolRequest, args T) (*mcp.CallToolResult, R, error)) func(context.Context, *mcp.CallToolRequest, T) (*mcp.CallToolResult, R, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args T) (*mcp.CallToolResult, R, error) {
		start := time.Now()
		result, output, err := handler(ctx, req, args)
		fields := logrus.Fields{"tool": name, "duration": time.Since(start)}
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("agent tool call failed")
		} else {
			log.WithFields(fields).Debug("agent tool call completed")
		}
		return result, output, err
	}
}

type registerInput struct {
	AgentID      string   `json:"agent_id,omitempty" jsonschema:"Stable identifier for this agent session; omit to receive a server-assigned one"`
	DisplayName  string   `json:"display_name,omitempty" jsonschema:"Human-readable label shown to observers"`
	Capabilities []string `json:"capabilities,omitempty" jsonschema:"Verb names this agent session is granted, e.g. terminal_input, pane_split"`
}

type registerOutput struct {
	AgentPrincipalID string `json:"agent_principal_id"`
	WorkspaceID      string `json:"workspace_id"`
}

type createPaneInput struct {
	AgentID   string `json:"agent_id" jsonschema:"The registered agent session id"`
	Direction string `json:"direction,omitempty" jsonschema:"horizontal or vertical, for any split after the first pane"`
}

type paneOutput struct {
	PaneID     string `json:"pane_id"`
	TabID      string `json:"tab_id,omitempty"`
	TerminalID string `json:"terminal_id,omitempty"`
}

type injectInputInput struct {
	AgentID  string `json:"agent_id" jsonschema:"The registered agent session id"`
	PaneID   string `json:"pane_id" jsonschema:"The pane to write to"`
	BytesB64 string `json:"bytes_b64" jsonschema:"Base64-encoded bytes to write to the terminal"`
}

type injectInputOutput struct {
	Written int `json:"written"`
}

type observeOutputInput struct {
	AgentID string `json:"agent_id" jsonschema:"The registered agent session id"`
	PaneID  string `json:"pane_id" jsonschema:"The pane to read output from"`
}

type observeOutputOutput struct {
	BytesB64 string `json:"bytes_b64"`
}

type publishProgressInput struct {
	AgentID string `json:"agent_id" jsonschema:"The registered agent session id"`
	PaneID  string `json:"pane_id" jsonschema:"The pane to attach the status update to"`
	Message string `json:"message" jsonschema:"Free-form progress text"`
}

type publishProgressOutput struct {
	Published bool `json:"published"`
}

func (s *Server) registerTools() error {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "agent_register",
		Description: "Register an agent session and open the workspace it will act in",
	}, logToolCall(s.log, "agent_register", func(ctx context.Context, req *mcp.CallToolRequest, in registerInput) (*mcp.CallToolResult, registerOutput, error) {
		principalID, workspaceID, err := s.bridge.Register(ctx, in.AgentID, in.DisplayName, in.Capabilities)
		if err != nil {
			return nil, registerOutput{}, err
		}
		return nil, registerOutput{AgentPrincipalID: principalID, WorkspaceID: workspaceID}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "agent_create_pane",
		Description: "Create (or split) a terminal pane for this agent session",
	}, logToolCall(s.log, "agent_create_pane", func(ctx context.Context, req *mcp.CallToolRequest, in createPaneInput) (*mcp.CallToolResult, paneOutput, error) {
		pane, err := s.bridge.CreatePane(ctx, in.AgentID, in.Direction)
		if err != nil {
			return nil, paneOutput{}, err
		}
		return nil, paneOutput{PaneID: pane.ID, TabID: pane.TabID, TerminalID: pane.TerminalID}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "agent_inject_input",
		Description: "Write bytes to a pane's terminal, creating the terminal if needed",
	}, logToolCall(s.log, "agent_inject_input", func(ctx context.Context, req *mcp.CallToolRequest, in injectInputInput) (*mcp.CallToolResult, injectInputOutput, error) {
		data, err := base64.StdEncoding.DecodeString(in.BytesB64)
		if err != nil {
			return nil, injectInputOutput{}, fmt.Errorf("bad bytes_b64: %w", err)
		}
		if err := s.bridge.InjectInput(ctx, in.AgentID, in.PaneID, data); err != nil {
			return nil, injectInputOutput{}, err
		}
		return nil, injectInputOutput{Written: len(data)}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "agent_observe_output",
		Description: "Read a pane's recent terminal output",
	}, logToolCall(s.log, "agent_observe_output", func(ctx context.Context, req *mcp.CallToolRequest, in observeOutputInput) (*mcp.CallToolResult, observeOutputOutput, error) {
		data, err := s.bridge.ObserveOutput(ctx, in.AgentID, in.PaneID)
		if err != nil {
			return nil, observeOutputOutput{}, err
		}
		return nil, observeOutputOutput{BytesB64: base64.StdEncoding.EncodeToString(data)}, nil
	}))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "agent_publish_progress",
		Description: "Broadcast a status update to a pane's subscribers",
	}, logToolCall(s.log, "agent_publish_progress", func(ctx context.Context, req *mcp.CallToolRequest, in publishProgressInput) (*mcp.CallToolResult, publishProgressOutput, error) {
		if err := s.bridge.PublishProgress(ctx, in.AgentID, in.PaneID, in.Message); err != nil {
			return nil, publishProgressOutput{}, err
		}
		return nil, publishProgressOutput{Published: true}, nil
	}))

	return nil
}
