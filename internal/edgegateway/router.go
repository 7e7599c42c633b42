package edgegateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aetherterm/aetherterm-core/internal/sessionfabric"
)

// Config configures the EdgeGateway HTTP/WebSocket surface, spec §6.
type Config struct {
	BindHost string
	BindPort int

	DisableRequestLogging bool
	EnableProcessingTime  bool

	HeartbeatInterval time.Duration
	MaxMissedPongs    int

	InputRateLimitPerSec float64
	InputRateBurst       int

	OutboundQueueSize int
}

func (c Config) withDefaults() Config {
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	if c.BindPort == 0 {
		c.BindPort = 8787
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = 2
	}
	if c.InputRateLimitPerSec <= 0 {
		c.InputRateLimitPerSec = 500
	}
	if c.InputRateBurst <= 0 {
		c.InputRateBurst = 1000
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	return c
}

// Gateway is the EdgeGateway component from spec §4.3: the browser/
// shell-wrapper facing WebSocket surface plus a small read-only admin
// surface, fronted by a gin engine the way the teacher's sandbox-api is.
type Gateway struct {
	cfg      Config
	fabric   *sessionfabric.Fabric
	log      *logrus.Entry
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// New constructs a Gateway bound to fabric and sets up its gin engine.
func New(cfg Config, fabric *sessionfabric.Fabric, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.New()
	}
	g := &Gateway{
		cfg:    cfg.withDefaults(),
		fabric: fabric,
		log:    log.WithField("component", "edgegateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	g.engine = g.setupRouter()
	return g
}

// Engine exposes the underlying gin engine, e.g. for http.Server wiring in
// cmd/aetherterm-core/main.go.
func (g *Gateway) Engine() *gin.Engine { return g.engine }

// setupRouter mirrors the teacher's SetupRouter (src/api/router.go): a
// gin.New() engine (no default logger/recovery) with an explicit
// middleware chain, pared down to this spec's surface — a single
// WebSocket upgrade endpoint plus two read-only admin routes, dropping
// every filesystem/process/network/codegen/drive route the teacher's
// sandbox-filesystem product needed.
func (g *Gateway) setupRouter() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(noCacheMiddleware())
	if g.cfg.EnableProcessingTime {
		engine.Use(processingTimeMiddleware())
	}
	if !g.cfg.DisableRequestLogging {
		engine.Use(logrusMiddleware(g.log))
	}

	engine.GET("/healthz", g.handleHealthz)
	engine.GET("/debug/workspaces", g.handleDebugWorkspaces)
	engine.GET("/ws", g.handleWebSocket)

	return engine
}

func (g *Gateway) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) handleDebugWorkspaces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workspaces": g.fabric.Workspaces()})
}

// handleWebSocket upgrades the HTTP request and hands it to a new
// Connection, generalizing the teacher's HandleTerminalWS.
func (g *Gateway) handleWebSocket(c *gin.Context) {
	principal, err := principalFromRequest(c)
	if err != nil {
		sendError(c, err)
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	newConnection(g.cfg, g.fabric, principal, conn, g.log).run()
}
