// Package diagnostics is the operator-facing HTTP+WebSocket surface for
// one mountctl.Controller: REST endpoints for status and commands, a
// /metrics Prometheus handler, and a WebSocket feed of the controller's
// telemetry Record stream. It is explicitly not an ALPACA/INDI driver
// façade — no client is expected to script against this as a stable
// wire protocol.
package diagnostics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkdragonsastro/mountcore/internal/eventbus"
	"github.com/darkdragonsastro/mountcore/internal/mountctl"
)

// Config holds the diagnostics HTTP server's own settings, distinct from
// the mount's own config.Settings.
type Config struct {
	Address string
	Debug   bool
}

// Server bundles the gin router, the mount handlers, and the WebSocket
// hub relaying the controller's event-bus telemetry to connected
// operators.
type Server struct {
	router  *gin.Engine
	mount   *MountHandlers
	hub     *Hub
	bus     eventbus.EventBus
	subID   eventbus.SubscriptionID
}

// NewServer wires a diagnostics Server around an already-constructed
// Controller. bus is the same EventBus passed to mountctl.New; if it
// implements subscription (every eventbus.EventBus does) the Server
// relays every published Record onto the WebSocket hub.
func NewServer(cfg Config, ctl *mountctl.Controller, bus eventbus.EventBus) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router: gin.New(),
		mount:  NewMountHandlers(ctl),
		hub:    NewHub(),
		bus:    bus,
	}

	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.setupRoutes()

	if bus != nil {
		id, err := bus.Subscribe(noopContext{}, eventbus.TopicTelemetry, func(ev eventbus.Event) {
			if rec, ok := ev.Data.(eventbus.Record); ok {
				s.hub.Broadcast("telemetry", rec)
			}
		})
		if err == nil {
			s.subID = id
		}
	}

	return s
}

// Close unsubscribes the Server from the event bus; it does not close
// any already-accepted WebSocket connections.
func (s *Server) Close() {
	if s.bus != nil && s.subID != "" {
		_ = s.bus.Unsubscribe(noopContext{}, s.subID)
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.GET("/health", s.healthCheck)

	mountGroup := api.Group("/mount")
	{
		mountGroup.GET("/status", s.mount.getStatus)
		mountGroup.POST("/connect", s.mount.connect)
		mountGroup.POST("/disconnect", s.mount.disconnect)
		mountGroup.POST("/start", s.mount.start)
		mountGroup.POST("/stop", s.mount.stop)
		mountGroup.POST("/reset", s.mount.reset)

		mountGroup.POST("/slew/radec", s.mount.slewRaDec)
		mountGroup.POST("/slew/altaz", s.mount.slewAltAz)
		mountGroup.POST("/slew/park", s.mount.slewToPark)
		mountGroup.POST("/slew/home", s.mount.findHome)
		mountGroup.POST("/slew/abort", s.mount.abortSlew)

		mountGroup.POST("/track", s.mount.setTracking)
		mountGroup.POST("/rate/primary", s.mount.setRatePrimary)
		mountGroup.POST("/rate/secondary", s.mount.setRateSecondary)
		mountGroup.POST("/pulse-guide", s.mount.pulseGuide)

		mountGroup.POST("/sync/radec", s.mount.syncRaDec)
		mountGroup.POST("/sync/altaz", s.mount.syncAltAz)
		mountGroup.POST("/park-position", s.mount.setParkPosition)
		mountGroup.POST("/resync-axes", s.mount.resyncAxes)

		mountGroup.POST("/emergency-stop", s.mount.emergencyStop)
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", func(c *gin.Context) { s.hub.HandleWebSocket(c.Writer, c.Request) })
}

// Handler returns the HTTP handler for use with any http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the HTTP server and blocks, mirroring gin.Engine.Run.
func (s *Server) Run(addr string) error { return s.router.Run(addr) }

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// noopContext is never cancelled; diagnostics subscribes for the
// lifetime of the Server, not a single request.
type noopContext struct{}

func (noopContext) Deadline() (deadline time.Time, ok bool) { return time.Time{}, false }
func (noopContext) Done() <-chan struct{}                   { return nil }
func (noopContext) Err() error                               { return nil }
func (noopContext) Value(key any) any                        { return nil }
