package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pspdrp/companion/internal/config"
	"github.com/pspdrp/companion/internal/db"
	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/session"
	"github.com/pspdrp/companion/internal/usage"
)

// Devices lists live device sessions.
type Devices interface {
	List() []session.Info
	Get(id session.Identity) (session.Info, bool)
}

// StatsSender pushes the usage export to a device.
type StatsSender interface {
	SendStatistics(deviceID string) error
}

// Deps are the components the API serves. Usage and Icons may be nil when
// usage tracking is disabled.
type Deps struct {
	Devices  Devices
	Commands usage.Commander
	Stats    StatsSender
	Usage    *db.UsageStore
	Icons    *db.IconStore
	Bus      *events.EventBus
}

// Server is the local REST API of pspdrp.
type Server struct {
	cfg     config.APIConfig
	version string
	deps    Deps
	streams *streamHub

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, logLevel, version string, deps Deps) *Server {
	if logLevel == "debug" || logLevel == "trace" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		version: version,
		deps:    deps,
		streams: newStreamHub(deps.Bus, cfg.AllowedOrigins),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the event stream is long-lived.
		IdleTimeout: 120 * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.streams.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	devices := router.Group("/api/devices")
	{
		devices.GET("", s.handleListDevices)
		devices.GET("/:transport/:addr", s.handleGetDevice)
		devices.POST("/:transport/:addr/icon", s.handleRequestIcon)
		devices.POST("/:transport/:addr/statistics", s.handlePushStatistics)
	}

	icons := router.Group("/api/icons")
	{
		icons.GET("", s.handleListIcons)
		icons.GET("/:game_id", s.handleGetIcon)
	}

	usageGroup := router.Group("/api/usage")
	{
		usageGroup.GET("/games", s.handleUsageGames)
		usageGroup.GET("/top", s.handleUsageTop)
		usageGroup.GET("/dates", s.handleUsageDates)
		usageGroup.GET("/day/:date", s.handleUsageDay)
		usageGroup.PUT("/games/:game_id/hidden", s.handleSetHidden)
	}

	router.GET("/api/events", s.streams.handle)

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "pspdrp API is running"})
	})

	return router
}
