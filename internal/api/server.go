package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/config"
	"github.com/seerlink-project/seerlink/internal/connector"
	"github.com/seerlink-project/seerlink/internal/db"
	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/network"
	"github.com/seerlink-project/seerlink/internal/protocol"
	"github.com/seerlink-project/seerlink/internal/script"
)

// Backend is the game client as seen by the API.
type Backend interface {
	Status() connector.Status
	SendHex(ctx context.Context, hexPacket string) error
	RequestHex(ctx context.Context, hexPacket string, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error)
}

// ScriptRunner runs named scripts.
type ScriptRunner interface {
	List() ([]string, error)
	RunNamed(ctx context.Context, name string) (*script.Report, error)
}

// Dependencies are the components the handlers reach. Journal, Captcha and
// Scripts may be nil; their endpoints then answer 503.
type Dependencies struct {
	Config   *config.Config
	Client   Backend
	Names    *protocol.CommandNames
	EventBus *events.EventBus
	Journal  *db.Journal
	Captcha  *connector.CaptchaQueue
	Scripts  ScriptRunner

	// Metrics serves /api/metrics when set.
	Metrics http.Handler
}

// Server is the local REST control API.
type Server struct {
	Dependencies

	apiCfg  config.APIConfig
	started time.Time
	logger  zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and builds its router.
func NewServer(deps Dependencies) *Server {
	app := deps.Config.GetApplicationData()
	if app.Logging.Level == "debug" || app.Logging.Level == "trace" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		Dependencies: deps,
		apiCfg:       app.API,
		started:      time.Now(),
		logger:       log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.apiCfg.Listen, strconv.Itoa(s.apiCfg.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := network.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Bool("token", s.apiCfg.Token != "").Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := s.apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.apiCfg.Token))
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/servers", s.handleServers)

		protected.POST("/send", s.handleSend)
		protected.POST("/request", s.handleRequest)

		protected.GET("/journal", s.handleJournal)
		protected.GET("/journal/commands", s.handleJournalCommands)

		protected.GET("/captcha", s.handleGetCaptcha)
		protected.GET("/captcha/image", s.handleGetCaptchaImage)
		protected.POST("/captcha", s.handleAnswerCaptcha)

		protected.GET("/scripts", s.handleListScripts)
		protected.POST("/scripts/:name/run", s.handleRunScript)

		protected.GET("/config", s.handleGetConfig)
		protected.POST("/config", s.handleSetConfig)

		if s.Metrics != nil {
			protected.GET("/metrics", gin.WrapH(s.Metrics))
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
