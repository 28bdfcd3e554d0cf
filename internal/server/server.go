package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thruflo/fieldtrack/internal/auth"
	"github.com/thruflo/fieldtrack/internal/config"
	"github.com/thruflo/fieldtrack/internal/events"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/tracking"
	"github.com/thruflo/fieldtrack/web"
)

// Default limits for the event endpoints.
const (
	DefaultRecentEvents = 50
	feedBuffer          = 64
	writeWait           = 10 * time.Second
)

// Controller is the tracking session the server reports on.
// *tracking.Controller satisfies it.
type Controller interface {
	Snapshot() tracking.Snapshot
	Pause() error
	Resume() error
}

// Config holds server configuration options.
type Config struct {
	Port       int
	Controller Controller
	Bus        *events.Bus

	// Gatherer backs /metrics. The endpoint is absent when nil.
	Gatherer prometheus.Gatherer

	// PasswordHash is an argon2id hash. When set, session data and control
	// endpoints require a bearer token obtained from POST /auth.
	PasswordHash string

	// Assets holds the dashboard served at /. Optional.
	Assets fs.FS

	RateLimit RateLimitConfig
	Clock     clockwork.Clock
	Logger    *logging.Logger
}

// Server is the local status server.
type Server struct {
	port       int
	controller Controller
	bus        *events.Bus
	gatherer   prometheus.Gatherer
	password   string
	tokens     *auth.Tokens
	assets     fs.FS
	limiter    *rateLimiter
	logger     *logging.Logger
	upgrader   websocket.Upgrader
	router     *gin.Engine

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	started  bool
}

// NewServer creates a new Server instance.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Controller == nil {
		return nil, errors.New("controller is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("server")
	}

	s := &Server{
		port:       cfg.Port,
		controller: cfg.Controller,
		bus:        cfg.Bus,
		gatherer:   cfg.Gatherer,
		password:   cfg.PasswordHash,
		tokens:     auth.NewTokens(auth.DefaultTokenTTL, cfg.Clock),
		assets:     cfg.Assets,
		limiter:    newRateLimiter(cfg.RateLimit, cfg.Clock, logger),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router = s.setupRoutes()
	return s, nil
}

// NewServerFromConfig creates a Server from a config.ServerConfig.
func NewServerFromConfig(cfg *config.ServerConfig, controller Controller, bus *events.Bus, gatherer prometheus.Gatherer) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	return NewServer(&Config{
		Port:         cfg.Port,
		Controller:   controller,
		Bus:          bus,
		Gatherer:     gatherer,
		PasswordHash: cfg.PasswordHash,
		Assets:       web.Assets(""),
	})
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
// The server runs until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.started = true
	srv := s.server
	s.mu.Unlock()

	go s.housekeeping(ctx)
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.logger.Info("status server listening", "addr", listener.Addr().String())
	err = srv.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.started = false
	return nil
}

// ListenAddr returns the actual address the server is listening on.
// Useful when port 0 is used to get an available port.
// Returns empty string if not started.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// housekeeping prunes rate limit windows and expired tokens.
func (s *Server) housekeeping(ctx context.Context) {
	ticker := s.limiter.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.limiter.cleanup()
			s.tokens.Prune()
		}
	}
}

func (s *Server) setupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	if s.assets != nil {
		router.GET("/", s.handleIndex)
	}

	protected := router.Group("/", s.requireAuth())
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/stats", s.handleStats)
		protected.GET("/proximity", s.handleProximity)
		protected.GET("/timers", s.handleTimers)
		protected.GET("/events/recent", s.handleRecentEvents)
	}

	limited := router.Group("/", s.limiter.middleware())
	{
		limited.POST("/auth", s.handleAuth)
	}

	control := router.Group("/", s.limiter.middleware(), s.requireAuth())
	{
		control.POST("/pause", s.handlePause)
		control.POST("/resume", s.handleResume)
		control.GET("/ws", s.handleFeed)
	}

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.controller.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"running":       snap.Running,
		"paused":        snap.Paused,
		"auth_required": s.password != "",
	})
}

func (s *Server) handleIndex(c *gin.Context) {
	data, err := fs.ReadFile(s.assets, "index.html")
	if err != nil {
		c.String(http.StatusNotFound, "dashboard not available")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// requireAuth passes every request when no password is configured. Otherwise
// it expects "Authorization: Bearer <token>", or ?token= for websocket
// clients that cannot set headers.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.password == "" {
			c.Next()
			return
		}

		token := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(header, bearerPrefix) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
				return
			}
			token = strings.TrimPrefix(header, bearerPrefix)
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if !s.tokens.Valid(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Next()
	}
}

// handleAuth exchanges the password form value for a bearer token. Wrong
// passwords count toward the client's rate limit block.
func (s *Server) handleAuth(c *gin.Context) {
	if s.password == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication is not enabled"})
		return
	}

	password := c.PostForm("password")
	if password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}

	valid, err := auth.VerifyPassword(password, s.password)
	if err != nil {
		s.logger.Error("configured password hash is unusable", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !valid {
		s.limiter.fail(c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	token, expires, err := s.tokens.Issue()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Snapshot().Presence)
}

func (s *Server) handleProximity(c *gin.Context) {
	snap := s.controller.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"current_task_id": snap.CurrentTaskID,
		"mirror_pending":  snap.MirrorPending,
		"tasks":           snap.Proximity,
	})
}

func (s *Server) handleTimers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"timers": s.controller.Snapshot().Timers})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	n := DefaultRecentEvents
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		n = v
	}
	evts := s.bus.Recent(n)
	if evts == nil {
		evts = []*events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "last_seq": s.bus.LastSeq()})
}

func (s *Server) handlePause(c *gin.Context) {
	s.control(c, s.controller.Pause)
}

func (s *Server) handleResume(c *gin.Context) {
	s.control(c, s.controller.Resume)
}

func (s *Server) control(c *gin.Context, fn func() error) {
	if err := fn(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tracking.ErrNotRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	snap := s.controller.Snapshot()
	c.JSON(http.StatusOK, gin.H{"running": snap.Running, "paused": snap.Paused})
}

// handleFeed upgrades to a websocket and streams events. Events published
// after the since sequence number that are still in the recent buffer are
// replayed first.
func (s *Server) handleFeed(c *gin.Context) {
	var since uint64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a sequence number"})
			return
		}
		since = v
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before replaying so nothing published in between is lost.
	live := s.bus.Subscribe(ctx, feedBuffer)

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	last := since
	if since > 0 {
		for _, e := range s.bus.Recent(0) {
			if e.Seq <= since {
				continue
			}
			if err := s.writeEvent(conn, e); err != nil {
				return
			}
			last = e.Seq
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= last {
				continue
			}
			if err := s.writeEvent(conn, e); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
			last = e.Seq
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, e *events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(e)
}
