// Package signal is a development stand-in for the session API and the
// Rumor/Raptor messaging server. It hosts any number of sessions in memory
// and relays negotiation directly between peers.
package signal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rtcsession/internal/infrastructure/monitoring"
	"rtcsession/internal/infrastructure/rumor"
	"rtcsession/pkg/config"
	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/logger"
	"rtcsession/pkg/utils"
	"rtcsession/pkg/validation"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Config *config.Config
	// Registry receives the server metrics and backs /metrics. A fresh
	// registry is used when nil.
	Registry *prometheus.Registry
	// Health backs /health. Hub statistics are always reported.
	Health *monitoring.HealthChecker
	Logger *zap.Logger
}

// Server is the dev signalling server.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	issuer   *TokenIssuer
	health   *monitoring.HealthChecker
	registry *prometheus.Registry
	router   *gin.Engine
	logger   *zap.SugaredLogger
	started  time.Time

	srv *http.Server
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	zl := opts.Logger
	if zl == nil {
		zl = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	health := opts.Health
	if health == nil {
		health = monitoring.NewHealthChecker()
	}
	log := zl.Sugar().With("component", "signal_server")

	issuer := NewTokenIssuer(cfg.Signal.JWTSecret, cfg.Signal.TokenTTL)
	s := &Server{
		cfg:      cfg,
		issuer:   issuer,
		health:   health,
		registry: registry,
		logger:   log,
		started:  utils.Now(),
		hub: NewHub(HubOptions{
			Issuer:            issuer,
			P2P:               cfg.Signal.P2P,
			MessagesPerSecond: cfg.Signal.MessagesPerSecond,
			Burst:             cfg.Signal.Burst,
			Metrics:           NewServerMetrics(registry),
			Logger:            log,
		}),
	}
	s.router = s.routes(logger.NewContextLogger(zl))
	return s
}

func (s *Server) routes(reqLog *logger.ContextLogger) *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		RecoveryMiddleware(s.logger),
		TracingMiddleware(),
		RequestLogMiddleware(reqLog),
		ErrorHandlerMiddleware(s.logger),
	)

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	router.GET("/rumor", func(c *gin.Context) {
		s.hub.ServeRumor(c.Writer, c.Request)
	})

	api := router.Group("/session")
	api.Use(RateLimitMiddleware(s.cfg.Signal.MessagesPerSecond, s.cfg.Signal.Burst))
	{
		api.POST("", s.handleCreateSession)
		api.GET("/:id", s.handleSessionInfo)
		api.POST("/:id/token", s.handleIssueToken)
		api.POST("/:id/archive", ModeratorAuth(s.issuer), s.handleStartArchive)
		api.POST("/:id/archive/:archiveId/stop", ModeratorAuth(s.issuer), s.handleStopArchive)
	}
	return router
}

func (s *Server) Handler() http.Handler             { return s.router }
func (s *Server) Hub() *Hub                         { return s.hub }
func (s *Server) Issuer() *TokenIssuer              { return s.issuer }
func (s *Server) Health() *monitoring.HealthChecker { return s.health }

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Signal.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("Starting signalling server", "address", s.cfg.Signal.Address, "p2p", s.cfg.Signal.P2P)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and disconnects every socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status.Status,
		"timestamp":   status.Timestamp,
		"checks":      status.Checks,
		"uptime":      utils.Now().Sub(s.started).String(),
		"connections": s.hub.ConnectionCount(),
		"sessions":    s.hub.SessionCount(),
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"session_id": uuid.NewString()})
}

// sessionInfoError writes an error in the session API response format.
func sessionInfoError(c *gin.Context, status int, message string) {
	c.JSON(status, []gin.H{{
		"error": gin.H{"code": status, "errorMessage": message},
	}})
}

func (s *Server) handleSessionInfo(c *gin.Context) {
	sessionID := c.Param("id")
	if err := validation.ValidateID(sessionID, "session id"); err != nil {
		sessionInfoError(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.issuer.VerifyFor(c.GetHeader(rumor.HeaderTokenAuth), sessionID); err != nil {
		sessionInfoError(c, http.StatusForbidden, "invalid token: "+err.Error())
		return
	}

	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	p2p := "disabled"
	if s.cfg.Signal.P2P {
		p2p = "enabled"
	}

	c.JSON(http.StatusOK, []gin.H{{
		"session_id":           sessionID,
		"partner_id":           s.cfg.API.APIKey,
		"session_status":       "INFLIGHT",
		"messaging_server_url": c.Request.Host,
		"messaging_url":        scheme + "://" + c.Request.Host + "/rumor",
		"symphony_address":     SymphonyAddress,
		"properties": gin.H{
			"p2p": gin.H{"preference": gin.H{"value": p2p}},
		},
	}})
}

type tokenRequest struct {
	Role Role   `json:"role"`
	Data string `json:"data"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	sessionID := c.Param("id")
	if err := validation.ValidateID(sessionID, "session id"); err != nil {
		c.Error(err)
		return
	}

	req := tokenRequest{Role: RolePublisher}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.Wrap(err, apperrors.ErrCodeBadRequest, "invalid token request"))
			return
		}
	}
	if req.Role == "" {
		req.Role = RolePublisher
	}

	token, err := s.issuer.Issue(sessionID, req.Role, req.Data)
	if err != nil {
		c.Error(apperrors.Wrap(err, apperrors.ErrCodeBadRequest, "cannot issue token"))
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"session_id": sessionID,
		"role":       req.Role,
	})
}

func (s *Server) handleStartArchive(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.Wrap(err, apperrors.ErrCodeBadRequest, "invalid archive request"))
			return
		}
	}

	archive, err := s.hub.StartArchive(c.Param("id"), req.Name)
	if err != nil {
		c.Error(archiveError(err))
		return
	}
	s.logger.Infow("Archive started", "session_id", c.Param("id"), "archive_id", archive.ID, "by", claimsFrom(c))
	c.JSON(http.StatusCreated, archive)
}

func (s *Server) handleStopArchive(c *gin.Context) {
	archive, err := s.hub.StopArchive(c.Param("id"), c.Param("archiveId"))
	if err != nil {
		c.Error(archiveError(err))
		return
	}
	s.logger.Infow("Archive stopped", "session_id", c.Param("id"), "archive_id", archive.ID, "by", claimsFrom(c))
	c.JSON(http.StatusOK, archive)
}

func archiveError(err error) error {
	if errors.Is(err, ErrSessionNotFound) {
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "session not found")
	}
	return err
}

func claimsFrom(c *gin.Context) string {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*Claims); ok {
			return claims.ID
		}
	}
	return ""
}
