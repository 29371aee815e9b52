package services

import (
	"context"
	"sync"

	pionwebrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/core/events"
	"rtcsession/internal/core/ports"
	"rtcsession/internal/infrastructure/rumor"
	"rtcsession/internal/infrastructure/sessioninfo"
	"rtcsession/internal/infrastructure/webrtc"
	"rtcsession/pkg/config"
	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/logger"
	"rtcsession/pkg/utils"
)

// ExceptionEvent is raised on the client for every reported error, whether
// or not the caller handled it.
type ExceptionEvent struct {
	Code      apperrors.ErrorCode
	Title     string
	Message   string
	SessionID string
	Err       error
}

// ClientOptions wires a Client. Unset collaborators get working defaults.
type ClientOptions struct {
	Config      *config.Config
	Logger      *zap.Logger
	SessionInfo ports.SessionInfoRepository
	Analytics   ports.AnalyticsLogger
	Metrics     ports.ClientMetrics
	// Observer sees every frame on every rumor socket.
	Observer rumor.Observer
}

// Client is the process wide entry point. It owns the shared collaborators
// and creates sessions.
type Client struct {
	cfg         *config.Config
	logger      *zap.SugaredLogger
	ctxLogger   *logger.ContextLogger
	sessionInfo ports.SessionInfoRepository
	analytics   ports.AnalyticsLogger
	metrics     ports.ClientMetrics
	observer    rumor.Observer

	exceptions *events.Emitter[ExceptionEvent]

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewClient creates a client.
func NewClient(opts ClientOptions) *Client {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	base := opts.Logger
	if base == nil {
		base = zap.NewNop()
	}
	c := &Client{
		cfg:         cfg,
		logger:      base.Sugar(),
		ctxLogger:   logger.NewContextLogger(base),
		sessionInfo: opts.SessionInfo,
		analytics:   opts.Analytics,
		metrics:     opts.Metrics,
		observer:    opts.Observer,
		sessions:    make(map[string]*Session),
	}
	if c.sessionInfo == nil {
		c.sessionInfo = sessioninfo.NewRepository(sessioninfo.Options{
			BaseURL: cfg.API.URL,
			Logger:  c.logger,
		})
	}
	if c.analytics == nil {
		c.analytics = ports.NopAnalytics{}
	}
	if c.metrics == nil {
		c.metrics = ports.NopMetrics{}
	}
	c.exceptions = events.NewEmitter[ExceptionEvent](c.logger)
	return c
}

// Config returns the client configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Exceptions is the process wide error notification channel.
func (c *Client) Exceptions() *events.Emitter[ExceptionEvent] {
	return c.exceptions
}

// NewSession creates a session handle for sessionID using the configured
// API key. Asking twice for the same id returns the same session.
func (c *Client) NewSession(sessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		return s
	}
	s := newSession(c, c.cfg.API.APIKey, sessionID)
	c.sessions[sessionID] = s
	return s
}

func (c *Client) forgetSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// ReportError is the single exception path: it logs, records an analytics
// event and raises an ExceptionEvent.
func (c *Client) ReportError(ctx context.Context, sessionID, title string, err error) {
	if err == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	code := apperrors.CodeOf(err)
	if code == 0 {
		code = apperrors.ErrCodeUnexpected
	}

	c.ctxLogger.LogError(logger.WithSessionID(ctx, sessionID), err, title, zap.Int("code", int(code)))
	c.analytics.LogEvent(domain.AnalyticsEvent{
		Action:     "Exception",
		Variation:  domain.VariationFailure,
		SessionID:  sessionID,
		PartnerID:  c.cfg.API.APIKey,
		Code:       int(code),
		Message:    err.Error(),
		ClientTime: utils.NowMillis(),
	})
	c.exceptions.Emit(ExceptionEvent{
		Code:      code,
		Title:     title,
		Message:   err.Error(),
		SessionID: sessionID,
		Err:       err,
	})
}

func (c *Client) negotiatorConfig(log *zap.SugaredLogger, key webrtc.PeerKey) webrtc.Config {
	cfg := webrtc.Config{
		PortMin:         c.cfg.WebRTC.PortRange.Min,
		PortMax:         c.cfg.WebRTC.PortRange.Max,
		ICEFailureGrace: c.cfg.WebRTC.ICEFailureGrace,
		Logger:          log,
		ConnectionID:    key.RemoteConnectionID,
		StreamID:        key.StreamID,
	}
	for _, s := range c.cfg.WebRTC.ICEServers {
		cfg.ICEServers = append(cfg.ICEServers, pionwebrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}

func (c *Client) rumorOptions() rumor.Options {
	return rumor.Options{
		ConnectTimeout:      c.cfg.Rumor.ConnectTimeout,
		PingInterval:        c.cfg.Rumor.PingInterval,
		ConnectivityTimeout: c.cfg.Rumor.ConnectivityTimeout,
		DrainInterval:       c.cfg.Rumor.DrainInterval,
		DrainRetries:        c.cfg.Rumor.DrainRetries,
		Observer:            c.observer,
	}
}
