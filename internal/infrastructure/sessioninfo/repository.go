// Package sessioninfo resolves the messaging endpoints of a session from the
// session API before the signaling socket is opened.
package sessioninfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/core/ports"
	"rtcsession/internal/infrastructure/rumor"
	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/logger"
	"rtcsession/pkg/retry"
	"rtcsession/pkg/tracing"
	"rtcsession/pkg/utils"
)

// DefaultTimeout bounds one HTTP attempt.
const DefaultTimeout = 10 * time.Second

// Options configures a Repository.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Retry      retry.Config
	Logger     *zap.SugaredLogger
}

// Repository fetches session info over HTTP.
type Repository struct {
	baseURL string
	http    *http.Client
	retry   retry.Config
	logger  *zap.SugaredLogger
}

var _ ports.SessionInfoRepository = (*Repository)(nil)

// NewRepository creates a repository for the API at opts.BaseURL.
func NewRepository(opts Options) *Repository {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Retry.MaxAttempts == 0 && !opts.Retry.Enabled {
		opts.Retry = retry.DefaultConfig()
	}
	// API rejections are final; only transport failures are retried.
	opts.Retry.Retryable = func(err error) bool { return !apperrors.IsAppError(err) }

	return &Repository{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		retry:   opts.Retry,
		logger:  opts.Logger.With("component", "session_info"),
	}
}

// wireInfo is one element of the session API response.
type wireInfo struct {
	SessionID          string `json:"session_id"`
	PartnerID          string `json:"partner_id"`
	SessionStatus      string `json:"session_status"`
	MessagingServerURL string `json:"messaging_server_url"`
	MessagingURL       string `json:"messaging_url"`
	SymphonyAddress    string `json:"symphony_address"`
	Properties         struct {
		P2P struct {
			Preference struct {
				Value string `json:"value"`
			} `json:"preference"`
		} `json:"p2p"`
	} `json:"properties"`

	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"errorMessage"`
}

// Get fetches the info of sessionID, authenticating with token.
func (r *Repository) Get(ctx context.Context, sessionID, token string) (*domain.SessionInfo, error) {
	endpoint := fmt.Sprintf("%s/session/%s?extended=true", r.baseURL, url.PathEscape(sessionID))

	ctx, span := tracing.TraceSessionInfo(ctx, http.MethodGet, endpoint)
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "session_info.get")

	info, err := retry.RetryWithResult(ctx, r.retry, func() (*domain.SessionInfo, error) {
		info, err := r.fetch(ctx, endpoint, token)
		if err != nil && !apperrors.IsAppError(err) {
			r.logger.Debugw("Session info request failed", "session_id", sessionID, "error", err)
		}
		return info, err
	})
	if err != nil {
		var permanent *retry.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if !apperrors.IsAppError(err) {
			err = apperrors.Wrap(err, apperrors.ErrCodeConnectFailed, "unable to reach the session API")
		}
		tracing.RecordError(ctx, err)
		r.logger.Warnw("Failed to get session info", "session_id", sessionID,
			"token", utils.MaskSensitive(token, 8), "error", err)
		return nil, err
	}
	r.logger.Debugw("Session info resolved",
		"session_id", info.SessionID,
		"messaging_url", info.MessagingURL,
		"symphony_address", info.SymphonyAddress,
		"p2p", info.P2PEnabled)
	return info, nil
}

func (r *Repository) fetch(ctx context.Context, endpoint, token string) (*domain.SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidParam, "invalid session API URL")
	}
	req.Header.Set(rumor.HeaderTokenAuth, token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("session API returned HTTP %d", resp.StatusCode)
	}
	return Parse(body, resp.StatusCode)
}

// Parse decodes a session API response body. status is the HTTP status,
// used when the body carries no error node of its own.
func Parse(body []byte, status int) (*domain.SessionInfo, error) {
	var items []wireInfo
	if err := json.Unmarshal(body, &items); err != nil {
		if status >= 400 {
			return nil, apiError(status, utils.TruncateString(string(body), 200))
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeAPIResponse, "session API response is not a JSON array")
	}
	for _, item := range items {
		if item.Error != nil {
			return nil, apiError(item.Error.Code, item.Error.Message)
		}
	}
	if status >= 400 {
		return nil, apiError(status, "")
	}
	if len(items) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeAPIResponse, "session API returned no session")
	}

	first := items[0]
	return &domain.SessionInfo{
		SessionID:          first.SessionID,
		PartnerID:          first.PartnerID,
		SessionStatus:      first.SessionStatus,
		MessagingServerURL: first.MessagingServerURL,
		MessagingURL:       first.MessagingURL,
		SymphonyAddress:    first.SymphonyAddress,
		P2PEnabled:         first.Properties.P2P.Preference.Value == "enabled",
	}, nil
}

// apiError remaps the API's HTTP-like codes to exception codes.
func apiError(code int, message string) error {
	if message == "" {
		message = http.StatusText(code)
	}
	switch code {
	case http.StatusBadRequest, http.StatusNotFound:
		return apperrors.Newf(apperrors.ErrCodeInvalidSessID, "invalid session id: %s", message).WithContext("status", code)
	case http.StatusForbidden:
		return apperrors.Newf(apperrors.ErrCodeAuthFailed, "authentication failed: %s", message).WithContext("status", code)
	case http.StatusConflict:
		return apperrors.Newf(apperrors.ErrCodeTermsOfSvc, "terms of service violation: %s", message).WithContext("status", code)
	}
	return apperrors.Newf(apperrors.ErrCodeAPIResponse, "session API error %d: %s", code, message).WithContext("status", code)
}
