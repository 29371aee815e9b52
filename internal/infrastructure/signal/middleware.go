package signal

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/logger"
	"rtcsession/pkg/tracing"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// RateLimitMiddleware limits HTTP requests per client IP.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	store := newRateLimiterStore(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !store.getLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": time.Second.Seconds(),
			})
			return
		}
		c.Next()
	}
}

// httpStatus maps an error code to the HTTP status a handler answers with.
// Codes below 1000 already are HTTP statuses.
func httpStatus(code apperrors.ErrorCode) int {
	switch {
	case code < 1000 && code >= 400:
		return int(code)
	case code == apperrors.ErrCodeAuthFailed:
		return http.StatusForbidden
	case code == apperrors.ErrCodeInvalidSessID:
		return http.StatusNotFound
	case code == apperrors.ErrCodeInvalidParam:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandlerMiddleware renders errors attached with c.Error.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := apperrors.GetAppError(err); appErr != nil {
			status := httpStatus(appErr.Code)
			log.Errorw("application error",
				"code", int(appErr.Code),
				"message", appErr.Message,
				"status", status,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)
			c.JSON(status, gin.H{
				"error":   appErr.Code.String(),
				"code":    int(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		log.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   apperrors.ErrCodeInternal.String(),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   apperrors.ErrCodeInternal.String(),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}

// TracingMiddleware adds tracing to HTTP requests
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// RequestLogMiddleware logs every request with its latency.
func RequestLogMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.LogRequest(c.Request.Context(), c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

const claimsKey = "signal_claims"

// ModeratorAuth admits requests carrying a moderator token for the session
// named by the :id route parameter.
func ModeratorAuth(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		claims, err := issuer.VerifyFor(parts[1], c.Param("id"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if claims.Role != RoleModerator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "moderator role required"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}
