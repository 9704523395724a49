package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scribeforge/creditd/internal/observability/logger"
	"github.com/scribeforge/creditd/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	rateLimitReasonUserRate = "user-rate"
	rateLimitReasonInFlight = "operation-in-flight"

	// operationLockGrace pads the in-flight lock TTL past the generation
	// deadline so the lock outlives the slowest legitimate request.
	operationLockGrace = 30 * time.Second
)

// OperationGuard is the slice of the rate limiter the submission
// middleware needs; *ratelimit.OperationLimiter satisfies it.
type OperationGuard interface {
	Enabled() bool
	AllowUser(ctx context.Context, userID string) (*ratelimit.Result, error)
	TryLockOperation(ctx context.Context, operationID string, ttl time.Duration) (string, bool, error)
	ReleaseOperation(ctx context.Context, operationID, token string) error
}

type operationRateLimitKey struct {
	UserID      string `json:"user_id"`
	OperationID string `json:"operation_id"`
}

// OperationRateLimit throttles generation submissions per user and rejects
// a second in-flight submission of the same operation id, both before any
// balance work happens.
func (s *Server) OperationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opLimiter == nil || !s.opLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()

		key, err := readOperationKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if key.UserID == "" {
			c.Next()
			return
		}

		result, err := s.opLimiter.AllowUser(ctx, key.UserID)
		if err != nil {
			logger.FromContext(ctx).Warn("user rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			logger.FromContext(ctx).Warn("operation rate limit exceeded",
				zap.String("reason", rateLimitReasonUserRate),
			)
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(ctx, normalizeRateLimitEndpoint(c))
			}
			retryAfter := int(result.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonUserRate)
			AbortWithError(c, ErrRateLimited)
			return
		}

		// A client-supplied operation id is locked for the duration of the
		// request: retrying before the first attempt concludes would only
		// queue on the same reservation row.
		if key.OperationID != "" {
			token, ok, err := s.opLimiter.TryLockOperation(ctx, key.OperationID, s.operationLockTTL())
			if err != nil {
				logger.FromContext(ctx).Warn("operation lock check failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !ok {
				logger.FromContext(ctx).Warn("operation already in flight",
					zap.String("operation_id", key.OperationID),
				)
				if s.obsMetrics != nil {
					s.obsMetrics.RecordRateLimitDenied(ctx, normalizeRateLimitEndpoint(c))
				}
				c.Header("X-Rate-Limited-Reason", rateLimitReasonInFlight)
				AbortWithError(c, ErrOperationInFlight)
				return
			}
			defer func() {
				releaseCtx := context.WithoutCancel(ctx)
				if err := s.opLimiter.ReleaseOperation(releaseCtx, key.OperationID, token); err != nil {
					logger.FromContext(ctx).Warn("operation lock release failed", zap.Error(err))
				}
			}()
		}

		c.Next()
	}
}

func (s *Server) operationLockTTL() time.Duration {
	ttl := s.cfg.GenerationTimeout + operationLockGrace
	if ttl <= operationLockGrace {
		ttl = 2 * time.Minute
	}
	return ttl
}

func readOperationKey(c *gin.Context) (operationRateLimitKey, error) {
	var key operationRateLimitKey

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return key, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return key, nil
	}

	if err := json.Unmarshal(body, &key); err != nil {
		return operationRateLimitKey{}, nil
	}

	key.UserID = strings.TrimSpace(key.UserID)
	key.OperationID = strings.TrimSpace(key.OperationID)
	return key, nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
