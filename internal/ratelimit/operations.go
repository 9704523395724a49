package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/scribeforge/creditd/internal/config"
)

const (
	keyOperationsUser = "ops:user:%s"
	keyOperationsLock = "ops:lock:%s"
)

// OperationLimiter throttles generation requests per user. A nil limiter
// allows everything, so callers do not need to branch on configuration.
type OperationLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	userRate  float64
	userBurst int
}

func NewOperationLimiter(cfg config.Config) (*OperationLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.UserRate <= 0 || limitCfg.UserBurst <= 0 {
		return nil, errors.New("user rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &OperationLimiter{
		enabled:   true,
		bucket:    NewTokenBucket(client),
		locker:    NewLocker(client),
		userRate:  limitCfg.UserRate,
		userBurst: limitCfg.UserBurst,
	}, nil
}

func (l *OperationLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowUser consumes one token from the user's bucket.
func (l *OperationLimiter) AllowUser(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyOperationsUser, strings.TrimSpace(userID)), l.userRate, l.userBurst)
}

// TryLockOperation guards duplicate in-flight submissions of the same operation.
func (l *OperationLimiter) TryLockOperation(ctx context.Context, operationID string, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(keyOperationsLock, strings.TrimSpace(operationID))
	return l.locker.TryLock(ctx, key, ttl)
}

func (l *OperationLimiter) ReleaseOperation(ctx context.Context, operationID, token string) error {
	if !l.Enabled() {
		return nil
	}
	key := fmt.Sprintf(keyOperationsLock, strings.TrimSpace(operationID))
	return l.locker.Release(ctx, key, token)
}
