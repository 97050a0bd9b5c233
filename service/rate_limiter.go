package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/siwe-auth/core"
	"github.com/layer-3/siwe-auth/internal/metrics"
	"github.com/layer-3/siwe-auth/ports"
	"go.uber.org/zap"
)

const (
	rateLimitKeyPrefix = "ratelimiter:"

	DefaultRateLimit       = 10
	DefaultRateLimitWindow = 60 * time.Second
)

// RateLimiter is a fixed window request counter per client identity.
//
// The first request of a window is recorded with an existence check followed
// by a plain set, so two concurrent first requests may both be admitted and
// both reset the counter to 1. Later requests go through the store's atomic
// increment. The limit is therefore approximate under contention. A counter
// is never left without the window's expiry.
type RateLimiter struct {
	store  ports.Store
	max    int64
	window time.Duration
	logger *zap.Logger
}

// NewRateLimiter creates a limiter admitting max requests per window.
func NewRateLimiter(store ports.Store, max int64, window time.Duration, logger *zap.Logger) (*RateLimiter, error) {
	if max <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d", max)
	}
	if window <= 0 {
		return nil, fmt.Errorf("invalid rate limit window %s", window)
	}
	return &RateLimiter{
		store:  store,
		max:    max,
		window: window,
		logger: logger.Named("ratelimiter"),
	}, nil
}

// Limit admits or rejects one request from clientID. It returns
// core.ErrRateLimitExceeded when the window's budget is spent.
func (r *RateLimiter) Limit(ctx context.Context, clientID string) error {
	key := rateLimitKeyPrefix + clientID

	exists, err := r.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return r.store.Set(ctx, key, "1", r.window)
	}

	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		// Window ended between the two reads.
		return r.store.Set(ctx, key, "1", r.window)
	}
	if err != nil {
		return err
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid counter for %s: %w", clientID, err)
	}
	if count >= r.max {
		metrics.RateLimitRejectedTotal.Inc()
		r.logger.Debug("rate limit exceeded", zap.String("client", clientID), zap.Int64("count", count))
		return core.ErrRateLimitExceeded
	}

	n, err := r.store.IncrementBy(ctx, key, 1)
	if err != nil {
		return err
	}
	if n == 1 {
		// Window ended after the read; the increment created the key
		// without an expiry.
		return r.store.Set(ctx, key, "1", r.window)
	}
	return nil
}
