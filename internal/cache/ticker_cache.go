// Package cache provides Redis-backed caching for market data, with graceful
// degradation. When Redis is down, reads miss and writes are dropped; callers
// fall through to the exchange.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-strategy-bot/internal/exchange"
)

// ErrMiss is returned when the key is absent or Redis is unavailable.
var ErrMiss = errors.New("cache miss")

const (
	keyTicker = "ticker:%s:%s" // exchange, symbol

	// Tickers go stale fast; the TTL only has to outlive one evaluation
	// tick fan-out plus API reads.
	DefaultTickerTTL = 30 * time.Second
)

// Config for the Redis connection.
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// TickerCache caches exchange tickers in Redis. A small circuit breaker marks
// the cache unhealthy after consecutive failures so a dead Redis does not add
// a timeout to every read.
type TickerCache struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// New connects to Redis. A failed initial ping returns a degraded-mode cache
// rather than an error, so the process starts even when Redis is down.
// Disabled config returns nil: a nil *TickerCache is safe to use and always
// misses.
func New(cfg Config, logger zerolog.Logger) *TickerCache {
	if !cfg.Enabled {
		return nil
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	tc := &TickerCache{
		client:        client,
		logger:        logger.With().Str("component", "ticker_cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		tc.logger.Warn().Err(err).Msg("Redis unavailable, starting in degraded mode")
		return tc
	}

	tc.healthy = true
	tc.lastCheck = time.Now()
	tc.logger.Info().Str("addr", cfg.Addr).Msg("Redis connected")
	return tc
}

// Healthy reports whether Redis is currently usable.
func (tc *TickerCache) Healthy() bool {
	if tc == nil {
		return false
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.healthy
}

// GetTicker returns a cached ticker, or ErrMiss.
func (tc *TickerCache) GetTicker(ctx context.Context, exchangeName, symbol string) (*exchange.Ticker, error) {
	if tc == nil || !tc.available(ctx) {
		return nil, ErrMiss
	}

	raw, err := tc.client.Get(ctx, tickerKey(exchangeName, symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			tc.recordSuccess()
			return nil, ErrMiss
		}
		tc.recordFailure(err)
		return nil, ErrMiss
	}
	tc.recordSuccess()

	var t exchange.Ticker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, ErrMiss
	}
	return &t, nil
}

// SetTicker stores a ticker with the given TTL (DefaultTickerTTL when zero).
// Failures are swallowed; the cache is best effort.
func (tc *TickerCache) SetTicker(ctx context.Context, exchangeName string, t exchange.Ticker, ttl time.Duration) {
	if tc == nil || !tc.available(ctx) {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTickerTTL
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := tc.client.Set(ctx, tickerKey(exchangeName, t.Symbol), raw, ttl).Err(); err != nil {
		tc.recordFailure(err)
		return
	}
	tc.recordSuccess()
}

// Close releases the Redis connection pool.
func (tc *TickerCache) Close() error {
	if tc == nil {
		return nil
	}
	return tc.client.Close()
}

func (tc *TickerCache) available(ctx context.Context) bool {
	tc.mu.RLock()
	healthy := tc.healthy
	shouldProbe := !healthy && time.Since(tc.lastCheck) >= tc.checkInterval
	tc.mu.RUnlock()

	if shouldProbe {
		tc.mu.Lock()
		tc.lastCheck = time.Now()
		tc.mu.Unlock()
		go tc.probe()
	}
	return healthy
}

func (tc *TickerCache) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tc.client.Ping(ctx).Err(); err == nil {
		tc.recordSuccess()
	}
}

func (tc *TickerCache) recordFailure(err error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.failureCount++
	if tc.failureCount >= tc.maxFailures && tc.healthy {
		tc.healthy = false
		tc.logger.Warn().Err(err).Int("failures", tc.failureCount).
			Msg("Redis marked unhealthy, degrading to pass-through")
	}
}

func (tc *TickerCache) recordSuccess() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if !tc.healthy {
		tc.logger.Info().Msg("Redis recovered")
	}
	tc.healthy = true
	tc.failureCount = 0
	tc.lastCheck = time.Now()
}

func tickerKey(exchangeName, symbol string) string {
	return fmt.Sprintf(keyTicker, strings.ToLower(exchangeName), strings.ToUpper(symbol))
}
