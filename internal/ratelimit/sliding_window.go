// Package ratelimit provides distributed sliding-window admission
// control for calls against the upstream graph API, scoped per tenant
// and globally.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default limiter configuration values.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxWait      = 30 * time.Second
	// ttlBuffer keeps scope keys alive slightly longer than the window
	// so a prune on the next acquire still sees them.
	ttlBuffer = time.Second
)

// Scope key prefixes.
const (
	KeyPrefixTenant = "rl:tenant:"
	KeyPrefixGlobal = "rl:global:"
)

// acquireScript runs the prune-count-insert sequence as one atomic
// operation: entries older than the window are removed, the remainder
// counted, and the current timestamp inserted only when the count is
// below the limit. Without the single script a second client could
// slip between the count and the insert.
var acquireScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local max = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
	local count = redis.call('ZCARD', key)
	if count >= max then
		return 0
	end
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, ttl)
	return 1
`)

// dualAcquireScript admits a request only when both scopes have room,
// inserting into both or neither. This keeps one tenant from starving
// the shared upstream quota while never consuming a tenant slot
// without the matching global slot.
var dualAcquireScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local windowA = tonumber(ARGV[2])
	local maxA = tonumber(ARGV[3])
	local windowB = tonumber(ARGV[4])
	local maxB = tonumber(ARGV[5])
	local ttlA = tonumber(ARGV[6])
	local ttlB = tonumber(ARGV[7])
	local member = ARGV[8]

	redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - windowA)
	redis.call('ZREMRANGEBYSCORE', KEYS[2], 0, now - windowB)
	if redis.call('ZCARD', KEYS[1]) >= maxA then
		return 0
	end
	if redis.call('ZCARD', KEYS[2]) >= maxB then
		return 0
	end
	redis.call('ZADD', KEYS[1], now, member)
	redis.call('PEXPIRE', KEYS[1], ttlA)
	redis.call('ZADD', KEYS[2], now, member)
	redis.call('PEXPIRE', KEYS[2], ttlB)
	return 1
`)

// Limit describes one admission scope.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// SlidingWindowLimiter implements distributed sliding-window admission
// over Redis sorted sets.
type SlidingWindowLimiter struct {
	redis        redis.Cmdable
	pollInterval time.Duration
	maxWait      time.Duration
	// now is swappable for tests.
	now func() time.Time
}

// Config holds limiter configuration.
type Config struct {
	// Redis is the client used for the shared windows. Required.
	Redis redis.Cmdable
	// PollInterval is the WaitForSlot retry cadence. Default: 100ms.
	PollInterval time.Duration
	// MaxWait bounds how long WaitForSlot polls. Default: 30s.
	MaxWait time.Duration
}

// New creates a limiter with the given configuration.
func New(cfg *Config) (*SlidingWindowLimiter, error) {
	if cfg == nil || cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	return &SlidingWindowLimiter{
		redis:        cfg.Redis,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		now:          time.Now,
	}, nil
}

// Acquire attempts to take one slot in the scope's window. The
// prune-count-insert sequence executes as a single atomic round trip.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context, scope string, limit Limit) (bool, error) {
	nowMs := l.now().UnixMilli()
	windowMs := limit.Window.Milliseconds()
	ttlMs := windowMs + ttlBuffer.Milliseconds()
	member := uuid.New().String()

	granted, err := acquireScript.Run(ctx, l.redis, []string{scope},
		nowMs, windowMs, limit.MaxRequests, ttlMs, member).Int64()
	if err != nil {
		return false, err
	}
	return granted == 1, nil
}

// AcquireDual attempts a slot in both the tenant and global scopes,
// all-or-nothing.
func (l *SlidingWindowLimiter) AcquireDual(ctx context.Context, tenantScope string, tenantLimit Limit, globalScope string, globalLimit Limit) (bool, error) {
	nowMs := l.now().UnixMilli()
	member := uuid.New().String()

	granted, err := dualAcquireScript.Run(ctx, l.redis,
		[]string{tenantScope, globalScope},
		nowMs,
		tenantLimit.Window.Milliseconds(), tenantLimit.MaxRequests,
		globalLimit.Window.Milliseconds(), globalLimit.MaxRequests,
		tenantLimit.Window.Milliseconds()+ttlBuffer.Milliseconds(),
		globalLimit.Window.Milliseconds()+ttlBuffer.Milliseconds(),
		member).Int64()
	if err != nil {
		return false, err
	}
	return granted == 1, nil
}

// WaitForSlot polls Acquire every poll interval until a slot is
// granted or the wait budget runs out. The timeout path returns false
// without an error; callers decide whether to fail closed.
func (l *SlidingWindowLimiter) WaitForSlot(ctx context.Context, scope string, limit Limit) (bool, error) {
	return l.waitFor(ctx, func(ctx context.Context) (bool, error) {
		return l.Acquire(ctx, scope, limit)
	})
}

// WaitForDualSlot polls AcquireDual until both scopes grant a slot or
// the wait budget runs out.
func (l *SlidingWindowLimiter) WaitForDualSlot(ctx context.Context, tenantScope string, tenantLimit Limit, globalScope string, globalLimit Limit) (bool, error) {
	return l.waitFor(ctx, func(ctx context.Context) (bool, error) {
		return l.AcquireDual(ctx, tenantScope, tenantLimit, globalScope, globalLimit)
	})
}

func (l *SlidingWindowLimiter) waitFor(ctx context.Context, acquire func(context.Context) (bool, error)) (bool, error) {
	deadline := l.now().Add(l.maxWait)

	for {
		granted, err := acquire(ctx)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
		if !l.now().Add(l.pollInterval).Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// TenantScope builds the admission scope key for a tenant.
func TenantScope(tenantID string) string {
	return KeyPrefixTenant + tenantID
}

// GlobalScope builds the shared upstream admission scope key.
func GlobalScope() string {
	return KeyPrefixGlobal + "source"
}
