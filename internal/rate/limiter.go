package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps transport-level failures.
	ErrRedisUnavailable = errors.New("rate limiter unavailable")
)

// Scope names one throttled endpoint class. Limits differ per scope: login
// and reset requests are tighter than refresh.
type Scope string

const (
	ScopeLogin   Scope = "login"
	ScopeLoginIP Scope = "login_ip"
	ScopeRefresh Scope = "refresh"
	ScopeReset   Scope = "reset"
	ScopeVerify  Scope = "verify"
)

// Policy is one fixed window budget.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Config carries per-scope policies.
type Config struct {
	Login            Policy
	LoginIP          Policy
	Refresh          Policy
	Reset            Policy
	Verify           Policy
	EnableIPThrottle bool
}

// Decision is the machine-readable admission verdict. RetryAfter is positive
// exactly when the request is denied.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// admitScript increments the window counter, arms the window TTL on the
// first hit, and reads the remaining window back — one atomic round trip, so
// concurrent requests on the same key cannot interleave between the count
// and the threshold check.
const admitScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`

var admitLua = redis.NewScript(admitScript)

// Limiter bounds request rate per (scope, key) with Redis-backed fixed
// windows. Every admission counts against the budget, successful or not, so
// a correct credential inside an exhausted window is still denied.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

func New(client redis.UniversalClient, prefix string, cfg Config) *Limiter {
	if prefix == "" {
		prefix = "art"
	}
	return &Limiter{
		redis:  client,
		prefix: prefix,
		config: cfg,
	}
}

func (l *Limiter) key(scope Scope, key string) string {
	return l.prefix + ":" + string(scope) + ":" + key
}

func (l *Limiter) policy(scope Scope) Policy {
	switch scope {
	case ScopeLogin:
		return l.config.Login
	case ScopeLoginIP:
		return l.config.LoginIP
	case ScopeRefresh:
		return l.config.Refresh
	case ScopeReset:
		return l.config.Reset
	case ScopeVerify:
		return l.config.Verify
	default:
		return Policy{}
	}
}

// Admit records one attempt and decides whether it fits the window budget.
// A zero-limit policy disables the scope entirely (always allowed).
func (l *Limiter) Admit(ctx context.Context, scope Scope, key string) (Decision, error) {
	p := l.policy(scope)
	if p.Limit <= 0 || p.Window <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	result, err := admitLua.Run(
		ctx,
		l.redis,
		[]string{l.key(scope, key)},
		p.Window.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) < 2 {
		return Decision{}, fmt.Errorf("%w: invalid admit script response", ErrRedisUnavailable)
	}
	count, _ := parts[0].(int64)
	ttlMillis, _ := parts[1].(int64)

	if count > int64(p.Limit) {
		retry := time.Duration(ttlMillis) * time.Millisecond
		if retry <= 0 {
			retry = p.Window
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	return Decision{Allowed: true, Remaining: p.Limit - int(count)}, nil
}

// AdmitLoginIP applies the per-IP login budget when IP throttling is on.
func (l *Limiter) AdmitLoginIP(ctx context.Context, ip string) (Decision, error) {
	if !l.config.EnableIPThrottle || ip == "" {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	return l.Admit(ctx, ScopeLoginIP, ip)
}

// Reset clears the window for a key. Called after a successful password
// change so the user is not locked out by their own failed attempts.
func (l *Limiter) Reset(ctx context.Context, scope Scope, key string) error {
	if err := l.redis.Del(ctx, l.key(scope, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
