package authgate

import (
	"errors"
	"time"
)

// JWTConfig configures the access-token codec.
type JWTConfig struct {
	// AccessTTL bounds access token lifetime. Keep it short; refresh
	// rotation is the long-lived credential.
	AccessTTL     time.Duration
	SigningMethod string // "hs256" or "ed25519"
	Secret        []byte
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
	// KeyID stamps minted tokens; VerifyKeys maps kid to verification key
	// and should hold the previous key during a rollover grace period.
	KeyID      string
	VerifyKeys map[string][]byte
}

// RefreshConfig configures the refresh token ledger.
type RefreshConfig struct {
	TTL time.Duration
	// Retention keeps revoked and expired records readable past TTL as an
	// audit trail before Redis garbage-collects them.
	Retention   time.Duration
	RedisPrefix string
}

// ResetConfig configures the one-time password reset ledger.
type ResetConfig struct {
	TTL         time.Duration
	RedisPrefix string
}

// VerificationConfig configures the email verification flow.
type VerificationConfig struct {
	Enabled     bool
	TTL         time.Duration
	RedisPrefix string
}

// CacheConfig configures the identity cache. TTL is the staleness fallback
// bound; write-through invalidation is the primary consistency mechanism.
type CacheConfig struct {
	TTL         time.Duration
	RedisPrefix string
}

// RatePolicy bounds one scope to Limit admissions per Window. A zero Limit
// or Window disables the scope.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig holds per-scope throttle policies. Login and reset scopes
// default tighter than refresh.
type RateLimitConfig struct {
	Login            RatePolicy
	LoginIP          RatePolicy
	Refresh          RatePolicy
	Reset            RatePolicy
	Verify           RatePolicy
	EnableIPThrottle bool
	RedisPrefix      string
}

// SecurityConfig holds cross-flow policy switches.
type SecurityConfig struct {
	RequireVerified        bool
	PasswordUpgradeOnLogin bool
	MinPasswordLength      int
}

// PasswordConfig sets argon2id parameters for the default hasher. Ignored
// when a custom PasswordHasher is injected.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// MetricsConfig enables the internal counters and the identity latency
// histogram consumed by the exporters under metrics/export.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Config is the full engine configuration. Zero-valued sections take the
// defaults from DefaultConfig.
type Config struct {
	JWT          JWTConfig
	Refresh      RefreshConfig
	Reset        ResetConfig
	Verification VerificationConfig
	Cache        CacheConfig
	RateLimit    RateLimitConfig
	Security     SecurityConfig
	Password     PasswordConfig
	Metrics      MetricsConfig
	Audit        AuditConfig
}

// DefaultConfig returns the recommended baseline. Signing key material must
// still be supplied by the host.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "hs256",
			Leeway:        30 * time.Second,
		},
		Refresh: RefreshConfig{
			TTL:         30 * 24 * time.Hour,
			Retention:   24 * time.Hour,
			RedisPrefix: "arl",
		},
		Reset: ResetConfig{
			TTL:         30 * time.Minute,
			RedisPrefix: "aot",
		},
		Verification: VerificationConfig{
			Enabled:     true,
			TTL:         24 * time.Hour,
			RedisPrefix: "aev",
		},
		Cache: CacheConfig{
			TTL:         5 * time.Minute,
			RedisPrefix: "aid",
		},
		RateLimit: RateLimitConfig{
			Login:       RatePolicy{Limit: 10, Window: time.Minute},
			LoginIP:     RatePolicy{Limit: 100, Window: time.Minute},
			Refresh:     RatePolicy{Limit: 60, Window: time.Minute},
			Reset:       RatePolicy{Limit: 3, Window: time.Hour},
			Verify:      RatePolicy{Limit: 3, Window: time.Hour},
			RedisPrefix: "art",
		},
		Security: SecurityConfig{
			RequireVerified:   true,
			MinPasswordLength: 8,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

// Validate rejects configurations the engine cannot run with. Key material
// checks live in jwt.NewManager; this covers the lifecycle parameters.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT.AccessTTL must be positive")
	}
	if c.Refresh.TTL <= 0 {
		return errors.New("Refresh.TTL must be positive")
	}
	if c.Refresh.TTL <= c.JWT.AccessTTL {
		return errors.New("Refresh.TTL must exceed JWT.AccessTTL")
	}
	if c.Refresh.Retention < 0 {
		return errors.New("Refresh.Retention must not be negative")
	}
	if c.Reset.TTL <= 0 {
		return errors.New("Reset.TTL must be positive")
	}
	if c.Verification.Enabled && c.Verification.TTL <= 0 {
		return errors.New("Verification.TTL must be positive when enabled")
	}
	if c.Cache.TTL <= 0 {
		return errors.New("Cache.TTL must be positive")
	}
	if c.Security.MinPasswordLength < 8 {
		return errors.New("Security.MinPasswordLength must be at least 8")
	}

	for _, p := range []struct {
		name   string
		policy RatePolicy
	}{
		{"Login", c.RateLimit.Login},
		{"LoginIP", c.RateLimit.LoginIP},
		{"Refresh", c.RateLimit.Refresh},
		{"Reset", c.RateLimit.Reset},
		{"Verify", c.RateLimit.Verify},
	} {
		if p.policy.Limit < 0 || p.policy.Window < 0 {
			return errors.New("RateLimit." + p.name + " must not be negative")
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize < 0 {
		return errors.New("Audit.BufferSize must not be negative")
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.Secret = cloneBytes(cfg.JWT.Secret)
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)

	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}

	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
