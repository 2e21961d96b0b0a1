package authgate

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/mpetrenko/authgate/internal/audit"
	"github.com/mpetrenko/authgate/internal/identity"
	"github.com/mpetrenko/authgate/internal/ledger"
	"github.com/mpetrenko/authgate/internal/metrics"
	"github.com/mpetrenko/authgate/internal/rate"
	"github.com/mpetrenko/authgate/jwt"
	"github.com/mpetrenko/authgate/password"
)

// Builder assembles an Engine. Configure, then call Build exactly once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userProvider UserProvider
	notifier     Notifier
	hasher       PasswordHasher
	auditSink    AuditSink

	built bool
}

// New returns a builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the whole configuration. The builder keeps a private
// copy so later mutation of cfg by the caller has no effect.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing the ledgers, cache, and limiter.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider sets the credential store collaborator. Required.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithNotifier sets the out-of-band delivery collaborator. Optional; without
// it reset and verification tokens are issued but not delivered.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithPasswordHasher overrides the default argon2id hasher.
func (b *Builder) WithPasswordHasher(h PasswordHasher) *Builder {
	b.hasher = h
	return b
}

// WithAuditSink sets the audit event consumer and enables auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = true
	return b
}

// WithMetricsEnabled toggles the internal counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the identity-resolution latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher := b.hasher
	if hasher == nil {
		var err error
		hasher, err = password.NewArgon2(password.Argon2Config{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		})
		if err != nil {
			return nil, err
		}
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		Secret:        cloneBytes(cfg.JWT.Secret),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cfg,
		redis:        b.redis,
		userProvider: b.userProvider,
		notifier:     b.notifier,
		hasher:       hasher,
		jwtManager:   jm,
		refreshLedger: ledger.NewRefreshLedger(b.redis, ledger.RefreshConfig{
			Prefix:    cfg.Refresh.RedisPrefix,
			TTL:       cfg.Refresh.TTL,
			Retention: cfg.Refresh.Retention,
		}),
		resetStore:    ledger.NewOneTimeStore(b.redis, cfg.Reset.RedisPrefix, cfg.Reset.TTL),
		identityCache: identity.NewCache(b.redis, cfg.Cache.RedisPrefix, cfg.Cache.TTL),
		limiter: rate.New(b.redis, cfg.RateLimit.RedisPrefix, rate.Config{
			Login:            rate.Policy(cfg.RateLimit.Login),
			LoginIP:          rate.Policy(cfg.RateLimit.LoginIP),
			Refresh:          rate.Policy(cfg.RateLimit.Refresh),
			Reset:            rate.Policy(cfg.RateLimit.Reset),
			Verify:           rate.Policy(cfg.RateLimit.Verify),
			EnableIPThrottle: cfg.RateLimit.EnableIPThrottle,
		}),
		metrics: metrics.New(metrics.Config{
			Enabled:       cfg.Metrics.Enabled,
			EnableLatency: cfg.Metrics.EnableLatencyHistograms,
		}),
		audit: audit.NewDispatcher(audit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
	}

	if cfg.Verification.Enabled {
		engine.verifyStore = ledger.NewOneTimeStore(b.redis, cfg.Verification.RedisPrefix, cfg.Verification.TTL)
	}

	engine.flows = newFlowService(engine)

	b.built = true
	return engine, nil
}
