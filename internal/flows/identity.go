package flows

import (
	"context"
	"time"

	"github.com/mpetrenko/authgate/internal/identity"
	"github.com/mpetrenko/authgate/internal/metrics"
)

// IdentityDeps captures identity resolution dependencies.
type IdentityDeps struct {
	Resolve func(ctx context.Context, userID string) (identity.Snapshot, bool, error)

	Now     func() time.Time
	Metrics *metrics.Metrics
	Errors  Errors
}

// RunIdentity resolves a user snapshot through the read-through cache,
// recording hit ratio and resolution latency.
func RunIdentity(ctx context.Context, userID string, deps IdentityDeps) (identity.Snapshot, error) {
	deps.Now = defaultNow(deps.Now)
	if deps.Resolve == nil {
		return identity.Snapshot{}, deps.Errors.EngineNotReady
	}
	if userID == "" {
		return identity.Snapshot{}, deps.Errors.UserNotFound
	}

	start := deps.Now()
	snap, hit, err := deps.Resolve(ctx, userID)
	deps.Metrics.Observe(metrics.MetricIdentityLatency, deps.Now().Sub(start))
	if err != nil {
		return identity.Snapshot{}, err
	}

	if hit {
		deps.Metrics.Inc(metrics.MetricCacheHit)
	} else {
		deps.Metrics.Inc(metrics.MetricCacheMiss)
	}

	return snap, nil
}
