package authgate

import "github.com/mpetrenko/authgate/internal/metrics"

// MetricID identifies one internal counter.
type MetricID = metrics.MetricID

// MetricsSnapshot is a point-in-time copy of all counters and histograms,
// consumed by the exporters under metrics/export.
type MetricsSnapshot = metrics.Snapshot

// MetricBucketCount is the fixed width of the latency histogram.
const MetricBucketCount = metrics.BucketCount

const (
	MetricLoginSuccess         = metrics.MetricLoginSuccess
	MetricLoginFailure         = metrics.MetricLoginFailure
	MetricLoginRateLimited     = metrics.MetricLoginRateLimited
	MetricRefreshSuccess       = metrics.MetricRefreshSuccess
	MetricRefreshFailure       = metrics.MetricRefreshFailure
	MetricRefreshReuseDetected = metrics.MetricRefreshReuseDetected
	MetricRefreshRateLimited   = metrics.MetricRefreshRateLimited
	MetricLogout               = metrics.MetricLogout
	MetricLogoutAll            = metrics.MetricLogoutAll
	MetricResetRequest         = metrics.MetricResetRequest
	MetricResetConfirmSuccess  = metrics.MetricResetConfirmSuccess
	MetricResetConfirmFailure  = metrics.MetricResetConfirmFailure
	MetricResetRateLimited     = metrics.MetricResetRateLimited
	MetricVerifyRequest        = metrics.MetricVerifyRequest
	MetricVerifySuccess        = metrics.MetricVerifySuccess
	MetricVerifyFailure        = metrics.MetricVerifyFailure
	MetricCacheHit             = metrics.MetricCacheHit
	MetricCacheMiss            = metrics.MetricCacheMiss
	MetricCacheInvalidation    = metrics.MetricCacheInvalidation
	MetricStoreRetry           = metrics.MetricStoreRetry
	MetricNotifyFailure        = metrics.MetricNotifyFailure
	MetricIdentityLatency      = metrics.MetricIdentityLatency
	MetricIDCount              = metrics.MetricIDCount
)

var metricNames = map[MetricID]string{
	MetricLoginSuccess:         "login_success_total",
	MetricLoginFailure:         "login_failure_total",
	MetricLoginRateLimited:     "login_rate_limited_total",
	MetricRefreshSuccess:       "refresh_success_total",
	MetricRefreshFailure:       "refresh_failure_total",
	MetricRefreshReuseDetected: "refresh_reuse_detected_total",
	MetricRefreshRateLimited:   "refresh_rate_limited_total",
	MetricLogout:               "logout_total",
	MetricLogoutAll:            "logout_all_total",
	MetricResetRequest:         "password_reset_request_total",
	MetricResetConfirmSuccess:  "password_reset_confirm_success_total",
	MetricResetConfirmFailure:  "password_reset_confirm_failure_total",
	MetricResetRateLimited:     "password_reset_rate_limited_total",
	MetricVerifyRequest:        "email_verification_request_total",
	MetricVerifySuccess:        "email_verification_success_total",
	MetricVerifyFailure:        "email_verification_failure_total",
	MetricCacheHit:             "identity_cache_hit_total",
	MetricCacheMiss:            "identity_cache_miss_total",
	MetricCacheInvalidation:    "identity_cache_invalidation_total",
	MetricStoreRetry:           "store_retry_total",
	MetricNotifyFailure:        "notify_failure_total",
	MetricIdentityLatency:      "identity_latency_ms",
}

// MetricName returns the stable export name for a metric id, or "" for an
// unknown id.
func MetricName(id MetricID) string {
	return metricNames[id]
}

// MetricLatencyBucketBounds are the upper bounds (milliseconds) of the
// identity latency histogram buckets; the last bucket is unbounded.
var MetricLatencyBucketBounds = [MetricBucketCount - 1]int64{5, 10, 25, 50, 100, 250, 500}
