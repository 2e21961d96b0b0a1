package internaldefs

import (
	authgate "github.com/mpetrenko/authgate"
)

// CounterDef binds a core metric id to its export name and help text.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef binds a core histogram id to its export name and help text.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authgate.MetricLoginSuccess, Name: "authgate_login_success_total", Help: "Successful login attempts."},
	{ID: authgate.MetricLoginFailure, Name: "authgate_login_failure_total", Help: "Failed login attempts."},
	{ID: authgate.MetricLoginRateLimited, Name: "authgate_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: authgate.MetricRefreshReuseDetected, Name: "authgate_refresh_reuse_detected_total", Help: "Replayed refresh tokens that revoked a family."},
	{ID: authgate.MetricRefreshRateLimited, Name: "authgate_refresh_rate_limited_total", Help: "Rate-limited refresh attempts."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Single-family logout operations."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Logout-all operations."},
	{ID: authgate.MetricResetRequest, Name: "authgate_password_reset_request_total", Help: "Password reset requests."},
	{ID: authgate.MetricResetConfirmSuccess, Name: "authgate_password_reset_confirm_success_total", Help: "Successful password reset redemptions."},
	{ID: authgate.MetricResetConfirmFailure, Name: "authgate_password_reset_confirm_failure_total", Help: "Failed password reset redemptions."},
	{ID: authgate.MetricResetRateLimited, Name: "authgate_password_reset_rate_limited_total", Help: "Rate-limited password reset requests."},
	{ID: authgate.MetricVerifyRequest, Name: "authgate_email_verification_request_total", Help: "Email verification requests."},
	{ID: authgate.MetricVerifySuccess, Name: "authgate_email_verification_success_total", Help: "Successful email verifications."},
	{ID: authgate.MetricVerifyFailure, Name: "authgate_email_verification_failure_total", Help: "Failed email verifications."},
	{ID: authgate.MetricCacheHit, Name: "authgate_identity_cache_hit_total", Help: "Identity cache hits."},
	{ID: authgate.MetricCacheMiss, Name: "authgate_identity_cache_miss_total", Help: "Identity cache misses."},
	{ID: authgate.MetricCacheInvalidation, Name: "authgate_identity_cache_invalidation_total", Help: "Identity cache invalidations."},
	{ID: authgate.MetricStoreRetry, Name: "authgate_store_retry_total", Help: "Transient backend failures retried once."},
	{ID: authgate.MetricNotifyFailure, Name: "authgate_notify_failure_total", Help: "Out-of-band notification delivery failures."},
}

var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricIdentityLatency, Name: "authgate_identity_latency_ms", Help: "Identity resolution latency histogram (milliseconds)."},
}

// HistogramBounds are the le labels for the latency buckets, milliseconds.
var HistogramBounds = []string{
	"5",
	"10",
	"25",
	"50",
	"100",
	"250",
	"500",
	"+Inf",
}

// HistogramBoundSuffix are instrument-name-safe forms of HistogramBounds.
var HistogramBoundSuffix = []string{
	"5",
	"10",
	"25",
	"50",
	"100",
	"250",
	"500",
	"inf",
}

// NormalizeBuckets widens a snapshot slice into the fixed bucket array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
