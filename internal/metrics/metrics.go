package metrics

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter (or the identity-latency histogram).
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricRefreshRateLimited
	MetricLogout
	MetricLogoutAll
	MetricResetRequest
	MetricResetConfirmSuccess
	MetricResetConfirmFailure
	MetricResetRateLimited
	MetricVerifyRequest
	MetricVerifySuccess
	MetricVerifyFailure
	MetricCacheHit
	MetricCacheMiss
	MetricCacheInvalidation
	MetricStoreRetry
	MetricNotifyFailure
	MetricIdentityLatency
	MetricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

// paddedCounter keeps each counter on its own cache line so concurrent
// increments of different metrics do not false-share.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

type histogram struct {
	buckets [histBucketCount]uint64
}

// Config enables the system; when disabled every operation is a no-op.
type Config struct {
	Enabled       bool
	EnableLatency bool
}

// Metrics holds atomic counters and an optional latency histogram for the
// identity hot path. Safe for concurrent use; a nil receiver is a no-op.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [MetricIDCount]paddedCounter
	histograms    [MetricIDCount]histogram
}

func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatency,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records identity-resolution latency. Only MetricIdentityLatency
// has a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricIdentityLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= MetricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot is a point-in-time deep copy of all metrics.
type Snapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil || !m.enabled {
		return Snapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := Snapshot{
		Counters:   make(map[MetricID]uint64, int(MetricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < MetricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricIdentityLatency].buckets[i])
		}
		s.Histograms[MetricIdentityLatency] = buckets
	}

	return s
}

// BucketCount is the fixed histogram width exposed to exporters.
const BucketCount = histBucketCount

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
