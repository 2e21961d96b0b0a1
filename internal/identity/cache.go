package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport-level cache failures.
var ErrRedisUnavailable = errors.New("identity cache unavailable")

// Snapshot is the cached projection of a user identity. Stale role or
// verification data here is a security defect, not a performance nuisance,
// so every identity mutation must invalidate the entry.
type Snapshot struct {
	UserID   string    `json:"user_id"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	Verified bool      `json:"verified"`
	CachedAt time.Time `json:"cached_at"`
}

// Loader fetches the authoritative identity on a cache miss.
type Loader func(ctx context.Context, userID string) (Snapshot, error)

// Cache is a read-through Redis cache over the credential store. Entries are
// replaced wholesale (encode, SET) rather than mutated in place, so readers
// always decode a complete snapshot. TTL bounds staleness if an invalidation
// call is ever missed.
type Cache struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewCache(client redis.UniversalClient, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "aid"
	}
	return &Cache{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *Cache) key(userID string) string {
	return c.prefix + ":" + userID
}

// Get returns the cached snapshot, loading and populating on a miss. The
// boolean reports whether the read was served from cache. A cache backend
// failure falls through to the loader: losing the cache must not take down
// authenticated reads.
func (c *Cache) Get(ctx context.Context, userID string, load Loader) (Snapshot, bool, error) {
	data, err := c.redis.Get(ctx, c.key(userID)).Bytes()
	switch {
	case err == nil:
		var snap Snapshot
		if decErr := json.Unmarshal(data, &snap); decErr == nil {
			return snap, true, nil
		}
		// Corrupt entry: drop it and fall through to the loader.
		_ = c.redis.Del(ctx, c.key(userID)).Err()
	case errors.Is(err, redis.Nil):
		// Miss: load and populate below.
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Snapshot{}, false, err
	default:
		// Backend failure: serve from the authoritative store, skip populate.
		snap, loadErr := load(ctx, userID)
		if loadErr != nil {
			return Snapshot{}, false, loadErr
		}
		return snap, false, nil
	}

	snap, err := load(ctx, userID)
	if err != nil {
		return Snapshot{}, false, err
	}

	if err := c.Put(ctx, snap); err != nil {
		// Population is best-effort; the caller already has the snapshot.
		return snap, false, nil
	}
	return snap, false, nil
}

// Put stores a snapshot under the configured TTL.
func (c *Cache) Put(ctx context.Context, snap Snapshot) error {
	snap.CachedAt = c.now()
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	if err := c.redis.Set(ctx, c.key(snap.UserID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Invalidate evicts the entry. Callers invoke it on every identity mutation;
// the next Get observes the post-mutation record.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.redis.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
