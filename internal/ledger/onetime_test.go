package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestOneTime(t *testing.T, rdb *redis.Client) *OneTimeStore {
	t.Helper()
	return NewOneTimeStore(rdb, "aot", 30*time.Minute)
}

func TestOneTimeConsumeOnce(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newTestOneTime(t, rdb)

	token, err := store.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	userID, err := store.Consume(ctx, token)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("expected subject u1, got %q", userID)
	}

	if _, err := store.Consume(ctx, token); !errors.Is(err, ErrChallengeConsumed) {
		t.Fatalf("expected ErrChallengeConsumed on replay, got %v", err)
	}
}

func TestOneTimeIssueInvalidatesPrior(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newTestOneTime(t, rdb)

	first, err := store.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("first Issue failed: %v", err)
	}
	second, err := store.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("second Issue failed: %v", err)
	}

	if _, err := store.Consume(ctx, first); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected superseded challenge to be gone, got %v", err)
	}
	if _, err := store.Consume(ctx, second); err != nil {
		t.Fatalf("expected live challenge to consume, got %v", err)
	}
}

func TestOneTimeExpired(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newTestOneTime(t, rdb)

	token, err := store.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(time.Hour) }

	if _, err := store.Consume(ctx, token); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestOneTimeUnknownAndMalformed(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newTestOneTime(t, rdb)

	if _, err := store.Consume(ctx, "junk"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound for malformed token, got %v", err)
	}

	other := NewOneTimeStore(rdb, "aev", 30*time.Minute)
	token, err := other.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	// Prefixes isolate stores; a verification token means nothing to resets.
	if _, err := store.Consume(ctx, token); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound across prefixes, got %v", err)
	}
}

func TestOneTimeInvalidate(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := newTestOneTime(t, rdb)

	token, err := store.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := store.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := store.Consume(ctx, token); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected invalidated challenge to be gone, got %v", err)
	}

	// No live challenge is a no-op.
	if err := store.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("second Invalidate failed: %v", err)
	}
}
