package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func newTestLedger(t *testing.T, rdb *redis.Client) *RefreshLedger {
	t.Helper()

	return NewRefreshLedger(rdb, RefreshConfig{
		Prefix:    "arl",
		TTL:       time.Hour,
		Retention: time.Hour,
	})
}

func TestRefreshIssueAndValidate(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	token, rec, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if token == "" || rec.TokenID == "" || rec.FamilyID == "" {
		t.Fatalf("expected populated token and record, got token=%q rec=%+v", token, rec)
	}

	state, err := lg.Validate(ctx, rec.TokenID)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if state != StateActive {
		t.Fatalf("expected active state, got %v", state)
	}

	if state, _ := lg.Validate(ctx, "nonexistent"); state != StateUnknown {
		t.Fatalf("expected unknown state for missing record, got %v", state)
	}
}

func TestRefreshRotateChain(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	t0, rec0, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	t1, rec1, err := lg.Rotate(ctx, t0)
	if err != nil {
		t.Fatalf("first Rotate failed: %v", err)
	}
	if rec1.FamilyID != rec0.FamilyID {
		t.Fatalf("rotation changed family: %q != %q", rec1.FamilyID, rec0.FamilyID)
	}
	if rec1.UserID != "u1" {
		t.Fatalf("rotation changed user: %q", rec1.UserID)
	}

	_, rec2, err := lg.Rotate(ctx, t1)
	if err != nil {
		t.Fatalf("second Rotate failed: %v", err)
	}

	// Old records stay, marked revoked with a pointer to their successor.
	old, err := lg.Get(ctx, rec0.TokenID)
	if err != nil {
		t.Fatalf("Get old record failed: %v", err)
	}
	if !old.Revoked || old.ReplacedBy != rec1.TokenID {
		t.Fatalf("expected revoked record replaced by %s, got %+v", rec1.TokenID, old)
	}

	if state, _ := lg.Validate(ctx, rec2.TokenID); state != StateActive {
		t.Fatalf("expected head of chain active, got %v", state)
	}
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	t0, _, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	t1, _, err := lg.Rotate(ctx, t0)
	if err != nil {
		t.Fatalf("first Rotate failed: %v", err)
	}
	_, rec2, err := lg.Rotate(ctx, t1)
	if err != nil {
		t.Fatalf("second Rotate failed: %v", err)
	}

	// Replaying t0 must revoke the whole chain, including the live head.
	// The returned record attributes the revocation to its owner and family.
	_, reuseRec, err := lg.Rotate(ctx, t0)
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}
	if reuseRec.UserID != "u1" || reuseRec.FamilyID != rec2.FamilyID {
		t.Fatalf("expected reuse attributed to u1/%s, got %+v", rec2.FamilyID, reuseRec)
	}

	state, err := lg.Validate(ctx, rec2.TokenID)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if state != StateRevoked {
		t.Fatalf("expected head revoked after reuse, got %v", state)
	}
}

func TestRefreshRotateSingleWinner(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	token, _, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := lg.Rotate(ctx, token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, reuse := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrReuseDetected):
			reuse++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}

	if success != 1 {
		t.Fatalf("expected exactly one rotation winner, got %d", success)
	}
	if reuse != n-1 {
		t.Fatalf("expected %d reuse detections, got %d", n-1, reuse)
	}
}

func TestRefreshRotateExpired(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	token, rec, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	lg.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, _, err := lg.Rotate(ctx, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if state, _ := lg.Validate(ctx, rec.TokenID); state != StateExpired {
		t.Fatalf("expected expired state, got %v", state)
	}
}

func TestRefreshRotateMalformedAndForged(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	if _, _, err := lg.Rotate(ctx, "not-a-token"); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}

	// Well-formed token the ledger never issued.
	forged, _, err := NewRefreshLedger(rdb, RefreshConfig{Prefix: "other", TTL: time.Hour}).Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, _, err := lg.Rotate(ctx, forged); !errors.Is(err, ErrTokenUnknown) {
		t.Fatalf("expected ErrTokenUnknown for forged token, got %v", err)
	}
}

func TestRefreshRevokeUser(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	_, rec1, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	_, rec2, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	_, other, err := lg.Issue(ctx, "u2", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := lg.RevokeUser(ctx, "u1"); err != nil {
		t.Fatalf("RevokeUser failed: %v", err)
	}

	for _, id := range []string{rec1.TokenID, rec2.TokenID} {
		if state, _ := lg.Validate(ctx, id); state != StateRevoked {
			t.Fatalf("expected %s revoked, got %v", id, state)
		}
	}
	if state, _ := lg.Validate(ctx, other.TokenID); state != StateActive {
		t.Fatalf("expected other user's token untouched, got %v", state)
	}
}

func TestRefreshRevokeUserReachesLongRotatedChain(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	token, _, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// The issue-time index TTL (ttl+retention = 2h) lapses at 120m; a chain
	// rotated at 90m must push the user index out past that, or RevokeUser
	// loses sight of a still-active family.
	mr.FastForward(90 * time.Minute)
	_, rec, err := lg.Rotate(ctx, token)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	mr.FastForward(40 * time.Minute)

	if err := lg.RevokeUser(ctx, "u1"); err != nil {
		t.Fatalf("RevokeUser failed: %v", err)
	}
	if state, _ := lg.Validate(ctx, rec.TokenID); state != StateRevoked {
		t.Fatalf("expected rotated head revoked, got %v", state)
	}
}

func TestRefreshRevokeByTokenIdempotent(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	lg := newTestLedger(t, rdb)

	token, rec, err := lg.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := lg.RevokeByToken(ctx, token); err != nil {
		t.Fatalf("RevokeByToken failed: %v", err)
	}
	if state, _ := lg.Validate(ctx, rec.TokenID); state != StateRevoked {
		t.Fatalf("expected revoked, got %v", state)
	}

	// Repeats and junk succeed silently.
	if err := lg.RevokeByToken(ctx, token); err != nil {
		t.Fatalf("repeat RevokeByToken failed: %v", err)
	}
	if err := lg.RevokeByToken(ctx, "garbage"); err != nil {
		t.Fatalf("malformed RevokeByToken failed: %v", err)
	}
}
