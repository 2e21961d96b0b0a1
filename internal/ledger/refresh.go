package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mpetrenko/authgate/internal"
)

// State classifies a refresh token record at validation time.
type State int

const (
	StateUnknown State = iota
	StateActive
	StateExpired
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

var (
	// ErrTokenUnknown covers both tokens the ledger never issued and tokens
	// whose secret does not match the stored hash. The two cases are
	// indistinguishable to callers on purpose.
	ErrTokenUnknown = errors.New("refresh token unknown")
	// ErrTokenExpired is an unrevoked record past its expiry.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrTokenMalformed is a token that does not decode to id||secret.
	ErrTokenMalformed = errors.New("refresh token malformed")
	// ErrReuseDetected is returned when rotation is attempted on an already
	// revoked record. By the time the caller sees it, the whole family has
	// been revoked inside the rotation script.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrRedisUnavailable wraps transport-level failures.
	ErrRedisUnavailable = errors.New("refresh ledger unavailable")
)

const (
	rotateStatusUnknown  int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReuse    int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusMismatch int64 = 4
)

// rotateScript is the heart of the rotation protocol. It resolves a presented
// token to exactly one of: unknown, expired, reuse (family-wide revocation
// happens here, in the same atomic step that detects the replay), secret
// mismatch, or a successful rotation that marks the old record revoked and
// inserts its replacement. A successful rotation also re-extends the family
// and user index TTLs, so a chain kept alive by rotation never outlives the
// indexes RevokeFamily and RevokeUser walk. Concurrent rotations of the same
// token serialize on the script; exactly one observes "rotated".
const rotateScript = `
local data = redis.call("HMGET", KEYS[1], "uid", "fam", "sh", "exp", "rev")
if not data[1] then
  return {0}
end

local uid = data[1]
local fam = data[2]
local sh = data[3]
local exp = tonumber(data[4])
local rev = data[5]

local token_prefix = ARGV[7]
local family_prefix = ARGV[8]
local user_prefix = ARGV[9]

if rev == "1" then
  local members = redis.call("SMEMBERS", family_prefix .. fam)
  for _, id in ipairs(members) do
    local key = token_prefix .. id
    if redis.call("EXISTS", key) == 1 then
      redis.call("HSET", key, "rev", "1")
    end
  end
  return {2, uid, fam}
end

if exp <= tonumber(ARGV[4]) then
  return {1}
end

if sh ~= ARGV[2] then
  return {4}
end

redis.call("HSET", KEYS[1], "rev", "1", "rby", ARGV[1])

local new_key = token_prefix .. ARGV[1]
redis.call("HSET", new_key,
  "uid", uid,
  "fam", fam,
  "sh", ARGV[3],
  "iat", ARGV[4],
  "exp", ARGV[5],
  "rev", "0",
  "rby", "")
redis.call("PEXPIRE", new_key, ARGV[6])
redis.call("SADD", family_prefix .. fam, ARGV[1])
redis.call("PEXPIRE", family_prefix .. fam, ARGV[6])
redis.call("SADD", user_prefix .. uid, fam)
redis.call("PEXPIRE", user_prefix .. uid, ARGV[6])

return {3, uid, fam}
`

var rotateLua = redis.NewScript(rotateScript)

const revokeFamilyScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, id in ipairs(members) do
  local key = ARGV[1] .. id
  if redis.call("EXISTS", key) == 1 then
    redis.call("HSET", key, "rev", "1")
    revoked = revoked + 1
  end
end
return revoked
`

var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

const revokeUserScript = `
local families = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, fam in ipairs(families) do
  local members = redis.call("SMEMBERS", ARGV[2] .. fam)
  for _, id in ipairs(members) do
    local key = ARGV[1] .. id
    if redis.call("EXISTS", key) == 1 then
      redis.call("HSET", key, "rev", "1")
      revoked = revoked + 1
    end
  end
end
return revoked
`

var revokeUserLua = redis.NewScript(revokeUserScript)

// Record mirrors one ledger entry. Records are only ever marked revoked,
// never deleted before their retention TTL elapses, so a revoked chain stays
// inspectable for the lifetime of the family.
type Record struct {
	TokenID    string
	UserID     string
	FamilyID   string
	SecretHash string
	IssuedAt   int64
	ExpiresAt  int64
	Revoked    bool
	ReplacedBy string
}

// RefreshConfig tunes record lifetime and key layout.
type RefreshConfig struct {
	Prefix    string
	TTL       time.Duration
	Retention time.Duration
}

// RefreshLedger is the durable record of issued refresh tokens, their
// rotation chains, and revocation state, backed by Redis.
type RefreshLedger struct {
	redis     redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewRefreshLedger(client redis.UniversalClient, cfg RefreshConfig) *RefreshLedger {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "arl"
	}
	return &RefreshLedger{
		redis:     client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

func (l *RefreshLedger) tokenPrefix() string  { return l.prefix + ":t:" }
func (l *RefreshLedger) familyPrefix() string { return l.prefix + ":f:" }
func (l *RefreshLedger) userPrefix() string   { return l.prefix + ":u:" }

func (l *RefreshLedger) tokenKey(id string) string { return l.tokenPrefix() + id }

func (l *RefreshLedger) familyKey(fam string) string { return l.familyPrefix() + fam }

func (l *RefreshLedger) userKey(userID string) string { return l.userPrefix() + userID }

// recordTTL keeps revoked records around past expiry as an audit trail;
// Redis eviction is the garbage collector.
func (l *RefreshLedger) recordTTL() time.Duration {
	return l.ttl + l.retention
}

// Issue creates a fresh record and returns the opaque client token alongside
// it. An empty familyID starts a new rotation family; passing an existing one
// is only done by tests that build chains by hand.
func (l *RefreshLedger) Issue(ctx context.Context, userID, familyID string) (string, Record, error) {
	if familyID == "" {
		familyID = uuid.NewString()
	}

	id, err := internal.NewTokenID()
	if err != nil {
		return "", Record{}, err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", Record{}, err
	}

	hash := internal.HashSecret(secret)
	now := l.now()
	rec := Record{
		TokenID:    id.String(),
		UserID:     userID,
		FamilyID:   familyID,
		SecretHash: hex.EncodeToString(hash[:]),
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(l.ttl).Unix(),
	}

	tokenKey := l.tokenKey(rec.TokenID)
	familyKey := l.familyKey(familyID)
	userKey := l.userKey(userID)
	ttl := l.recordTTL()

	_, err = l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tokenKey,
			"uid", rec.UserID,
			"fam", rec.FamilyID,
			"sh", rec.SecretHash,
			"iat", rec.IssuedAt,
			"exp", rec.ExpiresAt,
			"rev", "0",
			"rby", "")
		pipe.PExpire(ctx, tokenKey, ttl)
		pipe.SAdd(ctx, familyKey, rec.TokenID)
		pipe.PExpire(ctx, familyKey, ttl)
		pipe.SAdd(ctx, userKey, familyID)
		pipe.PExpire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return "", Record{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return internal.EncodeOpaqueToken(id, secret), rec, nil
}

// Rotate exchanges a presented token for its successor. The revocation of the
// old record and the insertion of the new one are a single script, so there
// is no window where both are valid. Rotating an already-revoked token
// revokes its entire family and returns ErrReuseDetected.
func (l *RefreshLedger) Rotate(ctx context.Context, token string) (string, Record, error) {
	oldID, providedSecret, err := internal.DecodeOpaqueToken(token)
	if err != nil {
		return "", Record{}, ErrTokenMalformed
	}
	providedHash := internal.HashSecret(providedSecret)

	newID, err := internal.NewTokenID()
	if err != nil {
		return "", Record{}, err
	}
	newSecret, err := internal.NewSecret()
	if err != nil {
		return "", Record{}, err
	}
	newHash := internal.HashSecret(newSecret)

	now := l.now()
	expiresAt := now.Add(l.ttl).Unix()

	result, err := rotateLua.Run(
		ctx,
		l.redis,
		[]string{l.tokenKey(oldID.String())},
		newID.String(),
		hex.EncodeToString(providedHash[:]),
		hex.EncodeToString(newHash[:]),
		now.Unix(),
		expiresAt,
		l.recordTTL().Milliseconds(),
		l.tokenPrefix(),
		l.familyPrefix(),
		l.userPrefix(),
	).Result()
	if err != nil {
		return "", Record{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return "", Record{}, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return "", Record{}, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusUnknown, rotateStatusMismatch:
		return "", Record{}, ErrTokenUnknown
	case rotateStatusExpired:
		return "", Record{}, ErrTokenExpired
	case rotateStatusReuse:
		// The replayed record's owner and family come back from the script
		// so callers can attribute the revocation they just triggered.
		var rec Record
		if len(parts) >= 3 {
			rec.TokenID = oldID.String()
			rec.UserID, _ = parts[1].(string)
			rec.FamilyID, _ = parts[2].(string)
		}
		return "", rec, ErrReuseDetected
	case rotateStatusRotated:
		if len(parts) < 3 {
			return "", Record{}, fmt.Errorf("%w: missing rotate script payload", ErrRedisUnavailable)
		}
		uid, _ := parts[1].(string)
		fam, _ := parts[2].(string)

		rec := Record{
			TokenID:    newID.String(),
			UserID:     uid,
			FamilyID:   fam,
			SecretHash: hex.EncodeToString(newHash[:]),
			IssuedAt:   now.Unix(),
			ExpiresAt:  expiresAt,
		}
		return internal.EncodeOpaqueToken(newID, newSecret), rec, nil
	default:
		return "", Record{}, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// Validate reports the record state without mutating it.
func (l *RefreshLedger) Validate(ctx context.Context, tokenID string) (State, error) {
	vals, err := l.redis.HMGet(ctx, l.tokenKey(tokenID), "exp", "rev").Result()
	if err != nil {
		return StateUnknown, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(vals) < 2 || vals[0] == nil {
		return StateUnknown, nil
	}

	if rev, _ := vals[1].(string); rev == "1" {
		return StateRevoked, nil
	}

	expStr, _ := vals[0].(string)
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return StateUnknown, nil
	}
	if exp <= l.now().Unix() {
		return StateExpired, nil
	}

	return StateActive, nil
}

// Get returns the full record for introspection and tests.
func (l *RefreshLedger) Get(ctx context.Context, tokenID string) (Record, error) {
	vals, err := l.redis.HGetAll(ctx, l.tokenKey(tokenID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(vals) == 0 {
		return Record{}, ErrTokenUnknown
	}

	iat, _ := strconv.ParseInt(vals["iat"], 10, 64)
	exp, _ := strconv.ParseInt(vals["exp"], 10, 64)

	return Record{
		TokenID:    tokenID,
		UserID:     vals["uid"],
		FamilyID:   vals["fam"],
		SecretHash: vals["sh"],
		IssuedAt:   iat,
		ExpiresAt:  exp,
		Revoked:    vals["rev"] == "1",
		ReplacedBy: vals["rby"],
	}, nil
}

// RevokeFamily marks every member of a rotation chain revoked.
func (l *RefreshLedger) RevokeFamily(ctx context.Context, familyID string) error {
	err := revokeFamilyLua.Run(
		ctx,
		l.redis,
		[]string{l.familyKey(familyID)},
		l.tokenPrefix(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeUser revokes every family the user ever started. Used by the
// logout-everywhere and password-reset paths.
func (l *RefreshLedger) RevokeUser(ctx context.Context, userID string) error {
	err := revokeUserLua.Run(
		ctx,
		l.redis,
		[]string{l.userKey(userID)},
		l.tokenPrefix(),
		l.familyPrefix(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeByToken revokes the family of a presented opaque token. Unknown,
// malformed, and forged tokens all succeed silently: logout is idempotent
// and must not be a validity oracle.
func (l *RefreshLedger) RevokeByToken(ctx context.Context, token string) error {
	id, secret, err := internal.DecodeOpaqueToken(token)
	if err != nil {
		return nil
	}

	vals, err := l.redis.HMGet(ctx, l.tokenKey(id.String()), "fam", "sh").Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(vals) < 2 || vals[0] == nil {
		return nil
	}

	fam, _ := vals[0].(string)
	stored, _ := vals[1].(string)
	hash := internal.HashSecret(secret)
	if stored != hex.EncodeToString(hash[:]) {
		return nil
	}

	return l.RevokeFamily(ctx, fam)
}
