package ledger

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mpetrenko/authgate/internal"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeConsumed = errors.New("challenge already consumed")
)

// consumedRetention keeps a consumed record alive long enough that a replay
// is reported as "already consumed" rather than "not found".
const consumedRetention = 24 * time.Hour

const issueChallengeScript = `
local old = redis.call("GET", KEYS[1])
if old and old ~= ARGV[1] then
  redis.call("DEL", ARGV[2] .. old)
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
redis.call("HSET", KEYS[2], "uid", ARGV[4], "sh", ARGV[5], "exp", ARGV[6], "con", "0")
redis.call("PEXPIRE", KEYS[2], ARGV[7])
return 1
`

var issueChallengeLua = redis.NewScript(issueChallengeScript)

// OneTimeStore issues and consumes single-use, time-boxed challenges. It
// backs both password reset and email verification under distinct prefixes.
// Issuing a challenge invalidates any prior unconsumed one for the same user:
// a per-user pointer key tracks the live challenge and the issue script
// deletes its predecessor atomically.
type OneTimeStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewOneTimeStore(client redis.UniversalClient, prefix string, ttl time.Duration) *OneTimeStore {
	if prefix == "" {
		prefix = "aot"
	}
	return &OneTimeStore{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *OneTimeStore) recordPrefix() string { return s.prefix + ":c:" }

func (s *OneTimeStore) recordKey(id string) string { return s.recordPrefix() + id }

func (s *OneTimeStore) pointerKey(userID string) string { return s.prefix + ":p:" + userID }

// Issue creates a new challenge for the user and returns the opaque token to
// hand to the notifier. At most one live challenge exists per user.
func (s *OneTimeStore) Issue(ctx context.Context, userID string) (string, error) {
	id, err := internal.NewTokenID()
	if err != nil {
		return "", err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", err
	}

	hash := internal.HashSecret(secret)
	expiresAt := s.now().Add(s.ttl).Unix()

	err = issueChallengeLua.Run(
		ctx,
		s.redis,
		[]string{s.pointerKey(userID), s.recordKey(id.String())},
		id.String(),
		s.recordPrefix(),
		s.ttl.Milliseconds(),
		userID,
		hex.EncodeToString(hash[:]),
		expiresAt,
		(s.ttl + consumedRetention).Milliseconds(),
	).Err()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return internal.EncodeOpaqueToken(id, secret), nil
}

// Consume redeems a challenge exactly once and returns its subject. The
// consumed flag flips under a WATCH transaction; a losing concurrent redeemer
// retries and then observes ErrChallengeConsumed.
func (s *OneTimeStore) Consume(ctx context.Context, token string) (string, error) {
	id, secret, err := internal.DecodeOpaqueToken(token)
	if err != nil {
		return "", ErrChallengeNotFound
	}
	providedHash := internal.HashSecret(secret)

	const maxRetries = 4
	key := s.recordKey(id.String())

	for i := 0; i < maxRetries; i++ {
		var userID string

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return ErrChallengeNotFound
			}
			if vals["con"] == "1" {
				return ErrChallengeConsumed
			}

			exp, err := strconv.ParseInt(vals["exp"], 10, 64)
			if err != nil || s.now().Unix() > exp {
				return ErrChallengeExpired
			}

			stored, err := hex.DecodeString(vals["sh"])
			if err != nil {
				return ErrChallengeNotFound
			}
			if subtle.ConstantTimeCompare(stored, providedHash[:]) != 1 {
				return ErrChallengeNotFound
			}

			uid := vals["uid"]
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "con", "1")
				pipe.Del(ctx, s.pointerKey(uid))
				return nil
			})
			if err != nil {
				return err
			}

			userID = uid
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrChallengeNotFound),
				errors.Is(err, ErrChallengeExpired),
				errors.Is(err, ErrChallengeConsumed):
				return "", err
			default:
				return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}

		return userID, nil
	}

	return "", ErrChallengeConsumed
}

// Invalidate drops the user's live challenge, if any.
func (s *OneTimeStore) Invalidate(ctx context.Context, userID string) error {
	id, err := s.redis.Get(ctx, s.pointerKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if err := s.redis.Del(ctx, s.recordKey(id), s.pointerKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
