package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "gatekeeper/pkg/domainerrors"
	"gatekeeper/pkg/platform/sentinel"
)

// stateTTL bounds how long a started login stays redeemable.
const stateTTL = 300 * time.Second

// StateStore holds the PKCE verifier for an in-flight login, keyed by the
// state token. Consume is destructive: a state can be redeemed at most once.
type StateStore interface {
	Save(ctx context.Context, provider, state, verifier string) error
	Consume(ctx context.Context, provider, state string) (string, error)
}

// RedisStateStore keeps login state in redis so any gateway instance can
// serve the callback, not just the one that started the login.
type RedisStateStore struct {
	rdb *redis.Client
}

// NewRedisStateStore builds a redis-backed state store.
func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

func stateKey(provider, state string) string {
	return fmt.Sprintf("%s:auth:%s", provider, state)
}

func (s *RedisStateStore) Save(ctx context.Context, provider, state, verifier string) error {
	if err := s.rdb.Set(ctx, stateKey(provider, state), verifier, stateTTL).Err(); err != nil {
		return unreachable(err)
	}
	return nil
}

// Consume reads and deletes the verifier in one round trip. A missing key
// means the state expired, was already used, or never existed; redis GETDEL
// cannot tell those apart, so callers see sentinel.ErrNotFound for all three.
func (s *RedisStateStore) Consume(ctx context.Context, provider, state string) (string, error) {
	verifier, err := s.rdb.GetDel(ctx, stateKey(provider, state)).Result()
	if errors.Is(err, redis.Nil) {
		return "", sentinel.ErrNotFound
	}
	if err != nil {
		return "", unreachable(err)
	}
	return verifier, nil
}

// unreachable marks a redis failure with sentinel.ErrUnavailable so callers
// can match on it, and with CodeUnavailable for the HTTP mapping.
func unreachable(err error) error {
	return dErrors.Wrap(fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err),
		dErrors.CodeUnavailable, "login state store unreachable")
}
