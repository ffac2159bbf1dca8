package kv

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/domain"
)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// LockManager provides named lease locks in the distributed store. EOD
// processing holds an account lease for its full duration; the TTL bounds
// the damage of a crashed holder.
type LockManager struct {
	store *Store
	log   zerolog.Logger
}

// NewLockManager creates a lock manager.
func NewLockManager(store *Store, log zerolog.Logger) *LockManager {
	return &LockManager{
		store: store,
		log:   log.With().Str("component", "locks").Logger(),
	}
}

// Lock is a held lease. Release it on all paths.
type Lock struct {
	manager *LockManager
	key     string
	token   string
}

// Acquire takes the named lease or fails fast with LOCK_HELD (retryable; the
// retry layer backs off).
func (m *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := "lock:" + name
	token := uuid.NewString()

	ok, err := m.store.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, domain.NewError(domain.CodeStorageUnavailable, "lock store unavailable", err)
	}
	if !ok {
		return nil, domain.Errorf(domain.CodeLockHeld, "lock %s already held", name)
	}

	return &Lock{manager: m, key: key, token: token}, nil
}

// Release frees the lease if still owned. Safe to call after expiry.
func (l *Lock) Release(ctx context.Context) {
	if l == nil {
		return
	}
	released, err := releaseScript.Run(ctx, l.manager.store.client, []string{l.key}, l.token).Int()
	if err != nil {
		l.manager.log.Warn().Err(err).Str("key", l.key).Msg("Lock release failed, lease will expire on TTL")
		return
	}
	if released == 0 {
		l.manager.log.Warn().Str("key", l.key).Msg("Lock already expired or taken over at release")
	}
}
