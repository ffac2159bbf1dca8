package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/metrics"
)

// IdempotencyStore tracks processed external references with a per-key TTL.
// checkAndMark is a single atomic conditional write (SET NX). When the store
// is unavailable the service degrades to "not duplicate" and records a
// metric: ingestion must never block on cache availability.
type IdempotencyStore struct {
	store  *Store
	prefix string
	ttl    time.Duration
	m      *metrics.Metrics
	log    zerolog.Logger
}

// NewIdempotencyStore creates a store for one reference namespace ("fill",
// "intraday"). TTL defaults: 24h for fills, 60 minutes for intraday records.
func NewIdempotencyStore(store *Store, namespace string, ttl time.Duration, m *metrics.Metrics, log zerolog.Logger) *IdempotencyStore {
	return &IdempotencyStore{
		store:  store,
		prefix: "idem:" + namespace + ":",
		ttl:    ttl,
		m:      m,
		log:    log.With().Str("component", "idempotency").Str("namespace", namespace).Logger(),
	}
}

// IsDuplicate reports whether the ref was already processed. Blank refs are
// never duplicates (the caller is responsible for generating refs).
func (s *IdempotencyStore) IsDuplicate(ctx context.Context, ref string) bool {
	if ref == "" {
		return false
	}
	n, err := s.store.client.Exists(ctx, s.prefix+ref).Result()
	if err != nil {
		s.degrade(err)
		return false
	}
	return n > 0
}

// MarkProcessed records the ref. Errors are swallowed: a lost mark means at
// worst one replayed record, which downstream unique constraints absorb.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.store.client.Set(ctx, s.prefix+ref, 1, s.ttl).Err(); err != nil {
		s.degrade(err)
	}
}

// CheckAndMark atomically claims the ref. Returns true iff the caller is the
// first to claim it within the TTL. Blank refs are always claimable.
func (s *IdempotencyStore) CheckAndMark(ctx context.Context, ref string) bool {
	if ref == "" {
		return true
	}
	ok, err := s.store.client.SetNX(ctx, s.prefix+ref, 1, s.ttl).Result()
	if err != nil {
		s.degrade(err)
		return true
	}
	return ok
}

// FilterDuplicates returns the refs not yet processed, preserving order.
func (s *IdempotencyStore) FilterDuplicates(ctx context.Context, refs []string) []string {
	if len(refs) == 0 {
		return refs
	}

	pipe := s.store.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(refs))
	for i, ref := range refs {
		if ref == "" {
			continue
		}
		cmds[i] = pipe.Exists(ctx, s.prefix+ref)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		s.degrade(err)
		return refs
	}

	fresh := make([]string, 0, len(refs))
	for i, ref := range refs {
		if cmds[i] == nil || cmds[i].Val() == 0 {
			fresh = append(fresh, ref)
		}
	}
	return fresh
}

// MarkProcessedBatch records a batch of refs in one round trip.
func (s *IdempotencyStore) MarkProcessedBatch(ctx context.Context, refs []string) {
	if len(refs) == 0 {
		return
	}
	pipe := s.store.client.Pipeline()
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		pipe.Set(ctx, s.prefix+ref, 1, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.degrade(err)
	}
}

func (s *IdempotencyStore) degrade(err error) {
	s.log.Warn().Err(err).Msg("Idempotency store unavailable, treating as not duplicate")
	if s.m != nil {
		s.m.IdempotencyDegraded.Inc()
	}
}
