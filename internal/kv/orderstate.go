package kv

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/domain"
)

const orderStatePrefix = "order:"

// OrderStateStore holds the short-term per-order accumulators in the
// distributed store. Long-term state lives in the durable order_summary
// table; this tier only exists so concurrent consumers and the orphan scan
// see one consistent accumulator per client order id.
type OrderStateStore struct {
	store *Store
	ttl   time.Duration
	log   zerolog.Logger
}

// NewOrderStateStore creates the store. TTL default is 4 hours.
func NewOrderStateStore(store *Store, ttl time.Duration, log zerolog.Logger) *OrderStateStore {
	return &OrderStateStore{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "order_state").Logger(),
	}
}

// Get loads the state for a client order id. Returns (nil, nil) when absent.
func (s *OrderStateStore) Get(ctx context.Context, clientOrderID string) (*domain.OrderState, error) {
	var state domain.OrderState
	found, err := s.store.GetMsgpack(ctx, orderStatePrefix+clientOrderID, &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &state, nil
}

// Put stores the state, refreshing the TTL.
func (s *OrderStateStore) Put(ctx context.Context, state *domain.OrderState) error {
	return s.store.SetMsgpack(ctx, orderStatePrefix+state.ClientOrderID, state, s.ttl)
}

// Delete removes the short-term state (order complete or orphaned).
func (s *OrderStateStore) Delete(ctx context.Context, clientOrderID string) error {
	return s.store.Delete(ctx, orderStatePrefix+clientOrderID)
}

// ListOpen returns every short-term state currently held. Used by the orphan
// scan; the key space is bounded by the TTL so the walk stays small.
func (s *OrderStateStore) ListOpen(ctx context.Context) ([]domain.OrderState, error) {
	keys, err := s.store.ScanKeys(ctx, orderStatePrefix+"*")
	if err != nil {
		return nil, err
	}

	states := make([]domain.OrderState, 0, len(keys))
	for _, key := range keys {
		var state domain.OrderState
		found, err := s.store.GetMsgpack(ctx, key, &state)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Failed to load order state during scan")
			continue
		}
		if !found {
			// Expired between SCAN and GET
			continue
		}
		if state.ClientOrderID == "" {
			state.ClientOrderID = strings.TrimPrefix(key, orderStatePrefix)
		}
		states = append(states, state)
	}
	return states, nil
}
