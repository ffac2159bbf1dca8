package positions

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ReverseIndex maps product -> set of accounts holding it, so a single price
// tick fans out into per-account revaluations without touching the database.
// Consistency is eventual: a tick racing an index update may miss an account
// for at most one tick.
type ReverseIndex struct {
	mu      sync.RWMutex
	holders map[int64]map[int64]struct{} // productID -> accountIDs
	log     zerolog.Logger
}

// NewReverseIndex creates an empty index. Call Rebuild to seed it from the
// position store.
func NewReverseIndex(log zerolog.Logger) *ReverseIndex {
	return &ReverseIndex{
		holders: make(map[int64]map[int64]struct{}),
		log:     log.With().Str("component", "reverse_index").Logger(),
	}
}

// Rebuild replaces the index with the given holdings snapshot
// (product -> accounts), typically from Store.GetAllActiveHoldings.
func (ix *ReverseIndex) Rebuild(holdings map[int64][]int64) {
	next := make(map[int64]map[int64]struct{}, len(holdings))
	for productID, accounts := range holdings {
		set := make(map[int64]struct{}, len(accounts))
		for _, accountID := range accounts {
			set[accountID] = struct{}{}
		}
		next[productID] = set
	}

	ix.mu.Lock()
	ix.holders = next
	ix.mu.Unlock()

	ix.log.Info().Int("products", len(next)).Msg("Reverse index rebuilt")
}

// UpdatePosition maintains the index incrementally on a position change. A
// zero quantity removes the holding.
func (ix *ReverseIndex) UpdatePosition(accountID, productID int64, qty decimal.Decimal) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set, ok := ix.holders[productID]
	if qty.IsZero() {
		if ok {
			delete(set, accountID)
			if len(set) == 0 {
				delete(ix.holders, productID)
			}
		}
		return
	}
	if !ok {
		set = make(map[int64]struct{})
		ix.holders[productID] = set
	}
	set[accountID] = struct{}{}
}

// ReplaceAccount resets the full holding set for one account (position
// change events carry only the account, so the index refreshes the account's
// memberships wholesale).
func (ix *ReverseIndex) ReplaceAccount(accountID int64, productIDs []int64) {
	next := make(map[int64]struct{}, len(productIDs))
	for _, id := range productIDs {
		next[id] = struct{}{}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for productID, set := range ix.holders {
		if _, keep := next[productID]; !keep {
			delete(set, accountID)
			if len(set) == 0 {
				delete(ix.holders, productID)
			}
		}
	}
	for productID := range next {
		set, ok := ix.holders[productID]
		if !ok {
			set = make(map[int64]struct{})
			ix.holders[productID] = set
		}
		set[accountID] = struct{}{}
	}
}

// GetAccountsHoldingProduct returns the accounts currently holding a product.
// The returned slice is a copy; callers may retain it.
func (ix *ReverseIndex) GetAccountsHoldingProduct(productID int64) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	set, ok := ix.holders[productID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(set))
	for accountID := range set {
		out = append(out, accountID)
	}
	return out
}
