package refdata

import (
	"sync"

	"github.com/rs/zerolog"
)

// SymbologyResolver maps tickers to internal product ids. The mapping is
// fully cached in memory and refreshed from the products table on change
// notification; a missed resolution falls back to the raw identifier carried
// in the tick.
type SymbologyResolver struct {
	repo *Repository

	mu       sync.RWMutex
	byTicker map[string]int64

	log zerolog.Logger
}

// NewSymbologyResolver creates a resolver. Call Refresh before first use.
func NewSymbologyResolver(repo *Repository, log zerolog.Logger) *SymbologyResolver {
	return &SymbologyResolver{
		repo:     repo,
		byTicker: make(map[string]int64),
		log:      log.With().Str("component", "symbology").Logger(),
	}
}

// Refresh reloads the ticker map from the products table.
func (s *SymbologyResolver) Refresh() error {
	products, err := s.repo.GetAllActiveProducts()
	if err != nil {
		return err
	}

	next := make(map[string]int64, len(products))
	for _, p := range products {
		if p.Ticker != "" {
			next[p.Ticker] = p.ID
		}
	}

	s.mu.Lock()
	s.byTicker = next
	s.mu.Unlock()

	s.log.Debug().Int("tickers", len(next)).Msg("Symbology cache refreshed")
	return nil
}

// ResolveTicker returns the product id for a ticker. The second return is
// false when the ticker is unknown.
func (s *SymbologyResolver) ResolveTicker(ticker string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTicker[ticker]
	return id, ok
}
