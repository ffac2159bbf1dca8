package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/metrics"
)

// conflationKey identifies one pending update slot.
type conflationKey struct {
	accountID int64
	productID int64
}

// Conflator collapses multiple pending updates for the same (account,
// product) into the latest one before emission. The flush loop drains
// pending updates every interval and hands them to the sink in account
// order-of-arrival.
type Conflator struct {
	interval time.Duration
	sink     func(Revaluation)

	mu      sync.Mutex
	pending map[conflationKey]Revaluation
	order   []conflationKey // arrival order of first write per key

	m   *metrics.Metrics
	log zerolog.Logger
}

// NewConflator creates a conflator. sink receives each surviving update.
func NewConflator(interval time.Duration, sink func(Revaluation), m *metrics.Metrics, log zerolog.Logger) *Conflator {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Conflator{
		interval: interval,
		sink:     sink,
		pending:  make(map[conflationKey]Revaluation),
		m:        m,
		log:      log.With().Str("component", "conflator").Logger(),
	}
}

// Offer queues an update. An update already pending for the same key is
// replaced; only the latest survives the flush interval.
func (c *Conflator) Offer(update Revaluation) {
	key := conflationKey{accountID: update.AccountID, productID: update.ProductID}

	c.mu.Lock()
	if _, exists := c.pending[key]; exists {
		if c.m != nil {
			c.m.ConflationDropped.Inc()
		}
	} else {
		c.order = append(c.order, key)
	}
	c.pending[key] = update
	c.mu.Unlock()
}

// Run drives the flush loop until the context is cancelled. A final flush
// drains whatever is pending on shutdown.
func (c *Conflator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Conflator) flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]Revaluation, 0, len(c.order))
	for _, key := range c.order {
		if update, ok := c.pending[key]; ok {
			batch = append(batch, update)
		}
	}
	c.pending = make(map[conflationKey]Revaluation)
	c.order = c.order[:0]
	c.mu.Unlock()

	for _, update := range batch {
		c.sink(update)
		if c.m != nil {
			c.m.RevaluationsPushed.Inc()
		}
	}
}
