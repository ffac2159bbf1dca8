package testing

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/events"
)

// FakePublisher records published events for assertions.
type FakePublisher struct {
	mu     sync.Mutex
	Events []events.Event
	Err    error
}

// Publish implements the service publisher interfaces.
func (f *FakePublisher) Publish(_ context.Context, ev events.Event) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = append(f.Events, ev)
	return nil
}

// ByTopic returns the published events for one topic.
func (f *FakePublisher) ByTopic(topic string) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, ev := range f.Events {
		if ev.Topic() == topic {
			out = append(out, ev)
		}
	}
	return out
}

// FakeRates is a static rate source for loader tests.
type FakeRates struct {
	Rates map[string]decimal.Decimal // "EUR/USD" -> rate
}

// GetRate implements loader.RateSource.
func (f *FakeRates) GetRate(_ context.Context, pair string) (decimal.Decimal, bool) {
	r, ok := f.Rates[pair]
	return r, ok
}

// FakeUpstream serves canned snapshots per account.
type FakeUpstream struct {
	Snapshots map[int64]*events.AccountSnapshot
	Err       error
}

// FetchSnapshot implements loader.Upstream.
func (f *FakeUpstream) FetchSnapshot(_ context.Context, accountID int64, businessDate string) (*events.AccountSnapshot, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	snap, ok := f.Snapshots[accountID]
	if !ok {
		return &events.AccountSnapshot{AccountID: accountID, BaseCurrency: "USD", BusinessDate: businessDate}, nil
	}
	copied := *snap
	copied.BusinessDate = businessDate
	return &copied, nil
}
