// Package events defines the messages exchanged over the messaging fabric.
// Every payload implements Event, which names the topic it travels on and the
// partition key that preserves per-entity ordering.
package events

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/domain"
)

// Topic names. Partitioning is by natural entity key: accountId for position
// events, client order id for fills, productId for market data.
const (
	TopicEodTrigger      = "MSPM_EOD_TRIGGER"
	TopicIntraday        = "MSPA_INTRADAY"
	TopicMarketData      = "MARKET_DATA_TICKS"
	TopicFxRates         = "FX_RATES_TICKS"
	TopicPositionChange  = "POSITION_CHANGE_EVENTS"
	TopicClientSignoff   = "CLIENT_REPORTING_SIGNOFF"
	TopicOrders          = "FX_MATRIX_ORDERS"
	TopicExecReports     = "RAW_EXECUTION_REPORTS"
)

// Event is implemented by every fabric payload.
type Event interface {
	// Topic returns the topic this event is published on.
	Topic() string
	// Key returns the partition key. Events with equal keys are delivered in
	// publish order.
	Key() string
}

// EodTrigger asks the owning shard to run EOD for one account.
type EodTrigger struct {
	AccountID    int64  `msgpack:"account_id"`
	BusinessDate string `msgpack:"business_date"`
}

func (e EodTrigger) Topic() string { return TopicEodTrigger }
func (e EodTrigger) Key() string   { return strconv.FormatInt(e.AccountID, 10) }

// SnapshotPosition is one row of an upstream account snapshot. ExternalRefID
// is the per-row idempotency key for intraday records.
type SnapshotPosition struct {
	ProductID     int64           `msgpack:"product_id"`
	Ticker        string          `msgpack:"ticker"`
	AssetClass    string          `msgpack:"asset_class"`
	IssueCurrency string          `msgpack:"issue_currency"`
	Quantity      decimal.Decimal `msgpack:"quantity"`
	TxnType       string          `msgpack:"txn_type"`
	Price         decimal.Decimal `msgpack:"price"`
	ExternalRefID string          `msgpack:"external_ref_id"`
}

// AccountSnapshot is the upstream position payload, used by both the EOD pull
// path and the intraday push path.
type AccountSnapshot struct {
	AccountID     int64              `msgpack:"account_id"`
	ClientID      int64              `msgpack:"client_id"`
	ClientName    string             `msgpack:"client_name"`
	FundID        int64              `msgpack:"fund_id"`
	FundName      string             `msgpack:"fund_name"`
	BaseCurrency  string             `msgpack:"base_currency"`
	AccountNumber string             `msgpack:"account_number"`
	AccountType   string             `msgpack:"account_type"`
	BusinessDate  string             `msgpack:"business_date"`
	Positions     []SnapshotPosition `msgpack:"positions"`
}

func (e AccountSnapshot) Topic() string { return TopicIntraday }
func (e AccountSnapshot) Key() string   { return strconv.FormatInt(e.AccountID, 10) }

// PriceTick is one market-data observation.
type PriceTick struct {
	ProductID  int64              `msgpack:"product_id"`
	Ticker     string             `msgpack:"ticker"`
	Price      decimal.Decimal    `msgpack:"price"`
	Currency   string             `msgpack:"currency"`
	AssetClass string             `msgpack:"asset_class"`
	Source     domain.PriceSource `msgpack:"source"`
	Ts         time.Time          `msgpack:"ts"`
}

func (e PriceTick) Topic() string { return TopicMarketData }
func (e PriceTick) Key() string   { return strconv.FormatInt(e.ProductID, 10) }

// FxRateTick is one FX-rate observation for a currency pair ("EUR/USD").
type FxRateTick struct {
	CurrencyPair  string             `msgpack:"currency_pair"`
	Rate          decimal.Decimal    `msgpack:"rate"`
	ForwardPoints *decimal.Decimal   `msgpack:"forward_points,omitempty"`
	Source        domain.PriceSource `msgpack:"source"`
	Ts            time.Time          `msgpack:"ts"`
}

func (e FxRateTick) Topic() string { return TopicFxRates }
func (e FxRateTick) Key() string   { return e.CurrencyPair }

// PositionChangeType enumerates why an account's position set changed.
type PositionChangeType string

const (
	ChangeEodComplete     PositionChangeType = "EOD_COMPLETE"
	ChangeIntraday        PositionChangeType = "INTRADAY"
	ChangeManualUpload    PositionChangeType = "MANUAL_UPLOAD"
	ChangeCacheInvalidate PositionChangeType = "CACHE_INVALIDATE"
)

// PositionChange notifies downstream services that an account's positions
// changed. It doubles as the cache-invalidation fan-out; recipients
// deduplicate on (AccountID, EventType, Ts) because the direct notification
// path may deliver the same change twice.
type PositionChange struct {
	AccountID int64              `msgpack:"account_id"`
	ClientID  int64              `msgpack:"client_id"`
	EventType PositionChangeType `msgpack:"event_type"`
	Ts        time.Time          `msgpack:"ts"`
}

func (e PositionChange) Topic() string { return TopicPositionChange }
func (e PositionChange) Key() string   { return strconv.FormatInt(e.AccountID, 10) }

// ClientSignoff is emitted exactly once per (client, business date) when all
// of the client's accounts have completed EOD.
type ClientSignoff struct {
	ClientID     int64     `msgpack:"client_id"`
	BusinessDate string    `msgpack:"business_date"`
	AccountCount int       `msgpack:"account_count"`
	Ts           time.Time `msgpack:"ts"`
}

func (e ClientSignoff) Topic() string { return TopicClientSignoff }
func (e ClientSignoff) Key() string   { return strconv.FormatInt(e.ClientID, 10) }

// OrderRequest is a hedge order routed to the trade channel.
type OrderRequest struct {
	ClientOrderID string          `msgpack:"client_order_id"`
	AccountID     int64           `msgpack:"account_id"`
	Ticker        string          `msgpack:"ticker"`
	Side          domain.Side     `msgpack:"side"`
	Quantity      decimal.Decimal `msgpack:"quantity"`
	Ts            time.Time       `msgpack:"ts"`
}

func (e OrderRequest) Topic() string { return TopicOrders }
func (e OrderRequest) Key() string   { return e.ClientOrderID }

// ExecReport wraps a domain execution report for fabric transport.
type ExecReport struct {
	domain.ExecutionReport `msgpack:",inline"`
}

func (e ExecReport) Topic() string { return TopicExecReports }
func (e ExecReport) Key() string   { return e.ClientOrderID }

// Snapshot transaction types. TxnTypeSet rows carry the absolute position
// quantity; TxnTypeTrade rows carry a signed delta (synthetic intraday fills
// published by the trade aggregator travel as single-row TRADE snapshots).
const (
	TxnTypeSet   = "SET"
	TxnTypeTrade = "TRADE"
)
