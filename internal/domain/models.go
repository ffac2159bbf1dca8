// Package domain contains the core entities shared across the platform
// services. The domain layer is pure: no database, cache, or messaging
// dependencies are allowed here.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Decimal scales used at the domain boundary. Quantities carry 4 decimal
// places, prices 6, FX rates and VWAPs 8. Values are normalised to these
// scales when they enter the system.
const (
	QuantityScale = 4
	PriceScale    = 6
	FxRateScale   = 8
)

// Client is the top of the reference hierarchy. Clients own funds, funds own
// accounts. Reference entities are created out-of-band and are effectively
// immutable within the platform.
type Client struct {
	ID           int64
	Name         string
	BaseCurrency string // 3-letter ISO code
}

// Fund belongs to exactly one client.
type Fund struct {
	ID           int64
	ClientID     int64
	Name         string
	BaseCurrency string
}

// Account belongs to exactly one fund. Positions, EOD status and batch
// control are all keyed by account.
type Account struct {
	ID           int64
	FundID       int64
	ClientID     int64
	Number       string
	Type         string // CUSTODY, MARGIN, DVP
	BaseCurrency string
}

// AssetClass enumerates the tradable instrument classes.
type AssetClass string

const (
	AssetEquity     AssetClass = "EQUITY"
	AssetCash       AssetClass = "CASH"
	AssetFxSpot     AssetClass = "FX_SPOT"
	AssetFxForward  AssetClass = "FX_FORWARD"
	AssetEquitySwap AssetClass = "EQUITY_SWAP"
)

// Product is a tradable instrument. (IdentifierType, Identifier) is unique
// among active products.
type Product struct {
	ID             int64
	IdentifierType string // ISIN, CUSIP
	Identifier     string
	Ticker         string
	AssetClass     AssetClass
	IssueCurrency  string
	SettleCurrency string
	RiskRegion     string
	Active         bool
}

// PositionType distinguishes real holdings from hedge-derived synthetic rows.
type PositionType string

const (
	PositionPhysical  PositionType = "PHYSICAL"
	PositionSynthetic PositionType = "SYNTHETIC"
)

// SystemTimeOpen marks a row as current in the system-time dimension.
const SystemTimeOpen int64 = 1<<63 - 1

// ValidToOpen marks a business-time interval with no known end.
const ValidToOpen = "9999-12-31"

// Position is a per-(account, product) holding inside a batch. Rows are
// bitemporal: ValidFrom/ValidTo is the business-time interval (dates,
// half-open), SystemFrom/SystemTo the system-time interval (instants,
// half-open, SystemTo == SystemTimeOpen for the current row).
type Position struct {
	AccountID          int64
	ProductID          int64
	BatchID            string
	BusinessDate       string // YYYY-MM-DD
	Quantity           decimal.Decimal
	PriceUsed          decimal.Decimal
	FxRateUsed         decimal.Decimal
	MarketValueLocal   decimal.Decimal
	MarketValueBase    decimal.Decimal
	CostBasisLocal     decimal.Decimal
	CostBasisBase      decimal.Decimal
	UnrealizedPnlLocal decimal.Decimal
	UnrealizedPnlBase  decimal.Decimal
	SourceSystem       string
	PositionType       PositionType
	Excluded           bool
	ExternalRef        string
	ValidFrom          string // YYYY-MM-DD inclusive
	ValidTo            string // YYYY-MM-DD exclusive
	SystemFrom         int64  // unix nanos inclusive
	SystemTo           int64  // unix nanos exclusive, SystemTimeOpen when current
}

// BatchStatus tracks the lifecycle of a position batch.
type BatchStatus string

const (
	BatchReserved   BatchStatus = "RESERVED"
	BatchActive     BatchStatus = "ACTIVE"
	BatchHistorical BatchStatus = "HISTORICAL"
	BatchCleared    BatchStatus = "CLEARED"
)

// EodStatus enumerates the per-(account, business date) EOD state machine.
// Transitions: PENDING -> IN_PROGRESS -> {COMPLETED | FAILED}; FAILED may be
// retried back to IN_PROGRESS. COMPLETED is terminal.
type EodStatus string

const (
	EodPending    EodStatus = "PENDING"
	EodInProgress EodStatus = "IN_PROGRESS"
	EodCompleted  EodStatus = "COMPLETED"
	EodFailed     EodStatus = "FAILED"
)

// EodDailyStatus is the persisted EOD state for one (account, business date).
type EodDailyStatus struct {
	AccountID     int64
	BusinessDate  string
	Status        EodStatus
	CompletedAt   *time.Time
	PositionCount int
	ErrorText     string
	Attempts      int
}

// PriceSource identifies where a price came from. Sources are ranked;
// a cache write from a lower-ranked source never displaces a fresh
// higher-ranked entry.
type PriceSource string

const (
	SourceOverride PriceSource = "OVERRIDE"
	SourceRealtime PriceSource = "REALTIME"
	SourceRcpSnap  PriceSource = "RCP_SNAP"
	SourceMspa     PriceSource = "MSPA"
)

// Rank returns the priority of the source. Higher wins on cache write.
func (s PriceSource) Rank() int {
	switch s {
	case SourceOverride:
		return 4
	case SourceRealtime:
		return 3
	case SourceRcpSnap:
		return 2
	case SourceMspa:
		return 1
	default:
		return 0
	}
}

// Price is one observation for (product, date, source).
type Price struct {
	ProductID int64
	PriceDate string // YYYY-MM-DD
	Source    PriceSource
	Value     decimal.Decimal
	UpdatedAt time.Time
}

// FxRate is a spot rate (plus optional forward points) for a currency pair
// on a date. Pair format is "EUR/USD".
type FxRate struct {
	CurrencyPair  string
	RateDate      string
	Rate          decimal.Decimal
	ForwardPoints *decimal.Decimal
	Source        PriceSource
	UpdatedAt     time.Time
}

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus enumerates order lifecycle states as reported by the trade
// channel plus the platform-assigned ORPHANED state.
type OrderStatus string

const (
	OrderNew          OrderStatus = "NEW"
	OrderPendingNew   OrderStatus = "PENDING_NEW"
	OrderSent         OrderStatus = "SENT"
	OrderAcknowledged OrderStatus = "ACKNOWLEDGED"
	OrderPartialFill  OrderStatus = "PARTIALLY_FILLED"
	OrderFilled       OrderStatus = "FILLED"
	OrderRejected     OrderStatus = "REJECTED"
	OrderCanceled     OrderStatus = "CANCELED"
	OrderOrphaned     OrderStatus = "ORPHANED"
)

// Terminal reports whether the status accepts no further fills.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCanceled, OrderOrphaned:
		return true
	}
	return false
}

// ExecutionReport is a fill notification from the trade channel. ExecID is
// globally unique and is the idempotency key for fills.
type ExecutionReport struct {
	ExecID        string          `msgpack:"exec_id"`
	ClientOrderID string          `msgpack:"client_order_id"`
	AccountID     int64           `msgpack:"account_id"`
	Ticker        string          `msgpack:"ticker"` // currency pair or equity ticker
	Side          Side            `msgpack:"side"`
	LastQty       decimal.Decimal `msgpack:"last_qty"`
	LastPx        decimal.Decimal `msgpack:"last_px"`
	CumQty        decimal.Decimal `msgpack:"cum_qty"`
	OrderStatus   OrderStatus     `msgpack:"order_status"`
	TransactTime  time.Time       `msgpack:"transact_time"`
}

// OrderState is the short-term accumulator for one client order id. It lives
// in the distributed store while the order is open and is summarised into the
// durable order row on every report.
type OrderState struct {
	ClientOrderID string          `msgpack:"client_order_id"`
	AccountID     int64           `msgpack:"account_id"`
	Ticker        string          `msgpack:"ticker"`
	Side          Side            `msgpack:"side"`
	FilledQty     decimal.Decimal `msgpack:"filled_qty"`
	Notional      decimal.Decimal `msgpack:"notional"` // sum of qty*px
	FillCount     int             `msgpack:"fill_count"`
	Status        OrderStatus     `msgpack:"status"`
	FirstSeen     time.Time       `msgpack:"first_seen"`
	UpdatedAt     time.Time       `msgpack:"updated_at"`
}

// VWAP returns the volume-weighted average price of the accumulated fills,
// rounded half-up to 8 decimal places. A zero-filled order reports zero.
func (o OrderState) VWAP() decimal.Decimal {
	if o.FilledQty.IsZero() {
		return decimal.Zero
	}
	return o.Notional.DivRound(o.FilledQty, FxRateScale)
}

// ForwardContract is derived from an executed FX forward fill and drives
// maturity alerts.
type ForwardContract struct {
	ID            int64
	ClientOrderID string
	CurrencyPair  string
	Notional      decimal.Decimal
	ForwardRate   decimal.Decimal
	MaturityDate  string // YYYY-MM-DD
	CreatedAt     time.Time
}
