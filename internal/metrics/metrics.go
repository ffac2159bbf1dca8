// Package metrics holds the platform's Prometheus collectors. A single
// Metrics value is constructed at process start and passed to components;
// there is no ambient registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the platform records. Counter names follow
// prometheus conventions (unit suffix, _total for counters).
type Metrics struct {
	Registry *prometheus.Registry

	// Idempotency / dedup
	DuplicatesDropped   *prometheus.CounterVec // by="fill"|"intraday"
	IdempotencyDegraded prometheus.Counter

	// Prices
	ZeroPricesDetected prometheus.Counter
	PriceWritesGated   prometheus.Counter // lower-rank writes refused
	StalePriceReads    prometheus.Counter
	CacheHits          *prometheus.CounterVec // tier="l1"|"l2", kind="price"|"fx"
	CacheMisses        *prometheus.CounterVec
	L2Errors           prometheus.Counter

	// Revaluation
	RevaluationsPushed prometheus.Counter
	ConflationDropped  prometheus.Counter
	TriangulationUsed  prometheus.Counter
	ValuationWarnings  *prometheus.CounterVec // reason="stale_rate"|"zero_price"|"missing_rate" (stale prices count in StalePriceReads)

	// EOD / loader
	EodRuns            *prometheus.CounterVec // result="completed"|"failed"|"noop"
	EodDeadlineMissed  prometheus.Gauge
	RowsRejected       prometheus.Counter
	IntradayApplied    prometheus.Counter
	SignoffsPublished  prometheus.Counter

	// Aggregator
	FillsProcessed  prometheus.Counter
	OrphanedOrders  prometheus.Counter
	LateFillsDropped prometheus.Counter
	TradeEventsOut  prometheus.Counter

	// Fabric
	Published    *prometheus.CounterVec // topic
	Consumed     *prometheus.CounterVec // topic
	DLQAppends   *prometheus.CounterVec // topic
	ConsumeRetry *prometheus.CounterVec // topic

	// Resilience
	BreakerTransitions *prometheus.CounterVec // dependency, state
	BreakerOpen        *prometheus.GaugeVec   // dependency
	RateLimited        *prometheus.CounterVec // dependency
}

// New builds the collector set on a fresh registry.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fxhedge", Name: name, Help: help, ConstLabels: labels,
		})
		reg.MustRegister(c)
		return c
	}
	vec := func(name, help string, lv ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fxhedge", Name: name, Help: help, ConstLabels: labels,
		}, lv)
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		Registry: reg,

		DuplicatesDropped:   vec("duplicates_dropped_total", "Records dropped by idempotency checks", "by"),
		IdempotencyDegraded: factory("idempotency_degraded_total", "Idempotency checks answered not-duplicate because the store was unavailable"),

		ZeroPricesDetected: factory("zero_prices_detected_total", "Zero prices rejected on ingestion"),
		PriceWritesGated:   factory("price_writes_gated_total", "Cache writes refused by the source-rank gate"),
		StalePriceReads:    factory("stale_price_reads_total", "Reads that returned a stale-tagged price"),
		CacheHits:          vec("cache_hits_total", "Price/FX cache hits", "tier", "kind"),
		CacheMisses:        vec("cache_misses_total", "Price/FX cache misses", "tier", "kind"),
		L2Errors:           factory("l2_errors_total", "Distributed cache errors swallowed"),

		RevaluationsPushed: factory("revaluations_pushed_total", "Per-account revaluation updates emitted"),
		ConflationDropped:  factory("conflation_dropped_total", "Superseded updates collapsed by conflation"),
		TriangulationUsed:  factory("triangulation_used_total", "Valuations that triangulated FX through the base currency"),
		ValuationWarnings:  vec("valuation_warnings_total", "Valuations that surfaced a warning", "reason"),

		EodRuns:           vec("eod_runs_total", "EOD runs by result", "result"),
		RowsRejected:      factory("rows_rejected_total", "Snapshot rows rejected by validation"),
		IntradayApplied:   factory("intraday_applied_total", "Intraday position updates applied"),
		SignoffsPublished: factory("signoffs_published_total", "Client sign-off events published"),

		FillsProcessed:   factory("fills_processed_total", "Execution reports accepted"),
		OrphanedOrders:   factory("orphaned_orders_total", "Orders marked orphaned by the scan"),
		LateFillsDropped: factory("late_fills_dropped_total", "Fills for terminal orders logged and dropped"),
		TradeEventsOut:   factory("trade_events_out_total", "Synthetic intraday trade events published"),

		Published:    vec("fabric_published_total", "Messages published", "topic"),
		Consumed:     vec("fabric_consumed_total", "Messages consumed and acked", "topic"),
		DLQAppends:   vec("fabric_dlq_total", "Messages copied to a DLQ topic", "topic"),
		ConsumeRetry: vec("fabric_consume_retries_total", "Message processing retries", "topic"),

		BreakerTransitions: vec("breaker_transitions_total", "Circuit breaker state transitions", "dependency", "state"),
		RateLimited:        vec("rate_limited_total", "Calls delayed or refused by a rate limiter", "dependency"),
	}

	m.EodDeadlineMissed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fxhedge", Name: "eod_deadline_missed", ConstLabels: labels,
		Help: "1 when any account is past the EOD deadline without completing",
	})
	reg.MustRegister(m.EodDeadlineMissed)

	m.BreakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fxhedge", Name: "breaker_open", ConstLabels: labels,
		Help: "1 when the named dependency's breaker is open",
	}, []string{"dependency"})
	reg.MustRegister(m.BreakerOpen)

	return m
}
