package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasseledger_purchases_total",
			Help: "Purchase and return units of work by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasseledger_charges_total",
			Help: "Charges persisted by provider and status",
		},
		[]string{"provider", "status"},
	)

	SettlementAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasseledger_settlement_attempts_total",
			Help: "Gateway settlement lookups by result",
		},
		[]string{"result"},
	)

	GiftCardOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasseledger_gift_card_operations_total",
			Help: "Gift card mutations by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	FiscalEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasseledger_fiscal_events_total",
			Help: "Fiscal events recorded or suppressed, by code",
		},
		[]string{"code", "result"},
	)

	SideEffectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasseledger_side_effect_failures_total",
			Help: "Swallowed print and drawer delivery failures",
		},
		[]string{"kind"},
	)

	PurchaseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kasseledger_purchase_duration_seconds",
			Help:    "Duration of purchase units of work including settlement",
			Buckets: prometheus.DefBuckets,
		},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kasseledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

// Register adds every collector to the default registry.
func Register() {
	prometheus.MustRegister(PurchasesTotal)
	prometheus.MustRegister(ChargesTotal)
	prometheus.MustRegister(SettlementAttemptsTotal)
	prometheus.MustRegister(GiftCardOperationsTotal)
	prometheus.MustRegister(FiscalEventsTotal)
	prometheus.MustRegister(SideEffectFailuresTotal)
	prometheus.MustRegister(PurchaseDuration)
	prometheus.MustRegister(HTTPRequestDuration)
}
