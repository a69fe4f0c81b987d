package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-isme/backend-pos/internal/resilience"
)

var (
	domainOnce sync.Once

	// SalesTotal counts checkout attempts by payment type and outcome.
	SalesTotal *prometheus.CounterVec
	// FreeUnitsGranted counts free units produced by promotion evaluation.
	FreeUnitsGranted prometheus.Counter
	// PromotionRuleSkipped counts promotion rules skipped during compilation or evaluation.
	PromotionRuleSkipped *prometheus.CounterVec
	// ShiftCloseTotal counts shift-close attempts by outcome.
	ShiftCloseTotal *prometheus.CounterVec
	// SearchStaleTotal counts search responses dropped because a newer request superseded them.
	SearchStaleTotal *prometheus.CounterVec
	// DraftsTotal counts held-bill operations.
	DraftsTotal *prometheus.CounterVec
	// BackendLatency records remote backend call latency in milliseconds.
	BackendLatency *prometheus.HistogramVec
	// BreakerState, BreakerTransitions and BreakerOpened are fed by resilience.Breaker.
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerOpened      *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		SalesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_total",
			Help:      "Count of checkout outcomes by payment type.",
		}, []string{"payment_type", "result"})
		FreeUnitsGranted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_free_units_total",
			Help:      "Free units produced by promotion evaluation.",
		})
		PromotionRuleSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_rule_skipped_total",
			Help:      "Promotion rules skipped because a reference could not be resolved.",
		}, []string{"reason"})
		ShiftCloseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shift_close_total",
			Help:      "Count of shift-close attempts by outcome.",
		}, []string{"result"})
		SearchStaleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_stale_total",
			Help:      "Search responses discarded because a newer request superseded them.",
		}, []string{"kind"})
		DraftsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drafts_total",
			Help:      "Held bill operations by action.",
		}, []string{"action"})
		BackendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_ms",
			Help:      "Latency for business backend calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"operation", "result"})

		BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Breaker state per downstream target (0 closed, 1 open, 2 half-open).",
		}, []string{"target"})
		BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transition_total",
			Help:      "Breaker state changes per downstream target.",
		}, []string{"target", "from", "to"})
		BreakerOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Times a breaker tripped open.",
		}, []string{"target"})

		SalesTotal = register(reg, SalesTotal)
		FreeUnitsGranted = register(reg, FreeUnitsGranted)
		PromotionRuleSkipped = register(reg, PromotionRuleSkipped)
		ShiftCloseTotal = register(reg, ShiftCloseTotal)
		SearchStaleTotal = register(reg, SearchStaleTotal)
		DraftsTotal = register(reg, DraftsTotal)
		BackendLatency = register(reg, BackendLatency)
		BreakerState = register(reg, BreakerState)
		BreakerTransitions = register(reg, BreakerTransitions)
		BreakerOpened = register(reg, BreakerOpened)

		resilience.UseMetrics(&resilience.Metrics{
			State:       BreakerState,
			Transitions: BreakerTransitions,
			Opened:      BreakerOpened,
		})
	})
}
