package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Call outcomes reported by the gateway.
const (
	OutcomeSuccess        = "success"
	OutcomeUnknownService = "unknown_service"
	OutcomeRateLimited    = "rate_limited"
	OutcomePaymentFailed  = "payment_failed"
	OutcomeStorageFailure = "storage_failure"
	OutcomeInvalidCall    = "invalid_call"
)

// Recorder holds the Prometheus collectors for paid calls. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	CallsTotal       *prometheus.CounterVec
	PaymentsTotal    *prometheus.CounterVec
	PaymentDuration  *prometheus.HistogramVec
	SpendTotal       *prometheus.CounterVec
	RateRemaining    prometheus.Gauge
	StoreFailures    prometheus.Counter
	ReceiptFailures  prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPErrors       *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	ProviderFailures *prometheus.CounterVec
}

// New creates and registers all collectors on the registerer. A nil
// registerer uses the default Prometheus registry.
func New(registry prometheus.Registerer) *Recorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Recorder{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwallet_service_calls_total",
				Help: "Paid service calls by outcome.",
			},
			[]string{"service", "outcome"},
		),
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwallet_payments_total",
				Help: "Wallet transfers by wallet mode and result.",
			},
			[]string{"mode", "result"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentwallet_payment_duration_seconds",
				Help:    "Time spent waiting for the wallet to settle a transfer.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		SpendTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwallet_spend_usdc_total",
				Help: "USDC spent on successfully recorded calls.",
			},
			[]string{"service"},
		),
		RateRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentwallet_rate_limit_remaining",
			Help: "Calls still admitted in the current rate window.",
		}),
		StoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwallet_store_failures_total",
			Help: "Payments that succeeded but could not be recorded.",
		}),
		ReceiptFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwallet_receipt_failures_total",
			Help: "Receipts that could not be published.",
		}),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwallet_http_requests_total",
				Help: "Total number of HTTP requests processed.",
			},
			[]string{"handler", "method", "code"},
		),
		HTTPErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwallet_http_request_errors_total",
				Help: "Total number of HTTP requests that resulted in a server error.",
			},
			[]string{"handler", "method"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentwallet_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"handler", "method"},
		),
		ProviderFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentwallet_completion_failures_total",
				Help: "Completion provider calls that failed and were ignored.",
			},
			[]string{"provider"},
		),
	}
}

// ObserveCall counts one gateway call.
func (r *Recorder) ObserveCall(service, outcome string) {
	if r == nil {
		return
	}
	r.CallsTotal.WithLabelValues(service, outcome).Inc()
}

// ObservePayment records a wallet transfer.
func (r *Recorder) ObservePayment(mode string, success bool, duration time.Duration) {
	if r == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	r.PaymentsTotal.WithLabelValues(mode, result).Inc()
	r.PaymentDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveSpend adds a recorded cost to the per-service spend.
func (r *Recorder) ObserveSpend(service string, cost decimal.Decimal) {
	if r == nil {
		return
	}
	r.SpendTotal.WithLabelValues(service).Add(cost.InexactFloat64())
}

// SetRateRemaining publishes the limiter headroom.
func (r *Recorder) SetRateRemaining(remaining int) {
	if r == nil {
		return
	}
	r.RateRemaining.Set(float64(remaining))
}

// ObserveStoreFailure counts a payment whose record is missing.
func (r *Recorder) ObserveStoreFailure() {
	if r == nil {
		return
	}
	r.StoreFailures.Inc()
}

// ObserveReceiptFailure counts a receipt that was not delivered.
func (r *Recorder) ObserveReceiptFailure() {
	if r == nil {
		return
	}
	r.ReceiptFailures.Inc()
}

// ObserveProviderFailure counts an ignored completion provider error.
func (r *Recorder) ObserveProviderFailure(provider string) {
	if r == nil {
		return
	}
	r.ProviderFailures.WithLabelValues(provider).Inc()
}
