package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for the polling pipeline.
type Collector struct {
	registry *prometheus.Registry

	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	FilingsProcessed   prometheus.Counter
	FilingsFailed      *prometheus.CounterVec
	FilingsSkipped     prometheus.Counter
	MarketFetchErrors  *prometheus.CounterVec
	NotificationErrors prometheus.Counter
	StaleClaimsSwept   prometheus.Counter
	ProcessedTotal     prometheus.Gauge
}

// NewCollector constructs a collector with its own registry.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filingwatch",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Total number of completed polling cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "filingwatch",
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of polling cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		FilingsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filingwatch",
			Subsystem: "poller",
			Name:      "filings_processed_total",
			Help:      "Filings that completed the pipeline in this process.",
		}),
		FilingsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filingwatch",
			Subsystem: "poller",
			Name:      "filings_failed_total",
			Help:      "Filings recorded as failed, by error type.",
		}, []string{"error_type"}),
		FilingsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filingwatch",
			Subsystem: "poller",
			Name:      "filings_skipped_total",
			Help:      "Filings skipped by the dedup gate.",
		}),
		MarketFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filingwatch",
			Subsystem: "poller",
			Name:      "market_fetch_errors_total",
			Help:      "Market batch fetches that failed, by market.",
		}, []string{"market"}),
		NotificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filingwatch",
			Subsystem: "poller",
			Name:      "notification_errors_total",
			Help:      "Report alerts that could not be delivered.",
		}),
		StaleClaimsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filingwatch",
			Subsystem: "state",
			Name:      "stale_claims_swept_total",
			Help:      "InProgress claims recovered to Failed by the sweep.",
		}),
		ProcessedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "filingwatch",
			Subsystem: "state",
			Name:      "processed_total",
			Help:      "Filings with status processed in the durable store.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.CyclesTotal, c.CycleDuration, c.FilingsProcessed, c.FilingsFailed,
		c.FilingsSkipped, c.MarketFetchErrors, c.NotificationErrors,
		c.StaleClaimsSwept, c.ProcessedTotal,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
