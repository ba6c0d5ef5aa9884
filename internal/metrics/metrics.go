// Package metrics exposes Prometheus instrumentation for region refreshes.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh and provider call outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeInvalid = "invalid"
)

// Collector bundles the refresh and provider metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	RefreshRequests  *prometheus.CounterVec
	RefreshDuration  prometheus.Histogram
	RefreshRegions   prometheus.Histogram
	ProviderRequests *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	DedupDropped     *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global registry when nil.
// Registering twice against the same registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.RefreshRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "region_refresh_requests_total",
		Help: "Total number of region refreshes, labeled by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.RefreshDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "region_refresh_duration_seconds",
		Help:    "Region refresh latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})); err != nil {
		return nil, err
	}
	if c.RefreshRegions, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "region_refresh_regions",
		Help:    "Number of regions returned per refresh.",
		Buckets: []float64{0, 1, 2, 5, 10, 15, 20},
	})); err != nil {
		return nil, err
	}
	if c.ProviderRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "region_provider_requests_total",
		Help: "Total number of location source lookups, labeled by provider and outcome.",
	}, []string{"provider", "outcome"})); err != nil {
		return nil, err
	}
	if c.ProviderDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "region_provider_duration_seconds",
		Help:    "Location source lookup latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"provider"})); err != nil {
		return nil, err
	}
	if c.DedupDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "region_dedup_dropped_total",
		Help: "Locations discarded while merging sources, labeled by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}

	return c, nil
}

// ObserveRefresh records one refresh outcome.
func (c *Collector) ObserveRefresh(outcome string, d time.Duration, regions int) {
	if c == nil {
		return
	}
	c.RefreshRequests.WithLabelValues(outcome).Inc()
	c.RefreshDuration.Observe(d.Seconds())
	if outcome == OutcomeOK {
		c.RefreshRegions.Observe(float64(regions))
	}
}

// ObserveProvider records one catalog or provider lookup.
func (c *Collector) ObserveProvider(provider, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ProviderRequests.WithLabelValues(provider, outcome).Inc()
	c.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveDedup records merge discards.
func (c *Collector) ObserveDedup(duplicates, invalid int) {
	if c == nil {
		return
	}
	if duplicates > 0 {
		c.DedupDropped.WithLabelValues("duplicate").Add(float64(duplicates))
	}
	if invalid > 0 {
		c.DedupDropped.WithLabelValues("invalid").Add(float64(invalid))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("metrics: collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
