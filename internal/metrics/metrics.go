package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/uusseis/sis-poller/internal/config"
)

const namespace = "sis_poller"

// Cycle holds the collectors of one poll cycle.
type Cycle struct {
	registry *prometheus.Registry

	observed     *prometheus.CounterVec
	skippedRows  *prometheus.CounterVec
	failed       *prometheus.CounterVec
	created      prometheus.Counter
	updated      prometheus.Counter
	ambiguous    prometheus.Counter
	lastSuccess  prometheus.Gauge
	cycleSeconds prometheus.Gauge

	// succeeded is set by Finished for a cycle without a fatal error.
	succeeded bool
}

// NewCycle returns collectors registered in a fresh registry.
func NewCycle() *Cycle {
	c := &Cycle{
		registry: prometheus.NewRegistry(),
		observed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observed_stations_total",
			Help:      "Stations extracted from the listing, per network.",
		}, []string{"network"}),
		skippedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_rows_total",
			Help:      "Candidate rows skipped because they could not be parsed, per network.",
		}, []string{"network"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_networks_total",
			Help:      "Networks whose listing could not be fetched or had no table.",
		}, []string{"network"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "created_stations_total",
			Help:      "Stations written as new records.",
		}),
		updated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updated_stations_total",
			Help:      "Stations whose last modified time was advanced.",
		}),
		ambiguous: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ambiguous_matches_total",
			Help:      "Observed stations that matched more than one persisted record.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that finished without a fatal error.",
		}),
		cycleSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of the last cycle.",
		}),
	}

	c.registry.MustRegister(c.cycleCollectors()...)
	c.registry.MustRegister(c.lastSuccess)

	return c
}

// Registry exposes the underlying registry.
func (c *Cycle) Registry() *prometheus.Registry {
	return c.registry
}

// NetworkObserved records the outcome of one successfully extracted network.
func (c *Cycle) NetworkObserved(network string, stations, skipped int) {
	c.observed.WithLabelValues(network).Add(float64(stations))
	c.skippedRows.WithLabelValues(network).Add(float64(skipped))
}

// NetworkFailed records a network that contributed nothing.
func (c *Cycle) NetworkFailed(network string) {
	c.failed.WithLabelValues(network).Inc()
}

// Written records the number of created and updated stations.
func (c *Cycle) Written(created, updated int) {
	c.created.Add(float64(created))
	c.updated.Add(float64(updated))
}

// Ambiguous records observed stations with several persisted matches.
func (c *Cycle) Ambiguous(count int) {
	c.ambiguous.Add(float64(count))
}

// Finished records the cycle duration and, on success, its completion time.
func (c *Cycle) Finished(started, finished time.Time, success bool) {
	c.cycleSeconds.Set(finished.Sub(started).Seconds())

	c.succeeded = success
	if success {
		c.lastSuccess.Set(float64(finished.Unix()))
	}
}

// Push sends the cycle metrics to the Pushgateway in settings. It does
// nothing when no gateway is configured. A successful cycle replaces the
// whole job group; any other cycle only adds its own collectors, so the
// last success time stored in the gateway is kept.
func (c *Cycle) Push(ctx context.Context, settings config.Metrics) error {
	if settings.PushgatewayURL == "" {
		return nil
	}

	job := settings.Job
	if job == "" {
		job = config.DefaultMetricsJob
	}

	pusher := push.New(settings.PushgatewayURL, job)

	var err error

	if c.succeeded {
		err = pusher.Gatherer(c.registry).PushContext(ctx)
	} else {
		for _, collector := range c.cycleCollectors() {
			pusher = pusher.Collector(collector)
		}

		err = pusher.AddContext(ctx)
	}

	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}

	return nil
}

// cycleCollectors returns every collector except the last success gauge.
func (c *Cycle) cycleCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.observed, c.skippedRows, c.failed,
		c.created, c.updated, c.ambiguous,
		c.cycleSeconds,
	}
}
