// Package metrics collects per-cycle poller counters in a private Prometheus
// registry and pushes them to a Pushgateway when one is configured.
package metrics
