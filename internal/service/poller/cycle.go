package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/uusseis/sis-poller/internal/config"
	"github.com/uusseis/sis-poller/internal/domain/station"
	"github.com/uusseis/sis-poller/internal/listing"
	"github.com/uusseis/sis-poller/internal/logger"
	"github.com/uusseis/sis-poller/internal/metrics"
	"github.com/uusseis/sis-poller/internal/reconcile"
)

// Fetcher downloads a listing page.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
}

// Store is the persistence used by a cycle.
type Store interface {
	List(ctx context.Context) ([]station.Record, error)
	Create(ctx context.Context, records []station.Record) ([]station.Record, error)
	Update(ctx context.Context, records []station.Record) ([]station.Record, error)
	Replace(ctx context.Context, records []station.Record) ([]station.Record, error)
}

// ErrIncompleteListing is returned by Initialize when the listing cannot
// stand in for the whole stored set.
var ErrIncompleteListing = errors.New("listing is incomplete")

// Notifier delivers the summary of a cycle.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}

// Report describes what a cycle observed and wrote.
type Report struct {
	// Observed is the accumulated listing content in network then row order.
	Observed []station.Record
	// Created holds records written as new. In dry-run mode it holds the planned records.
	Created []station.Record
	// Updated holds records whose time was advanced. In dry-run mode it holds the planned records.
	Updated []station.Record
	// Ambiguities lists observed records that matched several persisted records.
	Ambiguities []reconcile.Ambiguity
	// FailedNetworks lists networks that contributed nothing.
	FailedNetworks []string
	// Summary is the notification text; empty when nothing was written.
	Summary string
}

// Cycle runs poll cycles for one configuration.
type Cycle struct {
	// cfg is a private copy of the settings.
	cfg config.Config

	fetcher    Fetcher
	store      Store
	notifier   Notifier
	reconciler *reconcile.Reconciler
	metrics    *metrics.Cycle
	dryRun     bool
}

// Option configures a Cycle.
type Option func(*Cycle)

// WithNotifier sends summaries through notifier.
func WithNotifier(notifier Notifier) Option {
	return func(c *Cycle) {
		c.notifier = notifier
	}
}

// WithReconciler replaces the default substring reconciler.
func WithReconciler(reconciler *reconcile.Reconciler) Option {
	return func(c *Cycle) {
		if reconciler != nil {
			c.reconciler = reconciler
		}
	}
}

// WithMetrics records the cycle into m.
func WithMetrics(m *metrics.Cycle) Option {
	return func(c *Cycle) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithDryRun computes the delta without writing or notifying.
func WithDryRun(dryRun bool) Option {
	return func(c *Cycle) {
		c.dryRun = dryRun
	}
}

// NewCycle returns a cycle bound to a copy of cfg.
func NewCycle(cfg config.Config, fetcher Fetcher, store Store, opts ...Option) *Cycle {
	c := &Cycle{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      store,
		reconciler: reconcile.New(reconcile.Substring),
		metrics:    metrics.NewCycle(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Metrics returns the collectors of this cycle.
func (c *Cycle) Metrics() *metrics.Cycle {
	return c.metrics
}

// networkResult is the outcome of one network.
type networkResult struct {
	records []station.Record
	failed  bool
}

// Observe fetches and extracts every configured network. Networks are
// processed up to Concurrency at a time and merged in configuration order.
// It fails only when ctx is canceled.
func (c *Cycle) Observe(ctx context.Context) ([]station.Record, []string, error) {
	results := make([]networkResult, len(c.cfg.Networks))

	var group errgroup.Group

	group.SetLimit(max(c.cfg.Concurrency, 1))

	for i, network := range c.cfg.Networks {
		group.Go(func() error {
			results[i] = c.observeNetwork(ctx, network)

			return nil
		})
	}

	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("observe networks: %w", err)
	}

	var (
		observed []station.Record
		failed   []string
	)

	for i, result := range results {
		if result.failed {
			failed = append(failed, c.cfg.Networks[i])
			continue
		}

		observed = append(observed, result.records...)
	}

	logger.DebugKV(ctx, "Returned stations from SIS", "count", len(observed))

	return observed, failed, nil
}

func (c *Cycle) observeNetwork(ctx context.Context, network string) networkResult {
	ctx = logger.WithKV(ctx, "network", network)
	pageURL := c.cfg.NetworkURL(network)

	logger.InfoKV(ctx, "Fetching listing", "url", pageURL)

	page, err := c.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		logger.WarnKV(ctx, "Cannot fetch listing", "error", err)
		c.metrics.NetworkFailed(network)

		return networkResult{failed: true}
	}

	result, err := listing.Extract(ctx, page, network, c.cfg.Allowlists.For(network))
	if err != nil {
		logger.WarnKV(ctx, "Cannot extract stations", "error", err)
		c.metrics.NetworkFailed(network)

		return networkResult{failed: true}
	}

	logger.InfoKV(ctx, "Unpacked stations", "count", len(result.Records), "skipped", len(result.Skipped))
	c.metrics.NetworkObserved(network, len(result.Records), len(result.Skipped))

	return networkResult{records: result.Records}
}

// Sync runs one reconciliation cycle.
func (c *Cycle) Sync(ctx context.Context) (*Report, error) {
	persisted, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read persisted stations: %w", err)
	}

	logger.InfoKV(ctx, "Got stations from database", "count", len(persisted))

	observed, failed, err := c.Observe(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Observed:       observed,
		FailedNetworks: failed,
		Ambiguities:    c.reconciler.Ambiguities(persisted, observed),
	}

	for _, ambiguity := range report.Ambiguities {
		logger.WarnKV(ctx, "Observed station matches several stored stations",
			"station", ambiguity.Observed.Station,
			"matches", station.Names(ambiguity.Persisted))
	}

	c.metrics.Ambiguous(len(report.Ambiguities))

	toCreate := c.reconciler.ToCreate(persisted, observed)
	toUpdate := c.reconciler.ToUpdate(persisted, observed)

	logger.InfoKV(ctx, "Reconciled stations", "create", len(toCreate), "update", len(toUpdate))

	if c.dryRun {
		report.Created, report.Updated = toCreate, toUpdate
		logDryRun(ctx, toCreate, toUpdate)

		return report, nil
	}

	if report.Created, err = c.store.Create(ctx, toCreate); err != nil {
		return report, fmt.Errorf("create stations: %w", err)
	}

	if report.Updated, err = c.store.Update(ctx, toUpdate); err != nil {
		return report, fmt.Errorf("update stations: %w", err)
	}

	c.metrics.Written(len(report.Created), len(report.Updated))

	if len(report.Created) == 0 && len(report.Updated) == 0 {
		logger.Info(ctx, "Nothing to update")
	}

	c.logUpdatedNetworks(ctx, report.Updated)

	report.Summary = FormatSummary(report.Created, report.Updated)
	c.notify(ctx, report.Summary)

	return report, nil
}

// Initialize replaces the persisted set with the observed set. No summary is sent.
// Nothing is replaced unless every network contributed to the listing.
func (c *Cycle) Initialize(ctx context.Context) (*Report, error) {
	observed, failed, err := c.Observe(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Observed:       observed,
		FailedNetworks: failed,
	}

	switch {
	case len(failed) > 0:
		return report, fmt.Errorf("%w: failed networks %s", ErrIncompleteListing, strings.Join(failed, ", "))
	case len(observed) == 0:
		return report, fmt.Errorf("%w: no stations observed", ErrIncompleteListing)
	}

	if c.dryRun {
		report.Created = observed
		logDryRun(ctx, observed, nil)

		return report, nil
	}

	if report.Created, err = c.store.Replace(ctx, observed); err != nil {
		return report, fmt.Errorf("replace stations: %w", err)
	}

	c.metrics.Written(len(report.Created), 0)

	logger.InfoKV(ctx, "Initialized stations", "count", len(report.Created))

	return report, nil
}

// FormatSummary renders one "Added" line per created record followed by one
// "Updated" line per updated record.
func FormatSummary(created, updated []station.Record) string {
	var sb strings.Builder

	for _, record := range created {
		sb.WriteString("Added " + record.Station + "\n")
	}

	for _, record := range updated {
		sb.WriteString("Updated " + record.Station + "\n")
	}

	return sb.String()
}

// notify sends a non-empty summary. Delivery failures are logged; the
// records are already stored at this point.
func (c *Cycle) notify(ctx context.Context, summary string) {
	if summary == "" || c.notifier == nil {
		return
	}

	if err := c.notifier.Notify(ctx, c.cfg.Notification.Subject, summary); err != nil {
		logger.ErrorKV(ctx, "Cannot send notification", "error", err)
	}
}

// logUpdatedNetworks logs each configured network that had an updated station.
func (c *Cycle) logUpdatedNetworks(ctx context.Context, updated []station.Record) {
	for _, network := range c.cfg.Networks {
		prefix := network + "_"

		for _, record := range updated {
			if strings.Contains(record.Station, prefix) {
				logger.InfoKV(ctx, "Network updated", "network", network)
				break
			}
		}
	}
}

func logDryRun(ctx context.Context, toCreate, toUpdate []station.Record) {
	for _, record := range toCreate {
		logger.InfoKV(ctx, "Would create station", "station", record.Station, "time", record.Time)
	}

	for _, record := range toUpdate {
		logger.InfoKV(ctx, "Would update station", "station", record.Station, "time", record.Time)
	}
}
