package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uusseis/sis-poller/internal/config"
	"github.com/uusseis/sis-poller/internal/listing"
	"github.com/uusseis/sis-poller/internal/logger"
	"github.com/uusseis/sis-poller/internal/metrics"
	"github.com/uusseis/sis-poller/internal/notify"
	repository "github.com/uusseis/sis-poller/internal/repository/station"
	"github.com/uusseis/sis-poller/internal/service/common"
)

// Options controls one sis-poller invocation.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// LogLevel overrides the configured log level when set.
	LogLevel string
	// Initialize wipes the stored stations and reloads them from the listing.
	Initialize bool
	// Test only sends the test notification.
	Test bool
	// DryRun computes the delta without writing or notifying.
	DryRun bool
}

// ErrNotificationDisabled is returned by a test run without a notification URL.
var ErrNotificationDisabled = errors.New("notification url is not configured")

// Run loads settings and performs the mode selected by opts.
func Run(ctx context.Context, opts *Options) error {
	// Refuse to run with a broken time conversion.
	if err := listing.CheckReferenceVector(); err != nil {
		return err
	}

	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logLevel := settings.LogLevel
	if opts.LogLevel != "" {
		logLevel = opts.LogLevel
	}

	closeLog, err := logger.Configure(logLevel, settings.LogFile)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	defer closeLog()

	// Bind the name only after Configure so the context carries the file-teeing logger.
	ctx = logger.WithName(ctx, "sis-poller")

	if opts.Test {
		return sendTest(ctx, settings)
	}

	return runCycle(ctx, settings, opts)
}

func sendTest(ctx context.Context, settings *config.Config) error {
	if !settings.Notification.Enabled() {
		return ErrNotificationDisabled
	}

	client, err := notify.New(ctx, settings.Notification, notify.WithTimeout(settings.Timeout))
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}

	if err = client.SendTest(ctx); err != nil {
		return fmt.Errorf("send test notification: %w", err)
	}

	return nil
}

func runCycle(ctx context.Context, settings *config.Config, opts *Options) error {
	store, err := repository.Open(ctx, settings.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.WarnKV(ctx, "Cannot close storage", "error", closeErr)
		}
	}()

	cycleMetrics := metrics.NewCycle()
	cycleOptions := []Option{
		WithMetrics(cycleMetrics),
		WithDryRun(opts.DryRun),
	}

	if settings.Notification.Enabled() && !opts.DryRun && !opts.Initialize {
		client, notifyErr := notify.New(ctx, settings.Notification, notify.WithTimeout(settings.Timeout))
		if notifyErr != nil {
			return fmt.Errorf("create notifier: %w", notifyErr)
		}

		cycleOptions = append(cycleOptions, WithNotifier(client))
	}

	fetcher := common.NewClient(common.WithCallTimeout(settings.Timeout))
	cycle := NewCycle(*settings, fetcher, store, cycleOptions...)

	started := time.Now()

	var report *Report
	if opts.Initialize {
		report, err = cycle.Initialize(ctx)
	} else {
		report, err = cycle.Sync(ctx)
	}

	cycleMetrics.Finished(started, time.Now(), err == nil)

	// Push even when ctx was canceled.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.Timeout)
	defer cancel()

	if pushErr := cycleMetrics.Push(pushCtx, settings.Metrics); pushErr != nil {
		logger.WarnKV(ctx, "Cannot push metrics", "error", pushErr)
	}

	if err != nil {
		logger.ErrorKV(ctx, "Poll cycle failed", "error", err)

		return err
	}

	logger.InfoKV(ctx, "Poll cycle finished",
		"observed", len(report.Observed),
		"created", len(report.Created),
		"updated", len(report.Updated),
		"failed_networks", report.FailedNetworks,
		"dry_run", opts.DryRun)

	return nil
}
