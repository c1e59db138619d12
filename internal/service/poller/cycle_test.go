package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/uusseis/sis-poller/internal/config"
	"github.com/uusseis/sis-poller/internal/domain/station"
	"github.com/uusseis/sis-poller/internal/listing"
	"github.com/uusseis/sis-poller/internal/reconcile"
	repository "github.com/uusseis/sis-poller/internal/repository/station"
	"github.com/uusseis/sis-poller/internal/service/common"
)

const testListingURL = "https://sis.test/listing"

var errUnreachable = errors.New("unreachable")

type row struct {
	file     string
	modified string
}

func page(rows ...row) string {
	var sb strings.Builder

	sb.WriteString("<html><body><table>\n<tr><th>Description</th><th>Name</th><th>Modified</th><th>Start</th><th>End</th></tr>\n")

	for _, r := range rows {
		fmt.Fprintf(&sb, "<tr><td>x</td><td><a href=%q>%s</a></td><td>%s</td><td></td><td></td></tr>\n", r.file, r.file, r.modified)
	}

	sb.WriteString("</table></body></html>")

	return sb.String()
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, pageURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, pageURL)

	text, ok := f.pages[pageURL]
	if !ok {
		return "", fmt.Errorf("%s: %w: %w", pageURL, common.ErrFetch, errUnreachable)
	}

	return text, nil
}

type fakeStore struct {
	records []station.Record
	listErr error
	failOn  map[string]bool
	resets  int
	creates [][]station.Record
	updates [][]station.Record
}

func (s *fakeStore) List(context.Context) ([]station.Record, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}

	return append([]station.Record(nil), s.records...), nil
}

func (s *fakeStore) Create(_ context.Context, records []station.Record) ([]station.Record, error) {
	s.creates = append(s.creates, records)

	var written []station.Record

	for _, r := range records {
		if s.failOn[r.Station] {
			continue
		}

		s.records = append(s.records, r)
		written = append(written, r)
	}

	return written, nil
}

func (s *fakeStore) Update(_ context.Context, records []station.Record) ([]station.Record, error) {
	s.updates = append(s.updates, records)

	var written []station.Record

	for _, r := range records {
		for i := range s.records {
			if s.records[i].Station == r.Station && !s.failOn[r.Station] {
				s.records[i].Time = r.Time
				written = append(written, r)

				break
			}
		}
	}

	return written, nil
}

func (s *fakeStore) Replace(_ context.Context, records []station.Record) ([]station.Record, error) {
	s.resets++
	s.records = nil

	return s.Create(context.Background(), records)
}

type fakeNotifier struct {
	subjects []string
	messages []string
	err      error
}

func (n *fakeNotifier) Notify(_ context.Context, subject, message string) error {
	n.subjects = append(n.subjects, subject)
	n.messages = append(n.messages, message)

	return n.err
}

func testConfig(t *testing.T, networks ...string) config.Config {
	t.Helper()

	cfg := config.Config{
		ListingURL: testListingURL,
		Networks:   networks,
		Allowlists: listing.Allowlists{"IW": {"IMW"}},
	}
	require.NoError(t, config.Validate(&cfg))

	return cfg
}

func TestSync_CreatesUpdatesAndNotifies(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU", "IW")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(
			row{"UU_ALP.xml", "2023-05-30 09:29"},
			row{"UU_NEW.xml", "1970-01-01 00:08"},
			row{"UU_BAD.xml", "2023-13-01 00:00"},
		),
		cfg.NetworkURL("IW"): page(
			row{"IW_IMW.xml", "2020-01-01 00:00"},
			row{"IW_XXX.xml", "2020-01-01 00:00"},
		),
	}}
	store := &fakeStore{records: []station.Record{
		station.New("ALP", 1000),
		station.New("IW_IMW.xml", 1577836800),
	}}
	notifier := &fakeNotifier{}

	cycle := NewCycle(cfg, fetcher, store, WithNotifier(notifier))

	report, err := cycle.Sync(context.Background())
	require.NoError(t, err)

	require.Equal(t, []station.Record{
		station.New("UU_ALP.xml", 1685438940),
		station.New("UU_NEW.xml", 480),
		station.New("IW_IMW.xml", 1577836800),
	}, report.Observed)
	require.Equal(t, []station.Record{station.New("UU_NEW.xml", 480)}, report.Created)
	require.Equal(t, []station.Record{station.New("UU_ALP.xml", 1685438940)}, report.Updated)
	require.Empty(t, report.FailedNetworks)
	require.Equal(t, "Added UU_NEW.xml\nUpdated UU_ALP.xml\n", report.Summary)

	require.Equal(t, []string{config.DefaultSubject}, notifier.subjects)
	require.Equal(t, []string{report.Summary}, notifier.messages)

	expected := `
# HELP sis_poller_created_stations_total Stations written as new records.
# TYPE sis_poller_created_stations_total counter
sis_poller_created_stations_total 1
# HELP sis_poller_updated_stations_total Stations whose last modified time was advanced.
# TYPE sis_poller_updated_stations_total counter
sis_poller_updated_stations_total 1
`
	require.NoError(t, testutil.GatherAndCompare(cycle.Metrics().Registry(), strings.NewReader(expected),
		"sis_poller_created_stations_total", "sis_poller_updated_stations_total"))
}

func TestSync_NetworkFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU", "WY", "IW", "US")
	cfg.Concurrency = 4

	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(row{"UU_ALP.xml", "2023-05-30 09:29"}),
		cfg.NetworkURL("IW"): "<html><body><p>maintenance</p></body></html>",
		cfg.NetworkURL("US"): page(row{"US_BOZ.xml", "2020-02-29 12:00"}, row{"US_AHID.xml", "2019-07-04 18:45"}),
	}}
	store := &fakeStore{}

	report, err := NewCycle(cfg, fetcher, store).Sync(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"WY", "IW"}, report.FailedNetworks)
	require.Equal(t, []station.Record{
		station.New("UU_ALP.xml", 1685438940),
		station.New("US_BOZ.xml", 1582977600),
		station.New("US_AHID.xml", 1562265900),
	}, report.Observed)
	require.Equal(t, report.Observed, report.Created)
	require.Len(t, fetcher.calls, 4)
}

func TestSync_ObservedOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	networks := []string{"AA", "BB", "CC", "DD", "EE", "FF", "GG", "HH"}
	cfg := testConfig(t, networks...)
	cfg.Concurrency = len(networks)

	pages := make(map[string]string, len(networks))
	want := make([]station.Record, 0, 2*len(networks))

	for _, network := range networks {
		pages[cfg.NetworkURL(network)] = page(
			row{network + "_ONE.xml", "2023-05-30 09:29"},
			row{network + "_TWO.xml", "2023-05-30 09:30"},
		)
		want = append(want,
			station.New(network+"_ONE.xml", 1685438940),
			station.New(network+"_TWO.xml", 1685439000),
		)
	}

	cycle := NewCycle(cfg, &fakeFetcher{pages: pages}, &fakeStore{}, WithDryRun(true))

	for range 5 {
		observed, failed, err := cycle.Observe(context.Background())
		require.NoError(t, err)
		require.Empty(t, failed)
		require.Equal(t, want, observed)
	}
}

func TestSync_StorageUnavailableIsFatal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(row{"UU_ALP.xml", "2023-05-30 09:29"}),
	}}
	store := &fakeStore{listErr: fmt.Errorf("%w: connection refused", repository.ErrStorageUnavailable)}
	notifier := &fakeNotifier{}

	report, err := NewCycle(cfg, fetcher, store, WithNotifier(notifier)).Sync(context.Background())
	require.ErrorIs(t, err, repository.ErrStorageUnavailable)
	require.Nil(t, report)
	require.Empty(t, fetcher.calls)
	require.Empty(t, store.creates)
	require.Empty(t, store.updates)
	require.Empty(t, notifier.messages)
}

func TestSync_NothingChangedSendsNothing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(row{"UU_ALP.xml", "2023-05-30 09:29"}),
	}}
	store := &fakeStore{records: []station.Record{station.New("UU_ALP.xml", 1685438940)}}
	notifier := &fakeNotifier{}

	report, err := NewCycle(cfg, fetcher, store, WithNotifier(notifier)).Sync(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Summary)
	require.Empty(t, notifier.messages)
}

func TestSync_SummaryListsOnlyWrittenRecords(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(
			row{"UU_ALP.xml", "2023-05-30 09:29"},
			row{"UU_BGU.xml", "2024-1-5 7:03"},
		),
	}}
	store := &fakeStore{failOn: map[string]bool{"UU_ALP.xml": true}}
	notifier := &fakeNotifier{}

	report, err := NewCycle(cfg, fetcher, store, WithNotifier(notifier)).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, []station.Record{station.New("UU_BGU.xml", 1704438180)}, report.Created)
	require.Equal(t, []string{"Added UU_BGU.xml\n"}, notifier.messages)
}

func TestSync_NotificationFailureIsLogged(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(row{"UU_ALP.xml", "2023-05-30 09:29"}),
	}}
	notifier := &fakeNotifier{err: errors.New("gateway down")}

	report, err := NewCycle(cfg, fetcher, &fakeStore{}, WithNotifier(notifier)).Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	require.Len(t, notifier.messages, 1)
}

func TestSync_DryRunWritesNothing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(
			row{"UU_ALP.xml", "2023-05-30 09:29"},
			row{"UU_NEW.xml", "2023-05-30 09:29"},
		),
	}}
	store := &fakeStore{records: []station.Record{station.New("ALP", 1000)}}
	notifier := &fakeNotifier{}

	report, err := NewCycle(cfg, fetcher, store, WithNotifier(notifier), WithDryRun(true)).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, []station.Record{station.New("UU_NEW.xml", 1685438940)}, report.Created)
	require.Equal(t, []station.Record{station.New("UU_ALP.xml", 1685438940)}, report.Updated)
	require.Empty(t, report.Summary)
	require.Empty(t, store.creates)
	require.Empty(t, store.updates)
	require.Empty(t, notifier.messages)
}

func TestSync_ReportsAmbiguities(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(row{"UU_ALP.xml", "2023-05-30 09:29"}),
	}}
	store := &fakeStore{records: []station.Record{
		station.New("ALP", 1000),
		station.New("UU_ALP", 2000),
	}}

	cycle := NewCycle(cfg, fetcher, store)

	report, err := cycle.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, []reconcile.Ambiguity{{
		Observed:  station.New("UU_ALP.xml", 1685438940),
		Persisted: []station.Record{station.New("ALP", 1000), station.New("UU_ALP", 2000)},
	}}, report.Ambiguities)

	expected := `
# HELP sis_poller_ambiguous_matches_total Observed stations that matched more than one persisted record.
# TYPE sis_poller_ambiguous_matches_total counter
sis_poller_ambiguous_matches_total 1
`
	require.NoError(t, testutil.GatherAndCompare(cycle.Metrics().Registry(), strings.NewReader(expected),
		"sis_poller_ambiguous_matches_total"))
}

func TestSync_ExactMatcher(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(row{"UU_ALP.xml", "2023-05-30 09:29"}),
	}}
	store := &fakeStore{records: []station.Record{station.New("ALP", 1000)}}

	report, err := NewCycle(cfg, fetcher, store, WithReconciler(reconcile.New(reconcile.Exact))).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, []station.Record{station.New("UU_ALP.xml", 1685438940)}, report.Created)
	require.Empty(t, report.Updated)
}

func TestSync_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig(t, "UU")
	store := &fakeStore{}

	_, err := NewCycle(cfg, &fakeFetcher{}, store).Sync(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, store.creates)
}

func TestInitialize_ReplacesStoredSet(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(
			row{"UU_ALP.xml", "2023-05-30 09:29"},
			row{"UU_BGU.xml", "2024-1-5 7:03"},
		),
	}}
	store := &fakeStore{records: []station.Record{station.New("OLD", 1)}}
	notifier := &fakeNotifier{}

	report, err := NewCycle(cfg, fetcher, store, WithNotifier(notifier)).Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.resets)
	require.Equal(t, report.Observed, report.Created)
	require.Equal(t, []station.Record{
		station.New("UU_ALP.xml", 1685438940),
		station.New("UU_BGU.xml", 1704438180),
	}, store.records)
	require.Empty(t, notifier.messages)
}

func TestInitialize_DryRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "UU")
	fetcher := &fakeFetcher{pages: map[string]string{
		cfg.NetworkURL("UU"): page(row{"UU_ALP.xml", "2023-05-30 09:29"}),
	}}
	store := &fakeStore{records: []station.Record{station.New("OLD", 1)}}

	report, err := NewCycle(cfg, fetcher, store, WithDryRun(true)).Initialize(context.Background())
	require.NoError(t, err)
	require.Zero(t, store.resets)
	require.Len(t, report.Created, 1)
	require.Equal(t, []station.Record{station.New("OLD", 1)}, store.records)
}

func TestInitialize_FailedNetworksKeepStoredSet(t *testing.T) {
	t.Parallel()

	stored := []station.Record{
		station.New("UU_ALP.xml", 1685438940),
		station.New("WY_YHB.xml", 1669852740),
	}

	tests := []struct {
		name  string
		pages func(cfg config.Config) map[string]string
	}{
		{
			name:  "every network unreachable",
			pages: func(config.Config) map[string]string { return nil },
		},
		{
			name: "one network unreachable",
			pages: func(cfg config.Config) map[string]string {
				return map[string]string{cfg.NetworkURL("UU"): page(row{"UU_ALP.xml", "2023-05-30 09:29"})}
			},
		},
		{
			name: "tables without stations",
			pages: func(cfg config.Config) map[string]string {
				return map[string]string{
					cfg.NetworkURL("UU"): page(),
					cfg.NetworkURL("WY"): page(),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t, "UU", "WY")
			store := &fakeStore{records: append([]station.Record(nil), stored...)}

			for _, dryRun := range []bool{false, true} {
				cycle := NewCycle(cfg, &fakeFetcher{pages: tt.pages(cfg)}, store, WithDryRun(dryRun))

				_, err := cycle.Initialize(context.Background())
				require.ErrorIs(t, err, ErrIncompleteListing)
				require.Zero(t, store.resets)
				require.Empty(t, store.creates)
				require.Equal(t, stored, store.records)
			}
		})
	}
}

func TestFormatSummary(t *testing.T) {
	t.Parallel()

	require.Empty(t, FormatSummary(nil, nil))
	require.Equal(t,
		"Added UU_NEW.xml\nAdded WY_YHB.xml\nUpdated UU_ALP.xml\n",
		FormatSummary(
			[]station.Record{station.New("UU_NEW.xml", 1), station.New("WY_YHB.xml", 2)},
			[]station.Record{station.New("UU_ALP.xml", 3)},
		))
	require.Equal(t, "Updated UU_ALP.xml\n", FormatSummary(nil, []station.Record{station.New("UU_ALP.xml", 3)}))
}
