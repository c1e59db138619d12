package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uusseis/sis-poller/internal/listing"
)

// Config holds everything a poll cycle needs. It is loaded once per process
// and handed to the poller by value.
type Config struct {
	// ListingURL is the base URL of the StationXML listing; network codes are appended to it.
	ListingURL string `yaml:"listing_url"`
	// Networks is the ordered list of network codes to poll.
	Networks []string `yaml:"networks"`
	// Allowlists restricts stations per network. Networks without an entry keep everything.
	Allowlists listing.Allowlists `yaml:"allowlists"`
	// Timeout bounds each HTTP call.
	Timeout time.Duration `yaml:"timeout"`
	// Concurrency is the number of networks fetched in parallel.
	Concurrency int `yaml:"concurrency"`
	// LogLevel is the minimum level written to the log.
	LogLevel string `yaml:"log_level"`
	// LogFile optionally duplicates the log into a file.
	LogFile string `yaml:"log_file"`
	// Storage selects and configures the persisted record set.
	Storage Storage `yaml:"storage"`
	// Notification configures the summary message sent after a cycle.
	Notification Notification `yaml:"notification"`
	// Metrics configures the Prometheus Pushgateway export.
	Metrics Metrics `yaml:"metrics"`
}

// Storage configures the persisted record set.
type Storage struct {
	// Driver is either DriverPostgres or DriverSQLite.
	Driver string `yaml:"driver"`
	// DSN is the PostgreSQL connection string or an explicit SQLite DSN.
	DSN string `yaml:"dsn"`
	// Schema sets the PostgreSQL search_path when not empty.
	Schema string `yaml:"schema"`
	// SQLitePath is the SQLite file used when DSN is empty.
	SQLitePath string `yaml:"sqlite_path"`
	// AutoMigrate creates the xml_update table when missing.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// Notification configures the API gateway used for summary messages.
type Notification struct {
	// URL is the API gateway base address. Notifications are disabled when empty.
	URL string `yaml:"url"`
	// APIKey is sent in the x-api-key header.
	APIKey string `yaml:"api_key"`
	// Topic is either "test" or "production".
	Topic string `yaml:"topic"`
	// Endpoint is appended to URL, e.g. "Email".
	Endpoint string `yaml:"endpoint"`
	// Subject is the message subject for update summaries.
	Subject string `yaml:"subject"`
}

// Metrics configures the Prometheus export.
type Metrics struct {
	// PushgatewayURL enables pushing cycle metrics when not empty.
	PushgatewayURL string `yaml:"pushgateway_url"`
	// Job is the Pushgateway job label.
	Job string `yaml:"job"`
}

const (
	// DefaultConfigFilename is the default filename for poller settings.
	DefaultConfigFilename = "sis-poller.yaml"

	// DefaultListingURL is the production SIS StationXML listing.
	DefaultListingURL = "https://files.anss-sis.scsn.org/production/FDSNStationXML1.1/"

	// DefaultSQLiteFilename is used when the sqlite3 driver has no path or DSN.
	DefaultSQLiteFilename = "sis-xml-updates.sqlite3"

	// DefaultTimeout is the default duration for HTTP calls.
	DefaultTimeout = 30 * time.Second

	// DefaultTopic is the notification topic used when none is set.
	DefaultTopic = "production"

	// DefaultEndpoint is appended to the notification URL.
	DefaultEndpoint = "Email"

	// DefaultSubject is the subject of update summaries.
	DefaultSubject = "SIS Update"

	// DefaultMetricsJob is the Pushgateway job label.
	DefaultMetricsJob = "sis_poller"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// DriverPostgres selects the PostgreSQL store.
	DriverPostgres = "postgres"
	// DriverSQLite selects the SQLite store.
	DriverSQLite = "sqlite3"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errNoNetworks is returned when the network list ends up empty.
	errNoNetworks = errors.New("at least one network must be configured")
	// errUnknownDriver is returned for unsupported storage drivers.
	errUnknownDriver = errors.New("unknown storage driver")
	// errDSNRequired is returned when PostgreSQL has no connection string.
	errDSNRequired = errors.New("storage dsn must be provided for postgres")
	// errBadNetwork is returned for empty or malformed network codes.
	errBadNetwork = errors.New("invalid network code")
	// errBadAllowlist is returned for allowlists with empty entries or unknown networks.
	errBadAllowlist = errors.New("invalid allowlist")
	// errBadTopic is returned for topics other than test and production.
	errBadTopic = errors.New("notification topic must be test or production")
)

// DefaultNetworks returns the networks polled by default.
func DefaultNetworks() []string {
	return []string{"UU", "WY", "IW", "US"}
}

// DefaultAllowlists returns the hand-maintained station subsets for IW and US.
func DefaultAllowlists() listing.Allowlists {
	return listing.Allowlists{
		"IW": {"FLWY", "IMW", "LOHW", "MOOW", "REDW", "RWWY", "SNOW", "TPAW"},
		"US": {"AHID", "BOZ", "BW06", "DUG", "ELK", "HLID", "HWUT", "ISCO", "LKWY", "MVCO", "TPNV", "WUAZ"},
	}
}

// Load reads configuration from the provided path, expands ${VAR} references
// from the environment and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	return Parse(contents)
}

// Parse decodes YAML settings, expands environment references and validates them.
func Parse(contents []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(contents))), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes Config to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Settings may hold credentials.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks the provided settings.
//
//nolint:cyclop // A flat list of checks reads better than helpers here.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.ListingURL == "" {
		settings.ListingURL = DefaultListingURL
	}

	if _, err := url.ParseRequestURI(settings.ListingURL); err != nil {
		return fmt.Errorf("invalid listing URL: %w", err)
	}

	if settings.Networks == nil {
		settings.Networks = DefaultNetworks()
	}

	if len(settings.Networks) == 0 {
		return errNoNetworks
	}

	known := make(map[string]struct{}, len(settings.Networks))

	for _, network := range settings.Networks {
		if network == "" || strings.ContainsAny(network, "/_ ") {
			return fmt.Errorf("%w: %q", errBadNetwork, network)
		}

		known[network] = struct{}{}
	}

	if settings.Allowlists == nil {
		settings.Allowlists = DefaultAllowlists()
	}

	for network, allowlist := range settings.Allowlists {
		if _, ok := known[network]; !ok {
			continue
		}

		for _, entry := range allowlist {
			if entry == "" {
				return fmt.Errorf("%w: empty entry for network %s", errBadAllowlist, network)
			}
		}
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}

	if err := validateStorage(&settings.Storage); err != nil {
		return err
	}

	if err := validateNotification(&settings.Notification); err != nil {
		return err
	}

	if settings.Metrics.Job == "" {
		settings.Metrics.Job = DefaultMetricsJob
	}

	if settings.Metrics.PushgatewayURL != "" {
		if _, err := url.ParseRequestURI(settings.Metrics.PushgatewayURL); err != nil {
			return fmt.Errorf("invalid pushgateway URL: %w", err)
		}
	}

	return nil
}

func validateStorage(storage *Storage) error {
	if storage.Driver == "" {
		storage.Driver = DriverSQLite
	}

	switch storage.Driver {
	case DriverPostgres:
		if storage.DSN == "" {
			return errDSNRequired
		}
	case DriverSQLite:
		if storage.DSN == "" && storage.SQLitePath == "" {
			storage.SQLitePath = DefaultSQLiteFilename
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownDriver, storage.Driver)
	}

	return nil
}

func validateNotification(notification *Notification) error {
	if notification.Topic == "" {
		notification.Topic = DefaultTopic
	}

	notification.Topic = strings.ToLower(notification.Topic)
	if notification.Topic != "test" && notification.Topic != "production" {
		return errBadTopic
	}

	if notification.Endpoint == "" {
		notification.Endpoint = DefaultEndpoint
	}

	if notification.Subject == "" {
		notification.Subject = DefaultSubject
	}

	if notification.URL == "" {
		return nil
	}

	if _, err := url.ParseRequestURI(notification.URL); err != nil {
		return fmt.Errorf("invalid notification URL: %w", err)
	}

	return nil
}

// Enabled reports whether notifications should be sent.
func (n Notification) Enabled() bool {
	return n.URL != ""
}

// NetworkURL returns the listing URL of network.
func (c Config) NetworkURL(network string) string {
	base := c.ListingURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return base + network + "/"
}
