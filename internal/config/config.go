// Package config loads and validates coverwatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/coverwatch/internal/progress"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Gate        GateConfig        `mapstructure:"gate"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Download    DownloadConfig    `mapstructure:"download"`
	Store       StoreConfig       `mapstructure:"store"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Server      ServerConfig      `mapstructure:"server"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// CatalogConfig describes the listing endpoint and its session credential.
type CatalogConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	PageSize    int    `mapstructure:"page_size"`
	IDAttribute string `mapstructure:"id_attribute"`
	TokenField  string `mapstructure:"token_field"`
	// Token is a static session credential; TokenURL fetches one instead.
	Token           string `mapstructure:"token"`
	TokenURL        string `mapstructure:"token_url"`
	TokenJSONField  string `mapstructure:"token_json_field"`
	TokenTTLSeconds int    `mapstructure:"token_ttl_seconds"`
	// Form holds "key=value" pairs sent with every listing request. Pairs keep
	// their key case, which Viper maps would not.
	Form []string `mapstructure:"form"`
}

// CrawlConfig governs pagination batches and page retries.
type CrawlConfig struct {
	BatchSize        int `mapstructure:"batch_size"`
	Start            int `mapstructure:"start"`
	MaxBatches       int `mapstructure:"max_batches"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// GateConfig sizes the admission gate.
type GateConfig struct {
	Capacity      int     `mapstructure:"capacity"`
	Listing       int     `mapstructure:"listing"`
	Probe         int     `mapstructure:"probe"`
	Download      int     `mapstructure:"download"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// FingerprintConfig selects the probe URL and digest algorithm.
type FingerprintConfig struct {
	ProbeURL  string `mapstructure:"probe_url"`
	Algorithm string `mapstructure:"algorithm"`
}

// DownloadConfig sets the full asset URL and artifact naming.
type DownloadConfig struct {
	AssetURL    string `mapstructure:"asset_url"`
	Dir         string `mapstructure:"dir"`
	Extension   string `mapstructure:"extension"`
	ContentType string `mapstructure:"content_type"`
}

// StoreConfig locates the catalog store document.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LedgerConfig controls the optional Postgres mirror of fingerprint records and cycle runs.
type LedgerConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int    `mapstructure:"max_conns"`
	MinConns               int    `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// ArchiveConfig controls uploading the artifact directory to GCS.
type ArchiveConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Endpoint    string `mapstructure:"endpoint"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
	Cleanup     bool   `mapstructure:"cleanup"`
}

// NotifyConfig holds Pub/Sub metadata for cycle summaries.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes    int    `mapstructure:"max_body_bytes"`
	MaxConnsPerHost int    `mapstructure:"max_conns_per_host"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	Level          string `mapstructure:"level"`
	BufferSize     int    `mapstructure:"buffer_size"`
	MaxBatchEvents int    `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int    `mapstructure:"max_batch_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScheduleConfig drives the watch command.
type ScheduleConfig struct {
	Cron       string `mapstructure:"cron"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// RequestTimeout bounds each /v1 handler.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COVERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog.endpoint", "https://prhcomics.com/wp/wp-admin/admin-ajax.php")
	v.SetDefault("catalog.page_size", 36)
	v.SetDefault("catalog.id_attribute", "data-isbn")
	v.SetDefault("catalog.token_field", "product_load_nonce")
	v.SetDefault("catalog.token_url", "https://prhcomics.com/wp/wp-admin/admin-ajax.php?action=get_nonce")
	v.SetDefault("catalog.token_json_field", "nonce")
	v.SetDefault("catalog.token_ttl_seconds", 3600)
	v.SetDefault("catalog.form", []string{
		"action=get_product_list",
		"postType=page",
		"postId=11538",
		"isbns=[]",
		`filters={"l1_category":"all-categories-manga","filters":{"category":[],"sale-status":[{"label":"Coming Soon","filterId":"sale-status","key":"onSaleFrom","value":"tomorrow"}],"format":[],"age":[],"grade":[],"guides":[],"publisher":[],"comics_publisher":[]}}`,
		"layout=grid-lg",
		"sort=frontlistiest_onsale:desc",
		"params=%7B%22source-page%22%3A%22category-landing-page%22%7D",
	})
	v.SetDefault("crawl.batch_size", 100)
	v.SetDefault("crawl.start", 0)
	v.SetDefault("crawl.max_batches", 0)
	v.SetDefault("crawl.max_attempts", 1)
	v.SetDefault("crawl.backoff_initial_ms", 250)
	v.SetDefault("crawl.backoff_max_ms", 2000)
	v.SetDefault("gate.capacity", 100)
	v.SetDefault("gate.rate_per_second", 0)
	v.SetDefault("gate.burst", 1)
	v.SetDefault("fingerprint.probe_url", "https://images2.penguinrandomhouse.com/cover/{id}?height=1")
	v.SetDefault("fingerprint.algorithm", "md5")
	v.SetDefault("download.asset_url", "https://images2.penguinrandomhouse.com/cover/tif/{id}")
	v.SetDefault("download.dir", "covers")
	v.SetDefault("download.extension", "tif")
	v.SetDefault("download.content_type", "image/tiff")
	v.SetDefault("store.path", "data.json")
	v.SetDefault("ledger.table", "fingerprint_observations")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.ensure_schema", true)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "covers")
	v.SetDefault("archive.content_type", "image/tiff")
	v.SetDefault("archive.cleanup", false)
	v.SetDefault("http.user_agent", "coverwatch/0.1")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("http.max_conns_per_host", 0)
	v.SetDefault("progress.level", "info")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("schedule.cron", "@daily")
	v.SetDefault("schedule.run_on_start", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("telemetry.service_name", "coverwatch")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Catalog.Endpoint) == "" {
		return fmt.Errorf("catalog.endpoint is required")
	}
	if c.Catalog.PageSize <= 0 {
		return fmt.Errorf("catalog.page_size must be > 0")
	}
	if _, err := c.Catalog.FormFields(); err != nil {
		return err
	}
	if c.Crawl.BatchSize <= 0 {
		return fmt.Errorf("crawl.batch_size must be > 0")
	}
	if c.Crawl.Start < 0 {
		return fmt.Errorf("crawl.start must be >= 0")
	}
	if c.Crawl.MaxAttempts <= 0 {
		return fmt.Errorf("crawl.max_attempts must be > 0")
	}
	if c.Gate.Capacity <= 0 {
		return fmt.Errorf("gate.capacity must be > 0")
	}
	for name, n := range map[string]int{"gate.listing": c.Gate.Listing, "gate.probe": c.Gate.Probe, "gate.download": c.Gate.Download} {
		if n < 0 || n > c.Gate.Capacity {
			return fmt.Errorf("%s must be between 0 and gate.capacity", name)
		}
	}
	if !strings.Contains(c.Fingerprint.ProbeURL, "{id}") {
		return fmt.Errorf("fingerprint.probe_url must contain {id}")
	}
	switch strings.ToLower(c.Fingerprint.Algorithm) {
	case "md5", "sha256":
	default:
		return fmt.Errorf("fingerprint.algorithm must be md5 or sha256")
	}
	if !strings.Contains(c.Download.AssetURL, "{id}") {
		return fmt.Errorf("download.asset_url must contain {id}")
	}
	if strings.TrimSpace(c.Download.Dir) == "" {
		return fmt.Errorf("download.dir is required")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Archive.Enabled && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive is enabled")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.TopicName == "") {
		return fmt.Errorf("notify.project_id and notify.topic_name must be set together")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if _, err := progress.ParseLevel(c.Progress.Level); err != nil {
		return fmt.Errorf("progress.level: %w", err)
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron: %w", err)
		}
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	return nil
}

// FormFields parses the "key=value" listing form pairs.
func (c CatalogConfig) FormFields() (map[string]string, error) {
	fields := make(map[string]string, len(c.Form))
	for _, pair := range c.Form {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("catalog.form entry %q must be key=value", pair)
		}
		fields[key] = value
	}
	return fields, nil
}

// TokenTTL returns the session token cache lifetime.
func (c CatalogConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// Timeout returns the outbound request timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay for listing pages.
func (c CrawlConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the listing retry delay.
func (c CrawlConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// MaxBatchWait returns the hub flush interval.
func (c ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

// MaxConnLifetime returns the pool connection lifetime; zero keeps pgx's default.
func (c LedgerConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeMinutes) * time.Minute
}
