// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // site time zone must resolve on minimal images

	"github.com/spf13/viper"
)

// Store providers.
const (
	ProviderPostgres  = "postgres"
	ProviderPostgREST = "postgrest"
	ProviderMemory    = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Site    SiteConfig    `mapstructure:"site"`
	Browser BrowserConfig `mapstructure:"browser"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Run     RunConfig     `mapstructure:"run"`
	Store   StoreConfig   `mapstructure:"store"`
	Export  ExportConfig  `mapstructure:"export"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SiteConfig describes the scraped site.
type SiteConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Language  string `mapstructure:"language"`
	Timezone  string `mapstructure:"timezone"`
	UserAgent string `mapstructure:"user_agent"`
}

// Location resolves the site time zone.
func (s SiteConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load site.timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// BrowserConfig controls the Chrome session.
type BrowserConfig struct {
	ExecPath               string `mapstructure:"exec_path"`
	Headless               bool   `mapstructure:"headless"`
	NoSandbox              bool   `mapstructure:"no_sandbox"`
	WindowWidth            int    `mapstructure:"window_width"`
	WindowHeight           int    `mapstructure:"window_height"`
	StartAttempts          int    `mapstructure:"start_attempts"`
	StartTimeoutSeconds    int    `mapstructure:"start_timeout_seconds"`
	SmokeTest              bool   `mapstructure:"smoke_test"`
	LanguageToggle         string `mapstructure:"language_toggle"`
	LanguageAttempts       int    `mapstructure:"language_attempts"`
	LanguageBackoffMs      int    `mapstructure:"language_backoff_ms"`
	NavigateAttempts       int    `mapstructure:"navigate_attempts"`
	NavigateBackoffSeconds int    `mapstructure:"navigate_backoff_seconds"`
	RestartDelaySeconds    int    `mapstructure:"restart_delay_seconds"`
}

// StartBudget is the worst-case time Start spends across all attempts: attempt
// n runs under n times the start timeout and waits n seconds before the next.
func (b BrowserConfig) StartBudget() time.Duration {
	var total time.Duration
	for n := 1; n <= b.StartAttempts; n++ {
		total += time.Duration(n*b.StartTimeoutSeconds) * time.Second
		if n < b.StartAttempts {
			total += time.Duration(n) * time.Second
		}
	}
	return total
}

// ScrapeConfig controls pacing, recovery and write semantics of a pass.
type ScrapeConfig struct {
	SettleMs              int     `mapstructure:"settle_ms"`
	DelaySeconds          float64 `mapstructure:"delay_seconds"`
	ItemTimeoutSeconds    int     `mapstructure:"item_timeout_seconds"`
	RestartTimeoutSeconds int     `mapstructure:"restart_timeout_seconds"`
	BlockRetries          int     `mapstructure:"block_retries"`
	BlockBackoffSeconds   int     `mapstructure:"block_backoff_seconds"`
	HomeAttempts          int     `mapstructure:"home_attempts"`
	HomeBackoffSeconds    int     `mapstructure:"home_backoff_seconds"`
	ListingAttempts       int     `mapstructure:"listing_attempts"`
	ListingBackoffSeconds int     `mapstructure:"listing_backoff_seconds"`
	RefreshExisting       bool    `mapstructure:"refresh_existing"`
	ReconcileActive       bool    `mapstructure:"reconcile_active"`
	ShowtimeMode          string  `mapstructure:"showtime_mode"`
}

// Settle is the wait after a UI interaction.
func (s ScrapeConfig) Settle() time.Duration {
	return time.Duration(s.SettleMs) * time.Millisecond
}

// Delay is the minimum spacing between detail extractions.
func (s ScrapeConfig) Delay() time.Duration {
	return time.Duration(s.DelaySeconds * float64(time.Second))
}

// RunConfig selects one-shot or continuous operation.
type RunConfig struct {
	Once                   bool   `mapstructure:"once"`
	IntervalSeconds        int    `mapstructure:"interval_seconds"`
	DailyAt                string `mapstructure:"daily_at"`
	RetryBaseSeconds       int    `mapstructure:"retry_base_seconds"`
	MaxBackoffSeconds      int    `mapstructure:"max_backoff_seconds"`
	BackoffJitter          bool   `mapstructure:"backoff_jitter"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
	SessionRestarts        int    `mapstructure:"session_restarts"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Provider       string `mapstructure:"provider"`
	DSN            string `mapstructure:"dsn"`
	URL            string `mapstructure:"url"`
	Key            string `mapstructure:"key"`
	Schema         string `mapstructure:"schema"`
	MaxConns       int32  `mapstructure:"max_conns"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ExportConfig controls the pipe-delimited tables.
type ExportConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Dir       string `mapstructure:"dir"`
	Resume    bool   `mapstructure:"resume"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// PubSubConfig holds metadata for run-summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Enabled reports whether summaries should be published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicID != ""
}

// ProbeConfig controls the HTTP reachability probe run before each pass.
type ProbeConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	// AbortOnBlock skips the pass when the probe sees a challenge page.
	AbortOnBlock bool `mapstructure:"abort_on_block"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// legacyEnv maps config keys to the environment names used by older deployments.
var legacyEnv = map[string][]string{
	"store.url":                   {"SUPABASE_URL"},
	"store.key":                   {"SUPABASE_KEY"},
	"store.schema":                {"SUPABASE_SCHEMA"},
	"store.dsn":                   {"DATABASE_URL"},
	"browser.headless":            {"HEADLESS_MODE"},
	"browser.no_sandbox":          {"NO_SANDBOX"},
	"scrape.delay_seconds":        {"SCRAPER_DELAY"},
	"scrape.item_timeout_seconds": {"ITEM_TIMEOUT_SECONDS"},
	"run.once":                    {"RUN_ONCE"},
	"run.interval_seconds":        {"SCRAPE_INTERVAL_SECONDS"},
	"logging.level":               {"LOG_LEVEL"},
}

const envPrefix = "SCRAPER"

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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
	cfg.Store.Provider = resolveProvider(cfg.Store)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv binds each key to its prefixed name first, then the legacy names.
func bindLegacyEnv(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for key, names := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func resolveProvider(s StoreConfig) string {
	if s.Provider != "" {
		return strings.ToLower(s.Provider)
	}
	switch {
	case s.DSN != "":
		return ProviderPostgres
	case s.URL != "":
		return ProviderPostgREST
	default:
		return ProviderMemory
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://hkmovie6.com")
	v.SetDefault("site.language", "en")
	v.SetDefault("site.timezone", "Asia/Hong_Kong")
	v.SetDefault("site.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")

	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.start_attempts", 3)
	v.SetDefault("browser.start_timeout_seconds", 6)
	v.SetDefault("browser.smoke_test", true)
	v.SetDefault("browser.language_toggle", "header .lang-switch")
	v.SetDefault("browser.language_attempts", 3)
	v.SetDefault("browser.language_backoff_ms", 500)
	v.SetDefault("browser.navigate_attempts", 3)
	v.SetDefault("browser.navigate_backoff_seconds", 3)
	v.SetDefault("browser.restart_delay_seconds", 2)

	v.SetDefault("scrape.settle_ms", 1500)
	v.SetDefault("scrape.delay_seconds", 1.0)
	v.SetDefault("scrape.item_timeout_seconds", 60)
	v.SetDefault("scrape.restart_timeout_seconds", 45)
	v.SetDefault("scrape.block_retries", 2)
	v.SetDefault("scrape.block_backoff_seconds", 30)
	v.SetDefault("scrape.home_attempts", 3)
	v.SetDefault("scrape.home_backoff_seconds", 3)
	v.SetDefault("scrape.listing_attempts", 5)
	v.SetDefault("scrape.listing_backoff_seconds", 5)
	v.SetDefault("scrape.refresh_existing", false)
	v.SetDefault("scrape.reconcile_active", false)
	v.SetDefault("scrape.showtime_mode", "append")

	v.SetDefault("run.once", false)
	v.SetDefault("run.interval_seconds", 6*60*60)
	v.SetDefault("run.daily_at", "")
	v.SetDefault("run.retry_base_seconds", 60)
	v.SetDefault("run.max_backoff_seconds", 60*60)
	v.SetDefault("run.backoff_jitter", true)
	v.SetDefault("run.max_consecutive_failures", 5)
	v.SetDefault("run.session_restarts", 3)

	v.SetDefault("store.provider", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.key", "")
	v.SetDefault("store.schema", "public")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.timeout_seconds", 30)

	v.SetDefault("export.enabled", true)
	v.SetDefault("export.dir", "output")
	v.SetDefault("export.resume", false)
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.gcs_prefix", "exports")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")

	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.timeout_seconds", 15)
	v.SetDefault("probe.abort_on_block", false)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if _, err := c.Site.Location(); err != nil {
		return err
	}
	if c.Browser.StartAttempts <= 0 {
		return fmt.Errorf("browser.start_attempts must be > 0")
	}
	if c.Browser.NavigateAttempts <= 0 {
		return fmt.Errorf("browser.navigate_attempts must be > 0")
	}
	if c.Scrape.ItemTimeoutSeconds <= 0 {
		return fmt.Errorf("scrape.item_timeout_seconds must be > 0")
	}
	if c.Scrape.RestartTimeoutSeconds <= 0 {
		return fmt.Errorf("scrape.restart_timeout_seconds must be > 0")
	}
	if c.Scrape.RestartTimeoutSeconds >= c.Scrape.ItemTimeoutSeconds {
		return fmt.Errorf("scrape.restart_timeout_seconds must be shorter than scrape.item_timeout_seconds")
	}
	if need := c.Browser.StartBudget() + time.Duration(c.Browser.RestartDelaySeconds)*time.Second; need > time.Duration(c.Scrape.RestartTimeoutSeconds)*time.Second {
		return fmt.Errorf("scrape.restart_timeout_seconds must cover the browser start budget of %s", need)
	}
	if c.Scrape.DelaySeconds < 0 || c.Scrape.BlockRetries < 0 || c.Scrape.SettleMs < 0 {
		return fmt.Errorf("scrape.delay_seconds, scrape.block_retries and scrape.settle_ms must be >= 0")
	}
	if c.Scrape.HomeAttempts <= 0 || c.Scrape.ListingAttempts <= 0 {
		return fmt.Errorf("scrape.home_attempts and scrape.listing_attempts must be > 0")
	}
	switch c.Scrape.ShowtimeMode {
	case "append", "replace":
	default:
		return fmt.Errorf("scrape.showtime_mode must be append or replace, got %q", c.Scrape.ShowtimeMode)
	}
	if !c.Run.Once && c.Run.IntervalSeconds <= 0 && c.Run.DailyAt == "" {
		return fmt.Errorf("run.interval_seconds must be > 0 in continuous mode")
	}
	if c.Run.DailyAt != "" {
		if _, err := time.Parse("15:04", c.Run.DailyAt); err != nil {
			return fmt.Errorf("run.daily_at must be HH:MM: %w", err)
		}
	}
	if c.Run.RetryBaseSeconds <= 0 || c.Run.MaxBackoffSeconds < c.Run.RetryBaseSeconds {
		return fmt.Errorf("run.retry_base_seconds must be > 0 and <= run.max_backoff_seconds")
	}
	if c.Run.MaxConsecutiveFailures <= 0 || c.Run.SessionRestarts < 0 {
		return fmt.Errorf("run.max_consecutive_failures must be > 0 and run.session_restarts >= 0")
	}
	switch c.Store.Provider {
	case ProviderPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres provider")
		}
	case ProviderPostgREST:
		if c.Store.URL == "" || c.Store.Key == "" {
			return fmt.Errorf("store.url and store.key are required for the postgrest provider")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}
	if c.Export.Enabled && c.Export.Dir == "" {
		return fmt.Errorf("export.dir must be set when export is enabled")
	}
	if c.Export.GCSBucket != "" && !c.Export.Enabled {
		return fmt.Errorf("export.gcs_bucket requires export.enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set together")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}
