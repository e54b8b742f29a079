package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration parses TOML duration strings like "15m" or "24h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Empty-text policies for filings with no extractable content.
const (
	EmptyTextProcessed = "processed"
	EmptyTextFailed    = "failed"
)

// Config holds application configuration.
type Config struct {
	Database      DatabaseConfig     `toml:"database"`
	Poller        PollerConfig       `toml:"poller"`
	Server        ServerConfig       `toml:"server"`
	Reports       ReportsConfig      `toml:"reports"`
	Edgar         EdgarConfig        `toml:"edgar"`
	Extraction    ExtractionConfig   `toml:"extraction"`
	Notifications NotificationConfig `toml:"notifications"`
	Logging       LoggingConfig      `toml:"logging"`
}

// DatabaseConfig locates the SQLite state database.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// PollerConfig drives the polling engine.
type PollerConfig struct {
	Tickers          []string `toml:"tickers"`
	Cron             string   `toml:"cron"`
	Interval         Duration `toml:"interval"`
	FetchLimit       int      `toml:"fetch_limit"`
	StaleClaimAge    Duration `toml:"stale_claim_age"`
	FailureRetention Duration `toml:"failure_retention"`
	OnEmptyText      string   `toml:"on_empty_text"`
}

// ServerConfig configures the diagnostics HTTP server.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// ReportsConfig locates report artifacts.
type ReportsConfig struct {
	Dir string `toml:"dir"`
}

// EdgarConfig holds SEC EDGAR access settings. The SEC requires a contact
// identity in the User-Agent header.
type EdgarConfig struct {
	UserAgent string `toml:"user_agent"`
}

// ExtractionConfig holds OpenAI settings; the API key comes from the
// environment only.
type ExtractionConfig struct {
	Model  string `toml:"model"`
	APIKey string `toml:"-"`
}

// NotificationConfig groups outbound alert channels.
type NotificationConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

// TelegramConfig wires the report alert bot.
type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// LoggingConfig selects log level and handler format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: defaultDBPath()},
		Poller: PollerConfig{
			Interval:         Duration(15 * time.Minute),
			FetchLimit:       5,
			StaleClaimAge:    Duration(time.Hour),
			FailureRetention: Duration(7 * 24 * time.Hour),
			OnEmptyText:      EmptyTextProcessed,
		},
		Server:     ServerConfig{Addr: ":8080"},
		Reports:    ReportsConfig{Dir: "data/reports"},
		Extraction: ExtractionConfig{Model: "gpt-4o-mini"},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "filingwatch", "state.db")
}

// Load reads the TOML file at path (skipped when empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets and deploy paths override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("FILINGWATCH_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("FILINGWATCH_REPORT_DIR"); v != "" {
		c.Reports.Dir = v
	}
	if v := os.Getenv("FILINGWATCH_SEC_USER_AGENT"); v != "" {
		c.Edgar.UserAgent = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Extraction.APIKey = v
	}
	if v := os.Getenv("FILINGWATCH_TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("FILINGWATCH_TELEGRAM_CHAT_ID"); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
}

// Validate rejects configurations the engine would refuse at runtime.
func (c *Config) Validate() error {
	if c.Poller.OnEmptyText != EmptyTextProcessed && c.Poller.OnEmptyText != EmptyTextFailed {
		return fmt.Errorf("poller.on_empty_text must be %q or %q, got %q",
			EmptyTextProcessed, EmptyTextFailed, c.Poller.OnEmptyText)
	}
	if c.Poller.FetchLimit <= 0 {
		return fmt.Errorf("poller.fetch_limit must be positive, got %d", c.Poller.FetchLimit)
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive, got %s", c.Poller.Interval.Std())
	}
	if c.Poller.StaleClaimAge <= 0 {
		return fmt.Errorf("poller.stale_claim_age must be positive, got %s", c.Poller.StaleClaimAge.Std())
	}
	return nil
}
