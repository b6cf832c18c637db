package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Auction   AuctionConfig   `yaml:"auction"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notifier  NotifierConfig  `yaml:"notifier"`

	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// AuctionConfig holds the auction engine settings. Thresholds and windows are
// plain seconds/minutes so the YAML keys stay readable.
type AuctionConfig struct {
	AntiSnipingThresholdSeconds int `yaml:"anti_sniping_threshold_seconds"`
	ExtensionMinutes            int `yaml:"extension_minutes"`
	PaymentWindowMinutes        int `yaml:"payment_window_minutes"`
	MaxPaymentAttempts          int `yaml:"max_payment_attempts"`
	ExpiryScanIntervalSeconds   int `yaml:"expiry_scan_interval_seconds"`
	WindowScanIntervalSeconds   int `yaml:"window_scan_interval_seconds"`
}

// AntiSnipingThreshold returns the threshold as a duration.
func (a AuctionConfig) AntiSnipingThreshold() time.Duration {
	return time.Duration(a.AntiSnipingThresholdSeconds) * time.Second
}

// Extension returns the expiry extension as a duration.
func (a AuctionConfig) Extension() time.Duration {
	return time.Duration(a.ExtensionMinutes) * time.Minute
}

// PaymentWindow returns the payment window as a duration.
func (a AuctionConfig) PaymentWindow() time.Duration {
	return time.Duration(a.PaymentWindowMinutes) * time.Minute
}

// ExpiryScanInterval returns the auction expiry monitor cadence.
func (a AuctionConfig) ExpiryScanInterval() time.Duration {
	return time.Duration(a.ExpiryScanIntervalSeconds) * time.Second
}

// WindowScanInterval returns the payment window monitor cadence.
func (a AuctionConfig) WindowScanInterval() time.Duration {
	return time.Duration(a.WindowScanIntervalSeconds) * time.Second
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// NotifierConfig holds outbound notification settings. An empty WebhookURL
// selects the log-only notifier.
type NotifierConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Auction: AuctionConfig{
			AntiSnipingThresholdSeconds: 60,
			ExtensionMinutes:            1,
			PaymentWindowMinutes:        1,
			MaxPaymentAttempts:          3,
			ExpiryScanIntervalSeconds:   10,
			WindowScanIntervalSeconds:   5,
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "bidsphere",
			ServiceVersion: "0.1.0",
		},
		Notifier: NotifierConfig{
			RequestTimeout: 5 * time.Second,
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "bidsphere-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}

	a := c.Auction
	if a.AntiSnipingThresholdSeconds < 0 {
		return fmt.Errorf("anti_sniping_threshold_seconds must be non-negative, got %d", a.AntiSnipingThresholdSeconds)
	}
	if a.ExtensionMinutes <= 0 {
		return fmt.Errorf("extension_minutes must be positive, got %d", a.ExtensionMinutes)
	}
	if a.PaymentWindowMinutes <= 0 {
		return fmt.Errorf("payment_window_minutes must be positive, got %d", a.PaymentWindowMinutes)
	}
	if a.MaxPaymentAttempts <= 0 {
		return fmt.Errorf("max_payment_attempts must be positive, got %d", a.MaxPaymentAttempts)
	}
	if a.ExpiryScanIntervalSeconds <= 0 || a.WindowScanIntervalSeconds <= 0 {
		return fmt.Errorf("scan intervals must be positive, got %d/%d",
			a.ExpiryScanIntervalSeconds, a.WindowScanIntervalSeconds)
	}
	return nil
}
