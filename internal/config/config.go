package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/cadence/internal/ratelimit"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Automation AutomationConfig `yaml:"automation"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Payment    PaymentConfig    `yaml:"payment"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Name string `yaml:"name"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// APIKeyHash is a bcrypt hash of the API key. Empty disables auth.
	APIKeyHash     string        `yaml:"api_key_hash"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // Per-request handler timeout (default: 20s)
	AllowedIPs     []string      `yaml:"allowed_ips"`     // IP addresses/CIDRs allowed to access API (empty = allow all)
	TrustedProxies []string      `yaml:"trusted_proxies"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path            string        `yaml:"path"`       // SQLite database
	QuotaPath       string        `yaml:"quota_path"` // bbolt file for send quotas and metric counters
	Retention       time.Duration `yaml:"retention"`  // Delete finished schedulables older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DispatchConfig contains dispatcher settings
type DispatchConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"` // Parallel sends per dispatch
	StaleAfter   time.Duration `yaml:"stale_after"` // Claims older than this may be taken over
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

// AutomationConfig contains rule engine settings
type AutomationConfig struct {
	InactiveAfter time.Duration `yaml:"inactive_after"` // 0 disables the inactivity sweeper
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ChannelsConfig contains sender settings
type ChannelsConfig struct {
	Email     EmailConfig                `yaml:"email"`
	WhatsApp  WhatsAppConfig             `yaml:"whatsapp"`
	RateLimit map[string]*ChannelLimit   `yaml:"rate_limit"`
	Global    *ratelimit.LimitConfig     `yaml:"global_limit,omitempty"`
	Owners    map[string]OwnerSenderConf `yaml:"owners,omitempty"`
}

// EmailConfig contains SMTP relay settings
type EmailConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	From               string        `yaml:"from"`
	FromName           string        `yaml:"from_name"`
	ReplyTo            string        `yaml:"reply_to"`
	StartTLS           bool          `yaml:"starttls"`
	ImplicitTLS        bool          `yaml:"implicit_tls"`
	HeloName           string        `yaml:"helo_name"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	DKIM               DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// WhatsAppConfig contains WhatsApp session settings
type WhatsAppConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StorePath string `yaml:"store_path"`
}

// ChannelLimit contains quota and pacing for one channel
type ChannelLimit struct {
	MessagesPerHour int     `yaml:"messages_per_hour"`
	MessagesPerDay  int     `yaml:"messages_per_day"`
	PerSecond       float64 `yaml:"per_second"` // 0 = unpaced
	Burst           int     `yaml:"burst"`
}

// OwnerSenderConf overrides the sender identity for one owner
type OwnerSenderConf struct {
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
	ReplyTo  string `yaml:"reply_to"`
}

// PaymentConfig contains payment gateway settings
type PaymentConfig struct {
	GatewayURL     string        `yaml:"gateway_url"` // Empty disables checkout
	APIKey         string        `yaml:"api_key"`
	WebhookSecret  string        `yaml:"webhook_secret"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ResumeAfter    time.Duration `yaml:"resume_after"`
	ResumeInterval time.Duration `yaml:"resume_interval"`
	SuccessURL     string        `yaml:"success_url"`
	CancelURL      string        `yaml:"cancel_url"`
}

// EventsConfig contains the AMQP event source
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"` // Empty disables the consumer
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"` // OTLP HTTP endpoint; empty disables tracing
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// secrets are read from the environment and win over the file
type secrets struct {
	APIKeyHash    string `env:"CADENCE_API_KEY_HASH"`
	SMTPPassword  string `env:"CADENCE_SMTP_PASSWORD"`
	GatewayAPIKey string `env:"CADENCE_GATEWAY_API_KEY"`
	WebhookSecret string `env:"CADENCE_WEBHOOK_SECRET"`
	AMQPURL       string `env:"CADENCE_AMQP_URL"`
}

// Load loads configuration from a YAML file, applies environment overrides
// (after loading an optional .env next to the file), sets defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads a .env file if present. Variables already set in the
// environment are not overwritten.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if s.APIKeyHash != "" {
		c.API.APIKeyHash = s.APIKeyHash
	}
	if s.SMTPPassword != "" {
		c.Channels.Email.Password = s.SMTPPassword
	}
	if s.GatewayAPIKey != "" {
		c.Payment.APIKey = s.GatewayAPIKey
	}
	if s.WebhookSecret != "" {
		c.Payment.WebhookSecret = s.WebhookSecret
	}
	if s.AMQPURL != "" {
		c.Events.AMQPURL = s.AMQPURL
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "cadence"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = 20 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/cadence/cadence.db"
	}
	if c.Storage.QuotaPath == "" {
		c.Storage.QuotaPath = "/var/lib/cadence/quota.db"
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = time.Hour
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 2
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = 5 * time.Second
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 20
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 8
	}
	if c.Dispatch.StaleAfter == 0 {
		c.Dispatch.StaleAfter = 10 * time.Minute
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 2 * time.Minute
	}

	if c.Automation.SweepInterval == 0 {
		c.Automation.SweepInterval = time.Hour
	}

	if c.Channels.Email.Port == 0 {
		c.Channels.Email.Port = 587
	}
	if c.Channels.Email.Timeout == 0 {
		c.Channels.Email.Timeout = 30 * time.Second
	}
	if c.Channels.WhatsApp.StorePath == "" {
		c.Channels.WhatsApp.StorePath = "/var/lib/cadence/whatsapp.db"
	}

	if c.Payment.PollInterval == 0 {
		c.Payment.PollInterval = 2 * time.Second
	}
	if c.Payment.MaxAttempts == 0 {
		c.Payment.MaxAttempts = 8
	}
	if c.Payment.ResumeAfter == 0 {
		c.Payment.ResumeAfter = time.Minute
	}
	if c.Payment.ResumeInterval == 0 {
		c.Payment.ResumeInterval = time.Minute
	}

	if c.Events.Queue == "" {
		c.Events.Queue = "cadence.events"
	}
	if c.Events.Prefetch == 0 {
		c.Events.Prefetch = 16
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "cadence"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Dispatch.Workers < 0 || c.Dispatch.Concurrency < 0 || c.Dispatch.BatchSize < 0 {
		return fmt.Errorf("dispatch.workers, dispatch.concurrency and dispatch.batch_size must not be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}

	if err := c.validateChannels(); err != nil {
		return err
	}

	if c.Payment.GatewayURL != "" && c.Payment.APIKey == "" {
		return fmt.Errorf("payment.api_key is required when payment.gateway_url is set")
	}
	if c.Payment.MaxAttempts < 0 {
		return fmt.Errorf("payment.max_attempts must not be negative")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// validateChannels validates sender configuration
func (c *Config) validateChannels() error {
	email := c.Channels.Email
	if email.Enabled {
		if email.Host == "" {
			return fmt.Errorf("channels.email.host is required when email is enabled")
		}
		if email.From == "" {
			return fmt.Errorf("channels.email.from is required when email is enabled")
		}
		if email.StartTLS && email.ImplicitTLS {
			return fmt.Errorf("channels.email: starttls and implicit_tls are mutually exclusive")
		}
	}

	if email.DKIM.Enabled {
		if email.DKIM.Domain == "" {
			return fmt.Errorf("channels.email.dkim.domain is required when DKIM is enabled")
		}
		if email.DKIM.Selector == "" {
			return fmt.Errorf("channels.email.dkim.selector is required when DKIM is enabled")
		}
		if email.DKIM.KeyFile == "" {
			return fmt.Errorf("channels.email.dkim.key_file is required when DKIM is enabled")
		}
	}

	for name, l := range c.Channels.RateLimit {
		if name != "email" && name != "whatsapp" {
			return fmt.Errorf("channels.rate_limit: unknown channel %q", name)
		}
		if l == nil {
			continue
		}
		if l.MessagesPerHour < 0 || l.MessagesPerDay < 0 || l.PerSecond < 0 || l.Burst < 0 {
			return fmt.Errorf("channels.rate_limit.%s: limits must not be negative", name)
		}
	}

	return nil
}

// QuotaConfig returns the persisted quota settings for the limiter
func (c *Config) QuotaConfig() *ratelimit.Config {
	rc := &ratelimit.Config{
		Global:   c.Channels.Global,
		Channels: make(map[string]*ratelimit.LimitConfig),
	}
	for name, l := range c.Channels.RateLimit {
		if l == nil || (l.MessagesPerHour == 0 && l.MessagesPerDay == 0) {
			continue
		}
		rc.Channels[name] = &ratelimit.LimitConfig{
			MessagesPerHour: l.MessagesPerHour,
			MessagesPerDay:  l.MessagesPerDay,
		}
	}
	return rc
}

// Pacing returns the per-second rate and burst for a channel
func (c *Config) Pacing(channel string) (float64, int) {
	l := c.Channels.RateLimit[channel]
	if l == nil {
		return 0, 0
	}
	return l.PerSecond, l.Burst
}
