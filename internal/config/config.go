package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Store       StoreConfig               `yaml:"store"`
	Categories  map[string]CategoryConfig `yaml:"categories"`
	Retry       RetryConfig               `yaml:"retry"`
	Suppression SuppressionConfig         `yaml:"suppression"`
	Postgres    PostgresConfig            `yaml:"postgres"`
	Email       EmailConfig               `yaml:"email"`
	SMS         SMSConfig                 `yaml:"sms"`
	Webhooks    WebhookConfig             `yaml:"webhooks"`
	SQS         SQSConfig                 `yaml:"sqs"`
	Logging     LoggingConfig             `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int      `yaml:"port"`
	Host                string   `yaml:"host"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
	CORSOrigins         []string `yaml:"cors_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// StoreConfig selects and configures the shared quota store.
type StoreConfig struct {
	Backend string      `yaml:"backend"` // "redis" or "memory"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL          string `yaml:"url"`
	Prefix       string `yaml:"prefix"`
	ConnectTries int    `yaml:"connect_tries"`
}

// CategoryConfig is the quota policy of one notification category.
type CategoryConfig struct {
	Cap           int  `yaml:"cap"`
	WindowSeconds int  `yaml:"window_seconds"`
	Bypassable    bool `yaml:"bypassable"`
}

// RetryConfig holds soft-bounce retry policy settings
type RetryConfig struct {
	MaxAttempts          int     `yaml:"max_attempts"`
	BaseDelayMs          int64   `yaml:"base_delay_ms"`
	RetryWindowMs        int64   `yaml:"retry_window_ms"`
	DelayScheduleMs      []int64 `yaml:"delay_schedule_ms"`
	GraceMs              int64   `yaml:"grace_ms"`
	SweepIntervalSeconds int     `yaml:"sweep_interval_seconds"`
	LockTTLSeconds       int     `yaml:"lock_ttl_seconds"`
}

// BaseDelay returns the base backoff delay as a duration
func (c RetryConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMs) * time.Millisecond }

// RetryWindow returns the retry window as a duration
func (c RetryConfig) RetryWindow() time.Duration {
	return time.Duration(c.RetryWindowMs) * time.Millisecond
}

// Grace returns the extra state TTL past the scheduled fire time
func (c RetryConfig) Grace() time.Duration { return time.Duration(c.GraceMs) * time.Millisecond }

// SweepInterval returns the recovery sweep interval
func (c RetryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// LockTTL returns the per-job lock lifetime
func (c RetryConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// Schedule returns the explicit per-attempt delays
func (c RetryConfig) Schedule() []time.Duration {
	out := make([]time.Duration, len(c.DelayScheduleMs))
	for i, ms := range c.DelayScheduleMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// SuppressionConfig holds suppression registry settings
type SuppressionConfig struct {
	Backend string `yaml:"backend"` // "kv" or "postgres"
	// DefaultTTLHours maps a suppression source to its default lifetime.
	// 0 means permanent.
	DefaultTTLHours map[string]int `yaml:"default_ttl_hours"`
}

// DefaultTTLs converts DefaultTTLHours to per-source durations.
func (c SuppressionConfig) DefaultTTLs() map[domain.SuppressionSource]time.Duration {
	out := make(map[domain.SuppressionSource]time.Duration, len(c.DefaultTTLHours))
	for src, h := range c.DefaultTTLHours {
		out[domain.SuppressionSource(src)] = time.Duration(h) * time.Hour
	}
	return out
}

// PostgresConfig holds the suppression database connection settings
type PostgresConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// EmailConfig selects and configures the email provider
type EmailConfig struct {
	Provider string         `yaml:"provider"` // "sendgrid" or "ses"
	From     string         `yaml:"from"`
	SendGrid SendGridConfig `yaml:"sendgrid"`
	SES      SESConfig      `yaml:"ses"`
}

// SendGridConfig holds SendGrid API configuration
type SendGridConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
}

// Timeout returns the configured timeout as a duration
func (c SendGridConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SMSConfig configures the SMS provider
type SMSConfig struct {
	Twilio TwilioConfig `yaml:"twilio"`
}

// TwilioConfig holds Twilio API configuration
type TwilioConfig struct {
	AccountSID     string  `yaml:"account_sid"`
	AuthToken      string  `yaml:"auth_token"`
	From           string  `yaml:"from"`
	BaseURL        string  `yaml:"base_url"`
	StatusCallback string  `yaml:"status_callback"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
}

// Timeout returns the configured timeout as a duration
func (c TwilioConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig holds webhook authentication settings
type WebhookConfig struct {
	SendGridToken string `yaml:"sendgrid_token"`
	// PublicBaseURL is the externally visible origin Twilio signs requests
	// against, e.g. https://notify.nftopia.io
	PublicBaseURL        string `yaml:"public_base_url"`
	SkipTwilioValidation bool   `yaml:"skip_twilio_validation"`
	// SNSTopicARNs restricts /webhooks/ses to these topics. Empty accepts
	// any topic whose message signature verifies.
	SNSTopicARNs        []string `yaml:"sns_topic_arns"`
	SkipSNSVerification bool     `yaml:"skip_sns_verification"`
}

// SQSConfig holds the SES notification queue settings
type SQSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	QueueURL    string `yaml:"queue_url"`
	Region      string `yaml:"region"`
	WaitSeconds int32  `yaml:"wait_seconds"`
	MaxMessages int32  `yaml:"max_messages"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is enabled (default on).
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads configuration from a YAML file and applies defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for binaries
// started without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "redis"
	}
	if cfg.Store.Redis.URL == "" {
		cfg.Store.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Store.Redis.Prefix == "" {
		cfg.Store.Redis.Prefix = "nftopia:notify"
	}
	if cfg.Store.Redis.ConnectTries == 0 {
		cfg.Store.Redis.ConnectTries = 5
	}

	// Category defaults fill in only what the file leaves out
	if cfg.Categories == nil {
		cfg.Categories = make(map[string]CategoryConfig)
	}
	for _, c := range domain.Categories {
		if _, ok := cfg.Categories[string(c)]; ok {
			continue
		}
		class, _ := c.Class()
		p := domain.DefaultPolicy(class)
		cfg.Categories[string(c)] = CategoryConfig{
			Cap:           p.Cap,
			WindowSeconds: int(p.Window / time.Second),
			Bypassable:    p.Bypassable,
		}
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = 300_000
	}
	if cfg.Retry.RetryWindowMs == 0 {
		cfg.Retry.RetryWindowMs = 86_400_000
	}
	if cfg.Retry.DelayScheduleMs == nil {
		cfg.Retry.DelayScheduleMs = []int64{300_000, 1_800_000, 3_600_000}
	}
	if cfg.Retry.GraceMs == 0 {
		cfg.Retry.GraceMs = 60_000
	}
	if cfg.Retry.SweepIntervalSeconds == 0 {
		cfg.Retry.SweepIntervalSeconds = 60
	}
	if cfg.Retry.LockTTLSeconds == 0 {
		cfg.Retry.LockTTLSeconds = 30
	}

	if cfg.Suppression.Backend == "" {
		cfg.Suppression.Backend = "kv"
	}
	if cfg.Suppression.DefaultTTLHours == nil {
		cfg.Suppression.DefaultTTLHours = map[string]int{
			string(domain.SourcePolicy):  720,
			string(domain.SourceCarrier): 720,
			string(domain.SourceBounce):  0,
			string(domain.SourceSpam):    0,
			string(domain.SourceManual):  0,
		}
	}

	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 10
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 3
	}

	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "sendgrid"
	}
	if cfg.Email.SendGrid.BaseURL == "" {
		cfg.Email.SendGrid.BaseURL = "https://api.sendgrid.com"
	}
	if cfg.Email.SendGrid.TimeoutSeconds == 0 {
		cfg.Email.SendGrid.TimeoutSeconds = 30
	}
	if cfg.Email.SendGrid.RatePerSecond == 0 {
		cfg.Email.SendGrid.RatePerSecond = 50
	}
	if cfg.Email.SES.Region == "" {
		cfg.Email.SES.Region = "us-east-1"
	}
	if cfg.SMS.Twilio.BaseURL == "" {
		cfg.SMS.Twilio.BaseURL = "https://api.twilio.com"
	}
	if cfg.SMS.Twilio.TimeoutSeconds == 0 {
		cfg.SMS.Twilio.TimeoutSeconds = 30
	}
	if cfg.SMS.Twilio.RatePerSecond == 0 {
		cfg.SMS.Twilio.RatePerSecond = 10
	}

	if cfg.SQS.Region == "" {
		cfg.SQS.Region = cfg.Email.SES.Region
	}
	if cfg.SQS.WaitSeconds == 0 {
		cfg.SQS.WaitSeconds = 20
	}
	if cfg.SQS.MaxMessages == 0 {
		cfg.SQS.MaxMessages = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Policies converts the category section to quota policies keyed by category.
func (cfg *Config) Policies() (map[domain.Category]domain.QuotaPolicy, error) {
	out := make(map[domain.Category]domain.QuotaPolicy, len(cfg.Categories))
	for name, c := range cfg.Categories {
		cat, err := domain.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		p := domain.QuotaPolicy{
			Cap:        c.Cap,
			Window:     time.Duration(c.WindowSeconds) * time.Second,
			Bypassable: c.Bypassable,
		}
		if p.Bypassable {
			p.Cap = -1
		}
		out[cat] = p
	}
	return out, nil
}

// Validate rejects configurations the service cannot run with.
func (cfg *Config) Validate() error {
	var problems []string
	for name, c := range cfg.Categories {
		if _, err := domain.ParseCategory(name); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if c.Bypassable {
			continue
		}
		if c.Cap <= 0 {
			problems = append(problems, fmt.Sprintf("category %s: cap must be positive", name))
		}
		if c.WindowSeconds <= 0 {
			problems = append(problems, fmt.Sprintf("category %s: window_seconds must be positive", name))
		}
	}
	switch cfg.Store.Backend {
	case "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("store.backend %q: want redis or memory", cfg.Store.Backend))
	}
	switch cfg.Suppression.Backend {
	case "kv":
	case "postgres":
		if cfg.Postgres.URL == "" {
			problems = append(problems, "suppression.backend postgres requires postgres.url")
		}
	default:
		problems = append(problems, fmt.Sprintf("suppression.backend %q: want kv or postgres", cfg.Suppression.Backend))
	}
	switch cfg.Email.Provider {
	case "sendgrid", "ses":
	default:
		problems = append(problems, fmt.Sprintf("email.provider %q: want sendgrid or ses", cfg.Email.Provider))
	}
	if cfg.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	for src := range cfg.Suppression.DefaultTTLHours {
		if !domain.SuppressionSource(src).Valid() {
			problems = append(problems, fmt.Sprintf("suppression.default_ttl_hours: unknown source %q", src))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LoadFromEnv loads configuration, reading .env first and letting environment
// variables override file values. An empty path skips the file.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		cfg.Store.Redis.Prefix = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("SUPPRESSION_BACKEND"); v != "" {
		cfg.Suppression.Backend = v
	}
	if v := os.Getenv("EMAIL_PROVIDER"); v != "" {
		cfg.Email.Provider = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Email.From = v
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.Email.SendGrid.APIKey = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Email.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Email.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Email.SES.Region = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.SMS.Twilio.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.SMS.Twilio.AuthToken = v
	}
	if v := os.Getenv("TWILIO_PHONE_NUMBER"); v != "" {
		cfg.SMS.Twilio.From = v
	}
	if v := os.Getenv("SENDGRID_WEBHOOK_TOKEN"); v != "" {
		cfg.Webhooks.SendGridToken = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.Webhooks.PublicBaseURL = v
	}
	if v := os.Getenv("SNS_TOPIC_ARNS"); v != "" {
		cfg.Webhooks.SNSTopicARNs = splitList(v)
	}
	if v := os.Getenv("SKIP_SNS_VERIFICATION"); v != "" {
		if skip, err := strconv.ParseBool(v); err == nil {
			cfg.Webhooks.SkipSNSVerification = skip
		}
	}
	if v := os.Getenv("SES_NOTIFICATION_QUEUE_URL"); v != "" {
		cfg.SQS.QueueURL = v
		cfg.SQS.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
