package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Mail       MailConfig       `mapstructure:"mail"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// MailConfig holds sender identity and the transport credentials.
type MailConfig struct {
	From         string         `mapstructure:"from"`
	AdminAddress string         `mapstructure:"admin_address"`
	Company      string         `mapstructure:"company"`
	Stdout       bool           `mapstructure:"stdout"`
	SMTP         SMTPConfig     `mapstructure:"smtp"`
	Gmail        GmailConfig    `mapstructure:"gmail"`
	Resend       ResendConfig   `mapstructure:"resend"`
	SendGrid     SendGridConfig `mapstructure:"sendgrid"`
}

// SMTPConfig holds outbound SMTP submission settings.
type SMTPConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	User               string `mapstructure:"user"`
	Pass               string `mapstructure:"pass"`
	TLSMode            string `mapstructure:"tls_mode"` // auto, starttls, tls, none
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	HelloName          string `mapstructure:"hello_name"`
}

// GmailConfig holds Gmail API service-account settings.
type GmailConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	ServiceAccountEmail string `mapstructure:"service_account_email"`
	ServiceAccountKey   string `mapstructure:"service_account_key"`
	SendingUser         string `mapstructure:"sending_user"`
}

// ResendConfig holds Resend API settings.
type ResendConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// SendGridConfig holds SendGrid v3 API settings.
type SendGridConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// DeliveryConfig holds retry policy and background relay sizing.
type DeliveryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// DeadLetterConfig selects where undeliverable messages are recorded.
type DeadLetterConfig struct {
	// Type is one of: log (default), file, redis, sqs, s3, postgres.
	Type          string `mapstructure:"type"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisStream   string `mapstructure:"redis_stream"`
	SQSQueueURL   string `mapstructure:"sqs_queue_url"`
	AWSRegion     string `mapstructure:"aws_region"`
	S3Bucket      string `mapstructure:"s3_bucket"`
	S3Prefix      string `mapstructure:"s3_prefix"`
	S3Endpoint    string `mapstructure:"s3_endpoint"`
	DatabaseURL   string `mapstructure:"database_url"`
}

// legacyEnv maps config keys to the unprefixed variables the site's
// serverless handlers were deployed with.
var legacyEnv = map[string][]string{
	"mail.from":                        {"ORDER_EMAIL_FROM"},
	"mail.admin_address":               {"ORDER_NOTIFICATIONS_EMAIL"},
	"mail.smtp.host":                   {"SMTP_HOST"},
	"mail.smtp.port":                   {"SMTP_PORT"},
	"mail.smtp.user":                   {"SMTP_USER"},
	"mail.smtp.pass":                   {"SMTP_PASS"},
	"mail.gmail.enabled":               {"USE_GMAIL_API"},
	"mail.gmail.service_account_email": {"GMAIL_SERVICE_ACCOUNT_EMAIL"},
	"mail.gmail.service_account_key":   {"GMAIL_SERVICE_ACCOUNT_KEY"},
	"mail.gmail.sending_user":          {"GMAIL_SENDING_USER"},
	"mail.resend.api_key":              {"RESEND_API_KEY"},
	"mail.sendgrid.api_key":            {"SENDGRID_API_KEY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 64<<10)
	v.SetDefault("server.rate_limit_rps", 1.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)

	v.SetDefault("mail.from", "")
	v.SetDefault("mail.admin_address", "")
	v.SetDefault("mail.company", "CEOTR Ltd")
	v.SetDefault("mail.stdout", false)
	v.SetDefault("mail.smtp.host", "")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.user", "")
	v.SetDefault("mail.smtp.pass", "")
	v.SetDefault("mail.smtp.tls_mode", "auto")
	v.SetDefault("mail.smtp.insecure_skip_verify", false)
	v.SetDefault("mail.smtp.hello_name", "localhost")
	v.SetDefault("mail.gmail.enabled", false)
	v.SetDefault("mail.gmail.service_account_email", "")
	v.SetDefault("mail.gmail.service_account_key", "")
	v.SetDefault("mail.gmail.sending_user", "")
	v.SetDefault("mail.resend.api_key", "")
	v.SetDefault("mail.sendgrid.api_key", "")
	v.SetDefault("mail.sendgrid.endpoint", "")

	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.base_delay", time.Second)
	v.SetDefault("delivery.max_delay", 5*time.Second)
	v.SetDefault("delivery.attempt_timeout", 15*time.Second)
	v.SetDefault("delivery.workers", 4)
	v.SetDefault("delivery.queue_size", 256)

	v.SetDefault("deadletter.type", "log")
	v.SetDefault("deadletter.path", "./deadletters")
	v.SetDefault("deadletter.redis_addr", "localhost:6379")
	v.SetDefault("deadletter.redis_password", "")
	v.SetDefault("deadletter.redis_db", 0)
	v.SetDefault("deadletter.redis_stream", "relay:deadletter")
	v.SetDefault("deadletter.sqs_queue_url", "")
	v.SetDefault("deadletter.aws_region", "us-east-1")
	v.SetDefault("deadletter.s3_bucket", "")
	v.SetDefault("deadletter.s3_prefix", "deadletters/")
	v.SetDefault("deadletter.s3_endpoint", "")
	v.SetDefault("deadletter.database_url", "")
}

// Load reads configuration from "config.yaml" in configPath when the file
// exists, then applies environment overrides. Variables prefixed RELAY_
// override any key (RELAY_DELIVERY_MAX_ATTEMPTS -> delivery.max_attempts);
// the legacy unprefixed variables (SMTP_HOST, ORDER_EMAIL_FROM, ...) are
// bound to their mail keys.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Delivery.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (d DeliveryConfig) validate() error {
	switch {
	case d.MaxAttempts < 1:
		return fmt.Errorf("delivery.max_attempts must be at least 1, got %d", d.MaxAttempts)
	case d.BaseDelay <= 0:
		return fmt.Errorf("delivery.base_delay must be positive, got %s", d.BaseDelay)
	case d.MaxDelay < d.BaseDelay:
		return fmt.Errorf("delivery.max_delay %s is below base_delay %s", d.MaxDelay, d.BaseDelay)
	case d.AttemptTimeout <= 0:
		return fmt.Errorf("delivery.attempt_timeout must be positive, got %s", d.AttemptTimeout)
	case d.Workers < 1:
		return fmt.Errorf("delivery.workers must be at least 1, got %d", d.Workers)
	}
	return nil
}

// GmailReady reports whether the Gmail API path is switched on and has
// every credential it needs.
func (m MailConfig) GmailReady() bool {
	g := m.Gmail
	return g.Enabled && g.ServiceAccountEmail != "" && g.ServiceAccountKey != "" && g.SendingUser != ""
}

// HasTransport reports whether at least one delivery path is configured.
func (m MailConfig) HasTransport() bool {
	return m.GmailReady() || m.Resend.APIKey != "" || m.SendGrid.APIKey != "" ||
		m.SMTP.Host != "" || m.Stdout
}

// Problems lists the mail settings that are missing. The server still starts
// with problems present; form routes report them as a configuration error.
func (m MailConfig) Problems() []string {
	var problems []string
	if m.From == "" {
		problems = append(problems, "sender address (ORDER_EMAIL_FROM) is not set")
	}
	if m.AdminAddress == "" {
		problems = append(problems, "notification address (ORDER_NOTIFICATIONS_EMAIL) is not set")
	}
	if !m.HasTransport() {
		problems = append(problems, "no mail transport configured (SMTP_HOST, Gmail API, Resend or SendGrid)")
	}
	if m.Gmail.Enabled && !m.GmailReady() {
		problems = append(problems, "USE_GMAIL_API is set but Gmail service account settings are incomplete")
	}
	if m.SMTP.Host != "" && m.SMTP.User != "" && m.SMTP.Pass == "" {
		problems = append(problems, "SMTP_USER is set without SMTP_PASS")
	}
	return problems
}
