package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearLegacyEnv blanks the unprefixed variables so a developer's shell
// does not leak into the assertions.
func clearLegacyEnv(t *testing.T) {
	t.Helper()
	for _, names := range legacyEnv {
		for _, name := range names {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestLoad_ValidConfigFile(t *testing.T) {
	clearLegacyEnv(t)

	cfg, err := Load("../../config")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Server.Port != 3001 {
		t.Errorf("expected server port 3001, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes != 65536 {
		t.Errorf("expected max body 65536, got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Mail.Company != "CEOTR Ltd" {
		t.Errorf("expected company CEOTR Ltd, got %s", cfg.Mail.Company)
	}
	if cfg.Mail.SMTP.TLSMode != "auto" {
		t.Errorf("expected tls_mode auto, got %s", cfg.Mail.SMTP.TLSMode)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.BaseDelay != time.Second {
		t.Errorf("expected base delay 1s, got %v", cfg.Delivery.BaseDelay)
	}
	if cfg.Delivery.MaxDelay != 5*time.Second {
		t.Errorf("expected max delay 5s, got %v", cfg.Delivery.MaxDelay)
	}
	if cfg.Delivery.AttemptTimeout != 15*time.Second {
		t.Errorf("expected attempt timeout 15s, got %v", cfg.Delivery.AttemptTimeout)
	}
	if cfg.DeadLetter.Type != "log" {
		t.Errorf("expected deadletter type log, got %s", cfg.DeadLetter.Type)
	}
	if cfg.DeadLetter.RedisStream != "relay:deadletter" {
		t.Errorf("expected redis stream relay:deadletter, got %s", cfg.DeadLetter.RedisStream)
	}
}

func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearLegacyEnv(t)

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("expected defaults without a config file, got %v", err)
	}

	if cfg.Server.Port != 3001 {
		t.Errorf("expected default port 3001, got %d", cfg.Server.Port)
	}
	if cfg.Mail.SMTP.Port != 587 {
		t.Errorf("expected default SMTP port 587, got %d", cfg.Mail.SMTP.Port)
	}
	if cfg.Delivery.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Delivery.Workers)
	}
}

func TestLoad_LegacyEnvironmentVariables(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("SMTP_HOST", "smtp.gmail.com")
	t.Setenv("SMTP_PORT", "465")
	t.Setenv("SMTP_USER", "relay@example.com")
	t.Setenv("SMTP_PASS", "app-password")
	t.Setenv("ORDER_EMAIL_FROM", "CEOTR <relay@example.com>")
	t.Setenv("ORDER_NOTIFICATIONS_EMAIL", "orders@example.com")
	t.Setenv("USE_GMAIL_API", "true")
	t.Setenv("GMAIL_SENDING_USER", "relay@example.com")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Mail.SMTP.Host != "smtp.gmail.com" {
		t.Errorf("expected SMTP host from SMTP_HOST, got %q", cfg.Mail.SMTP.Host)
	}
	if cfg.Mail.SMTP.Port != 465 {
		t.Errorf("expected SMTP port 465, got %d", cfg.Mail.SMTP.Port)
	}
	if cfg.Mail.SMTP.Pass != "app-password" {
		t.Errorf("expected SMTP pass from SMTP_PASS, got %q", cfg.Mail.SMTP.Pass)
	}
	if cfg.Mail.From != "CEOTR <relay@example.com>" {
		t.Errorf("expected from address, got %q", cfg.Mail.From)
	}
	if cfg.Mail.AdminAddress != "orders@example.com" {
		t.Errorf("expected admin address, got %q", cfg.Mail.AdminAddress)
	}
	if !cfg.Mail.Gmail.Enabled {
		t.Error("expected gmail enabled from USE_GMAIL_API")
	}
	if cfg.Mail.Gmail.SendingUser != "relay@example.com" {
		t.Errorf("expected gmail sending user, got %q", cfg.Mail.Gmail.SendingUser)
	}
}

func TestLoad_PrefixedEnvironmentOverride(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("RELAY_DELIVERY_MAX_ATTEMPTS", "5")
	t.Setenv("RELAY_DEADLETTER_TYPE", "redis")

	cfg, err := Load("../../config")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5 from env, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.DeadLetter.Type != "redis" {
		t.Errorf("expected deadletter type redis from env, got %s", cfg.DeadLetter.Type)
	}
}

func TestLoad_PartialConfig(t *testing.T) {
	clearLegacyEnv(t)
	tmpDir := t.TempDir()
	partial := `
server:
  port: 8080
delivery:
  max_delay: 3s
`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(partial), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Delivery.MaxDelay != 3*time.Second {
		t.Errorf("expected max delay 3s, got %v", cfg.Delivery.MaxDelay)
	}
	if cfg.Delivery.BaseDelay != time.Second {
		t.Errorf("expected default base delay 1s, got %v", cfg.Delivery.BaseDelay)
	}
}

func TestLoad_InvalidDeliveryPolicy(t *testing.T) {
	clearLegacyEnv(t)

	tests := []struct {
		name    string
		env     string
		value   string
		wantErr string
	}{
		{"zero attempts", "RELAY_DELIVERY_MAX_ATTEMPTS", "0", "max_attempts"},
		{"cap below base", "RELAY_DELIVERY_MAX_DELAY", "100ms", "max_delay"},
		{"no workers", "RELAY_DELIVERY_WORKERS", "0", "workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)

			_, err := Load(t.TempDir())
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MalformedConfigFile(t *testing.T) {
	clearLegacyEnv(t)
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Error("expected error for malformed config file, got nil")
	}
}

func TestMailConfig_Problems(t *testing.T) {
	complete := MailConfig{
		From:         "relay@example.com",
		AdminAddress: "orders@example.com",
		SMTP:         SMTPConfig{Host: "smtp.example.com", User: "u", Pass: "p"},
	}

	tests := []struct {
		name   string
		mutate func(m *MailConfig)
		want   int
	}{
		{"complete", func(m *MailConfig) {}, 0},
		{"no sender", func(m *MailConfig) { m.From = "" }, 1},
		{"no admin", func(m *MailConfig) { m.AdminAddress = "" }, 1},
		{"no transport", func(m *MailConfig) { m.SMTP = SMTPConfig{} }, 1},
		{"stdout counts as transport", func(m *MailConfig) { m.SMTP = SMTPConfig{}; m.Stdout = true }, 0},
		{"gmail enabled without key", func(m *MailConfig) { m.Gmail = GmailConfig{Enabled: true} }, 1},
		{"smtp user without pass", func(m *MailConfig) { m.SMTP.Pass = "" }, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := complete
			tt.mutate(&m)
			if got := m.Problems(); len(got) != tt.want {
				t.Errorf("expected %d problems, got %d: %v", tt.want, len(got), got)
			}
		})
	}
}
