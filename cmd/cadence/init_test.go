package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/cadence/internal/config"
)

func TestGenerateRandomString(t *testing.T) {
	for _, length := range []int{8, 16, 32, 64} {
		result := generateRandomString(length)
		if len(result) != length {
			t.Errorf("generateRandomString(%d) returned string of length %d", length, len(result))
		}
	}

	if generateRandomString(32) == generateRandomString(32) {
		t.Error("generateRandomString should generate unique strings")
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := hashAPIKey("secret-key")
	if err != nil {
		t.Fatalf("hashAPIKey() error = %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret-key")); err != nil {
		t.Errorf("hash does not match key: %v", err)
	}
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"news@example.com", "example.com"},
		{"a@b@example.org", "example.org"},
		{"example.net", "example.net"},
	}
	for _, tt := range tests {
		if got := domainOf(tt.addr); got != tt.want {
			t.Errorf("domainOf(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func resetInitFlags(dataDir string) {
	initDataDir = dataDir
	initSMTPHost = ""
	initSMTPUser = ""
	initFrom = ""
	initGatewayURL = ""
	initAPIKey = "testapikey"
}

// writeAndLoad writes a generated config and loads it the way serve does
func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v\n%s", err, content)
	}
	return cfg
}

func TestGenerateConfigMinimal(t *testing.T) {
	resetInitFlags("/var/lib/cadence")

	content := generateConfig("$2a$10$abcdefghijklmnopqrstuv", "whsec_x", "")
	cfg := writeAndLoad(t, content)

	if cfg.API.APIKeyHash != "$2a$10$abcdefghijklmnopqrstuv" {
		t.Errorf("API.APIKeyHash = %v", cfg.API.APIKeyHash)
	}
	if cfg.Storage.Path != "/var/lib/cadence/cadence.db" {
		t.Errorf("Storage.Path = %v, want /var/lib/cadence/cadence.db", cfg.Storage.Path)
	}
	if cfg.Channels.Email.Enabled {
		t.Error("email should be disabled without an SMTP host")
	}
	if cfg.Payment.GatewayURL != "" {
		t.Errorf("Payment.GatewayURL = %v, want empty", cfg.Payment.GatewayURL)
	}
	if strings.Contains(content, "whsec_x") {
		t.Error("webhook secret written without a gateway")
	}
}

func TestGenerateConfigWithEmailAndPayments(t *testing.T) {
	resetInitFlags("/srv/cadence")
	initSMTPHost = "smtp.example.com"
	initSMTPUser = "relay"
	initFrom = "news@example.com"
	initGatewayURL = "https://pay.example.com"
	t.Setenv("CADENCE_GATEWAY_API_KEY", "sk_test")

	keyPath := "/srv/cadence/dkim/example.com.key"
	cfg := writeAndLoad(t, generateConfig("hash", "whsec_abc", keyPath))

	email := cfg.Channels.Email
	if !email.Enabled || email.Host != "smtp.example.com" || email.From != "news@example.com" {
		t.Errorf("Channels.Email = %+v", email)
	}
	if !email.DKIM.Enabled || email.DKIM.KeyFile != keyPath || email.DKIM.Domain != "example.com" {
		t.Errorf("Channels.Email.DKIM = %+v", email.DKIM)
	}
	if cfg.Payment.GatewayURL != "https://pay.example.com" {
		t.Errorf("Payment.GatewayURL = %v", cfg.Payment.GatewayURL)
	}
	if cfg.Payment.WebhookSecret != "whsec_abc" {
		t.Errorf("Payment.WebhookSecret = %v, want whsec_abc", cfg.Payment.WebhookSecret)
	}
}
