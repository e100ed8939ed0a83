// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearVendorEnv blanks every mapped variable so the host environment cannot leak into a test.
func clearVendorEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CONFIG_PATH", "LOVABLE_API_KEY", "AI_GATEWAY_URL", "TAVILY_API_KEY",
		"RAZORPAY_KEY_ID", "RAZORPAY_KEY_SECRET", "RAZORPAY_WEBHOOK_SECRET",
		"SUPABASE_DB_URL", "DATABASE_URL", "SUPABASE_JWT_SECRET", "REDIS_URL",
		"RESEND_API_KEY", "VIDEO_API_KEY", "VIDEO_API_URL", "LOG_LEVEL", "LOG_FORMAT", "LOG_OUTPUT",
	} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return configPath
}

const validConfig = `
server:
  addr: ":9090"
  allowed_origins: ["https://app.proxinex.com"]
  rate_limit_rps: 5
gateway:
  api_key: "lv-test-key"  # pragma: allowlist secret
  default_model: "google/gemini-2.5-pro"
  max_tokens: 1024
  temperature: 0.2
tavily:
  api_key: "tvly-test-key"  # pragma: allowlist secret
  max_results: 8
  search_depth: "advanced"
  cache_ttl: "5m"
razorpay:
  key_id: "rzp_test_123"
  key_secret: "rzp-secret"  # pragma: allowlist secret
  webhook_secret: "whsec"  # pragma: allowlist secret
database:
  url: "postgres://proxinex:pw@localhost:5432/proxinex"  # pragma: allowlist secret
auth:
  jwt_secret: "super-secret-jwt-key"  # pragma: allowlist secret
limits:
  free:
    search: 20
    compare: 3
  pro:
    search: -1
logging:
  level: "debug"
  format: "json"
  output: "stdout"
`

func TestLoadConfig(t *testing.T) {
	clearVendorEnv(t)
	configPath := writeConfig(t, validConfig)

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Server.Addr != ":9090" {
		t.Errorf("Expected server addr ':9090', got '%s'", config.Server.Addr)
	}
	if len(config.Server.AllowedOrigins) != 1 || config.Server.AllowedOrigins[0] != "https://app.proxinex.com" {
		t.Errorf("Unexpected allowed origins: %v", config.Server.AllowedOrigins)
	}
	if config.Gateway.APIKey != "lv-test-key" {
		t.Errorf("Expected gateway API key 'lv-test-key', got '%s'", config.Gateway.APIKey)
	}
	if config.Gateway.DefaultModel != "google/gemini-2.5-pro" {
		t.Errorf("Expected default model 'google/gemini-2.5-pro', got '%s'", config.Gateway.DefaultModel)
	}
	if config.Gateway.BaseURL != "https://ai.gateway.lovable.dev/v1" {
		t.Errorf("Expected default gateway base URL, got '%s'", config.Gateway.BaseURL)
	}
	if config.Tavily.MaxResults != 8 {
		t.Errorf("Expected tavily max_results 8, got %d", config.Tavily.MaxResults)
	}
	if config.Tavily.CacheTTL != 5*time.Minute {
		t.Errorf("Expected cache TTL 5m, got %s", config.Tavily.CacheTTL)
	}
	if config.Limits["free"]["search"] != 20 {
		t.Errorf("Expected free search limit 20, got %d", config.Limits["free"]["search"])
	}
	if config.Limits["pro"]["search"] != -1 {
		t.Errorf("Expected pro search limit -1, got %d", config.Limits["pro"]["search"])
	}
	if config.Billing.GSTRate != 0.18 {
		t.Errorf("Expected default GST rate 0.18, got %f", config.Billing.GSTRate)
	}
	if config.Billing.ReminderWindow != 72*time.Hour {
		t.Errorf("Expected reminder window 72h, got %s", config.Billing.ReminderWindow)
	}
	if config.Memorix.MaxUploadBytes != 10<<20 {
		t.Errorf("Expected max upload 10 MiB, got %d", config.Memorix.MaxUploadBytes)
	}
}

func TestEnvironmentVariableOverrides(t *testing.T) {
	clearVendorEnv(t)
	configPath := writeConfig(t, validConfig)

	t.Setenv("LOVABLE_API_KEY", "lv-env-key")
	t.Setenv("SUPABASE_DB_URL", "postgres://env@db:5432/proxinex")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("PROXINEX_TAVILY_MAX_RESULTS", "3")

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Gateway.APIKey != "lv-env-key" {
		t.Errorf("Expected gateway API key from env 'lv-env-key', got '%s'", config.Gateway.APIKey)
	}
	if config.Database.URL != "postgres://env@db:5432/proxinex" {
		t.Errorf("Expected database URL from env, got '%s'", config.Database.URL)
	}
	if config.Redis.URL != "redis://cache:6379/0" {
		t.Errorf("Expected redis URL from env, got '%s'", config.Redis.URL)
	}
	if config.Logging.Level != "warn" {
		t.Errorf("Expected log level 'warn', got '%s'", config.Logging.Level)
	}
	if config.Tavily.MaxResults != 3 {
		t.Errorf("Expected tavily max_results 3 from prefixed env, got %d", config.Tavily.MaxResults)
	}
}

func TestValidationMissingRequiredFields(t *testing.T) {
	clearVendorEnv(t)
	configPath := writeConfig(t, `
logging:
  level: "info"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected validation error for missing required fields")
	}
	if !errors.Is(err, ErrInvalidConfigValue) {
		t.Errorf("Expected ErrInvalidConfigValue, got %v", err)
	}

	for _, field := range []string{"gateway.api_key", "tavily.api_key", "database.url", "auth.jwt_secret", "razorpay.key_id", "razorpay.webhook_secret"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Expected error to mention %s, got: %v", field, err)
		}
	}
}

func TestBillingDisabledSkipsRazorpayValidation(t *testing.T) {
	clearVendorEnv(t)
	configPath := writeConfig(t, `
gateway:
  api_key: "lv-key"
tavily:
  api_key: "tvly-key"
database:
  url: "postgres://localhost/proxinex"
auth:
  jwt_secret: "secret"
billing:
  enabled: false
`)

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config without razorpay to load when billing disabled: %v", err)
	}
	if config.Billing.Enabled {
		t.Error("Expected billing to be disabled")
	}
}

func TestValidationInvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		override string
		field    string
	}{
		{
			name:     "temperature out of range",
			override: "gateway:\n  api_key: k\n  temperature: 3\n",
			field:    "gateway.temperature",
		},
		{
			name:     "unknown search depth",
			override: "tavily:\n  api_key: k\n  search_depth: deep\n",
			field:    "tavily.search_depth",
		},
		{
			name:     "too many results",
			override: "tavily:\n  api_key: k\n  max_results: 50\n",
			field:    "tavily.max_results",
		},
		{
			name:     "bad log level",
			override: "logging:\n  level: verbose\n",
			field:    "logging.level",
		},
		{
			name:     "negative limit",
			override: "limits:\n  free:\n    video: -5\n",
			field:    "limits.free.video",
		},
		{
			name:     "overlap larger than chunk",
			override: "memorix:\n  chunk_size: 100\n  chunk_overlap: 100\n",
			field:    "memorix.chunk_overlap",
		},
		{
			name:     "unknown feedback storage",
			override: "feedback:\n  storage_type: mongo\n",
			field:    "feedback.storage_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearVendorEnv(t)
			t.Setenv("LOVABLE_API_KEY", "lv-key")
			t.Setenv("TAVILY_API_KEY", "tvly-key")
			t.Setenv("SUPABASE_DB_URL", "postgres://localhost/proxinex")
			t.Setenv("SUPABASE_JWT_SECRET", "secret")
			t.Setenv("RAZORPAY_KEY_ID", "rzp_test")
			t.Setenv("RAZORPAY_KEY_SECRET", "rzp-secret")
			t.Setenv("RAZORPAY_WEBHOOK_SECRET", "whsec")

			configPath := writeConfig(t, tt.override)
			_, err := Load(configPath)
			if err == nil {
				t.Fatalf("Expected validation error for %s", tt.field)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error to mention %s, got: %v", tt.field, err)
			}
		})
	}
}

func TestLoadWithoutValidation(t *testing.T) {
	clearVendorEnv(t)
	configPath := writeConfig(t, "server:\n  addr: \":7000\"\n")

	config, err := LoadWithOptions(LoadOptions{ConfigPath: configPath, ValidateRequired: false})
	if err != nil {
		t.Fatalf("Expected no error without validation, got %v", err)
	}
	if config.Server.Addr != ":7000" {
		t.Errorf("Expected addr ':7000', got '%s'", config.Server.Addr)
	}
	if config.Auth.Audience != "authenticated" {
		t.Errorf("Expected default audience 'authenticated', got '%s'", config.Auth.Audience)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearVendorEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestMaskSensitiveValues(t *testing.T) {
	config := &Config{
		Gateway:  GatewayConfig{APIKey: "lv-1234567890abcdef"},
		Tavily:   TavilyConfig{APIKey: "short"},
		Razorpay: RazorpayConfig{KeyID: "rzp_test_123", KeySecret: "secretsecretsecret"},
		Auth:     AuthConfig{JWTSecret: ""},
	}

	masked := config.MaskSensitiveValues()

	if masked.Gateway.APIKey != "lv-12345***********" {
		t.Errorf("Unexpected masked gateway key: %s", masked.Gateway.APIKey)
	}
	if masked.Tavily.APIKey != "*****" {
		t.Errorf("Expected short key fully masked, got %s", masked.Tavily.APIKey)
	}
	if masked.Razorpay.KeyID != "rzp_test_123" {
		t.Errorf("Key id is not secret and should be kept, got %s", masked.Razorpay.KeyID)
	}
	if masked.Auth.JWTSecret != "" {
		t.Errorf("Expected empty secret to stay empty, got %s", masked.Auth.JWTSecret)
	}
	if config.Gateway.APIKey != "lv-1234567890abcdef" {
		t.Error("MaskSensitiveValues must not modify the original config")
	}
}

func TestGetEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "")
	if got := Environment(); got != "development" {
		t.Errorf("Expected 'development', got '%s'", got)
	}

	t.Setenv("ENV", "staging")
	if got := Environment(); got != "staging" {
		t.Errorf("Expected 'staging', got '%s'", got)
	}

	t.Setenv("ENVIRONMENT", "production")
	if got := Environment(); got != "production" {
		t.Errorf("Expected 'production', got '%s'", got)
	}
}
