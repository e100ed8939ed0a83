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

// Package config loads the Proxinex API configuration from YAML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig              `mapstructure:"server"`
	Gateway  GatewayConfig             `mapstructure:"gateway"`
	Tavily   TavilyConfig              `mapstructure:"tavily"`
	Razorpay RazorpayConfig            `mapstructure:"razorpay"`
	Database DatabaseConfig            `mapstructure:"database"`
	Redis    RedisConfig               `mapstructure:"redis"`
	Auth     AuthConfig                `mapstructure:"auth"`
	Limits   map[string]map[string]int `mapstructure:"limits"`
	Mail     MailConfig                `mapstructure:"mail"`
	Video    VideoConfig               `mapstructure:"video"`
	Billing  BillingConfig             `mapstructure:"billing"`
	Memorix  MemorixConfig             `mapstructure:"memorix"`
	Feedback FeedbackConfig            `mapstructure:"feedback"`
	Logging  LoggingConfig             `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// GatewayConfig contains the OpenAI-compatible AI gateway settings
type GatewayConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	DefaultModel   string        `mapstructure:"default_model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CompareTimeout time.Duration `mapstructure:"compare_timeout"`
}

// TavilyConfig contains Tavily search API settings
type TavilyConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	SearchDepth string        `mapstructure:"search_depth"`
	MaxResults  int           `mapstructure:"max_results"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RazorpayConfig contains payment provider credentials
type RazorpayConfig struct {
	KeyID         string `mapstructure:"key_id"`
	KeySecret     string `mapstructure:"key_secret"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	BaseURL       string `mapstructure:"base_url"`
}

// DatabaseConfig contains Postgres connection settings
type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// RedisConfig contains Redis settings. An empty URL selects in-process counters and caches.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig contains access token verification settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Audience  string `mapstructure:"audience"`
}

// MailConfig contains transactional email settings
type MailConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	From    string `mapstructure:"from"`
}

// VideoConfig contains video generation provider settings
type VideoConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BillingConfig contains plan and invoicing settings
type BillingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Currency       string        `mapstructure:"currency"`
	GSTRate        float64       `mapstructure:"gst_rate"`
	ReminderWindow time.Duration `mapstructure:"reminder_window"`
	SellerName     string        `mapstructure:"seller_name"`
	SellerAddress  string        `mapstructure:"seller_address"`
	SellerGSTIN    string        `mapstructure:"seller_gstin"`
	SellerEmail    string        `mapstructure:"seller_email"`
}

// MemorixConfig contains document processing settings
type MemorixConfig struct {
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
	ChunkSize      int   `mapstructure:"chunk_size"`
	ChunkOverlap   int   `mapstructure:"chunk_overlap"`
	ContextChunks  int   `mapstructure:"context_chunks"`
}

// FeedbackConfig contains feedback storage configuration
type FeedbackConfig struct {
	StorageType string `mapstructure:"storage_type"`
	FilePath    string `mapstructure:"file_path"`
	DBPath      string `mapstructure:"db_path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	Environment      string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		Environment:      getEnvironment(),
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.SetEnvPrefix("PROXINEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when everything comes from the environment
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.rate_limit_rps", 2.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("gateway.base_url", "https://ai.gateway.lovable.dev/v1")
	v.SetDefault("gateway.default_model", "google/gemini-2.5-flash")
	v.SetDefault("gateway.max_tokens", 2048)
	v.SetDefault("gateway.temperature", 0.3)
	v.SetDefault("gateway.timeout", "60s")
	v.SetDefault("gateway.compare_timeout", "45s")

	v.SetDefault("tavily.base_url", "https://api.tavily.com")
	v.SetDefault("tavily.search_depth", "basic")
	v.SetDefault("tavily.max_results", 6)
	v.SetDefault("tavily.cache_ttl", "10m")
	v.SetDefault("tavily.timeout", "20s")

	v.SetDefault("razorpay.base_url", "https://api.razorpay.com")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("auth.audience", "authenticated")

	v.SetDefault("mail.base_url", "https://api.resend.com")
	v.SetDefault("mail.from", "Proxinex <billing@proxinex.com>")

	v.SetDefault("video.timeout", "30s")

	v.SetDefault("billing.enabled", true)
	v.SetDefault("billing.currency", "INR")
	v.SetDefault("billing.gst_rate", 0.18)
	v.SetDefault("billing.reminder_window", "72h")
	v.SetDefault("billing.seller_name", "Proxinex")
	v.SetDefault("billing.seller_email", "billing@proxinex.com")

	v.SetDefault("memorix.max_upload_bytes", 10<<20)
	v.SetDefault("memorix.chunk_size", 1200)
	v.SetDefault("memorix.chunk_overlap", 200)
	v.SetDefault("memorix.context_chunks", 6)

	v.SetDefault("feedback.storage_type", "file")
	v.SetDefault("feedback.file_path", "./data/feedback.log")
	v.SetDefault("feedback.db_path", "./data/feedback.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile sets the configuration file path with fallback logic.
// Unlike an explicit path, the default locations are optional.
func setConfigFile(v *viper.Viper, configPath string) error {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	return nil
}

// setEnvironmentMappings maps the vendor-style variable names used by the
// hosted functions onto configuration keys.
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"LOVABLE_API_KEY":         "gateway.api_key",
		"AI_GATEWAY_URL":          "gateway.base_url",
		"TAVILY_API_KEY":          "tavily.api_key",
		"RAZORPAY_KEY_ID":         "razorpay.key_id",
		"RAZORPAY_KEY_SECRET":     "razorpay.key_secret",
		"RAZORPAY_WEBHOOK_SECRET": "razorpay.webhook_secret",
		"SUPABASE_DB_URL":         "database.url",
		"DATABASE_URL":            "database.url",
		"SUPABASE_JWT_SECRET":     "auth.jwt_secret",
		"REDIS_URL":               "redis.url",
		"RESEND_API_KEY":          "mail.api_key",
		"VIDEO_API_KEY":           "video.api_key",
		"VIDEO_API_URL":           "video.base_url",
		"LOG_LEVEL":               "logging.level",
		"LOG_FORMAT":              "logging.format",
		"LOG_OUTPUT":              "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errs []ValidationError

	if config.Gateway.APIKey == "" {
		errs = append(errs, ValidationError{
			Field:   "gateway.api_key",
			Message: "AI gateway API key is required. Set via config file or LOVABLE_API_KEY environment variable",
		})
	}

	if config.Tavily.APIKey == "" {
		errs = append(errs, ValidationError{
			Field:   "tavily.api_key",
			Message: "Tavily API key is required. Set via config file or TAVILY_API_KEY environment variable",
		})
	}

	if config.Database.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "database.url",
			Message: "database URL is required. Set via config file or SUPABASE_DB_URL environment variable",
		})
	}

	if config.Auth.JWTSecret == "" {
		errs = append(errs, ValidationError{
			Field:   "auth.jwt_secret",
			Message: "JWT secret is required. Set via config file or SUPABASE_JWT_SECRET environment variable",
		})
	}

	if config.Billing.Enabled {
		if config.Razorpay.KeyID == "" || config.Razorpay.KeySecret == "" {
			errs = append(errs, ValidationError{
				Field:   "razorpay.key_id",
				Message: "Razorpay key id and secret are required when billing is enabled",
			})
		}
		if config.Razorpay.WebhookSecret == "" {
			errs = append(errs, ValidationError{
				Field:   "razorpay.webhook_secret",
				Message: "Razorpay webhook secret is required when billing is enabled",
			})
		}
	}

	if config.Gateway.MaxTokens <= 0 {
		errs = append(errs, ValidationError{
			Field:   "gateway.max_tokens",
			Message: "max_tokens must be greater than 0",
		})
	}

	if config.Gateway.Temperature < 0 || config.Gateway.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "gateway.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if config.Tavily.MaxResults <= 0 || config.Tavily.MaxResults > 20 {
		errs = append(errs, ValidationError{
			Field:   "tavily.max_results",
			Message: "max_results must be between 1 and 20",
		})
	}

	validDepths := []string{"basic", "advanced"}
	if !contains(validDepths, config.Tavily.SearchDepth) {
		errs = append(errs, ValidationError{
			Field:   "tavily.search_depth",
			Message: fmt.Sprintf("search depth must be one of: %s", strings.Join(validDepths, ", ")),
		})
	}

	if config.Billing.GSTRate < 0 || config.Billing.GSTRate > 1 {
		errs = append(errs, ValidationError{
			Field:   "billing.gst_rate",
			Message: "gst_rate must be between 0 and 1",
		})
	}

	if config.Memorix.ChunkOverlap < 0 || config.Memorix.ChunkOverlap >= config.Memorix.ChunkSize {
		errs = append(errs, ValidationError{
			Field:   "memorix.chunk_overlap",
			Message: "chunk_overlap must be non-negative and smaller than chunk_size",
		})
	}

	for plan, features := range config.Limits {
		for feature, limit := range features {
			if limit < -1 {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("limits.%s.%s", plan, feature),
					Message: "limit must be -1 (unlimited) or greater than or equal to 0",
				})
			}
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	validStorageTypes := []string{"file", "sqlite"}
	if !contains(validStorageTypes, config.Feedback.StorageType) {
		errs = append(errs, ValidationError{
			Field:   "feedback.storage_type",
			Message: fmt.Sprintf("storage type must be one of: %s", strings.Join(validStorageTypes, ", ")),
		})
	}

	if config.Feedback.StorageType == "sqlite" && config.Feedback.DBPath != "" {
		if err := validateDirectoryExists(filepath.Dir(config.Feedback.DBPath)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "feedback.db_path",
				Message: fmt.Sprintf("feedback database directory does not exist: %s", filepath.Dir(config.Feedback.DBPath)),
			})
		}
	}

	if len(errs) > 0 {
		var messages []string
		for _, err := range errs {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("%w:\n%s", ErrInvalidConfigValue, strings.Join(messages, "\n"))
	}

	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	masked.Gateway.APIKey = maskValue(masked.Gateway.APIKey)
	masked.Tavily.APIKey = maskValue(masked.Tavily.APIKey)
	masked.Razorpay.KeySecret = maskValue(masked.Razorpay.KeySecret)
	masked.Razorpay.WebhookSecret = maskValue(masked.Razorpay.WebhookSecret)
	masked.Database.URL = maskValue(masked.Database.URL)
	masked.Redis.URL = maskValue(masked.Redis.URL)
	masked.Auth.JWTSecret = maskValue(masked.Auth.JWTSecret)
	masked.Mail.APIKey = maskValue(masked.Mail.APIKey)
	masked.Video.APIKey = maskValue(masked.Video.APIKey)

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

// getEnvironment returns the current environment (development, production, etc.)
func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "development"
}

// Environment returns the deployment environment name
func Environment() string {
	return getEnvironment()
}

// WatchConfig reloads the configuration when the file changes and hands the
// validated result to callback. Invalid edits are reported through onError
// and the previous configuration stays in effect.
func WatchConfig(configPath string, callback func(*Config), onError func(error)) error {
	v := viper.New()

	if err := setConfigFile(v, configPath); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       configPath,
			Environment:      getEnvironment(),
			ValidateRequired: true,
		})
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		callback(config)
	})
	v.WatchConfig()

	return nil
}
