// Package config loads gateway configuration from defaults, an optional TOML
// file and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kindred-ngo/messaging-gateway/internal/channel"
	"github.com/kindred-ngo/messaging-gateway/internal/webhook"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// DefaultJWTSecret is only acceptable outside production.
const DefaultJWTSecret = "development-secret-change-in-production"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Env                string        `koanf:"env"`
	Port               string        `koanf:"port"`
	ServerReadTimeout  time.Duration `koanf:"server_read_timeout"`
	ServerWriteTimeout time.Duration `koanf:"server_write_timeout"`
	AllowedOrigins     []string      `koanf:"allowed_origins"`
	LogLevel           string        `koanf:"log_level"`

	// JWT settings
	JWTSecret string `koanf:"jwt_secret"`

	// Storage
	StoreBackend string `koanf:"store_backend"`
	DatabaseURL  string `koanf:"database_url"`

	// NATS settings
	NATSURL      string `koanf:"nats_url"`
	NATSCAFile   string `koanf:"nats_ca_file"`
	NATSCertFile string `koanf:"nats_cert_file"`
	NATSKeyFile  string `koanf:"nats_key_file"`
	NATSToken    string `koanf:"nats_token"`

	// Rate limiting
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitBackend  string        `koanf:"rate_limit_backend"`

	// Relay
	PresenceBackend string        `koanf:"presence_backend"`
	PresenceTTL     time.Duration `koanf:"presence_ttl"`
	RelayBus        string        `koanf:"relay_bus"`

	// Providers
	WhatsAppAPIURL        string        `koanf:"whatsapp_api_url"`
	WhatsAppAPIKey        string        `koanf:"whatsapp_api_key"`
	GraphAPIURL           string        `koanf:"graph_api_url"`
	ProviderTimeout       time.Duration `koanf:"provider_timeout"`
	ProviderRatePerSecond float64       `koanf:"provider_rate_per_second"`
	ProviderBurst         int           `koanf:"provider_burst"`

	// Webhooks
	WebhookVerifyToken   string        `koanf:"webhook_verify_token"`
	WebhookPurgeInterval time.Duration `koanf:"webhook_purge_interval"`
	// WebhookSecrets maps lowercased provider names to shared secrets.
	WebhookSecrets map[string]string `koanf:"webhook_secrets"`

	// Tracing
	TracingEndpoint string `koanf:"tracing_endpoint"`
	TracingEnabled  bool   `koanf:"tracing_enabled"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"env":                      "development",
		"port":                     "8080",
		"server_read_timeout":      "30s",
		"server_write_timeout":     "120s",
		"log_level":                "info",
		"jwt_secret":               DefaultJWTSecret,
		"store_backend":            BackendMemory,
		"nats_url":                 "nats://localhost:4222",
		"rate_limit_requests":      60,
		"rate_limit_window":        "1m",
		"rate_limit_backend":       BackendLocal,
		"presence_backend":         BackendLocal,
		"presence_ttl":             "2m",
		"relay_bus":                BackendLocal,
		"whatsapp_api_url":         "https://gate.whapi.cloud",
		"graph_api_url":            channel.DefaultGraphURL,
		"provider_timeout":         channel.DefaultTimeout.String(),
		"provider_rate_per_second": 20,
		"provider_burst":           10,
		"webhook_purge_interval":   "1h",
		"tracing_endpoint":         "localhost:4318",
		"tracing_enabled":          false,
	}
}

// optionalKeys have no default but may be set from the environment.
var optionalKeys = map[string]bool{
	"database_url":         true,
	"nats_ca_file":         true,
	"nats_cert_file":       true,
	"nats_key_file":        true,
	"nats_token":           true,
	"whatsapp_api_key":     true,
	"webhook_verify_token": true,
	"allowed_origins":      true,
}

// Load reads configuration: defaults, then the TOML file at path (if any),
// then environment variables such as PORT or WEBHOOK_SECRET_STRIPE.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	known := defaults()
	if err := k.Load(confmap.Provider(known, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		if provider, ok := webhook.ProviderFromEnvKey(key); ok {
			return "webhook_secrets." + provider, value
		}
		name := strings.ToLower(key)
		if _, ok := known[name]; !ok && !optionalKeys[name] {
			return "", nil
		}
		if name == "allowed_origins" {
			return name, splitList(value)
		}
		return name, value
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	secrets := make(map[string]string, len(cfg.WebhookSecrets))
	for provider, secret := range cfg.WebhookSecrets {
		secrets[strings.ToLower(provider)] = secret
	}
	cfg.WebhookSecrets = secrets
	cfg.Env = strings.ToLower(cfg.Env)
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsProduction reports whether the gateway runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsNATS reports whether any backend is served by NATS.
func (c *Config) NeedsNATS() bool {
	return c.StoreBackend == BackendNATS || c.RateLimitBackend == BackendNATS ||
		c.PresenceBackend == BackendNATS || c.RelayBus == BackendNATS
}

// WebhookPolicy returns the signature policy. Unsigned callbacks are only
// accepted outside production.
func (c *Config) WebhookPolicy() webhook.Policy {
	return webhook.Policy{
		Secrets:       c.WebhookSecrets,
		AllowUnsigned: !c.IsProduction(),
	}
}

// ClientConfig returns the outbound provider client settings.
func (c *Config) ClientConfig() channel.ClientConfig {
	return channel.ClientConfig{
		Timeout:       c.ProviderTimeout,
		RatePerSecond: c.ProviderRatePerSecond,
		Burst:         c.ProviderBurst,
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}

	switch c.StoreBackend {
	case BackendMemory, BackendNATS:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_backend %q", c.StoreBackend))
	}

	for name, value := range map[string]string{
		"rate_limit_backend": c.RateLimitBackend,
		"presence_backend":   c.PresenceBackend,
		"relay_bus":          c.RelayBus,
	} {
		if value != BackendLocal && value != BackendNATS {
			errs = append(errs, fmt.Errorf("unknown %s %q", name, value))
		}
	}

	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate_limit_window must be positive"))
	}
	if c.PresenceTTL <= 0 {
		errs = append(errs, errors.New("presence_ttl must be positive"))
	}
	if c.WhatsAppAPIURL == "" || c.GraphAPIURL == "" {
		errs = append(errs, errors.New("provider API URLs are required"))
	}

	if c.IsProduction() {
		if c.JWTSecret == DefaultJWTSecret || len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("jwt_secret must be set to at least 32 characters in production"))
		}
		if c.StoreBackend == BackendMemory {
			errs = append(errs, errors.New("the memory store is not allowed in production"))
		}
	}
	return errors.Join(errs...)
}
