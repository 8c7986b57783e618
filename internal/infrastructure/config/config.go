package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const configFile = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Server    ServerConfig    `koanf:"server"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Csrf      CsrfConfig      `koanf:"csrf"`
	Audit     AuditConfig     `koanf:"audit"`
	Integrity IntegrityConfig `koanf:"integrity"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// GatewayConfig is the default per-request policy applied by the middleware.
type GatewayConfig struct {
	RuleName       string   `koanf:"rule_name" validate:"required"`
	RequireHTTPS   bool     `koanf:"require_https"`
	RequireCSRF    bool     `koanf:"require_csrf"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	CheckUserAgent bool     `koanf:"check_user_agent"`
	ScanPatterns   bool     `koanf:"scan_patterns"`
}

type RateLimitConfig struct {
	Rules []RateLimitRule `koanf:"rules" validate:"dive"`

	// GlobalPerSecond guards aggregate process throughput ahead of the
	// per-identifier windows. Zero disables it.
	GlobalPerSecond int `koanf:"global_per_second" validate:"min=0"`
	GlobalBurst     int `koanf:"global_burst" validate:"min=0"`
}

type RateLimitRule struct {
	Name   string        `koanf:"name" validate:"required"`
	Limit  int           `koanf:"limit" validate:"min=1"`
	Window time.Duration `koanf:"window" validate:"min=1s"`
}

type CsrfConfig struct {
	TokenTTL time.Duration `koanf:"token_ttl" validate:"min=1m"`
}

type AuditConfig struct {
	Capacity int `koanf:"capacity" validate:"min=1"`
}

type IntegrityConfig struct {
	// HMACSecret enables keyed authentication on tamper-evident wrapping.
	// Empty disables HMAC sealing but keeps plain hashing.
	HMACSecret string `koanf:"hmac_secret"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate" validate:"min=0,max=1"`
	Enabled      bool    `koanf:"enabled"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			RuleName:       "default",
			RequireHTTPS:   true,
			RequireCSRF:    false,
			CheckUserAgent: true,
			ScanPatterns:   true,
		},
		RateLimit: RateLimitConfig{
			Rules: []RateLimitRule{
				{Name: "default", Limit: 100, Window: 15 * time.Minute},
				{Name: "strict", Limit: 10, Window: time.Minute},
			},
			GlobalPerSecond: 1000,
			GlobalBurst:     2000,
		},
		Csrf: CsrfConfig{
			TokenTTL: time.Hour,
		},
		Audit: AuditConfig{
			Capacity: 10000,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   0.1,
		},
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional, but a present-and-malformed one is an error.
	if _, err := os.Stat(configFile); err == nil {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Double underscore separates nesting levels so keys that themselves
	// contain underscores (log_level, require_csrf) stay addressable.
	if err := k.Load(env.Provider("STG_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "STG_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
