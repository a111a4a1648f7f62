package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	ListenAddress string    `json:"listenAddress" yaml:"listenAddress"`
	DatabasePath  string    `json:"databasePath" yaml:"databasePath"`
	DatabaseURL   string    `json:"databaseUrl" yaml:"databaseUrl"`
	Remote        Remote    `json:"remote" yaml:"remote"`
	Auth          Auth      `json:"auth" yaml:"auth"`
	Sync          Sync      `json:"sync" yaml:"sync"`
	Reference     Reference `json:"reference" yaml:"reference"`
	Security      Security  `json:"security" yaml:"security"`
	Telemetry     Telemetry `json:"telemetry" yaml:"telemetry"`
}

// Remote describes the authoritative REST API
type Remote struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	HealthPath     string `json:"healthPath" yaml:"healthPath"`
	DeviceIDHeader string `json:"deviceIdHeader" yaml:"deviceIdHeader"`
}

// Timeout returns the per-request timeout
func (r Remote) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Auth configures the OAuth2 refresh-token grant used to obtain bearer tokens
type Auth struct {
	TokenURL     string `json:"tokenUrl" yaml:"tokenUrl"`
	ClientID     string `json:"clientId" yaml:"clientId"`
	ClientSecret string `json:"clientSecret" yaml:"clientSecret"`
	RefreshToken string `json:"refreshToken" yaml:"refreshToken"`
}

// Sync tunes the orchestrator
type Sync struct {
	MaxAttempts                int `json:"maxAttempts" yaml:"maxAttempts"`
	Workers                    int `json:"workers" yaml:"workers"`
	InFlightGraceSeconds       int `json:"inFlightGraceSeconds" yaml:"inFlightGraceSeconds"`
	BackoffInitialSeconds      int `json:"backoffInitialSeconds" yaml:"backoffInitialSeconds"`
	BackoffMaxSeconds          int `json:"backoffMaxSeconds" yaml:"backoffMaxSeconds"`
	HealthCheckIntervalSeconds int `json:"healthCheckIntervalSeconds" yaml:"healthCheckIntervalSeconds"`
}

// InFlightGrace is how long an in_flight entry may stay claimed before recovery reclaims it
func (s Sync) InFlightGrace() time.Duration {
	return time.Duration(s.InFlightGraceSeconds) * time.Second
}

// HealthCheckInterval is the connectivity check period; zero disables checks
func (s Sync) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalSeconds) * time.Second
}

// Reference lists the read-mostly collections pulled for offline reads
type Reference struct {
	Collections    map[string]string `json:"collections" yaml:"collections"` // name -> endpoint
	FreshnessHours int               `json:"freshnessHours" yaml:"freshnessHours"`
}

// Freshness is the age after which a collection needs a refresh
func (r Reference) Freshness() time.Duration {
	return time.Duration(r.FreshnessHours) * time.Hour
}

// Security configuration for the local control API
type Security struct {
	APIKey       string `json:"apiKey" yaml:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader" yaml:"apiKeyHeader"`
}

// Telemetry configuration
type Telemetry struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	OTLPEndpoint string `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	ServiceName  string `json:"serviceName" yaml:"serviceName"`
	// SampleRatio is the share of root traces kept, 0..1
	SampleRatio float64 `json:"sampleRatio" yaml:"sampleRatio"`
}

// UsePostgres returns true if PostgreSQL should back the queue
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ListenAddress: "127.0.0.1:7420",
		DatabasePath:  "possync.db",
		Remote: Remote{
			BaseURL:        "http://localhost:8000/api",
			TimeoutSeconds: 15,
			HealthPath:     "/health",
			DeviceIDHeader: "X-Device-ID",
		},
		Sync: Sync{
			MaxAttempts:                5,
			Workers:                    4,
			InFlightGraceSeconds:       300,
			BackoffInitialSeconds:      30,
			BackoffMaxSeconds:          3600,
			HealthCheckIntervalSeconds: 15,
		},
		Reference: Reference{
			Collections: map[string]string{
				"products":   "/products",
				"categories": "/categories",
				"units":      "/units",
				"parties":    "/parties",
			},
			FreshnessHours: 24,
		},
		Security: Security{
			APIKeyHeader: "X-API-Key",
		},
		Telemetry: Telemetry{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "possync",
			SampleRatio:  0.25,
		},
	}
}

// Default returns the built-in configuration without reading files or environment
func Default() *Config {
	return defaultConfig()
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := decodeFile(configPath, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Make the database path absolute so restarts from another cwd find the same queue
	if !cfg.UsePostgres() {
		absPath, err := filepath.Abs(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		cfg.DatabasePath = absPath
	}

	return cfg, nil
}

func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if addr := os.Getenv("LISTEN_ADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	// Remote API
	if baseURL := os.Getenv("REMOTE_BASE_URL"); baseURL != "" {
		cfg.Remote.BaseURL = baseURL
	}
	setInt(&cfg.Remote.TimeoutSeconds, "REMOTE_TIMEOUT_SECONDS")

	// Auth
	if tokenURL := os.Getenv("AUTH_TOKEN_URL"); tokenURL != "" {
		cfg.Auth.TokenURL = tokenURL
	}
	if clientID := os.Getenv("AUTH_CLIENT_ID"); clientID != "" {
		cfg.Auth.ClientID = clientID
	}
	if secret := os.Getenv("AUTH_CLIENT_SECRET"); secret != "" {
		cfg.Auth.ClientSecret = secret
	}
	if refresh := os.Getenv("AUTH_REFRESH_TOKEN"); refresh != "" {
		cfg.Auth.RefreshToken = refresh
	}

	// Sync tuning
	setInt(&cfg.Sync.MaxAttempts, "SYNC_MAX_ATTEMPTS")
	setInt(&cfg.Sync.Workers, "SYNC_WORKERS")
	setInt(&cfg.Sync.InFlightGraceSeconds, "SYNC_INFLIGHT_GRACE_SECONDS")
	setInt(&cfg.Sync.BackoffInitialSeconds, "SYNC_BACKOFF_INITIAL_SECONDS")
	setInt(&cfg.Sync.BackoffMaxSeconds, "SYNC_BACKOFF_MAX_SECONDS")
	setInt(&cfg.Sync.HealthCheckIntervalSeconds, "SYNC_HEALTH_CHECK_INTERVAL_SECONDS")
	setInt(&cfg.Reference.FreshnessHours, "REFERENCE_FRESHNESS_HOURS")

	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}

	// Telemetry
	if enabled := os.Getenv("OTEL_ENABLED"); enabled != "" {
		cfg.Telemetry.Enabled = enabled == "true" || enabled == "1"
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.OTLPEndpoint = endpoint
	}
	if name := os.Getenv("SERVICE_NAME"); name != "" {
		cfg.Telemetry.ServiceName = name
	}
	if raw := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Telemetry.SampleRatio = ratio
		}
	}
}

// setInt overrides dst with a positive integer from the environment
func setInt(dst *int, key string) {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			*dst = n
		}
	}
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.baseUrl is required"))
	}
	if c.Remote.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("remote.timeoutSeconds must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.maxAttempts must be positive"))
	}
	if c.Sync.Workers <= 0 {
		errs = append(errs, errors.New("sync.workers must be positive"))
	}
	if c.Sync.BackoffMaxSeconds < c.Sync.BackoffInitialSeconds {
		errs = append(errs, errors.New("sync.backoffMaxSeconds must not be below backoffInitialSeconds"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sampleRatio must be between 0 and 1"))
	}
	if !c.UsePostgres() && c.DatabasePath == "" {
		errs = append(errs, errors.New("databasePath or databaseUrl is required"))
	}
	return errors.Join(errs...)
}
