// Package config provides configuration management.
//
// Configuration is loaded from environment variables (.env file via
// godotenv), matching the teacher's internal/config/config.go loading
// order. Environment variables are the only configuration source; no
// encrypted config blob is read. SENTINEL_FORCE_ENV_CONFIG is loaded into
// ForceEnvConfig, but no component reads that field.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BrokerEnv selects between the brokerage's simulation and live endpoints.
type BrokerEnv string

const (
	BrokerSim  BrokerEnv = "SIM"
	BrokerLive BrokerEnv = "LIVE"
)

// Config holds process-wide configuration loaded once at startup.
type Config struct {
	DataDir           string // base directory for data/ files (secret blobs, journal DB, alert/signal history)
	Port              int    // HTTP port for the thin /healthz + /ws surface
	LogLevel          string // debug, info, warn, error
	DevMode           bool
	EncryptionKeyHex  string        // 32-byte AEAD key, hex-encoded (C1)
	BrokerEnv         BrokerEnv     // SIM or LIVE
	BrokerClientID    string        // OAuth2 client_id
	BrokerRedirectURI string        // OAuth2 redirect_uri
	ForceEnvConfig    bool          // SENTINEL_FORCE_ENV_CONFIG; loaded but not read by any component
	QuoteAPIKey       string        // quote-provider credential (C4)
	NotifyWebhookURL  string        // outbound alert webhook (C12); empty logs only
	NotifyToken       string        // notification transport credential
	DefaultDeadline   time.Duration // default per-call deadline (spec.md §4.4 non-functional contract)
	AlertEnabled      bool          // C12 periodic scan enable flag
	AlertInterval     time.Duration // C12 scan cadence, clamped to [10s, 24h]
	AlertCooldown     int           // C12 cooldown, in minutes, between same-type signals
	AlertTickers      []string      // C12 monitored ticker symbols
	TradingMode       string        // C6 streamer mode: long_term, swing, or scalping
}

// Load reads configuration from environment variables, applying the same
// fallback-default pattern as the teacher's getEnv helper.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("SENTINEL_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		Port:              getEnvAsInt("SENTINEL_PORT", 8001),
		LogLevel:          getEnv("SENTINEL_LOG_LEVEL", "info"),
		DevMode:           getEnvAsBool("SENTINEL_DEV_MODE", false),
		EncryptionKeyHex:  getEnv("SENTINEL_ENCRYPTION_KEY", ""),
		BrokerEnv:         BrokerEnv(getEnv("SENTINEL_BROKER_ENV", string(BrokerSim))),
		BrokerClientID:    getEnv("SENTINEL_BROKER_CLIENT_ID", ""),
		BrokerRedirectURI: getEnv("SENTINEL_BROKER_REDIRECT_URI", "http://localhost:8001/oauth/callback"),
		ForceEnvConfig:    getEnvAsBool("SENTINEL_FORCE_ENV_CONFIG", false),
		QuoteAPIKey:       getEnv("SENTINEL_QUOTE_API_KEY", ""),
		NotifyWebhookURL:  getEnv("SENTINEL_NOTIFY_WEBHOOK_URL", ""),
		NotifyToken:       getEnv("SENTINEL_NOTIFY_TOKEN", ""),
		DefaultDeadline:   30 * time.Second,
		AlertEnabled:      getEnvAsBool("SENTINEL_ALERT_ENABLED", true),
		AlertInterval:     getEnvAsDuration("SENTINEL_ALERT_INTERVAL", 5*time.Minute),
		AlertCooldown:     getEnvAsInt("SENTINEL_ALERT_COOLDOWN_MINUTES", 60),
		AlertTickers:      getEnvAsList("SENTINEL_ALERT_TICKERS", nil),
		TradingMode:       getEnv("SENTINEL_TRADING_MODE", "long_term"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks structurally-required configuration. Broker/notification
// credentials are optional at boot (they may arrive later via the
// encrypted config blob).
func (c *Config) Validate() error {
	if c.BrokerEnv != BrokerSim && c.BrokerEnv != BrokerLive {
		return fmt.Errorf("invalid SENTINEL_BROKER_ENV %q: must be SIM or LIVE", c.BrokerEnv)
	}
	switch c.TradingMode {
	case "long_term", "swing", "scalping":
	default:
		return fmt.Errorf("invalid SENTINEL_TRADING_MODE %q: must be long_term, swing, or scalping", c.TradingMode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
