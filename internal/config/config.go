// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"agentgate/internal/logging"
)

// Config is the merged gateway configuration. One Config is built at startup
// and shared read-only by every component.
type Config struct {
	// AuthSecret is the HMAC secret for JWT verification and the scrypt input
	// for token encryption at rest.
	AuthSecret string

	// GatewaySecret authenticates calls to the backend's privileged
	// refresh-token endpoints via the X-Gateway-Secret header.
	GatewaySecret string

	// BackendBaseURL is the base URL for the backend API and token refresh.
	BackendBaseURL string

	WhatsApp  WhatsAppConfig
	Telegram  TelegramConfig
	Proactive ProactiveConfig
}

// WhatsAppConfig configures the WhatsApp gateway.
type WhatsAppConfig struct {
	Port             int
	SessionsDir      string
	MaxSessions      int
	PrivateResponses bool
}

// TelegramConfig configures the Telegram gateway.
type TelegramConfig struct {
	Port        int
	SessionsDir string
	BotToken    string
}

// ProactiveConfig configures the proactive scheduler.
type ProactiveConfig struct {
	MorningCron string
	EveningCron string
	Timezone    string
}

const (
	defaultWhatsAppPort = 4112
	defaultTelegramPort = 4113
	defaultMaxSessions  = 10

	// Weekday 8am / 6pm sweeps unless overridden.
	defaultMorningCron = "0 8 * * 1-5"
	defaultEveningCron = "0 18 * * 1-5"
)

// Load reads configuration from the environment. A .env file in the working
// directory is applied first, without overriding variables already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logging.L_debug("config: loaded .env file")
	}

	cfg := &Config{
		AuthSecret:     os.Getenv("AUTH_SECRET"),
		GatewaySecret:  os.Getenv("GATEWAY_SECRET"),
		BackendBaseURL: envOr("TODO_APP_BASE_URL", "http://localhost:3000"),
		WhatsApp: WhatsAppConfig{
			Port:             envInt("WHATSAPP_GATEWAY_PORT", defaultWhatsAppPort),
			SessionsDir:      envOr("WHATSAPP_SESSIONS_DIR", "./whatsapp-sessions"),
			MaxSessions:      envInt("WHATSAPP_MAX_SESSIONS", defaultMaxSessions),
			PrivateResponses: os.Getenv("WHATSAPP_PRIVATE_RESPONSES") == "true",
		},
		Telegram: TelegramConfig{
			Port:        envInt("TELEGRAM_GATEWAY_PORT", defaultTelegramPort),
			SessionsDir: envOr("TELEGRAM_SESSIONS_DIR", "./telegram-sessions"),
			BotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		},
		Proactive: ProactiveConfig{
			MorningCron: envOr("PROACTIVE_MORNING_CRON", defaultMorningCron),
			EveningCron: envOr("PROACTIVE_EVENING_CRON", defaultEveningCron),
			Timezone:    envOr("TZ", "UTC"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks required settings and fails fast on misconfiguration.
func (c *Config) validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if c.WhatsApp.MaxSessions < 1 {
		return fmt.Errorf("WHATSAPP_MAX_SESSIONS must be positive, got %d", c.WhatsApp.MaxSessions)
	}
	if _, err := time.LoadLocation(c.Proactive.Timezone); err != nil {
		return fmt.Errorf("invalid TZ %q: %w", c.Proactive.Timezone, err)
	}
	return nil
}

// Location returns the scheduler timezone. validate guarantees it parses.
func (c *ProactiveConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.L_warn("config: non-numeric value ignored", "key", key, "value", v)
		return fallback
	}
	return n
}
