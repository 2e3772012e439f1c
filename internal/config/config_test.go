package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	for _, key := range []string{
		"TODO_APP_BASE_URL", "WHATSAPP_GATEWAY_PORT", "TELEGRAM_GATEWAY_PORT",
		"WHATSAPP_MAX_SESSIONS", "WHATSAPP_PRIVATE_RESPONSES",
		"PROACTIVE_MORNING_CRON", "PROACTIVE_EVENING_CRON",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-secret", cfg.AuthSecret)
	assert.Equal(t, "http://localhost:3000", cfg.BackendBaseURL)
	assert.Equal(t, defaultWhatsAppPort, cfg.WhatsApp.Port)
	assert.Equal(t, defaultTelegramPort, cfg.Telegram.Port)
	assert.Equal(t, defaultMaxSessions, cfg.WhatsApp.MaxSessions)
	assert.False(t, cfg.WhatsApp.PrivateResponses)
	assert.Equal(t, defaultMorningCron, cfg.Proactive.MorningCron)
	assert.Equal(t, defaultEveningCron, cfg.Proactive.EveningCron)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WHATSAPP_GATEWAY_PORT", "9001")
	t.Setenv("WHATSAPP_MAX_SESSIONS", "3")
	t.Setenv("WHATSAPP_PRIVATE_RESPONSES", "true")
	t.Setenv("TODO_APP_BASE_URL", "https://api.example.com")
	t.Setenv("TZ", "Europe/Paris")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.WhatsApp.Port)
	assert.Equal(t, 3, cfg.WhatsApp.MaxSessions)
	assert.True(t, cfg.WhatsApp.PrivateResponses)
	assert.Equal(t, "https://api.example.com", cfg.BackendBaseURL)
	assert.Equal(t, "Europe/Paris", cfg.Proactive.Timezone)
	assert.Equal(t, "Europe/Paris", cfg.Proactive.Location().String())
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_SECRET")
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	setRequired(t)
	t.Setenv("TZ", "Mars/Olympus_Mons")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TZ")
}

func TestLoadRejectsZeroSessions(t *testing.T) {
	setRequired(t)
	t.Setenv("WHATSAPP_MAX_SESSIONS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WHATSAPP_MAX_SESSIONS")
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("WHATSAPP_MAX_SESSIONS", "many")
	assert.Equal(t, 10, envInt("WHATSAPP_MAX_SESSIONS", 10))
}

func TestLocationFallsBackToUTC(t *testing.T) {
	p := ProactiveConfig{Timezone: "not-a-zone"}
	assert.Equal(t, time.UTC, p.Location())
}
