package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "file::memory:")
	t.Setenv("DB_DRIVER", "SQLite")
	for _, key := range []string{"PORT", "SEND_TIMEOUT", "ALERT_CHECK_INTERVAL", "SCHEDULE_RETRY_DELAY", "AUTH_ENABLED", "EMAIL_ENABLED"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, 5*time.Minute, cfg.AlertCheckInterval)
	assert.Equal(t, time.Hour, cfg.ScheduleRetryDelay)
	assert.True(t, cfg.Features.EmailEnabled)
	assert.False(t, cfg.Features.AuthEnabled)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "  ")
	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestRequireEnv(t *testing.T) {
	t.Setenv("DMARCWATCH_REQUIRED", " value ")
	v, err := RequireEnv("DMARCWATCH_REQUIRED")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	t.Setenv("DMARCWATCH_REQUIRED", "")
	_, err = RequireEnv("DMARCWATCH_REQUIRED")
	assert.Error(t, err)
}

func TestLoadRequiresJWTSecretWithAuth(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/dmarc")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestEnvHelpersFallBack(t *testing.T) {
	t.Setenv("ENGINE_WORKERS", "many")
	t.Setenv("SEND_TIMEOUT", "-3s")
	t.Setenv("WEBHOOK_ENABLED", "nope")

	assert.Equal(t, 4, GetEnvInt("ENGINE_WORKERS", 4))
	assert.Equal(t, 5*time.Second, GetEnvDuration("SEND_TIMEOUT", 5*time.Second))
	assert.True(t, GetEnvBool("WEBHOOK_ENABLED", true))
}
