package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	DBDriver    string
	DatabaseURL string
	Port        string

	SendGridAPIKey string
	SMTPHost       string
	SMTPPort       string
	SMTPUser       string
	SMTPPassword   string
	FromEmail      string
	FromName       string

	WebhookSecret string
	SendTimeout   time.Duration

	// A rule is due again once this much time passed since its last
	// evaluation.
	AlertCheckInterval time.Duration
	ScheduleRetryDelay time.Duration
	EngineTick         time.Duration
	EngineWorkers      int

	JWTSecret       string
	RunnerTokenHash string

	Features Features
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	cfg := Config{
		DBDriver:           strings.ToLower(GetEnv("DB_DRIVER", "postgres")),
		Port:               GetEnv("PORT", "8080"),
		SendGridAPIKey:     GetEnv("SENDGRID_API_KEY", ""),
		SMTPHost:           GetEnv("SMTP_HOST", ""),
		SMTPPort:           GetEnv("SMTP_PORT", "587"),
		SMTPUser:           GetEnv("SMTP_USER", ""),
		SMTPPassword:       GetEnv("SMTP_PASSWORD", ""),
		FromEmail:          GetEnv("ALERT_FROM_EMAIL", ""),
		FromName:           GetEnv("ALERT_FROM_NAME", "DMARC Watch"),
		WebhookSecret:      GetEnv("WEBHOOK_SECRET", ""),
		SendTimeout:        GetEnvDuration("SEND_TIMEOUT", 5*time.Second),
		AlertCheckInterval: GetEnvDuration("ALERT_CHECK_INTERVAL", 5*time.Minute),
		ScheduleRetryDelay: GetEnvDuration("SCHEDULE_RETRY_DELAY", time.Hour),
		EngineTick:         GetEnvDuration("ENGINE_TICK", time.Minute),
		EngineWorkers:      GetEnvInt("ENGINE_WORKERS", 4),
		JWTSecret:          GetEnv("JWT_SECRET", ""),
		RunnerTokenHash:    GetEnv("RUNNER_TOKEN_HASH", ""),
		Features:           LoadFeatures(),
	}
	url, err := RequireEnv("DATABASE_URL")
	if err != nil {
		return cfg, err
	}
	cfg.DatabaseURL = url
	if cfg.EngineWorkers < 1 {
		cfg.EngineWorkers = 1
	}
	if cfg.Features.AuthEnabled && cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required when AUTH_ENABLED=true")
	}
	return cfg, nil
}
