package main

import (
	"context"
	"fmt"

	"dmarcwatch/config"
	"dmarcwatch/db"
	"dmarcwatch/logging"
	"dmarcwatch/services"
)

// app holds the wired services shared by every command.
type app struct {
	cfg       config.Config
	db        *db.DB
	incidents *services.IncidentManager
	engine    *services.Engine
}

func bootstrap(ctx context.Context, logger logging.Logger) (*app, error) {
	config.LoadEnv(logger)
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := db.InitDB(ctx, cfg.DBDriver, cfg.DatabaseURL, logger); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	conn := db.GetDB()

	incidents := services.NewIncidentManager(conn, services.NewEvaluator(conn), services.NewScopeResolver(conn), logger)
	incidents.CheckInterval = cfg.AlertCheckInterval

	mailer := services.NewMailer(cfg)
	if mailer == nil && cfg.Features.EmailEnabled {
		logger.Warn("Email is enabled but neither SENDGRID_API_KEY nor SMTP_HOST is set")
	}
	var webhooks *services.WebhookSender
	if cfg.Features.WebhookEnabled {
		webhooks = services.NewWebhookSender(services.NewSSRFGuard(nil), cfg.WebhookSecret, cfg.SendTimeout)
	}
	dispatcher := services.NewDispatcher(mailer, webhooks, cfg.Features, cfg.SendTimeout, logger)

	runner := services.NewScheduleRunner(conn, services.NewPayloadBuilder(conn), dispatcher, logger)
	runner.RetryDelay = cfg.ScheduleRetryDelay

	engine := services.NewEngine(services.EngineConfig{
		Incidents:  incidents,
		Dispatcher: dispatcher,
		Schedules:  runner,
		Logger:     logger,
		Workers:    cfg.EngineWorkers,
		Interval:   cfg.EngineTick,
	})

	return &app{cfg: cfg, db: conn, incidents: incidents, engine: engine}, nil
}

func (a *app) close() {
	_ = a.db.Close()
}
