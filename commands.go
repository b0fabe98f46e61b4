package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"dmarcwatch/handlers"
	"dmarcwatch/logging"
)

func newServeCmd(logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and, when enabled, run the evaluation ticker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.db.Migrate(ctx); err != nil {
				return err
			}
			logger.WithFields(logging.Fields{
				"auth":    a.cfg.Features.AuthEnabled,
				"email":   a.cfg.Features.EmailEnabled,
				"webhook": a.cfg.Features.WebhookEnabled,
				"metrics": a.cfg.Features.MetricsEnabled,
				"ticker":  a.cfg.Features.TickerEnabled,
			}).Info("Features")

			if a.cfg.Features.TickerEnabled {
				a.engine.Start()
				defer a.engine.Stop()
			}

			gin.SetMode(gin.ReleaseMode)
			r := gin.New()
			r.Use(gin.Recovery())
			handlers.Register(r, &handlers.API{
				DB:        a.db,
				Incidents: a.incidents,
				Engine:    a.engine,
				Logger:    logger,
			}, a.cfg)

			srv := &http.Server{
				Addr:              ":" + a.cfg.Port,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.WithField("port", a.cfg.Port).Info("Server starting")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newCheckAlertsCmd(logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "check-alerts",
		Short: "Evaluate every due rule once and dispatch new incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.engine.RunAlertPass(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newRunSchedulesCmd(logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run-schedules",
		Short: "Run every due digest and report schedule once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.engine.RunSchedulePass(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d schedules failed", res.Failed, len(res.Runs))
			}
			return nil
		},
	}
}

func newMigrateCmd(logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.db.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.WithField("dialect", a.db.Dialect).Info("Database schema verified")
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
