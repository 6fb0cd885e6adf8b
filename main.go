package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v82"

	"licensedesk.app/server/handlers"
	"licensedesk.app/server/internal/config"
	"licensedesk.app/server/internal/email"
	"licensedesk.app/server/internal/license"
	"licensedesk.app/server/internal/logger"
	"licensedesk.app/server/internal/metrics"
	"licensedesk.app/server/internal/ratelimit"
	"licensedesk.app/server/internal/scheduler"
	"licensedesk.app/server/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:          "licensedesk",
		Short:        "Software license management server",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			godotenv.Load()
			if logLevel == "" {
				logLevel = os.Getenv("LOG_LEVEL")
			}
			if logLevel != "" {
				logger.SetLevel(logger.ParseLevel(logLevel))
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(),
		newSweepCmd(),
		newRemindCmd(),
	)
	return rootCmd
}

// app holds the components every command shares.
type app struct {
	cfg       *config.Config
	store     storage.Storage
	metrics   *metrics.Registry
	licenses  *license.Service
	scheduler *scheduler.Scheduler
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := storage.Open(cfg.StorageDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	notifier, err := newMailer(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := metrics.NewRegistry()
	licenses := license.NewService(store, license.Options{
		SequencePrefix:     cfg.SequencePrefix,
		SequencePadding:    cfg.SequencePadding,
		ReminderWindowDays: cfg.ReminderWindowDays,
		Notifier:           notifier,
		Metrics:            registry,
	})

	return &app{
		cfg:      cfg,
		store:    store,
		metrics:  registry,
		licenses: licenses,
		scheduler: scheduler.New(licenses, scheduler.Options{
			SweepSchedule:    cfg.SweepSchedule,
			ReminderSchedule: cfg.ReminderSchedule,
			Metrics:          registry,
		}),
	}, nil
}

func newMailer(cfg *config.Config) (*email.Mailer, error) {
	var sender email.Sender = email.LogSender{}
	if cfg.EmailService == "smtp" {
		smtpSender, err := email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		})
		if err != nil {
			return nil, err
		}
		sender = smtpSender
	}
	return email.NewMailer(sender, cfg.EmailSender)
}

func (a *app) Close() error {
	return a.store.Close()
}

func loadApp() (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          version,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry.Init: %w", err)
	}

	return newApp(cfg)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer sentry.Flush(2 * time.Second)
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	options := handlers.Options{
		Version:        version,
		AllowedOrigins: a.cfg.CORSAllowedOrigins,
		Jobs:           a.scheduler,
		Metrics:        a.metrics,
	}

	if a.cfg.StripeEnabled() {
		stripe.Key = a.cfg.StripeSecret
		options.Stripe = &handlers.StripeOptions{
			WebhookSecret: a.cfg.StripeWebhookSecret,
			TestMode:      a.cfg.TestMode,
		}
	}

	if a.cfg.RateLimitPerMinute > 0 {
		limiter := ratelimit.New(a.cfg.RateLimitPerMinute, time.Minute)
		options.Limiter = limiter
		go pruneVisitors(ctx, limiter)
	}

	if err := a.scheduler.Start(); err != nil {
		return err
	}
	defer func() {
		<-a.scheduler.Stop().Done()
	}()

	server := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           handlers.NewHttpServer(a.licenses, options),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("License server starting", map[string]interface{}{
			"version": version,
			"port":    a.cfg.Port,
			"storage": a.cfg.StorageDriver,
		})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func pruneVisitors(ctx context.Context, limiter *ratelimit.KeyedLimiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune(30 * time.Minute)
		}
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire active licenses whose expiration date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer sentry.Flush(2 * time.Second)
			defer a.Close()

			expired, err := a.scheduler.RunSweepNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d license(s)\n", expired)
			return nil
		},
	}
}

func newRemindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Email customers whose licenses expire within the reminder window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer sentry.Flush(2 * time.Second)
			defer a.Close()

			result, err := a.scheduler.RunRemindersNow(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Reminders sent: %d, skipped: %d, failed: %d\n",
				result.Sent, result.Skipped, result.Failed)
			return err
		},
	}
}
