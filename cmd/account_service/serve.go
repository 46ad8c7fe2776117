package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"account_service/internal/auth"
	"account_service/internal/config"
	"account_service/internal/handler"
	"account_service/internal/mailer"
	"account_service/internal/metrics"
	"account_service/internal/service"
	"account_service/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return oops.Code("CONFIG_INVALID").Wrap(err)
			}

			return runServe(ctx, cfg, setupLogger(cfg.Env))
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting account service", slog.String("env", cfg.Env), slog.String("db_driver", cfg.DB.Driver))

	if cfg.Env == envProd {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("driver", cfg.DB.Driver).Wrap(err)
	}
	defer store.Close()

	hasher, err := auth.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "NewHasher").Wrap(err)
	}

	signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "NewSigner").Wrap(err)
	}

	m := metrics.New()

	deliverer, err := newDeliverer(cfg, log, m)
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "newDeliverer").Wrap(err)
	}

	accounts := service.NewAccountService(store, hasher, signer, log)
	resets := service.NewResetService(store, hasher, auth.NewTokenGenerator(), deliverer, service.ResetConfig{
		TTL:             cfg.Auth.ResetTTL,
		DeliveryTimeout: cfg.Mail.Timeout,
		ClientURL:       cfg.ClientURL,
	}, log)

	h := handler.NewHandler(accounts, resets, signer, store, m, handler.Options{
		CookieTTL:      cfg.Auth.CookieTTL,
		SecureCookies:  cfg.HTTPServer.SecureCookies,
		RequestTimeout: cfg.HTTPServer.RequestTimeout,
		AllowedOrigins: cfg.HTTPServer.AllowedOrigins,
	}, log)

	srv := &http.Server{
		Addr:              cfg.HTTPServer.Address,
		Handler:           h.InitRoutes(),
		ReadTimeout:       cfg.HTTPServer.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPServer.WriteTimeout,
		IdleTimeout:       cfg.HTTPServer.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("http server starting", slog.String("address", cfg.HTTPServer.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErrors:
		return oops.Code("HTTP_SERVER_FAILED").Wrap(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return oops.Code("HTTP_SHUTDOWN_FAILED").Wrap(err)
	}

	log.Info("http server stopped")

	return nil
}

func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.DB.ConnectTimeout)
	defer cancel()

	switch cfg.DB.Driver {
	case config.DriverMongo:
		return storage.NewMongoStorage(connectCtx, cfg.DB.DbURL, cfg.DB.MongoDatabase)
	case config.DriverMemory:
		log.Warn("using in-memory storage, accounts are lost on restart")
		return storage.NewMemoryStorage(), nil
	default:
		return storage.NewPostgresStorage(connectCtx, cfg.DB.DbURL)
	}
}

func newDeliverer(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (mailer.Deliverer, error) {
	var d mailer.Deliverer

	switch cfg.Mail.Driver {
	case config.MailSMTP:
		smtp, err := mailer.NewSMTPDeliverer(mailer.SMTPConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			Timeout:  cfg.Mail.Timeout,
			Retries:  cfg.Mail.Retries,
		}, log)
		if err != nil {
			return nil, err
		}
		d = smtp
	default:
		d = mailer.NewLogDeliverer(log)
	}

	return mailer.Observed(d, func(err error) {
		if err != nil {
			m.RecordDelivery(metrics.OutcomeError)
			return
		}
		m.RecordDelivery(metrics.OutcomeSuccess)
	}), nil
}
