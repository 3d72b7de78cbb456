package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"vpn-service/internal/config"
	"vpn-service/internal/db"
	"vpn-service/internal/pkg/stripeclient"
	"vpn-service/internal/repository/postgres"
	emailsvc "vpn-service/internal/service/email"
	receiptsvc "vpn-service/internal/service/receipt"
	subscriptionsvc "vpn-service/internal/service/subscription"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("could not connect to database", zap.Error(err))
	}
	defer pool.Close()

	subRepo := postgres.NewSubscriptionRepository(pool)
	userRepo := postgres.NewUserRepository(pool)

	verifier := receiptsvc.NewVerifier(receiptsvc.Config{
		Environment:        cfg.Environment,
		IOSSharedSecret:    cfg.IOSSharedSecret,
		IOSSandbox:         cfg.IOSSandbox,
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
		GoogleRefreshToken: cfg.GoogleRefreshToken,
		GooglePackageName:  cfg.GooglePackageName,
		GoogleLicenseKey:   cfg.GoogleLicenseKey,
	}, logger)

	sesClient, err := emailsvc.NewSESClient(ctx)
	if err != nil {
		logger.Fatal("could not build SES client", zap.Error(err))
	}
	mailer := emailsvc.NewService(sesClient, userRepo, cfg.EmailFrom, cfg.EmailConfirmURL, cfg.AESKey, logger)

	reconciler := subscriptionsvc.NewReconciler(subRepo, cfg.AESKey, cfg.Environment, logger)
	renewer := subscriptionsvc.NewRenewer(subRepo, reconciler, verifier,
		stripeclient.New(cfg.StripeSecretKey), mailer, cfg.AESKey, logger)

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		logger.Fatal("could not create scheduler", zap.Error(err))
	}
	_, err = scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(cfg.RenewHourUTC), 0, 0))),
		gocron.NewTask(func() {
			counts, err := renewer.RenewRange(ctx, cfg.RenewStartDaysAgo, cfg.RenewEndDaysLater)
			if err != nil {
				logger.Error("renewal run failed", zap.Error(err))
				return
			}
			logger.Info("renewal run finished",
				zap.Int("success", counts.Success), zap.Int("fail", counts.Fail))
		}),
	)
	if err != nil {
		logger.Fatal("could not schedule renewal job", zap.Error(err))
	}
	scheduler.Start()
	logger.Info("renewal scheduler started",
		zap.Int("startDaysAgo", cfg.RenewStartDaysAgo),
		zap.Int("endDaysLater", cfg.RenewEndDaysLater),
		zap.Int("hourUTC", cfg.RenewHourUTC))

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if err := scheduler.Shutdown(); err != nil {
		logger.Error("scheduler shutdown failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "DEVELOPMENT" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
