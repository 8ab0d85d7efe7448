package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cabohealth/nova/internal/dotenv"
	"github.com/cabohealth/nova/pkg/gateway/config"
	"github.com/cabohealth/nova/pkg/gateway/live/session"
	"github.com/cabohealth/nova/pkg/gateway/mail"
	gatewayserver "github.com/cabohealth/nova/pkg/gateway/server"
	"github.com/cabohealth/nova/pkg/gateway/storage"
	"github.com/cabohealth/nova/pkg/gateway/store/postgres"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func buildAudioStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.AudioStore, error) {
	if cfg.S3Bucket == "" {
		logger.Info("audio fragment archive disabled, no bucket configured")
		return nil, nil
	}
	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:     cfg.S3Bucket,
		Region:     cfg.S3Region,
		Endpoint:   cfg.S3Endpoint,
		KeyPrefix:  cfg.S3KeyPrefix,
		PublicBase: cfg.AudioPublicBase,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("audio store: %w", err)
	}
	return store, nil
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.RunMigrations {
		if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnIdleTime: cfg.DBMaxConnIdle,
		MaxConnLifetime: cfg.DBMaxConnLife,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	audioStore, err := buildAudioStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mailer := &mail.Client{
		APIKey:    cfg.ResendAPIKey,
		BaseURL:   cfg.ResendBaseURL,
		From:      cfg.EmailFrom,
		Simulated: cfg.EmailSimulated,
		Logger:    logger,
	}

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		DB:            pool,
		Consultations: postgres.NewConsultationRepo(pool),
		Checkpoints:   postgres.NewCheckpointRepo(pool),
		Mailer:        mailer,
		AudioStore:    audioStore,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr,
		"live_model", cfg.GeminiLiveModel, "summary_model", cfg.GeminiSummaryModel,
		"email_simulated", cfg.EmailSimulated || cfg.ResendAPIKey == "")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.WarnLiveSessionsDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		gw.CancelLiveSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "nova-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "nova-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
