package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vyvo/appbuilder/pkg/api"
	"github.com/vyvo/appbuilder/pkg/config"
	"github.com/vyvo/appbuilder/pkg/generator"
	"github.com/vyvo/appbuilder/pkg/hub"
	"github.com/vyvo/appbuilder/pkg/jobs"
	"github.com/vyvo/appbuilder/pkg/notify"
	"github.com/vyvo/appbuilder/pkg/orchestrator"
	"github.com/vyvo/appbuilder/pkg/publisher"
	"github.com/vyvo/appbuilder/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "appbuilder: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Telemetry.Enabled, os.Stdout)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := telemetry.NewLogger(cfg.ServiceName, level)
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("job store close failed", "error", err)
		}
	}()

	if strings.TrimSpace(cfg.UserSecret) == "" {
		logger.Warn("user_secret is not set; every intake request will be rejected")
	}

	gen, err := newGenerator(ctx, cfg.Generator, logger)
	if err != nil {
		return err
	}
	pub, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	metrics, err := telemetry.NewJobMetrics()
	if err != nil {
		return fmt.Errorf("job metrics: %w", err)
	}

	h := hub.New(logger)
	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Generator: gen,
		Publisher: pub,
		Notifier: notify.NewClient(notify.Options{
			Attempts:     cfg.Notify.Attempts,
			InitialDelay: cfg.Notify.InitialDelay,
			Timeout:      cfg.Notify.Timeout,
		}, logger),
		Hub:     h,
		Metrics: metrics,
		Logger:  logger,
	}, orchestrator.Options{
		Timeout:       cfg.Pipeline.Timeout,
		WorkDir:       cfg.TempDir,
		LicenseHolder: cfg.License.Holder,
	})

	if _, err := orch.FailInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	srv := api.New(store, orch, h, hub.NewHandler(h, cfg.CORSOrigins, logger), api.Options{
		Secret:              cfg.UserSecret,
		CORSOrigins:         cfg.CORSOrigins,
		MaxBodyBytes:        cfg.MaxBodyBytes,
		PublisherConfigured: publisherConfigured(cfg),
		ModelConfigured:     cfg.Generator.APIKey != "",
	}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           otelhttp.NewHandler(srv.Routes(), cfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("appbuilder listening", "addr", cfg.ListenAddr, "store", cfg.Store.Backend, "publisher", cfg.Publisher)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipelines still running at shutdown", "error", err)
	}
	logger.Info("appbuilder stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (jobs.Store, error) {
	switch cfg.Backend {
	case "file":
		s, err := jobs.NewFileStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return s, nil
	case "postgres":
		// NewPostgresStore applies the embedded migrations.
		s, err := jobs.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		return s, nil
	case "redis":
		s, err := jobs.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return s, nil
	default:
		return jobs.NewMemStore(), nil
	}
}

func newGenerator(ctx context.Context, cfg config.GenConfig, logger *slog.Logger) (generator.Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		logger.Warn("generator api key not set; using the static page generator")
		return generator.Static{}, nil
	}
	g, err := generator.NewGemini(ctx, generator.GeminiOptions{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		APIVersion: cfg.APIVersion,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func newPublisher(cfg config.Config, logger *slog.Logger) (publisher.Publisher, func(), error) {
	if cfg.Publisher == "sftp" {
		s := publisher.NewSFTP(publisher.SFTPOptions{
			Addr:        cfg.SFTP.Addr,
			User:        cfg.SFTP.User,
			Password:    cfg.SFTP.Password,
			KeyPath:     cfg.SFTP.KeyPath,
			Root:        cfg.SFTP.Root,
			SiteBaseURL: cfg.SFTP.SiteBaseURL,
			Timeout:     cfg.SFTP.Timeout,
		}, logger)
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Error("sftp close failed", "error", err)
			}
		}, nil
	}
	if cfg.GitHub.Token == "" || cfg.GitHub.Username == "" {
		logger.Warn("github token or username not set; publishing will fail")
	}
	gh, err := publisher.NewGitHub(cfg.GitHub.APIURL, cfg.GitHub.Token, cfg.GitHub.Username, cfg.GitHub.Branch)
	if err != nil {
		return nil, nil, err
	}
	return gh, func() {}, nil
}

func publisherConfigured(cfg config.Config) bool {
	if cfg.Publisher == "sftp" {
		return cfg.SFTP.Addr != ""
	}
	return cfg.GitHub.Token != "" && cfg.GitHub.Username != ""
}
