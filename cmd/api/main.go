package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"genserver/internal/generation"
	"genserver/internal/http/handlers"
	httpapi "genserver/internal/http/httpapi"
	"genserver/internal/infra"
	"genserver/internal/ledger"
	"genserver/internal/metrics"
	image "genserver/internal/providers/image"
	"genserver/internal/storage"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Credit ledger: Postgres when a database is configured, otherwise an
	// in-memory ledger seeded for development.
	var credits ledger.Ledger
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		credits = ledger.NewPostgres(pool)
	} else {
		logger.Warn().Msg("no DATABASE_URL, using in-memory credit ledger")
		credits = ledger.NewMemoryWithSeed(cfg.DevCredits)
	}

	// Artifact storage: CDN zone when configured, local disk otherwise.
	var uploader storage.Uploader
	var files *storage.FileStore
	if cfg.CDNBaseURL != "" {
		cdn, err := storage.NewCDNStore(storage.CDNOptions{
			BaseURL:   cfg.CDNBaseURL,
			AccessKey: cfg.CDNAccessKey,
			PublicURL: cfg.CDNPublicURL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure cdn storage")
		}
		uploader = cdn
	} else {
		files, err = storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure local storage")
		}
		uploader = files
	}

	backend, err := image.NewComfyClient(image.ComfyOptions{
		BaseURL:      cfg.ComfyBaseURL,
		PollInterval: cfg.BackendPoll,
		Embeddings:   cfg.ComfyEmbeddings,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure generation backend")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store := generation.NewStore()
	queue := generation.NewQueue(store, backend, uploader, credits, m, logger, generation.QueueOptions{
		Workers:      cfg.MaxConcurrentJobs,
		Capacity:     cfg.QueueCapacity,
		MaxRetries:   cfg.MaxRetries,
		JobTimeout:   cfg.JobTimeout,
		CostPerImage: cfg.CostPerImage,
	})
	queue.Start()
	service := generation.NewService(store, queue, credits, m, logger, cfg.CostPerImage)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go service.RunSweeper(sweepCtx, cfg.SweepInterval, cfg.JobRetention)

	app := handlers.NewApp(service, files, backend, cfg, logger)
	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		JWTSecret:       cfg.JWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AllowedOrigins:  cfg.AllowedOrigins,
		Registry:        registry,
	})

	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	stopSweeper()
	// Stop intake first, then let in-flight jobs observe cancellation.
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker pool did not drain in time")
	}
	logger.Info().Msg("server stopped")
}
