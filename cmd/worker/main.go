package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"storyreel/internal/adapter/repo"
	"storyreel/internal/infra"
	"storyreel/internal/infra/credentials"
	"storyreel/internal/providers"
	"storyreel/internal/providers/dashscope"
	"storyreel/internal/providers/genai"
	"storyreel/internal/refimage"
	"storyreel/internal/storage"
	"storyreel/internal/task"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	tasks := repo.NewTaskRepository(pool)
	if err := tasks.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: ensure schema failed")
	}

	creds := credentials.NewStore(pool)
	if err := creds.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: ensure credentials schema failed")
	}
	geminiKey, err := creds.Resolve(ctx, credentials.ProviderGemini, cfg.GeminiAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: resolve gemini key failed")
	}
	dashscopeKey, err := creds.Resolve(ctx, credentials.ProviderDashScope, cfg.DashScopeAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: resolve dashscope key failed")
	}
	if geminiKey == "" && dashscopeKey == "" {
		logger.Fatal().Msg("worker: no provider keys configured")
	}

	files, err := storage.NewFileStore(cfg.StorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage init failed")
	}

	images := refimage.NewNormalizer(refimage.Options{
		ProxyBaseURL: cfg.ImageProxyBaseURL,
		ProxyHosts:   cfg.ImageProxyHosts,
		Logger:       logger,
	})

	registry := task.NewRegistry()
	for _, spec := range task.DefaultModels() {
		registry.RegisterModel(spec)
	}
	registry.RegisterAdapter(providers.ProtocolSingleShot, genai.New(genai.Options{
		APIKey:  geminiKey,
		BaseURL: cfg.GeminiBaseURL,
		Images:  images,
		Logger:  logger,
	}))
	ds := dashscope.NewClient(dashscope.Options{
		APIKey:  dashscopeKey,
		BaseURL: cfg.DashScopeBaseURL,
		Logger:  logger,
	})
	registry.RegisterAdapter(providers.ProtocolPoll, dashscope.NewImageAdapter(ds, images, logger))
	registry.RegisterAdapter(providers.ProtocolPollVideo, dashscope.NewVideoAdapter(ds, images, logger))

	runner := task.NewRunner(task.RunnerOptions{
		Store:          tasks,
		Registry:       registry,
		Logger:         logger,
		Concurrency:    int64(cfg.WorkerConcurrency),
		ClaimInterval:  cfg.ClaimInterval,
		FileStore:      files,
		StorageBaseURL: cfg.StorageBaseURL,
	})

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker: started")
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: runner stopped")
	}
	logger.Info().Msg("worker: stopped")
}
