package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"storyreel/internal/adapter/repo"
	"storyreel/internal/http/handlers"
	httpapi "storyreel/internal/http/httpapi"
	"storyreel/internal/infra"
	"storyreel/internal/janitor"
	"storyreel/internal/task"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	tasks := repo.NewTaskRepository(dbpool)
	if err := tasks.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	registry := task.NewRegistry()
	for _, spec := range task.DefaultModels() {
		registry.RegisterModel(spec)
	}

	app := handlers.NewApp(tasks, registry, logger)
	router := httpapi.NewRouter(httpapi.Options{
		App:            app,
		AllowedOrigins: cfg.AllowedOrigins,
		FilesDir:       cfg.StorageDir,
		SubmitLimit:    cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)

	jan := janitor.New(janitor.Options{
		Purger:    tasks,
		Logger:    logger,
		Schedule:  cfg.PurgeSchedule,
		Retention: cfg.TaskRetention,
	})
	if err := jan.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start janitor")
	}
	defer jan.Stop()

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
	logger.Info().Msg("server stopped")
}
