package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/access"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/auth"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/config"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/db"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/events"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/face"
	internalhttp "github.com/MarkerViktor/access-acontrol-system.main-node/internal/http"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/task"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("api stopped with error")
	}
}

func run() error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis parse: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		publisher = natsPublisher
	}
	defer publisher.Close()

	authRepo := auth.NewRepository(pool)
	tempTokens := auth.NewRedisTempTokenStore(redisClient)
	authService := auth.NewService(authRepo, tempTokens, cfg.RoomTempTokenTTL)

	taskRepo := task.NewRepository(pool)
	taskLogger := log.With().Str("component", "task").Logger()
	taskService := task.NewService(taskRepo, publisher, cfg.Dispatch, taskLogger)

	matcher, err := face.NewMatcher(cfg.Match.Metric, cfg.Match.Threshold, cfg.Match.AmbiguityEpsilon)
	if err != nil {
		return fmt.Errorf("matcher: %w", err)
	}

	accessRepo := access.NewRepository(pool)
	accessLogger := log.With().Str("component", "access").Logger()
	accessService := access.NewService(accessRepo, matcher, taskService, publisher, accessLogger)

	if err := accessService.WarmUp(ctx); err != nil {
		return fmt.Errorf("warm up: %w", err)
	}

	taskService.Start(ctx)
	defer taskService.Stop()

	handler := internalhttp.NewRouter(cfg, pool, redisClient, authService, accessService, taskService)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("API listening on :%d", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
