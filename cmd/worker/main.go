package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/admin"
	"github.com/funtask-io/funtask/internal/config"
	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/logger"
	"github.com/funtask-io/funtask/internal/queue"
	"github.com/funtask-io/funtask/internal/repository"
	"github.com/funtask-io/funtask/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Msg("Starting worker node...")

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close redis client")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}

	repo := repository.NewRedis(client)

	// Register built-in task funcs
	registry := worker.NewFuncRegistry()
	registry.Register("echo", echoFunc)
	registry.Register("sleep", sleepFunc)
	registry.Register("compute", computeFunc)
	registry.Register("fail", failFunc)

	statusQueue := queue.NewRedis[entity.StatusReport](client, cfg.Worker.StatusQueue)
	manager := worker.NewManager(
		queue.NewRedisFactory[entity.TaskQueueMessage](client),
		queue.NewRedisFactory[entity.ControlQueueMessage](client),
		statusQueue,
		registry,
		cfg.Worker.HeartbeatInterval,
		*log,
	)
	funTaskManager := worker.NewFunTaskManager(manager, statusQueue, *log)

	uuids, err := funTaskManager.IncreaseWorkers(ctx, cfg.Worker.Count)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start workers")
	}

	// Register workers so heartbeats have a record to land on
	for _, workerUUID := range uuids {
		if _, err := repo.AddWorker(ctx, &entity.Worker{
			UUID:          workerUUID,
			Status:        entity.WorkerRunning,
			LastHeartBeat: time.Now().UTC(),
			Tags:          cfg.Worker.Tags,
		}); err != nil {
			log.Error().Err(err).Str("worker_uuid", string(workerUUID)).Msg("Failed to register worker")
		}
	}

	log.Info().Int("count", len(uuids)).Msg("Workers started")

	// Admin surface: health + metrics
	adminServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.AdminPort),
		Handler: admin.NewRouter(cfg),
	}
	go func() {
		log.Info().Str("addr", adminServer.Addr).Msg("Admin server listening")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Admin server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker node...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)

	for _, workerUUID := range uuids {
		if err := repo.ChangeWorkerStatus(shutdownCtx, workerUUID, entity.WorkerStopped); err != nil {
			log.Error().Err(err).Str("worker_uuid", string(workerUUID)).Msg("Failed to mark worker stopped")
		}
	}

	if err := adminServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Admin server shutdown error")
	}
	log.Info().Msg("Worker node stopped")
}

// Built-in task funcs

func echoFunc(_ context.Context, _ any, log zerolog.Logger, arg []byte) (any, error) {
	log.Info().Str("argument", string(arg)).Msg("echo")
	return string(arg), nil
}

func sleepFunc(ctx context.Context, _ any, log zerolog.Logger, arg []byte) (any, error) {
	duration := time.Second
	if len(arg) > 0 {
		var ms int
		if err := json.Unmarshal(arg, &ms); err == nil && ms > 0 {
			duration = time.Duration(ms) * time.Millisecond
		}
	}
	log.Info().Dur("duration", duration).Msg("sleeping")
	select {
	case <-time.After(duration):
		return "slept " + duration.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func computeFunc(ctx context.Context, _ any, log zerolog.Logger, arg []byte) (any, error) {
	iterations := 1000000
	if len(arg) > 0 {
		if n, err := strconv.Atoi(string(arg)); err == nil && n > 0 {
			iterations = n
		}
	}
	sum := 0
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			sum += i
		}
	}
	log.Info().Int("iterations", iterations).Msg("compute finished")
	return sum, nil
}

func failFunc(_ context.Context, _ any, _ zerolog.Logger, _ []byte) (any, error) {
	return nil, fmt.Errorf("intentional failure for testing")
}
