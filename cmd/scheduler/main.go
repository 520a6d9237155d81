package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/funtask-io/funtask/internal/admin"
	"github.com/funtask-io/funtask/internal/cluster"
	"github.com/funtask-io/funtask/internal/config"
	"github.com/funtask-io/funtask/internal/cron"
	"github.com/funtask-io/funtask/internal/entity"
	"github.com/funtask-io/funtask/internal/lock"
	"github.com/funtask-io/funtask/internal/logger"
	"github.com/funtask-io/funtask/internal/queue"
	"github.com/funtask-io/funtask/internal/repository"
	"github.com/funtask-io/funtask/internal/scheduler"
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
	log.Info().Msg("Starting scheduler node...")

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
	cronService := cron.New(*log)
	cronService.Start()
	defer cronService.Stop()

	distLock := lock.NewRedis(client, cfg.Scheduler.LockTimeout)
	leaderControl := cluster.NewLeaderControl(client, cfg.Scheduler.LeaderTTL)
	schedulerRPC := cluster.NewSchedulerRPC(client)

	statusQueue := queue.NewRedis[entity.StatusReport](client, cfg.Worker.StatusQueue)
	remoteManager := worker.NewRemoteManager(
		queue.NewRedisFactory[entity.TaskQueueMessage](client),
		queue.NewRedisFactory[entity.ControlQueueMessage](client),
		statusQueue,
		*log,
	)

	self := entity.SchedulerNode{
		UUID: entity.NewSchedulerNodeUUID(),
		Host: cfg.Node.Host,
		Port: cfg.Node.Port,
	}

	workerScheduler := scheduler.NewWorkerScheduler(
		remoteManager,
		repo,
		cronService,
		queue.NewRedisFactory[[]byte](client),
		distLock,
		cfg.Scheduler.LockTimeout,
		*log,
	)
	leaderScheduler := scheduler.NewLeaderScheduler(schedulerRPC, repo, *log)

	sched := scheduler.New(
		self,
		leaderControl,
		leaderScheduler,
		workerScheduler,
		remoteManager,
		schedulerRPC,
		cfg.Scheduler,
		cfg.Worker.HeartbeatTimeout,
		*log,
	)

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

	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Scheduler loop exited")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down scheduler node...")
	cancel()
	if err := adminServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Admin server shutdown error")
	}
	log.Info().Msg("Scheduler node stopped")
}
