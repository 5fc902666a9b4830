package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/config/logger"
	postgresConfig "github.com/crabzie/P2P-Compute-Scheduler/config/storage/postgresql"
	redisConfig "github.com/crabzie/P2P-Compute-Scheduler/config/storage/redis"
	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/storage/redis"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/service"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// _shutdownDrainDelay is time to sleep while context shutdown message propagates
const _shutdownDrainDelay = 2 * time.Second

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	zap.ReplaceGlobals(log)
	log = log.With(zap.String("service", "engine"))

	log.Info("Starting the distribution engine",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env))

	// 2. Init Postgres & Migrate
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, log.Named("DB"))
	if err != nil {
		log.Fatal("Failed to init Postgres", zap.Error(err))
	}
	defer dbService.Close()

	if err := dbService.Migrate(); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}
	log.Info("Successfully migrated the database")

	taskRepo := postgres.NewTaskRepository(dbService.Pool, log)
	scoreStore := postgres.NewScoreStore(dbService.Pool, log)

	// 3. Init Redis presence
	redisClient := redigo.NewClient(&redigo.Options{
		Addr:     appConfig.Redis.Addr,
		Password: appConfig.Redis.Password,
		DB:       0,
	})
	if err := redisClient.Ping(rootCtx).Err(); err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer redisClient.Close()
	presence := redisAdapter.NewPeerPresence(redisClient, appConfig.Engine.ProfileTTL, log)

	cacheService, err := redisConfig.New(rootCtx, appConfig.Redis)
	if err != nil {
		log.Fatal("Failed to init Redis cache storage", zap.Error(err))
	}
	resultCache := redisAdapter.NewResultCache(cacheService.Client, appConfig.Engine.ResultTTL, log)

	// 4. Init RabbitMQ
	queueService, err := rabbitmq.NewQueueService(rabbitURLFromEnv(), log)
	if err != nil {
		log.Fatal("Failed to init RabbitMQ", zap.Error(err))
	}
	defer queueService.Close()

	// 5. Init utilization probe
	promURL := os.Getenv("PROMETHEUS_URL")
	if promURL == "" {
		promURL = "http://prometheus:9090"
	}
	probe := prometheus.NewUtilizationProbe(promURL, log)

	// 6. Wire core services
	registry := service.NewRegistry(appConfig.Engine, log.Named("registry"))
	ledger := service.NewLedger(scoreStore, appConfig.Engine, log.Named("ledger"))
	ledger.OnUpdate(func(entry *domain.ScoreEntry) {
		registry.SetReputation(entry.PeerID, entry.Points)
	})
	tracker := service.NewTracker(registry, taskRepo, ledger, appConfig.Engine, log.Named("tracker"))
	tracker.SetResultCache(resultCache)
	scheduler := service.NewScheduler(registry, tracker, taskRepo, queueService, appConfig.Engine, log.Named("scheduler"))
	collector := service.NewCollector(registry, presence, probe, appConfig.Engine, log.Named("collector"))

	// 7. Consume peer reports into the tracker
	if err := queueService.ConsumeReports(rootCtx, func(report *domain.PeerReport) error {
		return tracker.HandleReport(rootCtx, report)
	}); err != nil {
		log.Fatal("Failed to start report consumer", zap.Error(err))
	}

	// 8. Run loops
	go collector.Run(rootCtx)
	go scheduler.Run(rootCtx)

	log.Info("Engine started successfully")

	// 9. Wait for shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...")

	time.Sleep(_shutdownDrainDelay)
	log.Info("Graceful shutdown complete.")
}

func rabbitURLFromEnv() string {
	user := os.Getenv("MQ_ENGINE_USER")
	pass := os.Getenv("MQ_ENGINE_PASS")
	host := os.Getenv("MQ_HOST")
	port := os.Getenv("MQ_PORT")

	if user == "" {
		user = "guest"
	}
	if pass == "" {
		pass = "guest"
	}
	if host == "" {
		host = "rabbitmq"
	}
	if port == "" {
		port = "5672"
	}

	return fmt.Sprintf("amqp://%s:%s@%s:%s/compute", user, pass, host, port)
}
