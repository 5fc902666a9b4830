package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/config/logger"
	postgresConfig "github.com/crabzie/P2P-Compute-Scheduler/config/storage/postgresql"
	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/storage/redis"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx := context.Background()

	log.Info("Starting Verification...")

	// 2. Test Postgres
	log.Info("--- Testing Postgres ---")
	dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	// Note: dbService matches *postgres.DB which embeds *pgxpool.Pool
	repo := postgres.NewTaskRepository(dbService.Pool, log)

	// Create a dummy task
	task := &domain.Task{
		ID:     fmt.Sprintf("test-task-%d", time.Now().Unix()),
		Name:   "Verification Task",
		Status: domain.TaskStatusQueued,
		Requirements: domain.Requirements{
			MinCPUScore:      10,
			EstimatedSeconds: 5,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := repo.Save(ctx, task); err != nil {
		log.Error("X Postgres: Save Task Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Save Task Success")
	}

	if fetched, err := repo.GetByID(ctx, task.ID); err != nil || fetched == nil {
		log.Error("X Postgres: Get Task Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Get Task Success", zap.String("FetchedID", fetched.ID))
	}

	scores := postgres.NewScoreStore(dbService.Pool, log)
	if entry, err := scores.Apply(ctx, "test-peer-1", 10, true); err != nil {
		log.Error("X Postgres: Apply Score Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Apply Score Success", zap.Float64("Points", entry.Points))
	}

	// 3. Test Redis
	log.Info("--- Testing Redis ---")
	// Creating client directly since the config wrapper returns a fiber storage interface
	redisClient := redigo.NewClient(&redigo.Options{
		Addr:     appConfig.Redis.Addr,
		Password: appConfig.Redis.Password,
		DB:       0,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	presence := redisAdapter.NewPeerPresence(redisClient, appConfig.Engine.ProfileTTL, log)

	profile := &domain.CapabilityProfile{
		PeerID:        "test-peer-1",
		CPUScore:      80,
		MemoryScore:   60,
		MaxConcurrent: 4,
		MeasuredAt:    time.Now(),
	}

	if err := presence.Announce(ctx, profile); err != nil {
		log.Error("X Redis: Announce Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Announce Success")
	}

	profiles, err := presence.Snapshot(ctx)
	if err != nil {
		log.Error("X Redis: Snapshot Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Snapshot Success", zap.Int("Count", len(profiles)))
	}

	// 4. Test RabbitMQ
	log.Info("--- Testing RabbitMQ ---")
	// Use Env variables or defaults
	user := os.Getenv("MQ_ADMIN_USER")
	if user == "" {
		user = "admin"
	}
	pass := os.Getenv("MQ_ADMIN_PASS")
	if pass == "" {
		pass = "admin"
	}
	host := "localhost"
	port := "5672" // Default port for non-cluster testing or 5672 if mapped

	amqpURL := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	queue, err := rabbitmq.NewQueueService(amqpURL, log)
	if err != nil {
		log.Error("X RabbitMQ: Connection Failed", zap.Error(err))
	} else {
		env := &domain.DispatchEnvelope{
			DispatchID: fmt.Sprintf("verify-%d", time.Now().Unix()),
			PeerID:     "test-peer-1",
			Task:       task,
			IssuedAt:   time.Now(),
		}
		if err := queue.PublishDispatch(ctx, env); err != nil {
			log.Error("X RabbitMQ: Publish Failed", zap.Error(err))
		} else {
			log.Info("✓ RabbitMQ: Publish Success")
		}
	}

	// 5. Test Prometheus
	log.Info("--- Testing Prometheus ---")
	probe := prometheus.NewUtilizationProbe("http://localhost:9090", log)
	cpu, mem, err := probe.GetPeerUtilization(ctx, "test-peer-1")
	if err != nil {
		log.Warn("! Prometheus: Query Failed (Expected if bad connection or no data)", zap.Error(err))
	} else {
		log.Info("✓ Prometheus: Query Success", zap.Float64("CPU", cpu), zap.Float64("Mem", mem))
	}

	log.Info("Verification Complete.")
}
