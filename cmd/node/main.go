package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/config/logger"
	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/queue/rabbitmq"
	redisAdapter "github.com/crabzie/P2P-Compute-Scheduler/internal/adapter/storage/redis"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/service"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	zap.ReplaceGlobals(log)

	peerID := os.Getenv("NODE_NAME")
	if peerID == "" {
		peerID = fmt.Sprintf("compute-peer-%d", time.Now().Unix())
	}
	log = log.With(zap.String("service", "worker"), zap.String("peer", peerID))
	log.Info("Starting compute peer")

	// 2. Redis with retry
	var redisClient *redigo.Client
	maxRedisRetries := 10
	for i := 1; i <= maxRedisRetries; i++ {
		redisClient = redigo.NewClient(&redigo.Options{
			Addr:     appConfig.Redis.Addr,
			Password: appConfig.Redis.Password,
			DB:       0,
		})
		if err := redisClient.Ping(rootCtx).Err(); err == nil {
			break
		} else {
			log.Warn("Failed to connect to Redis, retrying...", zap.Int("attempt", i), zap.Error(err))
			redisClient.Close()
			if i == maxRedisRetries {
				log.Fatal("Failed to init Redis after max retries", zap.Error(err))
			}
			time.Sleep(time.Duration(i*2) * time.Second)
		}
	}
	defer redisClient.Close()
	presence := redisAdapter.NewPeerPresence(redisClient, appConfig.Engine.ProfileTTL, log)

	// 3. RabbitMQ
	rabbitUser := os.Getenv("MQ_WORKER_USER")
	rabbitPass := os.Getenv("MQ_WORKER_PASS")
	rabbitHost := os.Getenv("MQ_HOST")
	rabbitPort := os.Getenv("MQ_PORT")

	if rabbitUser == "" {
		rabbitUser = "guest"
	}
	if rabbitPass == "" {
		rabbitPass = "guest"
	}
	if rabbitHost == "" {
		rabbitHost = "rabbitmq"
	}
	if rabbitPort == "" {
		rabbitPort = "5672"
	}

	rabbitURL := fmt.Sprintf("amqp://%s:%s@%s:%s/compute",
		rabbitUser, rabbitPass,
		rabbitHost, rabbitPort,
	)

	queueService, err := rabbitmq.NewQueueService(rabbitURL, log)
	if err != nil {
		log.Fatal("Failed to init RabbitMQ", zap.Error(err), zap.String("url", rabbitURL))
	}
	defer queueService.Close()

	// 4. Baseline capability: benchmark results come in through env so the
	// container can be shaped per deployment. Real peers would run the
	// probe suite instead.
	baseline := domain.CapabilityProfile{
		PeerID:        peerID,
		CPUScore:      envFloat("BENCH_CPU_SCORE", 80),
		GPUScore:      envFloat("BENCH_GPU_SCORE", 20),
		MemoryScore:   envFloat("BENCH_MEMORY_SCORE", 60),
		DriveScore:    envFloat("BENCH_DRIVE_SCORE", 40),
		MaxConcurrent: appConfig.Engine.DefaultMaxConcurrent,
	}
	mode := service.ResourceMode(os.Getenv("RESOURCE_MODE"))
	if mode == "" {
		mode = service.ResourceModeMedium
	}

	// 5. Start worker
	announceInterval := appConfig.Engine.ProfileTTL / 3
	heartbeatInterval := appConfig.Engine.TaskTimeout / 6
	worker := service.NewWorkerService(peerID, baseline, mode, presence, queueService, announceInterval, heartbeatInterval, log)

	if err := worker.StartWorker(rootCtx); err != nil {
		log.Fatal("Failed to start worker", zap.Error(err))
	}

	log.Info("Worker started successfully. Waiting for tasks...")

	// 6. Wait for shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...")

	time.Sleep(1 * time.Second)
	log.Info("Shutdown complete")
}

func envFloat(key string, fallback float64) float64 {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return fallback
}
