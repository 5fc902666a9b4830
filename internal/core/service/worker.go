package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// ResourceMode throttles how much of its measured capacity a peer offers
// to the network.
type ResourceMode string

const (
	ResourceModeLight  ResourceMode = "light"
	ResourceModeMedium ResourceMode = "medium"
	ResourceModeHigh   ResourceMode = "high"
)

// shareFraction returns the fraction of measured capacity the mode offers.
func (m ResourceMode) shareFraction() float64 {
	switch m {
	case ResourceModeLight:
		return 0.25
	case ResourceModeHigh:
		return 0.75
	default:
		return 0.5
	}
}

// WorkerService is the peer side of the network: it announces its
// capability profile, consumes dispatches, simulates the execution
// (real deployments plug their own runner in) and reports the lifecycle
// back to the engine.
type WorkerService struct {
	peerID    string
	baseline  domain.CapabilityProfile // benchmark results at full capacity
	mode      ResourceMode
	presence  port.PeerPresence
	queue     port.WorkerQueue
	announce  time.Duration
	heartbeat time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc

	log *zap.Logger
}

func NewWorkerService(
	peerID string,
	baseline domain.CapabilityProfile,
	mode ResourceMode,
	presence port.PeerPresence,
	queue port.WorkerQueue,
	announceInterval time.Duration,
	heartbeatInterval time.Duration,
	log *zap.Logger,
) *WorkerService {
	return &WorkerService{
		peerID:    peerID,
		baseline:  baseline,
		mode:      mode,
		presence:  presence,
		queue:     queue,
		announce:  announceInterval,
		heartbeat: heartbeatInterval,
		running:   make(map[string]context.CancelFunc),
		log:       log,
	}
}

// StartWorker begins announcing presence and consuming dispatches.
func (w *WorkerService) StartWorker(ctx context.Context) error {
	w.log.Info("Starting worker peer",
		zap.String("peer_id", w.peerID),
		zap.String("mode", string(w.mode)))

	go w.announceLoop(ctx)

	w.queue.OnCancel(func(sig *domain.CancelSignal) { w.handleCancel(sig) })

	if err := w.queue.ConsumeDispatches(ctx, w.peerID, func(env *domain.DispatchEnvelope) error {
		return w.processDispatch(ctx, env)
	}); err != nil {
		return fmt.Errorf("failed to start dispatch consumer: %w", err)
	}
	return nil
}

// announceLoop keeps the presence entry alive. The advertised profile is
// the measured baseline scaled down by the resource mode, so a peer in
// light mode looks like a quarter of its real self.
func (w *WorkerService) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.announce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			profile := w.offeredProfile()
			if err := w.presence.Announce(ctx, profile); err != nil {
				w.log.Error("Presence announce failed", zap.Error(err))
			} else {
				w.log.Debug("Presence announced",
					zap.Float64("cpu_score", profile.CPUScore),
					zap.Int("max_concurrent", profile.MaxConcurrent))
			}
		}
	}
}

func (w *WorkerService) offeredProfile() *domain.CapabilityProfile {
	share := w.mode.shareFraction()
	offered := w.baseline
	offered.PeerID = w.peerID
	offered.CPUScore *= share
	offered.GPUScore *= share
	offered.MemoryScore *= share
	offered.DriveScore *= share
	offered.MaxConcurrent = int(float64(w.baseline.MaxConcurrent) * share)
	if offered.MaxConcurrent < 1 {
		offered.MaxConcurrent = 1
	}
	offered.MeasuredAt = time.Now()
	return &offered
}

// processDispatch acks the assignment, then executes it in the background
// with periodic heartbeats until completion or cancellation.
func (w *WorkerService) processDispatch(ctx context.Context, env *domain.DispatchEnvelope) error {
	task := env.Task
	w.log.Info("Processing task", zap.String("task_id", task.ID))

	if err := w.report(ctx, domain.ReportAck, task.ID, "", ""); err != nil {
		w.log.Error("Failed to ack dispatch", zap.Error(err))
		return err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running[task.ID] = cancel
	w.mu.Unlock()

	go w.execute(taskCtx, task)
	return nil
}

// execute simulates the work. The sleep stands in for the real compute
// kernel; heartbeats flow for as long as it runs.
func (w *WorkerService) execute(ctx context.Context, task *domain.Task) {
	defer func() {
		w.mu.Lock()
		delete(w.running, task.ID)
		w.mu.Unlock()
	}()

	duration := 5 * time.Second
	if task.Requirements.EstimatedSeconds > 0 {
		duration = time.Duration(task.Requirements.EstimatedSeconds * float64(time.Second))
	}
	done := time.After(duration)

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Cancelled: stop silently, the engine already moved on.
			w.log.Info("Task execution cancelled", zap.String("task_id", task.ID))
			return

		case <-ticker.C:
			if err := w.report(ctx, domain.ReportHeartbeat, task.ID, "", ""); err != nil {
				w.log.Warn("Heartbeat publish failed", zap.Error(err))
			}

		case <-done:
			resultRef := fmt.Sprintf("result/%s/%s", w.peerID, task.ID)
			if err := w.report(ctx, domain.ReportCompleted, task.ID, resultRef, ""); err != nil {
				w.log.Error("Completion report failed", zap.String("task_id", task.ID), zap.Error(err))
				return
			}
			w.log.Info("Task completed", zap.String("task_id", task.ID))
			return
		}
	}
}

func (w *WorkerService) handleCancel(sig *domain.CancelSignal) {
	w.mu.Lock()
	cancel, ok := w.running[sig.TaskID]
	w.mu.Unlock()
	if ok {
		w.log.Info("Received cancel signal", zap.String("task_id", sig.TaskID))
		cancel()
	}
}

func (w *WorkerService) report(ctx context.Context, kind domain.ReportKind, taskID, resultRef, errMsg string) error {
	return w.queue.PublishReport(ctx, &domain.PeerReport{
		Kind:      kind,
		PeerID:    w.peerID,
		TaskID:    taskID,
		ResultRef: resultRef,
		Error:     errMsg,
		SentAt:    time.Now(),
	})
}
