package service

import (
	"context"
	"sync"
	"time"

	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// inflightTask is the tracker's view of a task that has left the queue:
// the task itself plus whichever timeout is currently armed (ack timeout
// while DISPATCHED, heartbeat timeout while RUNNING).
type inflightTask struct {
	task         *domain.Task
	dispatchedAt time.Time
	startedAt    time.Time
	timer        *time.Timer
	penalized    bool
}

// Tracker drives the task lifecycle from dispatch to a terminal state.
// It owns no peers and no queue; it holds task ids and peer ids, looks the
// rest up, and releases the registry's reservations on every exit path.
type Tracker struct {
	mu       sync.Mutex
	inflight map[string]*inflightTask

	registry *Registry
	repo     port.TaskRepository
	ledger   *Ledger
	results  port.ResultCache
	requeue  func(task *domain.Task)

	ackTimeout  time.Duration
	taskTimeout time.Duration
	maxRetries  int
	strikeLimit int

	log *zap.Logger
}

func NewTracker(registry *Registry, repo port.TaskRepository, ledger *Ledger, engineCfg *config.Engine, log *zap.Logger) *Tracker {
	return &Tracker{
		inflight:    make(map[string]*inflightTask),
		registry:    registry,
		repo:        repo,
		ledger:      ledger,
		ackTimeout:  engineCfg.AckTimeout,
		taskTimeout: engineCfg.TaskTimeout,
		maxRetries:  engineCfg.MaxRetries,
		strikeLimit: engineCfg.Scoring.StrikeLimit,
		log:         log,
	}
}

// SetRequeue wires the scheduler hook used for automatic retries.
func (t *Tracker) SetRequeue(fn func(task *domain.Task)) {
	t.requeue = fn
}

// SetResultCache wires the optional expiring result-ref cache.
func (t *Tracker) SetResultCache(cache port.ResultCache) {
	t.results = cache
}

// TrackDispatch registers a freshly dispatched task and arms the ack
// timeout. The scheduler calls this after the reservation is committed
// and the envelope published.
func (t *Tracker) TrackDispatch(task *domain.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in := &inflightTask{task: task, dispatchedAt: time.Now()}
	in.timer = time.AfterFunc(t.ackTimeout, func() { t.onAckTimeout(task.ID) })
	t.inflight[task.ID] = in
}

// HandleReport consumes a lifecycle message from a peer. Reports for
// unknown or already-terminal tasks are discarded idempotently; a late
// COMPLETED for a cancelled task neither changes state nor credits points.
func (t *Tracker) HandleReport(ctx context.Context, report *domain.PeerReport) error {
	t.mu.Lock()
	in, ok := t.inflight[report.TaskID]
	if !ok || in.task.AssignedPeer != report.PeerID {
		t.mu.Unlock()
		t.log.Debug("Discarding report for unknown or reassigned task",
			zap.String("task_id", report.TaskID),
			zap.String("peer_id", report.PeerID),
			zap.String("kind", string(report.Kind)))
		return nil
	}

	switch report.Kind {
	case domain.ReportAck:
		t.handleAckLocked(ctx, in)
		t.mu.Unlock()
		t.registry.ClearStrikes(report.PeerID)
		return nil

	case domain.ReportHeartbeat:
		if in.task.Status == domain.TaskStatusRunning {
			in.timer.Reset(t.taskTimeout)
		}
		t.mu.Unlock()
		return nil

	case domain.ReportCompleted:
		task, elapsed := t.completeLocked(ctx, in, report.ResultRef)
		t.mu.Unlock()
		t.registry.Release(task.AssignedPeer)
		t.registry.NoteCompletion(task.AssignedPeer)
		if t.results != nil {
			if cerr := t.results.PutResult(ctx, task.ID, report.ResultRef); cerr != nil {
				t.log.Warn("Result cache write failed", zap.String("task_id", task.ID), zap.Error(cerr))
			}
		}
		if _, err := t.ledger.CreditForTask(ctx, task.AssignedPeer, task, elapsed); err != nil {
			t.log.Error("Credit failed after completion", zap.String("task_id", task.ID), zap.Error(err))
		}
		return nil

	case domain.ReportFailed:
		t.log.Warn("Peer reported task failure",
			zap.String("task_id", report.TaskID),
			zap.String("peer_id", report.PeerID),
			zap.String("error", report.Error))
		penalize := t.failLocked(ctx, in, domain.FailurePeerError, true)
		t.mu.Unlock()
		if penalize != "" {
			t.penalize(ctx, penalize)
		}
		return nil

	default:
		t.mu.Unlock()
		t.log.Warn("Unknown report kind", zap.String("kind", string(report.Kind)))
		return nil
	}
}

// Cancel transitions a DISPATCHED or RUNNING task to CANCELLED locally and
// returns it so the scheduler can send the best-effort cancel signal.
// Queued tasks never reach the tracker; the scheduler cancels those itself.
func (t *Tracker) Cancel(ctx context.Context, taskID string) (*domain.Task, error) {
	t.mu.Lock()
	in, ok := t.inflight[taskID]
	if !ok {
		t.mu.Unlock()
		return nil, domain.ErrUnknownTask
	}

	in.timer.Stop()
	delete(t.inflight, taskID)
	task := in.task
	task.Status = domain.TaskStatusCancelled
	task.UpdatedAt = time.Now()
	t.mu.Unlock()

	t.registry.Release(task.AssignedPeer)
	t.persist(ctx, task)

	t.log.Info("Task cancelled",
		zap.String("task_id", task.ID),
		zap.String("peer_id", task.AssignedPeer))
	return task, nil
}

// Inflight reports whether a task is currently tracked.
func (t *Tracker) Inflight(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[taskID]
	return ok
}

// FailQueued marks a task that never left the queue as terminally failed.
// Used by the scheduler for NO_CAPACITY expiry; there is no reservation to
// release.
func (t *Tracker) FailQueued(ctx context.Context, task *domain.Task, kind domain.FailureKind) {
	task.Status = domain.TaskStatusFailed
	task.FailureKind = kind
	task.UpdatedAt = time.Now()
	t.persist(ctx, task)

	t.log.Warn("Task failed without dispatch",
		zap.String("task_id", task.ID),
		zap.String("kind", string(kind)))
}

// RecoverAbandoned sweeps tasks a previous engine run left DISPATCHED or
// RUNNING. Rows older than the relevant timeout that nothing in this run
// tracks get the same treatment a live timeout would: requeue with a
// retry increment, or terminal failure once retries are spent. No
// reservation exists to release after a restart.
func (t *Tracker) RecoverAbandoned(ctx context.Context) {
	now := time.Now()

	sweeps := []struct {
		status  domain.TaskStatus
		timeout time.Duration
		kind    domain.FailureKind
	}{
		{domain.TaskStatusDispatched, t.ackTimeout, domain.FailureDispatchTimeout},
		{domain.TaskStatusRunning, t.taskTimeout, domain.FailureTaskTimeout},
	}

	for _, sweep := range sweeps {
		stored, err := t.repo.ListByStatus(ctx, sweep.status)
		if err != nil {
			t.log.Error("Failed to list abandoned tasks",
				zap.String("status", string(sweep.status)),
				zap.Error(err))
			continue
		}
		for _, task := range stored {
			if now.Sub(task.UpdatedAt) < sweep.timeout {
				continue
			}
			if t.Inflight(task.ID) {
				continue
			}
			t.recoverTask(ctx, task, sweep.kind)
		}
	}
}

func (t *Tracker) recoverTask(ctx context.Context, task *domain.Task, kind domain.FailureKind) {
	if task.RetryCount < t.maxRetries {
		task.RetryCount++
		task.Status = domain.TaskStatusQueued
		task.AssignedPeer = ""
		task.FailureKind = kind
		task.UpdatedAt = time.Now()
		t.persist(ctx, task)

		t.log.Info("Recovered abandoned task",
			zap.String("task_id", task.ID),
			zap.Int("retry", task.RetryCount),
			zap.String("kind", string(kind)))
		if t.requeue != nil {
			t.requeue(task)
		}
		return
	}

	task.Status = domain.TaskStatusFailed
	task.FailureKind = kind
	task.UpdatedAt = time.Now()
	t.persist(ctx, task)

	t.log.Warn("Abandoned task failed terminally",
		zap.String("task_id", task.ID),
		zap.Int("retries", task.RetryCount),
		zap.String("kind", string(kind)))
}

// handleAckLocked moves DISPATCHED -> RUNNING and re-arms the timer as the
// heartbeat watchdog. Caller holds t.mu.
func (t *Tracker) handleAckLocked(ctx context.Context, in *inflightTask) {
	if in.task.Status != domain.TaskStatusDispatched {
		return
	}
	in.task.Status = domain.TaskStatusRunning
	in.task.UpdatedAt = time.Now()
	in.startedAt = in.task.UpdatedAt
	in.timer.Stop()
	taskID := in.task.ID
	in.timer = time.AfterFunc(t.taskTimeout, func() { t.onTaskTimeout(taskID) })
	t.persist(ctx, in.task)

	t.log.Info("Peer acknowledged task",
		zap.String("task_id", in.task.ID),
		zap.String("peer_id", in.task.AssignedPeer))
}

// completeLocked moves RUNNING (or DISPATCHED, when the ack raced the
// result) -> COMPLETED. Caller holds t.mu; registry and ledger side
// effects happen outside the lock.
func (t *Tracker) completeLocked(ctx context.Context, in *inflightTask, resultRef string) (*domain.Task, time.Duration) {
	in.timer.Stop()
	delete(t.inflight, in.task.ID)

	now := time.Now()
	task := in.task
	task.Status = domain.TaskStatusCompleted
	task.PayloadRef = resultRef
	task.UpdatedAt = now
	task.CompletedAt = &now
	t.persist(ctx, task)

	started := in.startedAt
	if started.IsZero() {
		started = in.dispatchedAt
	}

	t.log.Info("Task completed",
		zap.String("task_id", task.ID),
		zap.String("peer_id", task.AssignedPeer),
		zap.Duration("elapsed", now.Sub(started)))
	return task, now.Sub(started)
}

// failLocked handles any failure of an in-flight task: release the
// reservation, then either requeue (retries remain) or finalize. Caller
// holds t.mu. The returned peer id is non-empty when the failure is
// attributable and not yet penalized; the ledger write is slow (backoff
// retries) and must happen after the caller drops the lock.
func (t *Tracker) failLocked(ctx context.Context, in *inflightTask, kind domain.FailureKind, attributable bool) (penalizePeer string) {
	in.timer.Stop()
	delete(t.inflight, in.task.ID)
	task := in.task
	peerID := task.AssignedPeer

	t.registry.Release(peerID)

	if attributable && !in.penalized {
		in.penalized = true
		penalizePeer = peerID
	}

	if task.RetryCount < t.maxRetries {
		task.RetryCount++
		task.Status = domain.TaskStatusQueued
		task.AssignedPeer = ""
		task.FailureKind = kind
		task.UpdatedAt = time.Now()
		t.persist(ctx, task)

		t.log.Info("Requeueing failed task",
			zap.String("task_id", task.ID),
			zap.Int("retry", task.RetryCount),
			zap.String("kind", string(kind)))
		if t.requeue != nil {
			t.requeue(task)
		}
		return
	}

	task.Status = domain.TaskStatusFailed
	task.FailureKind = kind
	task.UpdatedAt = time.Now()
	t.persist(ctx, task)

	t.log.Warn("Task failed terminally",
		zap.String("task_id", task.ID),
		zap.String("peer_id", peerID),
		zap.String("kind", string(kind)),
		zap.Int("retries", task.RetryCount))
	return
}

// onAckTimeout fires when a peer never acknowledged a dispatch. The task
// goes back to the queue with a retry increment; the peer collects a
// strike, and repeated strikes cost it reputation and mark it unreachable.
func (t *Tracker) onAckTimeout(taskID string) {
	ctx := context.Background()

	t.mu.Lock()
	in, ok := t.inflight[taskID]
	if !ok || in.task.Status != domain.TaskStatusDispatched {
		t.mu.Unlock()
		return
	}
	peerID := in.task.AssignedPeer
	t.failLocked(ctx, in, domain.FailureDispatchTimeout, false)
	t.mu.Unlock()

	strikes := t.registry.AddStrike(peerID)
	t.log.Warn("Dispatch ack timeout",
		zap.String("task_id", taskID),
		zap.String("peer_id", peerID),
		zap.Int("strikes", strikes))

	if strikes >= t.strikeLimit {
		t.registry.MarkUnreachable(peerID)
		t.registry.ClearStrikes(peerID)
		t.penalize(ctx, peerID)
	}
}

// onTaskTimeout fires when a running peer went silent past the heartbeat
// window.
func (t *Tracker) onTaskTimeout(taskID string) {
	ctx := context.Background()

	t.mu.Lock()
	in, ok := t.inflight[taskID]
	if !ok || in.task.Status != domain.TaskStatusRunning {
		t.mu.Unlock()
		return
	}
	t.log.Warn("Task heartbeat timeout",
		zap.String("task_id", taskID),
		zap.String("peer_id", in.task.AssignedPeer))
	penalize := t.failLocked(ctx, in, domain.FailureTaskTimeout, true)
	t.mu.Unlock()

	if penalize != "" {
		t.penalize(ctx, penalize)
	}
}

// penalize writes the failure penalty through the ledger. Slow by design
// (durable write with retries), so it must never run under t.mu.
func (t *Tracker) penalize(ctx context.Context, peerID string) {
	if err := t.ledger.Penalize(ctx, peerID); err != nil {
		t.log.Error("Penalty write failed", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (t *Tracker) persist(ctx context.Context, task *domain.Task) {
	if err := t.repo.Update(ctx, task); err != nil {
		t.log.Error("Failed to persist task state",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
			zap.Error(err))
	}
}
