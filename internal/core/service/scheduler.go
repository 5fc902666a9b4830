package service

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scheduler matches queued tasks to eligible peers and issues dispatches.
// The queue lock covers only selection and reservation; publishing the
// dispatch happens after the reservation is committed, outside the lock.
type Scheduler struct {
	registry *Registry
	tracker  *Tracker
	repo     port.TaskRepository
	dispatch port.DispatchQueue

	maxQueueWait time.Duration
	tickInterval time.Duration

	mu    sync.Mutex // guards queue, byID and seq
	queue taskQueue
	byID  map[string]*queuedTask
	seq   uint64

	wake  chan struct{}
	log   *zap.Logger
	clock func() time.Time
}

func NewScheduler(
	registry *Registry,
	tracker *Tracker,
	repo port.TaskRepository,
	dispatch port.DispatchQueue,
	engineCfg *config.Engine,
	log *zap.Logger,
) *Scheduler {
	s := &Scheduler{
		registry:     registry,
		tracker:      tracker,
		repo:         repo,
		dispatch:     dispatch,
		maxQueueWait: engineCfg.MaxQueueWait,
		tickInterval: engineCfg.TickInterval,
		byID:         make(map[string]*queuedTask),
		wake:         make(chan struct{}, 1),
		log:          log,
		clock:        time.Now,
	}
	tracker.SetRequeue(s.Requeue)
	return s
}

// Submit validates and enqueues a task. An empty eligible set is fine at
// submission time; tasks wait in the queue until capacity appears or the
// queue wait expires.
func (s *Scheduler) Submit(ctx context.Context, task *domain.Task) error {
	if !task.Requirements.Valid() {
		return fmt.Errorf("%w: negative minimum score", domain.ErrInvalidRequirements)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	now := s.clock()
	task.Status = domain.TaskStatusQueued
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.repo.Save(ctx, task); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	s.enqueue(task)
	s.kick()

	s.log.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.Float64("min_cpu", task.Requirements.MinCPUScore),
		zap.Bool("has_deadline", task.Deadline != nil))
	return nil
}

// Requeue puts a retried task back in the queue. The tracker already
// persisted the state flip, so only the in-memory queue changes.
func (s *Scheduler) Requeue(task *domain.Task) {
	s.enqueue(task)
	s.kick()
}

// Cancel transitions a QUEUED, DISPATCHED or RUNNING task to CANCELLED.
// Queued tasks cancel locally and immediately; in-flight ones additionally
// get a best-effort cancel signal sent to the peer.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	if item, ok := s.byID[taskID]; ok {
		s.queue.remove(item)
		delete(s.byID, taskID)
		s.mu.Unlock()

		task := item.task
		task.Status = domain.TaskStatusCancelled
		task.UpdatedAt = s.clock()
		if err := s.repo.Update(ctx, task); err != nil {
			s.log.Error("Failed to persist cancellation", zap.String("task_id", taskID), zap.Error(err))
		}
		s.log.Info("Cancelled queued task", zap.String("task_id", taskID))
		return nil
	}
	s.mu.Unlock()

	task, err := s.tracker.Cancel(ctx, taskID)
	if err == nil {
		sig := &domain.CancelSignal{PeerID: task.AssignedPeer, TaskID: task.ID, SentAt: s.clock()}
		if perr := s.dispatch.PublishCancel(ctx, sig); perr != nil {
			// Best effort only: the task is already CANCELLED locally.
			s.log.Warn("Cancel signal publish failed",
				zap.String("task_id", taskID),
				zap.Error(perr))
		}
		return nil
	}
	if !errors.Is(err, domain.ErrUnknownTask) {
		return err
	}

	// Not queued, not in flight: the stored record decides. A non-terminal
	// row (for example caught mid-dispatch, or left by a previous run) is
	// still the engine's to cancel.
	stored, rerr := s.repo.GetByID(ctx, taskID)
	if rerr != nil || stored == nil {
		return domain.ErrUnknownTask
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: task is %s", domain.ErrNotCancellable, stored.Status)
	}

	stored.Status = domain.TaskStatusCancelled
	stored.UpdatedAt = s.clock()
	if err := s.repo.Update(ctx, stored); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if stored.AssignedPeer != "" {
		sig := &domain.CancelSignal{PeerID: stored.AssignedPeer, TaskID: stored.ID, SentAt: s.clock()}
		if perr := s.dispatch.PublishCancel(ctx, sig); perr != nil {
			s.log.Warn("Cancel signal publish failed",
				zap.String("task_id", taskID),
				zap.Error(perr))
		}
	}
	s.log.Info("Cancelled stored task", zap.String("task_id", taskID))
	return nil
}

// Status returns the stored task record.
func (s *Scheduler) Status(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if task == nil {
		return nil, domain.ErrUnknownTask
	}
	return task, nil
}

// Run is the scheduling loop: a periodic tick plus reactive passes on
// registry events and submissions.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	passes := 0
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping scheduler loop")
			return
		case <-ticker.C:
			passes++
			if passes%12 == 0 {
				s.log.Info("Scheduler heartbeat",
					zap.Int("queued", s.QueueLen()),
					zap.Duration("interval", s.tickInterval))
			}
			s.adoptPersisted(ctx)
		case <-s.registry.Events():
		case <-s.wake:
		}

		if err := s.DispatchPending(ctx); err != nil {
			s.log.Error("Dispatch pass failed", zap.Error(err))
		}
	}
}

// QueueLen reports how many tasks are waiting.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// assignment is a selection committed under the queue lock, to be
// published after the lock is dropped.
type assignment struct {
	task   *domain.Task
	peerID string
}

// DispatchPending runs one scheduling pass: expire overdue waiters, then
// walk the queue in priority order reserving the best-fit peer for each
// placeable task. Reservation happens inside the critical section; the
// dispatch publish happens after it.
func (s *Scheduler) DispatchPending(ctx context.Context) error {
	now := s.clock()

	s.mu.Lock()

	var expired []*domain.Task
	var assigned []assignment
	var waiting []*queuedTask

	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*queuedTask)
		delete(s.byID, item.task.ID)

		if now.Sub(item.enqueuedAt) > s.maxQueueWait {
			expired = append(expired, item.task)
			continue
		}

		peerID := s.selectAndReserve(item.task.Requirements)
		if peerID == "" {
			waiting = append(waiting, item)
			continue
		}

		item.task.Status = domain.TaskStatusDispatched
		item.task.AssignedPeer = peerID
		item.task.UpdatedAt = now
		assigned = append(assigned, assignment{task: item.task, peerID: peerID})
	}

	for _, item := range waiting {
		heap.Push(&s.queue, item)
		s.byID[item.task.ID] = item
	}
	s.mu.Unlock()

	for _, task := range expired {
		s.tracker.FailQueued(ctx, task, domain.FailureNoCapacity)
	}

	for _, a := range assigned {
		s.publishDispatch(ctx, a)
	}
	return nil
}

// selectAndReserve picks the best-fit eligible peer and takes a slot on it
// atomically with respect to other passes. Returns "" when nothing fits.
func (s *Scheduler) selectAndReserve(req domain.Requirements) string {
	for _, peer := range s.registry.QueryEligible(req) {
		if err := s.registry.Reserve(peer.ID); err == nil {
			return peer.ID
		}
	}
	return ""
}

// publishDispatch persists the assignment and ships the envelope. The DB
// write comes first; a publish failure rolls the task back to the queue
// and releases the reservation.
func (s *Scheduler) publishDispatch(ctx context.Context, a assignment) {
	if err := s.repo.Update(ctx, a.task); err != nil {
		s.log.Error("Failed to persist dispatch", zap.String("task_id", a.task.ID), zap.Error(err))
		s.rollback(ctx, a)
		return
	}

	env := &domain.DispatchEnvelope{
		DispatchID: uuid.NewString(),
		PeerID:     a.peerID,
		Task:       a.task,
		IssuedAt:   s.clock(),
	}
	if err := s.dispatch.PublishDispatch(ctx, env); err != nil {
		s.log.Error("Failed to publish dispatch", zap.String("task_id", a.task.ID), zap.Error(err))
		s.rollback(ctx, a)
		return
	}

	s.tracker.TrackDispatch(a.task)

	s.log.Info("Dispatched task",
		zap.String("task_id", a.task.ID),
		zap.String("peer_id", a.peerID))
}

func (s *Scheduler) rollback(ctx context.Context, a assignment) {
	s.registry.Release(a.peerID)
	a.task.Status = domain.TaskStatusQueued
	a.task.AssignedPeer = ""
	if err := s.repo.Update(ctx, a.task); err != nil {
		s.log.Error("Failed to persist rollback", zap.String("task_id", a.task.ID), zap.Error(err))
	}
	s.enqueue(a.task)
}

// adoptPersisted picks up QUEUED tasks that reached the database without
// passing through Submit: rows inserted by external tools, or tasks left
// over from a previous engine run. Tasks the previous run left DISPATCHED
// or RUNNING are swept back through the tracker first, so a restart never
// strands them.
func (s *Scheduler) adoptPersisted(ctx context.Context) {
	s.tracker.RecoverAbandoned(ctx)

	stored, err := s.repo.ListByStatus(ctx, domain.TaskStatusQueued)
	if err != nil {
		s.log.Error("Failed to list queued tasks", zap.Error(err))
		return
	}

	adopted := 0
	for _, task := range stored {
		// Rows younger than a tick may still be mid-dispatch in memory.
		if s.clock().Sub(task.UpdatedAt) < s.tickInterval {
			continue
		}
		s.mu.Lock()
		_, known := s.byID[task.ID]
		s.mu.Unlock()
		if known || s.tracker.Inflight(task.ID) {
			continue
		}
		s.enqueue(task)
		adopted++
	}
	if adopted > 0 {
		s.log.Info("Adopted persisted tasks", zap.Int("count", adopted))
	}
}

func (s *Scheduler) enqueue(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	item := &queuedTask{task: task, enqueuedAt: s.clock(), seq: s.seq}
	heap.Push(&s.queue, item)
	s.byID[task.ID] = item
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
