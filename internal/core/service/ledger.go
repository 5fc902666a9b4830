package service

import (
	"context"
	"fmt"
	"time"

	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// Ledger converts task outcomes into durable contribution points. Writes
// go to the store before the call returns; the in-memory reputation cache
// in the registry is refreshed only from what the store accepted, so the
// two never diverge for long.
type Ledger struct {
	store    port.ScoreStore
	scoring  config.Scoring
	onUpdate func(entry *domain.ScoreEntry)
	log      *zap.Logger
}

func NewLedger(store port.ScoreStore, engineCfg *config.Engine, log *zap.Logger) *Ledger {
	return &Ledger{
		store:   store,
		scoring: engineCfg.Scoring,
		log:     log,
	}
}

// OnUpdate registers a hook invoked after every durable score change.
// The registry subscribes here to keep its reputation signal current.
func (l *Ledger) OnUpdate(fn func(entry *domain.ScoreEntry)) {
	l.onUpdate = fn
}

// CreditForTask awards points for a completed task. Harder tasks (higher
// declared requirements) are worth more, and finishing in under half the
// estimate earns the speed bonus multiplier.
func (l *Ledger) CreditForTask(ctx context.Context, peerID string, task *domain.Task, elapsed time.Duration) (float64, error) {
	amount := l.creditAmount(task, elapsed)
	if err := l.apply(ctx, peerID, amount, true); err != nil {
		return 0, err
	}
	l.log.Info("Credited peer for completed task",
		zap.String("peer_id", peerID),
		zap.String("task_id", task.ID),
		zap.Float64("points", amount))
	return amount, nil
}

// Penalize subtracts points for a peer-attributable failure. The store
// floors the result at zero.
func (l *Ledger) Penalize(ctx context.Context, peerID string) error {
	if err := l.apply(ctx, peerID, -l.scoring.FailurePenalty, false); err != nil {
		return err
	}
	l.log.Info("Penalized peer",
		zap.String("peer_id", peerID),
		zap.Float64("points", l.scoring.FailurePenalty))
	return nil
}

// GetScore returns the durable snapshot for one peer. Unknown peers read
// as a zero entry rather than an error, matching how ranking consumes it.
func (l *Ledger) GetScore(ctx context.Context, peerID string) (*domain.ScoreEntry, error) {
	entry, err := l.store.Get(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if entry == nil {
		entry = &domain.ScoreEntry{PeerID: peerID}
	}
	return entry, nil
}

// apply writes the delta through with bounded backoff retries. Persistent
// failure surfaces as ErrStorageFailure, never a silent drop.
func (l *Ledger) apply(ctx context.Context, peerID string, delta float64, completed bool) error {
	backoff := l.scoring.WriteBackoff
	var lastErr error

	for attempt := 0; attempt <= l.scoring.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		entry, err := l.store.Apply(ctx, peerID, delta, completed)
		if err == nil {
			if l.onUpdate != nil {
				l.onUpdate(entry)
			}
			return nil
		}
		lastErr = err
		l.log.Warn("Score write failed, retrying",
			zap.String("peer_id", peerID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	l.log.Error("Score write failed permanently",
		zap.String("peer_id", peerID),
		zap.Float64("delta", delta),
		zap.Error(lastErr))
	return fmt.Errorf("%w: %v", domain.ErrStorageFailure, lastErr)
}

func (l *Ledger) creditAmount(task *domain.Task, elapsed time.Duration) float64 {
	req := task.Requirements
	divisor := l.scoring.CreditDivisor
	if divisor <= 0 {
		divisor = 1
	}
	amount := (req.MinCPUScore + req.MinGPUScore + req.MinMemoryScore) / divisor
	if amount <= 0 {
		amount = 1 // even trivial tasks earn something
	}
	if req.EstimatedSeconds > 0 && elapsed.Seconds() < req.EstimatedSeconds/2 {
		amount *= l.scoring.SpeedBonus
	}
	return amount
}
