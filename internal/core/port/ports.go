// Package port provides behavior interfaces that connect the core services
// to their storage, transport and monitoring collaborators.
package port

import (
	"context"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
)

// TaskRepository defines how tasks are persisted
type TaskRepository interface {
	Save(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
}

// ScoreStore defines how contribution points are durably recorded.
// Apply must serialize concurrent updates to the same peer and floor the
// resulting points at zero.
type ScoreStore interface {
	Apply(ctx context.Context, peerID string, delta float64, completed bool) (*domain.ScoreEntry, error)
	Get(ctx context.Context, peerID string) (*domain.ScoreEntry, error)
	List(ctx context.Context) ([]*domain.ScoreEntry, error)
}

// PeerPresence defines how peer liveness and advertised profiles are
// shared across the network (Redis). Entries expire with the given TTL;
// expiry is how staleness is observed.
type PeerPresence interface {
	Announce(ctx context.Context, profile *domain.CapabilityProfile) error
	Snapshot(ctx context.Context) ([]*domain.CapabilityProfile, error)
}

// DispatchQueue defines the engine side of the task transport: publishing
// assignments and cancellations, consuming peer reports.
type DispatchQueue interface {
	PublishDispatch(ctx context.Context, env *domain.DispatchEnvelope) error
	PublishCancel(ctx context.Context, sig *domain.CancelSignal) error
	ConsumeReports(ctx context.Context, handler func(report *domain.PeerReport) error) error
}

// WorkerQueue defines the peer side of the task transport.
type WorkerQueue interface {
	ConsumeDispatches(ctx context.Context, peerID string, handler func(env *domain.DispatchEnvelope) error) error
	PublishReport(ctx context.Context, report *domain.PeerReport) error
	OnCancel(fn func(sig *domain.CancelSignal))
}

// ResultCache offers fast lookup of completed task results without a
// round trip to the task store. Entries expire; the task store stays the
// durable record.
type ResultCache interface {
	PutResult(ctx context.Context, taskID, resultRef string) error
	GetResult(ctx context.Context, taskID string) (string, error)
}

// UtilizationProbe defines how we fetch live usage metrics (Prometheus)
type UtilizationProbe interface {
	GetPeerUtilization(ctx context.Context, peerID string) (cpu, mem float64, err error)
	GetAllUtilization(ctx context.Context) (map[string]domain.Utilization, error)
}
