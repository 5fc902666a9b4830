package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type taskRepository struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

// NewTaskRepository creates a new postgres repository
func NewTaskRepository(db *pgxpool.Pool, log *zap.Logger) port.TaskRepository {
	return &taskRepository{
		db:  db,
		log: log,
	}
}

func (r *taskRepository) Save(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (id, name, payload_ref, status, assigned_peer, retry_count,
			min_cpu_score, min_gpu_score, min_memory_score, estimated_seconds,
			deadline, failure_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Exec(ctx, query,
		task.ID, task.Name, task.PayloadRef, task.Status, task.AssignedPeer, task.RetryCount,
		task.Requirements.MinCPUScore, task.Requirements.MinGPUScore,
		task.Requirements.MinMemoryScore, task.Requirements.EstimatedSeconds,
		task.Deadline, task.FailureKind, task.CreatedAt, task.UpdatedAt)

	if err != nil {
		r.log.Error("Failed to save task", zap.Error(err))
		return err
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query := `
		SELECT id, name, payload_ref, status, assigned_peer, retry_count,
			min_cpu_score, min_gpu_score, min_memory_score, estimated_seconds,
			deadline, failure_kind, created_at, updated_at, completed_at
		FROM tasks WHERE id = $1
	`
	task, err := scanTask(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (r *taskRepository) Update(ctx context.Context, task *domain.Task) error {
	query := `
		UPDATE tasks SET status = $1, assigned_peer = $2, retry_count = $3,
			payload_ref = $4, failure_kind = $5, updated_at = $6, completed_at = $7
		WHERE id = $8
	`
	_, err := r.db.Exec(ctx, query,
		task.Status, task.AssignedPeer, task.RetryCount,
		task.PayloadRef, task.FailureKind, time.Now(), task.CompletedAt, task.ID)
	return err
}

func (r *taskRepository) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	query := `
		SELECT id, name, payload_ref, status, assigned_peer, retry_count,
			min_cpu_score, min_gpu_score, min_memory_score, estimated_seconds,
			deadline, failure_kind, created_at, updated_at, completed_at
		FROM tasks WHERE status = $1
		ORDER BY deadline NULLS LAST, created_at
	`
	rows, err := r.db.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	if err := row.Scan(
		&t.ID, &t.Name, &t.PayloadRef, &t.Status, &t.AssignedPeer, &t.RetryCount,
		&t.Requirements.MinCPUScore, &t.Requirements.MinGPUScore,
		&t.Requirements.MinMemoryScore, &t.Requirements.EstimatedSeconds,
		&t.Deadline, &t.FailureKind, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
