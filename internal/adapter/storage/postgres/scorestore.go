package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type scoreStore struct {
	db  *pgxpool.Pool
	qb  squirrel.StatementBuilderType
	log *zap.Logger
}

// NewScoreStore creates the durable contribution-point store. Concurrent
// updates to the same peer serialize on the row inside Postgres, so no
// credit is ever lost and the zero floor is enforced in one statement.
func NewScoreStore(db *pgxpool.Pool, log *zap.Logger) port.ScoreStore {
	return &scoreStore{
		db:  db,
		qb:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log: log,
	}
}

func (s *scoreStore) Apply(ctx context.Context, peerID string, delta float64, completed bool) (*domain.ScoreEntry, error) {
	completedInc := 0
	failedInc := 0
	if completed {
		completedInc = 1
	} else {
		failedInc = 1
	}

	query := `
		INSERT INTO peer_scores (peer_id, points, tasks_completed, tasks_failed, updated_at)
		VALUES ($1, GREATEST(0, $2::double precision), $3, $4, $5)
		ON CONFLICT (peer_id) DO UPDATE SET
			points = GREATEST(0, peer_scores.points + $2),
			tasks_completed = peer_scores.tasks_completed + $3,
			tasks_failed = peer_scores.tasks_failed + $4,
			updated_at = $5
		RETURNING peer_id, points, tasks_completed, tasks_failed, updated_at
	`
	entry, err := scanScore(s.db.QueryRow(ctx, query, peerID, delta, completedInc, failedInc, time.Now()))
	if err != nil {
		s.log.Error("Failed to apply score delta",
			zap.String("peer_id", peerID),
			zap.Float64("delta", delta),
			zap.Error(err))
		return nil, err
	}
	return entry, nil
}

func (s *scoreStore) Get(ctx context.Context, peerID string) (*domain.ScoreEntry, error) {
	query, args, err := s.qb.
		Select("peer_id", "points", "tasks_completed", "tasks_failed", "updated_at").
		From("peer_scores").
		Where(squirrel.Eq{"peer_id": peerID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	entry, err := scanScore(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func (s *scoreStore) List(ctx context.Context) ([]*domain.ScoreEntry, error) {
	query, args, err := s.qb.
		Select("peer_id", "points", "tasks_completed", "tasks_failed", "updated_at").
		From("peer_scores").
		OrderBy("points DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.ScoreEntry
	for rows.Next() {
		entry, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanScore(row pgx.Row) (*domain.ScoreEntry, error) {
	var e domain.ScoreEntry
	if err := row.Scan(&e.PeerID, &e.Points, &e.TasksCompleted, &e.TasksFailed, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
