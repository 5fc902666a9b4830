package domain

import "time"

// ScoreEntry is the durable record of a peer's accumulated contribution
// points. Points only decrease through explicit penalties and never go
// below zero.
type ScoreEntry struct {
	PeerID         string    `json:"peer_id"`
	Points         float64   `json:"points"`
	TasksCompleted int64     `json:"tasks_completed"`
	TasksFailed    int64     `json:"tasks_failed"`
	UpdatedAt      time.Time `json:"updated_at"`
}
