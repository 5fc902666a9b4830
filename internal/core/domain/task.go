package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusDispatched TaskStatus = "DISPATCHED"
	TaskStatusRunning    TaskStatus = "RUNNING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// FailureKind records why a task ended up FAILED.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureNoCapacity      FailureKind = "NO_CAPACITY"
	FailureDispatchTimeout FailureKind = "DISPATCH_TIMEOUT"
	FailureTaskTimeout     FailureKind = "TASK_TIMEOUT"
	FailurePeerError       FailureKind = "PEER_ERROR"
)

// Requirements are the minimum capability scores a peer must advertise
// before a task may be dispatched to it.
type Requirements struct {
	MinCPUScore      float64 `json:"min_cpu_score"`
	MinGPUScore      float64 `json:"min_gpu_score"`
	MinMemoryScore   float64 `json:"min_memory_score"`
	EstimatedSeconds float64 `json:"estimated_seconds,omitempty"` // used for the speed bonus
}

// Valid reports whether the requirement vector is well formed.
func (r Requirements) Valid() bool {
	return r.MinCPUScore >= 0 && r.MinGPUScore >= 0 && r.MinMemoryScore >= 0 && r.EstimatedSeconds >= 0
}

// Task represents a unit of work to be distributed to a peer
type Task struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	PayloadRef   string       `json:"payload_ref"` // opaque reference, owned by the submitter
	Requirements Requirements `json:"requirements"`
	Status       TaskStatus   `json:"status"`
	AssignedPeer string       `json:"assigned_peer,omitempty"`
	RetryCount   int          `json:"retry_count"`
	Deadline     *time.Time   `json:"deadline,omitempty"`
	FailureKind  FailureKind  `json:"failure_kind,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// Terminal reports whether no further transition may occur from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransition is the task state machine legality table.
// FAILED -> QUEUED covers automatic retry (the tracker enforces the retry
// bound); every non-terminal state may reach CANCELLED.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusDispatched || next == TaskStatusCancelled || next == TaskStatusFailed
	case TaskStatusDispatched:
		return next == TaskStatusRunning || next == TaskStatusQueued || next == TaskStatusCancelled || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusFailed:
		return next == TaskStatusQueued
	default:
		return false
	}
}
