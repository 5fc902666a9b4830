package domain

import "time"

// ReportKind classifies the messages a peer sends back about a dispatched task.
type ReportKind string

const (
	ReportAck       ReportKind = "ACK"
	ReportHeartbeat ReportKind = "HEARTBEAT"
	ReportCompleted ReportKind = "COMPLETED"
	ReportFailed    ReportKind = "FAILED"
)

// DispatchEnvelope is the message published to a peer when a task is
// assigned to it.
type DispatchEnvelope struct {
	DispatchID string    `json:"dispatch_id"`
	PeerID     string    `json:"peer_id"`
	Task       *Task     `json:"task"`
	IssuedAt   time.Time `json:"issued_at"`
}

// CancelSignal is the best-effort message telling a peer to stop working
// on a task. The engine does not wait for it to be honored.
type CancelSignal struct {
	PeerID string    `json:"peer_id"`
	TaskID string    `json:"task_id"`
	SentAt time.Time `json:"sent_at"`
}

// PeerReport is a lifecycle message from a peer about a task it was
// assigned: receipt acknowledgment, liveness heartbeat, or the outcome.
type PeerReport struct {
	Kind      ReportKind `json:"kind"`
	PeerID    string     `json:"peer_id"`
	TaskID    string     `json:"task_id"`
	ResultRef string     `json:"result_ref,omitempty"` // set on COMPLETED
	Error     string     `json:"error,omitempty"`      // set on FAILED
	SentAt    time.Time  `json:"sent_at"`
}
