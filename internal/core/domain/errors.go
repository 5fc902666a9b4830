// Package domain provides the core entities of the compute network and the
// error taxonomy shared by services and adapters.
package domain

import "errors"

var (
	// ErrInvalidProfile is returned when a capability profile violates its
	// invariants (negative score, utilization outside [0,100], ...).
	ErrInvalidProfile = errors.New("invalid capability profile")

	// ErrInvalidRequirements is returned when a submitted task carries a
	// malformed requirement vector.
	ErrInvalidRequirements = errors.New("invalid task requirements")

	// ErrNoCapacity is attached to a task that found no eligible peer
	// within the configured queue wait window.
	ErrNoCapacity = errors.New("no eligible peer capacity")

	// ErrNotCancellable is returned when cancellation is requested for a
	// task already in a terminal state.
	ErrNotCancellable = errors.New("task is not cancellable")

	// ErrDispatchTimeout marks a peer that failed to acknowledge a dispatch.
	ErrDispatchTimeout = errors.New("peer did not acknowledge dispatch")

	// ErrTaskTimeout marks a running task whose peer went silent.
	ErrTaskTimeout = errors.New("no progress signal within task timeout")

	// ErrStorageFailure wraps persistence errors from the ledger or the
	// task repository.
	ErrStorageFailure = errors.New("storage failure")

	// ErrUnknownTask is returned for lookups of ids the engine never saw.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownPeer is returned for operations on unregistered peers.
	ErrUnknownPeer = errors.New("unknown peer")
)
