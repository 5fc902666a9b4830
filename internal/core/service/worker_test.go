package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newWorkerFixture(t *testing.T, mode service.ResourceMode) (*fakePresence, *fakeWorkerQueue, context.CancelFunc) {
	t.Helper()
	presence := newFakePresence()
	queue := &fakeWorkerQueue{}

	baseline := domain.CapabilityProfile{
		PeerID:        "peer-1",
		CPUScore:      80,
		GPUScore:      40,
		MemoryScore:   60,
		DriveScore:    20,
		MaxConcurrent: 8,
	}
	worker := service.NewWorkerService("peer-1", baseline, mode,
		presence, queue, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, worker.StartWorker(ctx))
	t.Cleanup(cancel)
	return presence, queue, cancel
}

func TestWorker_AnnouncesScaledProfile(t *testing.T) {
	presence, _, _ := newWorkerFixture(t, service.ResourceModeLight)

	ok := waitFor(time.Second, func() bool {
		return presence.latest("peer-1") != nil
	})
	require.True(t, ok, "worker should announce presence")

	// Light mode offers a quarter of the measured baseline.
	offered := presence.latest("peer-1")
	assert.Equal(t, float64(20), offered.CPUScore)
	assert.Equal(t, float64(10), offered.GPUScore)
	assert.Equal(t, float64(15), offered.MemoryScore)
	assert.Equal(t, 2, offered.MaxConcurrent)
	assert.WithinDuration(t, time.Now(), offered.MeasuredAt, time.Second)
}

func TestWorker_HighPerformanceModeOffersMore(t *testing.T) {
	presence, _, _ := newWorkerFixture(t, service.ResourceModeHigh)

	ok := waitFor(time.Second, func() bool {
		return presence.latest("peer-1") != nil
	})
	require.True(t, ok)

	offered := presence.latest("peer-1")
	assert.Equal(t, float64(60), offered.CPUScore)
	assert.Equal(t, 6, offered.MaxConcurrent)
}

func TestWorker_DispatchAckThenCompletion(t *testing.T) {
	_, queue, _ := newWorkerFixture(t, service.ResourceModeMedium)

	env := &domain.DispatchEnvelope{
		DispatchID: "d-1",
		PeerID:     "peer-1",
		Task: &domain.Task{
			ID:           "task-1",
			Requirements: domain.Requirements{EstimatedSeconds: 0.05},
		},
		IssuedAt: time.Now(),
	}
	require.NoError(t, queue.deliver(env))

	ok := waitFor(time.Second, func() bool {
		for _, r := range queue.reported() {
			if r.Kind == domain.ReportCompleted {
				return true
			}
		}
		return false
	})
	require.True(t, ok, "worker should report completion")

	reports := queue.reported()
	require.NotEmpty(t, reports)
	assert.Equal(t, domain.ReportAck, reports[0].Kind)
	assert.Equal(t, "task-1", reports[0].TaskID)

	last := reports[len(reports)-1]
	assert.Equal(t, domain.ReportCompleted, last.Kind)
	assert.Equal(t, "result/peer-1/task-1", last.ResultRef)
}

func TestWorker_HeartbeatsWhileRunning(t *testing.T) {
	_, queue, _ := newWorkerFixture(t, service.ResourceModeMedium)

	env := &domain.DispatchEnvelope{
		DispatchID: "d-1",
		PeerID:     "peer-1",
		Task: &domain.Task{
			ID:           "task-1",
			Requirements: domain.Requirements{EstimatedSeconds: 0.2},
		},
		IssuedAt: time.Now(),
	}
	require.NoError(t, queue.deliver(env))

	ok := waitFor(time.Second, func() bool {
		heartbeats := 0
		for _, r := range queue.reported() {
			if r.Kind == domain.ReportHeartbeat {
				heartbeats++
			}
		}
		return heartbeats >= 2
	})
	assert.True(t, ok, "worker should heartbeat while the task runs")
}

func TestWorker_CancelStopsExecution(t *testing.T) {
	_, queue, _ := newWorkerFixture(t, service.ResourceModeMedium)

	env := &domain.DispatchEnvelope{
		DispatchID: "d-1",
		PeerID:     "peer-1",
		Task: &domain.Task{
			ID:           "task-1",
			Requirements: domain.Requirements{EstimatedSeconds: 30},
		},
		IssuedAt: time.Now(),
	}
	require.NoError(t, queue.deliver(env))

	// Wait for the ack so the task is registered as running.
	ok := waitFor(time.Second, func() bool {
		return len(queue.reported()) >= 1
	})
	require.True(t, ok)

	queue.cancel(&domain.CancelSignal{PeerID: "peer-1", TaskID: "task-1", SentAt: time.Now()})

	// Give the execution goroutine time to observe the cancel; no
	// completion may follow.
	time.Sleep(100 * time.Millisecond)
	for _, r := range queue.reported() {
		assert.NotEqual(t, domain.ReportCompleted, r.Kind, "cancelled task must not complete")
	}
}
