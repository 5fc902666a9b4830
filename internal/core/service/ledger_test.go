package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func creditTask(cpu, gpu, mem, estimated float64) *domain.Task {
	return &domain.Task{
		ID: "task-1",
		Requirements: domain.Requirements{
			MinCPUScore:      cpu,
			MinGPUScore:      gpu,
			MinMemoryScore:   mem,
			EstimatedSeconds: estimated,
		},
	}
}

func TestLedger_CreditForTask_ScalesWithRequirements(t *testing.T) {
	store := newFakeScoreStore()
	ledger := service.NewLedger(store, testEngineConfig(), zap.NewNop())

	// (50 + 30 + 20) / 10 = 10 points, no speed bonus at full duration.
	amount, err := ledger.CreditForTask(context.Background(), "peer-1", creditTask(50, 30, 20, 10), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(10), amount)

	entry, err := store.Get(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.Equal(t, float64(10), entry.Points)
	assert.Equal(t, int64(1), entry.TasksCompleted)
}

func TestLedger_CreditForTask_SpeedBonus(t *testing.T) {
	ledger := service.NewLedger(newFakeScoreStore(), testEngineConfig(), zap.NewNop())

	// Under half the estimate: 10 * 1.5.
	amount, err := ledger.CreditForTask(context.Background(), "peer-1", creditTask(50, 30, 20, 10), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(15), amount)
}

func TestLedger_CreditForTask_TrivialTaskMinimum(t *testing.T) {
	ledger := service.NewLedger(newFakeScoreStore(), testEngineConfig(), zap.NewNop())

	amount, err := ledger.CreditForTask(context.Background(), "peer-1", creditTask(0, 0, 0, 0), time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(1), amount)
}

func TestLedger_Penalize_FloorsAtZero(t *testing.T) {
	store := newFakeScoreStore()
	ledger := service.NewLedger(store, testEngineConfig(), zap.NewNop())

	require.NoError(t, ledger.Penalize(context.Background(), "peer-1"))

	entry, err := ledger.GetScore(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.Equal(t, float64(0), entry.Points)
	assert.Equal(t, int64(1), entry.TasksFailed)
}

func TestLedger_GetScore_UnknownPeerIsZero(t *testing.T) {
	ledger := service.NewLedger(newFakeScoreStore(), testEngineConfig(), zap.NewNop())

	entry, err := ledger.GetScore(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Equal(t, "stranger", entry.PeerID)
	assert.Equal(t, float64(0), entry.Points)
}

func TestLedger_Apply_RetriesTransientFailures(t *testing.T) {
	store := newFakeScoreStore()
	store.failures = 2 // fewer than WriteRetries+1 attempts
	ledger := service.NewLedger(store, testEngineConfig(), zap.NewNop())

	amount, err := ledger.CreditForTask(context.Background(), "peer-1", creditTask(50, 30, 20, 0), time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(10), amount)
}

func TestLedger_Apply_PermanentFailureSurfaces(t *testing.T) {
	store := newFakeScoreStore()
	store.failures = 10
	ledger := service.NewLedger(store, testEngineConfig(), zap.NewNop())

	_, err := ledger.CreditForTask(context.Background(), "peer-1", creditTask(50, 30, 20, 0), time.Second)
	assert.ErrorIs(t, err, domain.ErrStorageFailure)
}

func TestLedger_OnUpdate_PushesDurableState(t *testing.T) {
	store := newFakeScoreStore()
	ledger := service.NewLedger(store, testEngineConfig(), zap.NewNop())

	var got *domain.ScoreEntry
	ledger.OnUpdate(func(entry *domain.ScoreEntry) { got = entry })

	_, err := ledger.CreditForTask(context.Background(), "peer-1", creditTask(50, 30, 20, 0), time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, float64(10), got.Points)
}

func TestLedger_ConcurrentCredits_NoLostUpdates(t *testing.T) {
	store := newFakeScoreStore()
	ledger := service.NewLedger(store, testEngineConfig(), zap.NewNop())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.CreditForTask(context.Background(), "peer-1", creditTask(50, 30, 20, 0), time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := ledger.GetScore(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.Equal(t, float64(10*n), entry.Points)
	assert.Equal(t, int64(n), entry.TasksCompleted)
}
