package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollector_Refresh_MergesUtilization(t *testing.T) {
	cfg := testEngineConfig()
	registry := service.NewRegistry(cfg, zap.NewNop())
	presence := newFakePresence()
	probe := newFakeProbe()
	collector := service.NewCollector(registry, presence, probe, cfg, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, presence.Announce(ctx, testProfile("peer-1", 80)))
	probe.samples["peer-1"] = domain.Utilization{CPUUsage: 72, MemoryUsage: 41}

	require.NoError(t, collector.Refresh(ctx))

	peer, err := registry.Get("peer-1")
	require.NoError(t, err)
	require.NotNil(t, peer.Profile)
	assert.Equal(t, float64(72), peer.Profile.CPUUsage)
	assert.Equal(t, float64(41), peer.Profile.MemoryUsage)
	assert.Equal(t, domain.ConnectivityConnected, peer.Connectivity)
}

func TestCollector_Refresh_FallsBackPerPeer(t *testing.T) {
	cfg := testEngineConfig()
	registry := service.NewRegistry(cfg, zap.NewNop())
	presence := newFakePresence()
	probe := newFakeProbe()
	probe.bulkErr = errors.New("prometheus down")
	collector := service.NewCollector(registry, presence, probe, cfg, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, presence.Announce(ctx, testProfile("peer-1", 80)))
	probe.samples["peer-1"] = domain.Utilization{CPUUsage: 33, MemoryUsage: 21}

	require.NoError(t, collector.Refresh(ctx))

	peer, err := registry.Get("peer-1")
	require.NoError(t, err)
	assert.Equal(t, float64(33), peer.Profile.CPUUsage)
}

func TestCollector_Refresh_DisconnectsMissingPeers(t *testing.T) {
	cfg := testEngineConfig()
	registry := service.NewRegistry(cfg, zap.NewNop())
	presence := newFakePresence()
	probe := newFakeProbe()
	collector := service.NewCollector(registry, presence, probe, cfg, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, presence.Announce(ctx, testProfile("peer-1", 80)))
	require.NoError(t, presence.Announce(ctx, testProfile("peer-2", 60)))
	require.NoError(t, collector.Refresh(ctx))
	require.Len(t, registry.ConnectedPeers(), 2)

	// peer-2's presence entry expires.
	presence.drop("peer-2")
	require.NoError(t, collector.Refresh(ctx))

	connected := registry.ConnectedPeers()
	require.Len(t, connected, 1)
	assert.Equal(t, "peer-1", connected[0].ID)

	peer, err := registry.Get("peer-2")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectivityDisconnected, peer.Connectivity)
}

func TestCollector_Refresh_RejectsBadAnnouncements(t *testing.T) {
	cfg := testEngineConfig()
	registry := service.NewRegistry(cfg, zap.NewNop())
	presence := newFakePresence()
	probe := newFakeProbe()
	collector := service.NewCollector(registry, presence, probe, cfg, zap.NewNop())

	ctx := context.Background()
	bad := testProfile("peer-1", 80)
	bad.MaxConcurrent = 0
	require.NoError(t, presence.Announce(ctx, bad))

	require.NoError(t, collector.Refresh(ctx))
	_, err := registry.Get("peer-1")
	assert.ErrorIs(t, err, domain.ErrUnknownPeer)
}
