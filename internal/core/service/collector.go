package service

import (
	"context"
	"time"

	config "github.com/crabzie/P2P-Compute-Scheduler/config/utils"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// Collector aggregates what the network knows about peer capability: the
// benchmark scores each peer announces through the presence store, merged
// with live utilization from the monitoring probe. Each pass produces
// fresh immutable snapshots for the registry; peers that fell out of the
// presence store are marked disconnected.
type Collector struct {
	registry *Registry
	presence port.PeerPresence
	probe    port.UtilizationProbe
	interval time.Duration
	log      *zap.Logger
}

func NewCollector(registry *Registry, presence port.PeerPresence, probe port.UtilizationProbe, engineCfg *config.Engine, log *zap.Logger) *Collector {
	interval := engineCfg.ProfileTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	return &Collector{
		registry: registry,
		presence: presence,
		probe:    probe,
		interval: interval,
		log:      log,
	}
}

// Run refreshes the registry until the context is cancelled. The refresh
// period is a third of the profile TTL so a single missed pass does not
// make every peer stale.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Stopping capability collector")
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Error("Capability refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh performs one collection pass.
func (c *Collector) Refresh(ctx context.Context) error {
	profiles, err := c.presence.Snapshot(ctx)
	if err != nil {
		return err
	}

	// One batch metrics query per pass; individual fallback per peer.
	utilization, err := c.probe.GetAllUtilization(ctx)
	if err != nil {
		c.log.Warn("Batch utilization query failed, falling back per peer", zap.Error(err))
	}

	seen := make(map[string]struct{}, len(profiles))
	for _, announced := range profiles {
		seen[announced.PeerID] = struct{}{}

		merged := *announced
		if u, ok := utilization[announced.PeerID]; ok {
			merged.CPUUsage = u.CPUUsage
			merged.MemoryUsage = u.MemoryUsage
		} else if cpu, mem, perr := c.probe.GetPeerUtilization(ctx, announced.PeerID); perr == nil {
			merged.CPUUsage = cpu
			merged.MemoryUsage = mem
		}
		merged.MeasuredAt = time.Now()

		if uerr := c.registry.UpsertProfile(&merged); uerr != nil {
			c.log.Warn("Rejected announced profile",
				zap.String("peer_id", announced.PeerID),
				zap.Error(uerr))
		}
	}

	c.markMissing(seen)
	return nil
}

// markMissing disconnects registry peers that no longer announce presence.
func (c *Collector) markMissing(seen map[string]struct{}) {
	for _, peer := range c.registry.ConnectedPeers() {
		if _, ok := seen[peer.ID]; !ok {
			c.registry.MarkDisconnected(peer.ID)
			c.log.Info("Peer presence expired", zap.String("peer_id", peer.ID))
		}
	}
}
