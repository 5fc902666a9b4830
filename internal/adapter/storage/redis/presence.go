package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type peerPresence struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewPeerPresence creates the Redis adapter peers announce themselves
// through. Keys expire with the profile TTL, so a peer that stops
// heartbeating simply vanishes from the snapshot.
func NewPeerPresence(client *redis.Client, ttl time.Duration, log *zap.Logger) port.PeerPresence {
	return &peerPresence{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// Announce saves the peer's advertised profile and extends its TTL.
func (p *peerPresence) Announce(ctx context.Context, profile *domain.CapabilityProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("peer:%s", profile.PeerID)
	return p.client.Set(ctx, key, data, p.ttl).Err()
}

// Snapshot returns the profiles of every currently announcing peer.
func (p *peerPresence) Snapshot(ctx context.Context) ([]*domain.CapabilityProfile, error) {
	keys, err := p.client.Keys(ctx, "peer:*").Result()
	if err != nil {
		return nil, err
	}

	var profiles []*domain.CapabilityProfile
	for _, key := range keys {
		val, err := p.client.Get(ctx, key).Result()
		if err != nil {
			continue // Skip expired/deleted keys race condition
		}

		var profile domain.CapabilityProfile
		if err := json.Unmarshal([]byte(val), &profile); err == nil {
			profiles = append(profiles, &profile)
		} else {
			p.log.Warn("Skipping malformed presence entry", zap.String("key", key), zap.Error(err))
		}
	}
	return profiles, nil
}
