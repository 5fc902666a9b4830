package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"github.com/gofiber/storage/redis/v3"
	"go.uber.org/zap"
)

type resultCache struct {
	store *redis.Storage
	ttl   time.Duration
	log   *zap.Logger
}

// NewResultCache creates the expiring result-ref cache backed by the
// shared Redis storage. The task store remains authoritative; this only
// spares it the hot status polls that follow a completion.
func NewResultCache(store *redis.Storage, ttl time.Duration, log *zap.Logger) port.ResultCache {
	return &resultCache{
		store: store,
		ttl:   ttl,
		log:   log,
	}
}

func (c *resultCache) PutResult(ctx context.Context, taskID, resultRef string) error {
	return c.store.Set(resultKey(taskID), []byte(resultRef), c.ttl)
}

// GetResult returns the cached result ref, or "" when the entry expired
// or never existed.
func (c *resultCache) GetResult(ctx context.Context, taskID string) (string, error) {
	raw, err := c.store.Get(resultKey(taskID))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func resultKey(taskID string) string {
	return fmt.Sprintf("result:%s", taskID)
}
