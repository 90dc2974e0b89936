package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// InvalidateSubject carries invalidations to every replica.
const InvalidateSubject = "dispatch.cache.invalidate"

type Invalidation struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Listen applies invalidations published by any replica to c.
func Listen(conn *nats.Conn, c *ConfigCache, logger *slog.Logger) (*nats.Subscription, error) {
	logger = logger.With("component", "cache_invalidation")
	sub, err := conn.Subscribe(InvalidateSubject, func(msg *nats.Msg) {
		var inv Invalidation
		if err := json.Unmarshal(msg.Data, &inv); err != nil {
			logger.Warn("dropping malformed invalidation", "error", err)
			return
		}
		if err := c.Invalidate(inv.Kind, inv.ID); err != nil {
			logger.Warn("dropping invalidation", "error", err, "kind", inv.Kind)
			return
		}
		logger.Debug("cache entry invalidated", "kind", inv.Kind, "id", inv.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", InvalidateSubject, err)
	}
	return sub, nil
}

// Broadcaster invalidates the local cache and, when connected, every other replica.
type Broadcaster struct {
	conn  *nats.Conn
	local *ConfigCache
}

// NewBroadcaster accepts a nil conn for single-replica deployments.
func NewBroadcaster(conn *nats.Conn, local *ConfigCache) *Broadcaster {
	return &Broadcaster{conn: conn, local: local}
}

func (b *Broadcaster) Invalidate(_ context.Context, inv Invalidation) error {
	if err := b.local.Invalidate(inv.Kind, inv.ID); err != nil {
		return err
	}
	if b.conn == nil {
		return nil
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(InvalidateSubject, data); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}
