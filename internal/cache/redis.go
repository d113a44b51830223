package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/objectid"
	"github.com/redis/go-redis/v9"
)

// Redis is a remote tier shared across a fleet of readers, sitting between
// the local disk tier and the origin backend: a miss here still costs a
// network round trip, but a much cheaper one than refetching from the
// backend, and a hit here is shared by every process pointed at the same
// Redis instance.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an already-configured *redis.Client. keyPrefix namespaces
// keys so multiple trees can share one Redis instance without collisions.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, prefix: keyPrefix}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) key(id objectid.ID) string {
	return r.prefix + id.String()
}

// Get implements Tier.
func (r *Redis) Get(ctx context.Context, id objectid.ID) ([]byte, bool, error) {
	buf, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: redis get %s: %v", errs.ErrTransport, id, err)
	}
	return buf, true, nil
}

// Put implements Tier. Entries carry no expiry: eviction is left to Redis's
// own maxmemory policy, since this tier has no local notion of a byte budget.
func (r *Redis) Put(ctx context.Context, id objectid.ID, buf []byte) error {
	if err := r.client.Set(ctx, r.key(id), buf, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set %s: %v", errs.ErrTransport, id, err)
	}
	return nil
}

// Invalidate removes id's entry from Redis.
func (r *Redis) Invalidate(ctx context.Context, id objectid.ID) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: redis del %s: %v", errs.ErrTransport, id, err)
	}
	return nil
}
