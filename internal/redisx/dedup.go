package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers stream event ids in Redis so a redelivery after a
// restart is still recognised.
type Deduper struct {
	rdb     redis.UniversalClient
	service string
	ttl     time.Duration
}

func NewDeduper(rdb redis.UniversalClient, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service, ttl: TTLDedup}
}

func (d *Deduper) key(id string) string { return fmt.Sprintf(KeyDedup, d.service, id) }

// MarkSeen returns true the first time id is seen within the TTL.
func (d *Deduper) MarkSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.key(id), "1", d.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "dedup setnx")
	}
	return ok, nil
}

func (d *Deduper) Forget(ctx context.Context, id string) error {
	return errors.Wrap(d.rdb.Del(ctx, d.key(id)).Err(), "dedup del")
}
