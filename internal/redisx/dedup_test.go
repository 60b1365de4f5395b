package redisx

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-pos-sync/internal/reconcile"
)

var _ reconcile.Deduper = (*Deduper)(nil)

// Runs against a real Redis when REDIS_TEST_ADDR is set.
func TestDeduper(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	rdb := New(addr)
	defer rdb.Close()
	require.NoError(t, Ping(ctx, rdb))

	d := NewDeduper(rdb, "possync-test")
	id := uuid.NewString()

	first, err := d.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.False(t, again)

	n, err := rdb.Exists(ctx, d.key(id)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, d.Forget(ctx, id))
	first, err = d.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.True(t, first)
	require.NoError(t, d.Forget(ctx, id))
}

func TestDeduperKey(t *testing.T) {
	d := NewDeduper(nil, "possync")
	assert.Equal(t, "dedup:possync:e1", d.key("e1"))
}
