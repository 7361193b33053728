package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (Valkey, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewValkeySingle(mr.Addr(), 0, "", time.Minute)
	require.NoError(t, err)
	return c, mr
}

func TestSetGetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "dedup:anomaly.detected:T-1", "1", time.Minute))

	got, err := c.Get(ctx, "dedup:anomaly.detected:T-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, c.Delete(ctx, "dedup:anomaly.detected:T-1"))
	_, err = c.Get(ctx, "dedup:anomaly.detected:T-1")
	assert.Error(t, err)
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Get(context.Background(), "never-set")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key not found")
}

func TestSetEncodesStructsAsJSON(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type mapping struct {
		ShipID string `json:"ship_id"`
	}
	require.NoError(t, c.Set(ctx, "registry:alpha-engine-02", mapping{ShipID: "alpha-ship"}, time.Minute))

	got, err := c.Get(ctx, "registry:alpha-engine-02")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ship_id": "alpha-ship"}`, string(got))
}

func TestSetNXFirstWriterWins(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	set, err := c.SetNX(ctx, "dedup:incidents.created:INC-1", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	// The redelivery observes the existing key.
	set, err = c.SetNX(ctx, "dedup:incidents.created:INC-1", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestSetNXExpiryReopensKey(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	set, err := c.SetNX(ctx, "ratelimit:qos_shaping", "1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, set)

	mr.FastForward(31 * time.Second)

	set, err = c.SetNX(ctx, "ratelimit:qos_shaping", "1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestSetUsesDefaultTTL(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestHealthCheck(t *testing.T) {
	c, mr := newTestCache(t)
	assert.NoError(t, c.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, c.HealthCheck(context.Background()))
}
