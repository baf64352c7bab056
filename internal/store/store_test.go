package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/scansplit/internal/roster"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := Dial(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return mr, c
}

func TestDial_BadURL(t *testing.T) {
	_, err := Dial(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestLabelCache_RoundTrip(t *testing.T) {
	mr, c := newTestRedis(t)
	cache := NewLabelCache(c, time.Hour)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	want := []roster.Label{"Alice Johnson", "Bob Smith"}
	require.NoError(t, cache.Put(ctx, want))
	assert.True(t, mr.Exists("scansplit:labels:studentNames"))
	assert.Equal(t, time.Hour, mr.TTL("scansplit:labels:studentNames"))

	got, ok, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	mr.FastForward(2 * time.Hour)
	_, ok, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLabelCache_CorruptValue(t *testing.T) {
	mr, c := newTestRedis(t)
	require.NoError(t, mr.Set("scansplit:labels:studentNames", "{oops"))
	_, _, err := NewLabelCache(c, 0).Get(context.Background())
	assert.Error(t, err)
}

func TestRedisStatus(t *testing.T) {
	mr, c := newTestRedis(t)
	st := NewRedisStatus(c, time.Minute)
	ctx := context.Background()

	_, ok, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Second)
	report := json.RawMessage(`{"labels":[]}`)
	require.NoError(t, st.Set(ctx, "s1", Status{State: "split_complete", Message: "2 documents", Start: &start, End: &end, Report: report}))
	assert.Equal(t, time.Minute, mr.TTL("scansplit:session:s1:status"))

	got, ok, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "split_complete", got.State)
	assert.Equal(t, "2 documents", got.Message)
	assert.True(t, start.Equal(*got.Start))
	assert.True(t, end.Equal(*got.End))
	assert.JSONEq(t, string(report), string(got.Report))

	// a later update without a report drops the stale one
	require.NoError(t, st.Set(ctx, "s1", Status{State: "splitting"}))
	got, _, err = st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Report)
	assert.Nil(t, got.End)

	require.NoError(t, st.Delete(ctx, "s1"))
	_, ok, _ = st.Get(ctx, "s1")
	assert.False(t, ok)
}
