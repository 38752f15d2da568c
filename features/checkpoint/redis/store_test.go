package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pipelit.dev/pipelit/runtime/checkpoint"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "redis client is required")
}

func TestSaveThenLatestPicksHighestStep(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	for _, cp := range []checkpoint.Checkpoint{
		{ThreadID: "th", ID: "cp1", Step: 1, Blob: []byte("one")},
		{ThreadID: "th", ID: "cp3", Step: 3, ParentID: "cp2", Blob: []byte("three")},
		{ThreadID: "th", ID: "cp2", Step: 2, ParentID: "cp1", Blob: []byte("two")},
	} {
		require.NoError(t, store.Save(context.Background(), cp))
	}

	latest, err := store.Latest(context.Background(), "th")
	require.NoError(t, err)
	require.Equal(t, "cp3", latest.ID)
	require.Equal(t, 3, latest.Step)
	require.Equal(t, "cp2", latest.ParentID)
	require.Equal(t, []byte("three"), latest.Blob)
}

func TestLatestMissingThreadReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	_, err := store.Latest(context.Background(), "th")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestSaveRequiresIdentifiers(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	err := store.Save(context.Background(), checkpoint.Checkpoint{ID: "cp1"})
	require.EqualError(t, err, "thread id is required")
	err = store.Save(context.Background(), checkpoint.Checkpoint{ThreadID: "th"})
	require.EqualError(t, err, "checkpoint id is required")
}

func TestListReturnsStepOrderScopedToThread(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	for _, cp := range []checkpoint.Checkpoint{
		{ThreadID: "th", ID: "cp2", Step: 2},
		{ThreadID: "th", ID: "cp1", Step: 1},
		{ThreadID: "other", ID: "cp9", Step: 9},
	} {
		require.NoError(t, store.Save(context.Background(), cp))
	}

	cps, err := store.List(context.Background(), "th")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	require.Equal(t, 1, cps[0].Step)
	require.Equal(t, 2, cps[1].Step)
}

func TestSaveIsIdempotentPerCheckpointID(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	cp := checkpoint.Checkpoint{ThreadID: "th", ID: "cp1", Step: 1, Blob: []byte("v1")}
	require.NoError(t, store.Save(context.Background(), cp))
	cp.Blob = []byte("v2")
	require.NoError(t, store.Save(context.Background(), cp))

	cps, err := store.List(context.Background(), "th")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, []byte("v2"), cps[0].Blob)
}

func TestDeleteRemovesThread(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	require.NoError(t, store.Save(context.Background(), checkpoint.Checkpoint{ThreadID: "th", ID: "cp1", Step: 1}))
	require.NoError(t, store.Delete(context.Background(), "th"))
	_, err := store.Latest(context.Background(), "th")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestThreadExpiresAfterTTL(t *testing.T) {
	store, mr := newTestStore(t, Options{TTL: time.Second})
	require.NoError(t, store.Save(context.Background(), checkpoint.Checkpoint{ThreadID: "th", ID: "cp1", Step: 1}))

	mr.FastForward(2 * time.Second)

	_, err := store.Latest(context.Background(), "th")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestSaveRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t, Options{TTL: time.Second})
	require.NoError(t, store.Save(context.Background(), checkpoint.Checkpoint{ThreadID: "th", ID: "cp1", Step: 1}))

	mr.FastForward(700 * time.Millisecond)
	require.NoError(t, store.Save(context.Background(), checkpoint.Checkpoint{ThreadID: "th", ID: "cp2", Step: 2}))

	mr.FastForward(700 * time.Millisecond)
	latest, err := store.Latest(context.Background(), "th")
	require.NoError(t, err)
	require.Equal(t, "cp2", latest.ID)

	mr.FastForward(time.Second)
	_, err = store.Latest(context.Background(), "th")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func newTestStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts.Client = client
	store, err := NewStore(opts)
	require.NoError(t, err)
	return store, mr
}
