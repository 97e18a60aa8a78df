package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studybroker/internal/model"
	"studybroker/internal/objstore"
	"studybroker/internal/store"
)

// fakeRows indexes cache entries in memory the way the cache_entries table
// does: append-only, latest row wins.
type fakeRows struct {
	entries []*model.CacheEntry
}

func (f *fakeRows) InsertCacheEntry(_ context.Context, entry *model.CacheEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeRows) LatestCacheEntry(_ context.Context, studyID, keyHash string) (*model.CacheEntry, error) {
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if e.StudyID == studyID && e.KeyHash == keyHash {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRows) MarkStudyCacheOutdated(_ context.Context, studyID string) (int64, error) {
	var n int64
	for _, e := range f.entries {
		if e.StudyID == studyID && e.Status == model.CacheInUse {
			e.Status = model.CacheOutdated
			n++
		}
	}
	return n, nil
}

func testKeys() map[string]any {
	return map[string]any{
		"query":   "getData",
		"studyId": "s1",
	}
}

func TestFingerprintStable(t *testing.T) {
	a, err := Fingerprint(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order must not change the fingerprint")

	c, err := Fingerprint(map[string]any{"a": 1, "b": 3})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFetchComputesAndStoresOnMiss(t *testing.T) {
	rows := &fakeRows{}
	objects := objstore.NewMemoryStore()
	svc := New(rows, objects)

	computed := 0
	result, err := svc.Fetch(context.Background(), "s1", testKeys(), false, func(context.Context) (Result, error) {
		computed++
		return Result{"data": []any{"x"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, computed)
	assert.Equal(t, []any{"x"}, result["data"])
	assert.Len(t, rows.entries, 1)
	assert.Equal(t, model.CacheInUse, rows.entries[0].Status)
	assert.Equal(t, 1, objects.Len())
}

func TestFetchServesFromCacheOnHit(t *testing.T) {
	rows := &fakeRows{}
	objects := objstore.NewMemoryStore()
	svc := New(rows, objects)
	ctx := context.Background()

	computed := 0
	compute := func(context.Context) (Result, error) {
		computed++
		return Result{"data": float64(computed)}, nil
	}

	first, err := svc.Fetch(ctx, "s1", testKeys(), false, compute)
	require.NoError(t, err)
	second, err := svc.Fetch(ctx, "s1", testKeys(), false, compute)
	require.NoError(t, err)

	assert.Equal(t, 1, computed, "the second fetch must be a cache hit")
	assert.Equal(t, first["data"], second["data"])
	assert.Len(t, rows.entries, 1, "a hit appends no row")
}

func TestFetchForceUpdateAppends(t *testing.T) {
	rows := &fakeRows{}
	objects := objstore.NewMemoryStore()
	svc := New(rows, objects)
	ctx := context.Background()

	computed := 0
	compute := func(context.Context) (Result, error) {
		computed++
		return Result{"n": float64(computed)}, nil
	}

	_, err := svc.Fetch(ctx, "s1", testKeys(), false, compute)
	require.NoError(t, err)
	result, err := svc.Fetch(ctx, "s1", testKeys(), true, compute)
	require.NoError(t, err)

	assert.Equal(t, 2, computed)
	assert.Equal(t, float64(2), result["n"])
	// Entries and blobs accumulate; nothing is overwritten or pruned.
	assert.Len(t, rows.entries, 2)
	assert.Equal(t, 2, objects.Len())

	served, err := svc.Fetch(ctx, "s1", testKeys(), false, compute)
	require.NoError(t, err)
	assert.Equal(t, float64(2), served["n"], "the newest entry wins")
}

func TestFetchRecomputesWhenOutdated(t *testing.T) {
	rows := &fakeRows{}
	objects := objstore.NewMemoryStore()
	svc := New(rows, objects)
	ctx := context.Background()

	computed := 0
	compute := func(context.Context) (Result, error) {
		computed++
		return Result{"n": float64(computed)}, nil
	}

	_, err := svc.Fetch(ctx, "s1", testKeys(), false, compute)
	require.NoError(t, err)
	require.NoError(t, svc.Invalidate(ctx, "s1"))

	result, err := svc.Fetch(ctx, "s1", testKeys(), false, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, computed, "an outdated entry must not be served")
	assert.Equal(t, float64(2), result["n"])
}

func TestFetchRecomputesWhenBlobMissing(t *testing.T) {
	rows := &fakeRows{}
	objects := objstore.NewMemoryStore()
	svc := New(rows, objects)
	ctx := context.Background()

	computed := 0
	compute := func(context.Context) (Result, error) {
		computed++
		return Result{"n": float64(computed)}, nil
	}

	_, err := svc.Fetch(ctx, "s1", testKeys(), false, compute)
	require.NoError(t, err)
	require.NoError(t, objects.Delete(ctx, rows.entries[0].URI))

	result, err := svc.Fetch(ctx, "s1", testKeys(), false, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, computed)
	assert.Equal(t, float64(2), result["n"])
}

func TestFetchPropagatesComputeError(t *testing.T) {
	svc := New(&fakeRows{}, objstore.NewMemoryStore())
	boom := errors.New("boom")
	_, err := svc.Fetch(context.Background(), "s1", testKeys(), false, func(context.Context) (Result, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestFetchKeysAreScopedByStudy(t *testing.T) {
	rows := &fakeRows{}
	svc := New(rows, objstore.NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Fetch(ctx, "s1", testKeys(), false, func(context.Context) (Result, error) {
		return Result{"from": "s1"}, nil
	})
	require.NoError(t, err)

	result, err := svc.Fetch(ctx, "s2", testKeys(), false, func(context.Context) (Result, error) {
		return Result{"from": "s2"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s2", result["from"], "entries of another study must not be served")
}
