package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) []Store {
	t.Helper()

	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "bolt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return []Store{NewMemoryStore(), NewRbStore(), bolt}
}

func TestStoreApplyAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, st := range testStores(t) {
		st := st
		t.Run(st.Name(), func(t *testing.T) {
			err := st.Apply(ctx, []Mutation{
				{Op: OpTypePut, Key: []byte("foo"), Value: []byte("bar")},
			}, 1)
			require.NoError(t, err)

			v, ver, err := st.Get(ctx, []byte("foo"))
			require.NoError(t, err)
			assert.Equal(t, []byte("bar"), v)
			assert.Equal(t, uint64(1), ver)

			_, _, err = st.Get(ctx, []byte("missing"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreDeleteKeepsVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, st := range testStores(t) {
		st := st
		t.Run(st.Name(), func(t *testing.T) {
			require.NoError(t, st.Apply(ctx, []Mutation{
				{Op: OpTypePut, Key: []byte("k"), Value: []byte("v")},
			}, 3))
			require.NoError(t, st.Apply(ctx, []Mutation{
				{Op: OpTypeDelete, Key: []byte("k")},
			}, 5))

			_, ver, err := st.Get(ctx, []byte("k"))
			assert.ErrorIs(t, err, ErrNotFound)
			// The tombstone still reports the deleting version for
			// conflict detection.
			assert.Equal(t, uint64(5), ver)
		})
	}
}

func testScanStores(t *testing.T) []ScanStore {
	t.Helper()

	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "bolt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return []ScanStore{NewRbStore(), bolt}
}

func TestScanStoreRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, st := range testScanStores(t) {
		st := st
		t.Run(st.Name(), func(t *testing.T) {
			muts := []Mutation{
				{Op: OpTypePut, Key: []byte("a"), Value: []byte("1")},
				{Op: OpTypePut, Key: []byte("b"), Value: []byte("2")},
				{Op: OpTypePut, Key: []byte("c"), Value: []byte("3")},
				{Op: OpTypePut, Key: []byte("d"), Value: []byte("4")},
			}
			require.NoError(t, st.Apply(ctx, muts, 1))
			require.NoError(t, st.Apply(ctx, []Mutation{
				{Op: OpTypeDelete, Key: []byte("c")},
			}, 2))

			pairs, err := st.Scan(ctx, []byte("b"), []byte("d"), 0)
			require.NoError(t, err)
			// c is deleted, d is outside the exclusive end.
			require.Len(t, pairs, 1)
			assert.Equal(t, []byte("b"), pairs[0].Key)

			all, err := st.Scan(ctx, nil, nil, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []byte("a"), all[0].Key)
			assert.Equal(t, []byte("d"), all[2].Key)

			limited, err := st.Scan(ctx, nil, nil, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestScanStoreMaxVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, st := range testScanStores(t) {
		st := st
		t.Run(st.Name(), func(t *testing.T) {
			require.NoError(t, st.Apply(ctx, []Mutation{
				{Op: OpTypePut, Key: []byte("a"), Value: []byte("1")},
			}, 2))
			require.NoError(t, st.Apply(ctx, []Mutation{
				{Op: OpTypePut, Key: []byte("m"), Value: []byte("2")},
			}, 7))
			require.NoError(t, st.Apply(ctx, []Mutation{
				{Op: OpTypeDelete, Key: []byte("z")},
			}, 9))

			max, err := st.MaxVersion(ctx, nil, nil)
			require.NoError(t, err)
			// Tombstones count.
			assert.Equal(t, uint64(9), max)

			max, err = st.MaxVersion(ctx, []byte("a"), []byte("n"))
			require.NoError(t, err)
			assert.Equal(t, uint64(7), max)
		})
	}
}

func TestBoltStoreSeedsDBVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "bolt.db")
	st, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Apply(ctx, []Mutation{
		{Op: OpTypePut, Key: []byte("k"), Value: []byte("v")},
	}, 12))
	require.NoError(t, st.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	db := NewDB(reopened)
	assert.Equal(t, uint64(12), db.Version())
}
