package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata/pkg/errors"
)

// storeImpls returns the implementations exercised by the shared suite.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"local": local,
		"mock":  NewMock(),
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "collections/docs/manifest.json", []byte(`{"v":1}`)))

			data, err := store.Get(ctx, "collections/docs/manifest.json")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"v":1}`), data)

			ok, err := store.Exists(ctx, "collections/docs/manifest.json")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStoreGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			require.Error(t, err)
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "a", []byte("x")))
			require.NoError(t, store.Delete(ctx, "a"))
			require.NoError(t, store.Delete(ctx, "a"))

			ok, err := store.Exists(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "wal/a/segments/0000000001.wal", []byte("1")))
			require.NoError(t, store.Put(ctx, "wal/a/segments/0000000002.wal", []byte("22")))
			require.NoError(t, store.Put(ctx, "snapshots/x.json", []byte("s")))

			metas, err := store.List(ctx, "wal/a/")
			require.NoError(t, err)
			require.Len(t, metas, 2)
			assert.Equal(t, "wal/a/segments/0000000001.wal", metas[0].Key)
			assert.Equal(t, int64(2), metas[1].Size)
		})
	}
}

func TestStoreCopyAndHead(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "src", []byte("body")))
			require.NoError(t, store.Copy(ctx, "src", "dst"))

			meta, err := store.Head(ctx, "dst")
			require.NoError(t, err)
			assert.Equal(t, int64(4), meta.Size)

			_, err = store.Head(ctx, "nope")
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestStorePutMultipart(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			err := store.PutMultipart(ctx, "big", [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")})
			require.NoError(t, err)

			data, err := store.Get(ctx, "big")
			require.NoError(t, err)
			assert.Equal(t, []byte("aabbcc"), data)

			assert.Error(t, store.PutMultipart(ctx, "empty", nil))
		})
	}
}

func TestMockScriptedFailures(t *testing.T) {
	ctx := context.Background()
	mock := NewMockWithFailures([]ScriptedFailure{
		Transient("500 Internal Server Error"),
		Permanent("403 Forbidden"),
		OK(),
	})

	err := mock.Put(ctx, "k", []byte("v"))
	require.Error(t, err)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))

	err = mock.Put(ctx, "k", []byte("v"))
	require.Error(t, err)
	assert.Equal(t, errors.KindPermanent, errors.KindOf(err))

	require.NoError(t, mock.Put(ctx, "k", []byte("v")))
	assert.Equal(t, 1, mock.SuccessfulPuts())
	assert.Equal(t, 2, mock.FailedPuts())
	assert.Equal(t, 1, mock.StorageSize())
}

func TestMockAlwaysFail(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAlwaysFail("403 Forbidden", false)

	for i := 0; i < 3; i++ {
		err := mock.Put(ctx, "k", []byte("v"))
		require.Error(t, err)
		assert.Equal(t, errors.KindPermanent, errors.KindOf(err))
	}
	assert.Equal(t, 0, mock.StorageSize())
}

func TestMockFlaky(t *testing.T) {
	ctx := context.Background()

	// Rate 1.0: every call fails transiently, nothing is stored.
	always := NewMockFlaky(1.0)
	for i := 0; i < 5; i++ {
		err := always.Put(ctx, "k", []byte("v"))
		require.Error(t, err)
		assert.Equal(t, errors.KindTransient, errors.KindOf(err))
	}
	assert.Equal(t, 0, always.StorageSize())

	// Rate 0.0: never fails.
	never := NewMockFlaky(0.0)
	for i := 0; i < 5; i++ {
		require.NoError(t, never.Put(ctx, "k", []byte("v")))
	}
	assert.Equal(t, 1, never.StorageSize())

	// Out-of-range rates clamp.
	assert.Error(t, NewMockFlaky(7).Put(ctx, "k", []byte("v")))
	require.NoError(t, NewMockFlaky(-1).Put(ctx, "k", []byte("v")))

	// Reset turns flaky mode off.
	always.Reset()
	require.NoError(t, always.Put(ctx, "k", []byte("v")))
}

func TestMockCallHistoryAndReset(t *testing.T) {
	ctx := context.Background()
	mock := NewMock()
	require.NoError(t, mock.Put(ctx, "a", []byte("1")))
	_, _ = mock.Get(ctx, "a")
	_, _ = mock.Get(ctx, "missing")

	history := mock.CallHistory()
	require.Len(t, history, 3)
	assert.Equal(t, "put", history[0].Operation)
	assert.True(t, history[1].Success)
	assert.False(t, history[2].Success)

	mock.Reset()
	assert.Equal(t, 0, mock.StorageSize())
	assert.Empty(t, mock.CallHistory())
}

func TestLocalPutIsAtomicOverwrite(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, local.Put(ctx, "collections/docs/descriptor.json", []byte("v1")))
	require.NoError(t, local.Put(ctx, "collections/docs/descriptor.json", []byte("v2")))

	data, err := local.Get(ctx, "collections/docs/descriptor.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	// Temp files never show up in listings.
	metas, err := local.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}
