package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata/internal/objectstore"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

func testDocs(count, dim int) []types.VectorDocument {
	docs := make([]types.VectorDocument, count)
	for i := range docs {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(i) * 0.5
		}
		doc := types.NewVectorDocument(vec)
		if i%2 == 0 {
			doc = doc.WithExternalID("ext-" + string(rune('a'+i%26)))
			doc = doc.WithPayload(map[string]any{"id": doc.ExternalID, "rank": float64(i)})
		}
		docs[i] = doc
	}
	return docs
}

func TestSnapshotCreateAndRestoreAllCodecs(t *testing.T) {
	ctx := context.Background()
	collection := types.NewID()

	for _, codec := range []CompressionCodec{CodecNone, CodecSnappy, CodecZstd, CodecLz4} {
		for _, format := range []types.SnapshotFormat{types.SnapshotJSON, types.SnapshotColumnar} {
			t.Run(string(codec)+"/"+string(format), func(t *testing.T) {
				store := objectstore.NewMock()
				snap, err := New(store, codec, format)
				require.NoError(t, err)

				docs := testDocs(20, 8)
				id, err := snap.Create(ctx, collection, docs)
				require.NoError(t, err)

				restored, err := snap.Restore(ctx, id)
				require.NoError(t, err)
				require.Len(t, restored, 20)
				for i := range docs {
					assert.Equal(t, docs[i].DocID, restored[i].DocID)
					assert.Equal(t, docs[i].Vector, restored[i].Vector)
					assert.Equal(t, docs[i].ExternalID, restored[i].ExternalID)
					if docs[i].Payload != nil {
						assert.Equal(t, docs[i].Payload["id"], restored[i].Payload["id"])
					}
				}
			})
		}
	}
}

func TestSnapshotEmptyInputFails(t *testing.T) {
	store := objectstore.NewMock()
	snap, err := New(store, CodecNone, types.SnapshotJSON)
	require.NoError(t, err)

	_, err = snap.Create(context.Background(), types.NewID(), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestSnapshotMetadataSidecar(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMock()
	snap, err := New(store, CodecZstd, types.SnapshotColumnar)
	require.NoError(t, err)
	collection := types.NewID()

	id, err := snap.Create(ctx, collection, testDocs(5, 16))
	require.NoError(t, err)

	meta, err := snap.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, collection, meta.CollectionID)
	assert.Equal(t, uint64(5), meta.VectorCount)
	assert.Equal(t, 16, meta.Dimension)
	assert.Equal(t, "zstd", meta.Compression)
	assert.Equal(t, types.SnapshotColumnar, meta.Format)
	assert.NotZero(t, meta.SizeBytes)
}

func TestSnapshotListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMock()
	snap, err := New(store, CodecNone, types.SnapshotJSON)
	require.NoError(t, err)
	collection := types.NewID()
	other := types.NewID()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := snap.Create(ctx, collection, testDocs(2, 4))
		require.NoError(t, err)
		ids = append(ids, id.String())
		time.Sleep(2 * time.Millisecond)
	}
	_, err = snap.Create(ctx, other, testDocs(2, 4))
	require.NoError(t, err)

	list, err := snap.List(ctx, collection)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].SnapshotID.String())
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].CreatedAt.After(list[i-1].CreatedAt))
	}
}

func TestSnapshotDeleteIdempotentAndVerify(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMock()
	snap, err := New(store, CodecLz4, types.SnapshotJSON)
	require.NoError(t, err)

	id, err := snap.Create(ctx, types.NewID(), testDocs(3, 4))
	require.NoError(t, err)

	ok, err := snap.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, snap.Delete(ctx, id))
	require.NoError(t, snap.Delete(ctx, id))

	ok, err = snap.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = snap.Restore(ctx, id)
	assert.True(t, errors.IsNotFound(err))
}

func TestSnapshotRestoreSelectsFormatFromMetadata(t *testing.T) {
	// A columnar snapshot must restore through a JSON-configured
	// snapshotter: format is recorded per snapshot, not per instance.
	ctx := context.Background()
	store := objectstore.NewMock()
	collection := types.NewID()

	colSnap, err := New(store, CodecSnappy, types.SnapshotColumnar)
	require.NoError(t, err)
	id, err := colSnap.Create(ctx, collection, testDocs(4, 8))
	require.NoError(t, err)

	jsonSnap, err := New(store, CodecNone, types.SnapshotJSON)
	require.NoError(t, err)
	restored, err := jsonSnap.Restore(ctx, id)
	require.NoError(t, err)
	assert.Len(t, restored, 4)
}
