package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/RTVS-sub005/internal/pubsub"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
)

func TestBlobs_RoundTrip(t *testing.T) {
	s, b := startSession(t)
	ctx := testContext(t)

	id, err := s.CreateBlob(ctx)
	require.NoError(t, err)
	require.NotZero(t, id)

	size, err := s.WriteBlob(ctx, id, 0, []byte("hello "))
	require.NoError(t, err)
	require.EqualValues(t, 6, size)
	size, err = s.WriteBlob(ctx, id, 6, []byte("world"))
	require.NoError(t, err)
	require.EqualValues(t, 11, size)

	size, err = s.BlobSize(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 11, size)

	data, err := s.ReadBlob(ctx, id, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	data, err = s.ReadBlob(ctx, id, 6, 3)
	require.NoError(t, err)
	require.Equal(t, "wor", string(data))

	data, err = s.ReadBlob(ctx, id, 11, 10)
	require.NoError(t, err)
	require.Empty(t, data)

	require.NoError(t, s.DestroyBlobs(ctx, id))
	require.Zero(t, b.LastHost().Blobs())

	_, err = s.ReadBlob(ctx, id, 0, 10)
	require.ErrorIs(t, err, rhost.ErrBlobNotFound)
	_, err = s.BlobSize(ctx, id)
	require.ErrorIs(t, err, rhost.ErrBlobNotFound)
}

func TestBlobs_DestroyManyInBatches(t *testing.T) {
	s, b := startSession(t)
	ctx := testContext(t)

	ids := make([]uint64, 0, destroyBatchSize+5)
	for range destroyBatchSize + 5 {
		id, err := s.CreateBlob(ctx)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, len(ids), b.LastHost().Blobs())

	require.NoError(t, s.DestroyBlobs(ctx, ids...))
	require.Zero(t, b.LastHost().Blobs())
}

func TestBlobs_PlotPayload(t *testing.T) {
	s, _ := startSession(t)
	events := s.Subscribe(testContext(t))
	ctx := testContext(t)

	_, err := s.Evaluate(ctx, "plot(1:10)", "")
	require.NoError(t, err)

	e := waitEvent(t, events, pubsub.PlotEvent)
	data, err := s.ReadBlob(ctx, e.BlobID, 0, 1024)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestBlobs_NotRunning(t *testing.T) {
	s, _ := newSession(t)

	_, err := s.CreateBlob(testContext(t))
	require.True(t, rhost.IsDisconnected(err), "got %v", err)
}
