package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	b := &Batch{Seq: 7}
	b.Put(NodeBucket("ws"), "a", []byte("1"))
	b.Put(BucketBlobs, "d", []byte("blob"))
	require.NoError(t, m.Commit(ctx, b))

	img, err := m.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), img.Seq)
	require.Equal(t, []string{BucketBlobs, NodeBucket("ws")}, img.BucketNames())

	// Loaded images are copies
	img.Bucket(NodeBucket("ws"))["a"][0] = 'x'
	again, err := m.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", string(again.Bucket(NodeBucket("ws"))["a"]))

	b = &Batch{Seq: 8}
	b.Delete(NodeBucket("ws"), "a")
	require.NoError(t, m.Commit(ctx, b))
	again, err = m.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, again.Bucket(NodeBucket("ws")))

	require.NoError(t, m.Close())
	_, err = m.Load(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestWorkspaceOf(t *testing.T) {
	require.Equal(t, "default", WorkspaceOf(NodeBucket("default")))
	require.Equal(t, "", WorkspaceOf(BucketVersions))
}
