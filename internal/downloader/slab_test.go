package downloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileSlabChunkCountAndPreallocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	slab, err := NewFileSlab(path, 3*ChunkSize+17)
	require.NoError(t, err)
	defer slab.Close()

	require.EqualValues(t, 4, slab.NumChunks)
	require.Equal(t, 4, slab.PendingCount())
	require.False(t, slab.Done())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 3*ChunkSize+17, info.Size())
}

func TestFileSlabTakeWriteReturnCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	slab, err := NewFileSlab(path, 2*ChunkSize)
	require.NoError(t, err)
	defer slab.Close()

	idx, ok := slab.TakeChunk()
	require.True(t, ok)
	require.Equal(t, 1, slab.PendingCount())

	// A failed fetch returns the chunk to pending.
	slab.ReturnChunk(idx)
	require.Equal(t, 2, slab.PendingCount())

	idx, ok = slab.TakeChunk()
	require.True(t, ok)
	data := make([]byte, ChunkSize)
	for i := range data {
		data[i] = byte(idx)
	}
	require.NoError(t, slab.WriteChunk(idx, data))
	require.EqualValues(t, 1, slab.CompletedCount())
	require.False(t, slab.Done())

	idx2, ok := slab.TakeChunk()
	require.True(t, ok)
	require.NotEqual(t, idx, idx2)
	data2 := make([]byte, ChunkSize)
	require.NoError(t, slab.WriteChunk(idx2, data2))
	require.True(t, slab.Done())
	require.EqualValues(t, 2, slab.CompletedCount())
}

func TestFileSlabWriteChunkWrongLengthRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	slab, err := NewFileSlab(path, ChunkSize+10)
	require.NoError(t, err)
	defer slab.Close()

	err = slab.WriteChunk(1, make([]byte, ChunkSize))
	require.Error(t, err)

	err = slab.WriteChunk(1, make([]byte, 10))
	require.NoError(t, err)
}

func TestFileSlabLastChunkIsShort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	slab, err := NewFileSlab(path, ChunkSize+17)
	require.NoError(t, err)
	defer slab.Close()

	off, length := slab.chunkBounds(1)
	require.EqualValues(t, ChunkSize, off)
	require.EqualValues(t, 17, length)
}
