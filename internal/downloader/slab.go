package downloader

import (
	"fmt"
	"os"
	"sync"
)

// ChunkSize is the fixed chunk granularity for every download.
const ChunkSize = 3 * 1024 * 1024

// FileSlab is one download's on-disk target plus the bookkeeping of
// which chunks are still needed. The underlying file is preallocated
// to Size bytes and never grown afterward, so concurrent fetchers can
// write disjoint offsets without coordinating a file extender.
type FileSlab struct {
	Path      string
	Size      int64
	NumChunks uint32

	mu        sync.Mutex
	pending   map[uint32]struct{}
	completed uint32

	file *os.File
}

// NewFileSlab preallocates path to size bytes and returns a FileSlab
// with every chunk index pending.
func NewFileSlab(path string, size int64) (*FileSlab, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("downloader: create %q: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("downloader: preallocate %q: %w", path, err)
	}

	n := uint32((size + ChunkSize - 1) / ChunkSize)
	pending := make(map[uint32]struct{}, n)
	for i := uint32(0); i < n; i++ {
		pending[i] = struct{}{}
	}

	return &FileSlab{
		Path:      path,
		Size:      size,
		NumChunks: n,
		pending:   pending,
		file:      f,
	}, nil
}

// TakeChunk removes and returns an arbitrary pending chunk index.
func (s *FileSlab) TakeChunk() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.pending {
		delete(s.pending, idx)
		return idx, true
	}
	return 0, false
}

// ReturnChunk puts idx back into the pending set, per the
// IN_FLIGHT -> PENDING transition on a failed or timed-out fetch.
func (s *FileSlab) ReturnChunk(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[idx] = struct{}{}
}

// chunkBounds returns the byte offset and length of chunk idx, clipped
// to Size for the final, possibly short, chunk.
func (s *FileSlab) chunkBounds(idx uint32) (offset int64, length int64) {
	offset = int64(idx) * ChunkSize
	length = ChunkSize
	if offset+length > s.Size {
		length = s.Size - offset
	}
	return offset, length
}

// WriteChunk writes data at chunk idx's exact offset and marks it
// complete. data must be exactly the expected length for idx.
func (s *FileSlab) WriteChunk(idx uint32, data []byte) error {
	offset, length := s.chunkBounds(idx)
	if int64(len(data)) != length {
		return fmt.Errorf("downloader: chunk %d: got %d bytes, want %d", idx, len(data), length)
	}
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("downloader: write chunk %d: %w", idx, err)
	}

	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
	return nil
}

// Done reports whether every chunk has been written.
func (s *FileSlab) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && s.completed == s.NumChunks
}

// CompletedCount returns the number of chunks successfully written.
func (s *FileSlab) CompletedCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// PendingCount returns the number of chunks neither written nor
// currently in flight.
func (s *FileSlab) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close closes the underlying file handle.
func (s *FileSlab) Close() error {
	return s.file.Close()
}
