package session

import (
	"strings"
	"sync"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

// OutputChunk is one piece of console output.
type OutputChunk struct {
	Text   string
	Stream protocol.Stream
}

// OutputBuffer is a thread-safe ring buffer of recent console output.
// Older chunks are discarded once capacity is reached.
type OutputBuffer struct {
	chunks   []OutputChunk
	capacity int
	start    int // index of oldest chunk
	count    int
	mu       sync.RWMutex
}

// NewOutputBuffer creates a buffer holding at least one chunk.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBuffer{
		chunks:   make([]OutputChunk, capacity),
		capacity: capacity,
	}
}

// Write appends a chunk, overwriting the oldest when full.
func (b *OutputBuffer) Write(chunk OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.capacity {
		b.chunks[(b.start+b.count)%b.capacity] = chunk
		b.count++
		return
	}
	b.chunks[b.start] = chunk
	b.start = (b.start + 1) % b.capacity
}

// LastN returns up to n most recent chunks in chronological order.
func (b *OutputBuffer) LastN(n int) []OutputChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}
	result := make([]OutputChunk, n)
	first := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.chunks[(b.start+first+i)%b.capacity]
	}
	return result
}

// Len returns the number of stored chunks.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// String concatenates every stored chunk.
func (b *OutputBuffer) String() string {
	var sb strings.Builder
	for _, c := range b.LastN(b.Len()) {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// Clear removes all chunks.
func (b *OutputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.count = 0
}
