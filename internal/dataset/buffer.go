package dataset

import (
	"sync"

	"remote-index-builder/internal/core/types"
)

// fixedBuffer is an io.WriterAt over a buffer allocated once at the declared
// blob size. Writes past the end fail instead of growing the buffer.
type fixedBuffer struct {
	key string
	buf []byte

	mu   sync.Mutex
	high int64
}

func newFixedBuffer(key string, size int64) *fixedBuffer {
	return &fixedBuffer{key: key, buf: make([]byte, size)}
}

func (b *fixedBuffer) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if off < 0 || end > int64(len(b.buf)) {
		return 0, types.ValidationErrorf("", "blob '%s' is larger than the declared %d bytes", b.key, len(b.buf))
	}
	copy(b.buf[off:end], p)

	b.mu.Lock()
	b.high = max(b.high, end)
	b.mu.Unlock()
	return len(p), nil
}

// written returns the highest offset written so far.
func (b *fixedBuffer) written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.high
}
