package sandbox

import (
	"bytes"
	"sync"
)

// cappedBuffer keeps at most limit bytes and discards the rest. Once sealed
// it accepts and drops every write, so a killed tree still holding the pipe
// cannot change an outcome that has already been produced.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	sealed    bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// Write always reports len(p) so the copying goroutine never sees a short write.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return len(p), nil
	}
	remaining := b.limit - b.buf.Len()
	if len(p) > remaining {
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// seal stops further writes and returns the captured text.
func (b *cappedBuffer) seal() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealed = true
	return b.buf.String(), b.truncated
}
