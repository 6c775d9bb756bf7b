package process

import "sync"

// ringBuffer keeps the most recent output chunks up to maxBytes.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []Chunk
}

// newRingBuffer creates a ring buffer. Defaults to 2MB if maxBytes <= 0.
func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &ringBuffer{maxBytes: maxBytes}
}

// append adds a chunk, evicting the oldest chunks while over the limit.
func (b *ringBuffer) append(chunk Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk.Data))

	for b.size > b.maxBytes && len(b.chunks) > 0 {
		removed := b.chunks[0]
		b.size -= int64(len(removed.Data))
		b.chunks = b.chunks[1:]
	}
}

// snapshot returns a copy of all buffered chunks.
func (b *ringBuffer) snapshot() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Chunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newLineTail(max int) *lineTail {
	if max <= 0 {
		max = 20
	}
	return &lineTail{max: max}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if over := len(t.lines) - t.max; over > 0 {
		t.lines = append([]string(nil), t.lines[over:]...)
	}
}

func (t *lineTail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}
