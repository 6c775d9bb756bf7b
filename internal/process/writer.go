package process

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// maxLineBytes bounds a single chunk when the engine writes without newlines.
const maxLineBytes = 1024 * 1024

// lineWriter splits a stream into lines and hands each to emit. exec.Cmd
// copies each stream from a single goroutine, so emit calls for one stream
// happen in write order.
type lineWriter struct {
	stream Stream
	emit   func(Chunk)

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineWriter(stream Stream, emit func(Chunk)) *lineWriter {
	return &lineWriter{stream: stream, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if w.buf.Len() >= maxLineBytes {
				w.emitLocked(string(data))
				w.buf.Reset()
			}
			return len(p), nil
		}
		line := string(data[:idx])
		w.buf.Next(idx + 1)
		w.emitLocked(line)
	}
}

// flush emits a trailing partial line.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emitLocked(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emitLocked(line string) {
	w.emit(Chunk{
		Stream:    w.stream,
		Data:      strings.TrimSuffix(line, "\r"),
		Timestamp: time.Now().UTC(),
	})
}
