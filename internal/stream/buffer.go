// Package stream provides a growable byte buffer with exactly one writer and
// any number of sequential readers. Readers block until more bytes arrive or
// the writer closes the buffer.
package stream

import (
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned when writing to a closed buffer.
var ErrClosed = errors.New("stream: write to closed buffer")

type buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
	err    error
	done   chan struct{}
}

// Writer is the only handle able to mutate a buffer. The goroutine that
// creates it owns it.
type Writer struct {
	b *buffer
}

// View is a read-only handle on a buffer owned by some Writer.
type View struct {
	b *buffer
}

// Reader reads a View sequentially from the start. It is not seekable.
type Reader struct {
	b   *buffer
	off int
}

// New returns the writer of a fresh, empty buffer.
func New() *Writer {
	b := &buffer{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	return &Writer{b: b}
}

// Write appends p. Blocked readers are woken.
func (w *Writer) Write(p []byte) (int, error) {
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

// Close marks the buffer complete.
func (w *Writer) Close() error {
	w.CloseWithError(nil)
	return nil
}

// CloseWithError marks the buffer complete; readers see err after draining
// the bytes already written. Only the first close takes effect.
func (w *Writer) CloseWithError(err error) {
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	close(b.done)
	b.cond.Broadcast()
}

// View returns a read-only handle on the same buffer.
func (w *Writer) View() *View {
	return &View{b: w.b}
}

// Done is closed once the writer has closed the buffer.
func (v *View) Done() <-chan struct{} {
	return v.b.done
}

// Len reports the bytes written so far.
func (v *View) Len() int {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	return len(v.b.data)
}

// Err reports the error the writer closed with, if any.
func (v *View) Err() error {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	return v.b.err
}

// Bytes returns the complete contents. It reports false while the writer is
// still open. The returned slice must not be modified.
func (v *View) Bytes() ([]byte, bool) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	if !v.b.closed {
		return nil, false
	}
	return v.b.data[:len(v.b.data):len(v.b.data)], true
}

// NewReader returns a reader positioned at the start of the buffer.
func (v *View) NewReader() *Reader {
	return &Reader{b: v.b}
}

// Read blocks until at least one unread byte exists or the buffer is closed.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	for r.off >= len(b.data) && !b.closed {
		b.cond.Wait()
	}
	if r.off < len(b.data) {
		n := copy(p, b.data[r.off:])
		r.off += n
		return n, nil
	}
	if b.err != nil {
		return 0, b.err
	}
	return 0, io.EOF
}
