package pool

import (
	"bytes"
	"sync/atomic"
)

// Buffer is a reusable byte buffer that can live in an ObjectPool. It is
// reset when it is put back and dropped when destroyed.
type Buffer struct {
	bytes.Buffer
	destroyed atomic.Bool
}

// NewBuffer returns a buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	b := &Buffer{}
	b.Grow(capacity)
	return b
}

// Passivate resets the contents before the buffer becomes idle.
func (b *Buffer) Passivate() error {
	b.Reset()
	return nil
}

// Destroy releases the backing array. Calling it again has no effect.
func (b *Buffer) Destroy() error {
	if b.destroyed.CompareAndSwap(false, true) {
		b.Buffer = bytes.Buffer{}
	}
	return nil
}

// IsDestroyed reports whether Destroy has been called.
func (b *Buffer) IsDestroyed() bool {
	return b.destroyed.Load()
}

// BufferSize is a memory measure for buffer pools.
func BufferSize(b *Buffer) int64 {
	return int64(b.Cap())
}
