package pool

import "sync"

// FixedBufferPool hands out byte slices of one fixed size. Every job shares a
// single pool so concurrently running jobs reuse the same copy buffers.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of size-byte buffers.
func NewFixedBuffer(size int64) *FixedBufferPool {
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of every buffer handed out by the pool.
func (fp *FixedBufferPool) Size() int64 {
	return fp.size
}

// Get returns a buffer with len == cap == Size().
func (fp *FixedBufferPool) Get() *[]byte {
	b := fp.pool.Get().(*[]byte)
	// In case someone messed with it, always reset len to cap
	// strictly for io.Read/Copy purposes.
	*b = (*b)[:cap(*b)]
	return b
}

// Put returns a buffer. Buffers of a foreign size are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
