package optimize

import (
	"sync"
)

// BytePool recycles fixed-size byte buffers. The RTP forwarder reads every
// packet into a pooled buffer instead of allocating per read.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool handing out buffers of the given size.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get gets a byte slice from the pool.
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a byte slice to the pool. Undersized slices are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}
