// Package bufpool provides pooled byte buffers for streaming proxied
// response bodies without per-request allocations.
package bufpool

import "sync"

// Pool hands out fixed-size byte buffers backed by a sync.Pool.
type Pool struct {
	size     int
	internal sync.Pool
}

// New creates a pool of buffers of the given size.
func New(size int) *Pool {
	p := &Pool{size: size}
	p.internal.New = func() any {
		return make([]byte, size)
	}
	return p
}

// Get retrieves a buffer from the pool.
func (p *Pool) Get() []byte {
	return p.internal.Get().([]byte)
}

// Put returns a buffer to the pool. Buffers of the wrong size are dropped.
func (p *Pool) Put(buf []byte) {
	if len(buf) == p.size {
		p.internal.Put(buf) //nolint:staticcheck // fixed-size slices, no pointer indirection needed
	}
}
