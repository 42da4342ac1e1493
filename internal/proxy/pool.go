package proxy

import (
	"net/http/httputil"
	"sync"
)

// bufferPool hands out fixed-size relay buffers.
type bufferPool struct {
	size int
	pool sync.Pool
}

var _ httputil.BufferPool = (*bufferPool)(nil)

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:p.size]
}

// Put returns b to the pool. Buffers of any other capacity are dropped.
func (p *bufferPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	p.pool.Put(&b)
}
