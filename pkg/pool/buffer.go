package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// maxRetainFactor bounds how far a buffer may grow past the pool's size
// before Put discards it instead of keeping it alive.
const maxRetainFactor = 4

// BufferPool hands out bytes.Buffers preallocated to a fixed capacity.
// It is safe for concurrent use.
type BufferPool struct {
	size  int
	pool  sync.Pool
	inUse atomic.Int64
}

// NewBufferPool creates a pool of buffers with the given initial capacity.
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		return bytes.NewBuffer(make([]byte, 0, size))
	}
	return p
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	p.inUse.Add(1)
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns buf to the pool. Buffers that grew well past the pool size
// are dropped. Contents are cleared before reuse.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	p.inUse.Add(-1)
	if buf.Cap() > p.size*maxRetainFactor {
		return
	}
	buf.Reset()
	clear(buf.Bytes()[:buf.Cap()])
	p.pool.Put(buf)
}

// InUse returns the number of buffers taken and not yet returned.
func (p *BufferPool) InUse() int64 {
	return p.inUse.Load()
}

// Size returns the initial capacity of pooled buffers.
func (p *BufferPool) Size() int {
	return p.size
}
