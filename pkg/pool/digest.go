package pool

import (
	"crypto/sha512"
	"sync"
	"sync/atomic"
)

// Digest is a scratch buffer large enough for a full SHA-512 output.
type Digest [sha512.Size]byte

// DigestPool hands out Digest scratch buffers.
// It is safe for concurrent use.
type DigestPool struct {
	pool  sync.Pool
	inUse atomic.Int64
}

// NewDigestPool creates an empty digest pool.
func NewDigestPool() *DigestPool {
	p := &DigestPool{}
	p.pool.New = func() any { return new(Digest) }
	return p
}

// Get returns a zeroed digest buffer.
func (p *DigestPool) Get() *Digest {
	p.inUse.Add(1)
	return p.pool.Get().(*Digest)
}

// Put zeroes d and returns it to the pool.
func (p *DigestPool) Put(d *Digest) {
	if d == nil {
		return
	}
	p.inUse.Add(-1)
	clear(d[:])
	p.pool.Put(d)
}

// InUse returns the number of digests taken and not yet returned.
func (p *DigestPool) InUse() int64 {
	return p.inUse.Load()
}
