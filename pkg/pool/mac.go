package pool

import (
	"crypto/hmac"
	"hash"
	"sync"
	"sync/atomic"
)

// MACPool hands out HMAC contexts bound to a single key.
//
// The pool keeps a reference to key and reads it whenever a new context is
// built. The owner must stop using the pool before wiping the key.
type MACPool struct {
	pool  sync.Pool
	inUse atomic.Int64
}

// NewMACPool creates a pool of HMAC contexts for key using newHash.
func NewMACPool(newHash func() hash.Hash, key []byte) *MACPool {
	p := &MACPool{}
	p.pool.New = func() any {
		return hmac.New(newHash, key)
	}
	return p
}

// Get returns a reset HMAC context.
func (p *MACPool) Get() hash.Hash {
	p.inUse.Add(1)
	return p.pool.Get().(hash.Hash)
}

// Put resets h and returns it to the pool.
func (p *MACPool) Put(h hash.Hash) {
	if h == nil {
		return
	}
	p.inUse.Add(-1)
	h.Reset()
	p.pool.Put(h)
}

// InUse returns the number of contexts taken and not yet returned.
func (p *MACPool) InUse() int64 {
	return p.inUse.Load()
}
