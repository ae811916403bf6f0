package tsreader

import "sync/atomic"

// BufferPool is a bounded pool of IQ sample arrays reused across batches.
//
// Buffers are allocated lazily; a returned buffer is kept only while the pool
// has room and is otherwise left to the garbage collector.
type BufferPool struct {
	pool chan []complex64

	gets   atomic.Uint64
	allocs atomic.Uint64
	puts   atomic.Uint64
	drops  atomic.Uint64
}

// PoolStats counts pool traffic.
type PoolStats struct {
	Gets   uint64
	Allocs uint64
	Puts   uint64
	Drops  uint64
	Idle   int
}

// NewBufferPool creates a pool holding at most size idle buffers.
func NewBufferPool(size int) *BufferPool {
	if size < 0 {
		size = 0
	}
	return &BufferPool{pool: make(chan []complex64, size)}
}

// Get returns a zeroed buffer of length n.
func (p *BufferPool) Get(n int) []complex64 {
	p.gets.Add(1)
	select {
	case buf := <-p.pool:
		if cap(buf) >= n {
			buf = buf[:n]
			clear(buf)
			return buf
		}
	default:
	}
	p.allocs.Add(1)
	return make([]complex64, n)
}

// Put hands a buffer back. Nil buffers are ignored.
func (p *BufferPool) Put(buf []complex64) {
	if buf == nil {
		return
	}
	select {
	case p.pool <- buf[:0]:
		p.puts.Add(1)
	default:
		p.drops.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (p *BufferPool) Stats() PoolStats {
	return PoolStats{
		Gets:   p.gets.Load(),
		Allocs: p.allocs.Load(),
		Puts:   p.puts.Load(),
		Drops:  p.drops.Load(),
		Idle:   len(p.pool),
	}
}
