package reassembly

import "sync/atomic"

// Ring is a single-producer/single-consumer byte ring.
//
// The producer (interrupt side) only advances head, the consumer (owning
// task) only advances tail. Both are monotonic counters so size is always
// head-tail and no index ever needs a shared lock.
type Ring struct {
	buffer   []byte
	head     atomic.Uint64
	tail     atomic.Uint64
	capacity uint64
}

// NewRing creates a ring holding at most capacity bytes.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		buffer:   make([]byte, capacity),
		capacity: uint64(capacity),
	}
}

// Push appends one byte. Producer side only. Returns false when full; the
// byte is not stored in that case.
func (r *Ring) Push(b byte) bool {
	head := r.head.Load()
	if head-r.tail.Load() >= r.capacity {
		return false
	}
	r.buffer[head%r.capacity] = b
	r.head.Store(head + 1)
	return true
}

// Peek copies up to len(dst) buffered bytes without releasing them.
// Consumer side only.
func (r *Ring) Peek(dst []byte) int {
	tail := r.tail.Load()
	size := r.head.Load() - tail
	n := uint64(len(dst))
	if n > size {
		n = size
	}
	for i := uint64(0); i < n; i++ {
		dst[i] = r.buffer[(tail+i)%r.capacity]
	}
	return int(n)
}

// Skip releases up to n bytes from the front. Consumer side only.
func (r *Ring) Skip(n int) int {
	if n <= 0 {
		return 0
	}
	tail := r.tail.Load()
	size := r.head.Load() - tail
	k := uint64(n)
	if k > size {
		k = size
	}
	r.tail.Store(tail + k)
	return int(k)
}

// Clear releases everything buffered so far. Consumer side only; bytes
// pushed concurrently after the head snapshot survive.
func (r *Ring) Clear() {
	r.tail.Store(r.head.Load())
}

// DataSize returns the number of buffered bytes.
func (r *Ring) DataSize() int {
	return int(r.head.Load() - r.tail.Load())
}

// Capacity returns the fixed ring capacity.
func (r *Ring) Capacity() int {
	return int(r.capacity)
}
