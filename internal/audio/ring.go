package audio

import "sync/atomic"

// Ring is a bounded single-producer/single-consumer frame queue. The producer
// side is the capture callback and must never block: when the ring is full the
// oldest unread frame is overwritten and the drop counter incremented.
//
// head is the next slot to read, tail the next slot to write; both only grow.
// The producer claims dropped slots by advancing head with a CAS, the consumer
// advances head with a CAS when it reads, so the two sides contend only on
// that single word and a torn slot read is impossible: whoever loses the CAS
// retries against the new head.
type Ring struct {
	frames  []Frame
	mask    uint64
	head    atomic.Uint64
	tail    atomic.Uint64
	dropped atomic.Uint64
}

// NewRing creates a ring holding at least capacity frames. Capacity is rounded
// up to a power of two.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Ring{
		frames: make([]Frame, size),
		mask:   size - 1,
	}
}

// Push adds a frame, overwriting the oldest unread frame when full. It never
// blocks; the capture path calls this from its real-time loop.
func (r *Ring) Push(f Frame) {
	for {
		head := r.head.Load()
		tail := r.tail.Load()
		if tail-head <= r.mask {
			break
		}
		if r.head.CompareAndSwap(head, head+1) {
			r.dropped.Add(1)
			break
		}
	}
	tail := r.tail.Load()
	r.frames[tail&r.mask] = f
	r.tail.Store(tail + 1)
}

// Pop removes and returns the oldest frame, or ok=false when the ring is
// empty.
func (r *Ring) Pop() (Frame, bool) {
	for {
		head := r.head.Load()
		tail := r.tail.Load()
		if head == tail {
			return Frame{}, false
		}
		f := r.frames[head&r.mask]
		if r.head.CompareAndSwap(head, head+1) {
			return f, true
		}
	}
}

// Len reports the number of unread frames.
func (r *Ring) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Dropped reports the number of frames lost to overruns since the last Reset.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Reset discards unread frames and clears the drop counter. Only safe when
// neither side is active, i.e. between sessions.
func (r *Ring) Reset() {
	r.head.Store(0)
	r.tail.Store(0)
	r.dropped.Store(0)
}
