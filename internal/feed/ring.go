package feed

// Ring is a fixed-capacity circular buffer. Pushing into a full ring
// overwrites the oldest item. Ring is not safe for concurrent use; Feed
// guards it with its own lock.
type Ring[T any] struct {
	buf      []T
	head     int // index of the oldest item
	count    int
	capacity int

	// Stats
	totalPushed  int64
	totalEvicted int64
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Push adds item as the newest entry. If the ring was full the oldest entry
// is removed and returned with evicted == true.
func (r *Ring[T]) Push(item T) (old T, evicted bool) {
	r.totalPushed++

	if r.count == r.capacity {
		old = r.buf[r.head]
		r.buf[r.head] = item
		r.head = (r.head + 1) % r.capacity
		r.totalEvicted++
		return old, true
	}

	tail := (r.head + r.count) % r.capacity
	r.buf[tail] = item
	r.count++
	return old, false
}

// Newest returns the most recently pushed item.
func (r *Ring[T]) Newest() (T, bool) {
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.head+r.count-1)%r.capacity], true
}

// Each calls fn for every item from newest to oldest until fn returns false.
func (r *Ring[T]) Each(fn func(T) bool) {
	for i := r.count - 1; i >= 0; i-- {
		if !fn(r.buf[(r.head+i)%r.capacity]) {
			return
		}
	}
}

// NewestFirst copies the contents into a new slice, newest first.
func (r *Ring[T]) NewestFirst() []T {
	out := make([]T, 0, r.count)
	r.Each(func(item T) bool {
		out = append(out, item)
		return true
	})
	return out
}

// Reset removes every item. Counters are kept.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero // Clear references for GC
	}
	r.head = 0
	r.count = 0
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Stats returns ring statistics.
func (r *Ring[T]) Stats() RingStats {
	return RingStats{
		Count:        r.count,
		Capacity:     r.capacity,
		TotalPushed:  r.totalPushed,
		TotalEvicted: r.totalEvicted,
	}
}

// RingStats contains ring statistics.
type RingStats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalEvicted int64
}
