package metrics

// RingBuffer is a fixed-capacity circular buffer. Once full, the oldest
// element is overwritten first. The backing array is allocated once and
// never grows.
type RingBuffer[T any] struct {
	buf      []T
	position int
	count    int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("metrics: ring buffer capacity must be greater than zero")
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, evicting the oldest item when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.buf[r.position] = item
	r.position = (r.position + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Get returns the item at index i, where index 0 is the oldest item.
func (r *RingBuffer[T]) Get(i int) (T, bool) {
	var zero T
	if i < 0 || i >= r.count {
		return zero, false
	}
	idx := (r.position + len(r.buf) - r.count + i) % len(r.buf)
	return r.buf[idx], true
}

// Set replaces the item at index i in place, where index 0 is the oldest
// item. It reports whether the index was valid.
func (r *RingBuffer[T]) Set(i int, item T) bool {
	if i < 0 || i >= r.count {
		return false
	}
	idx := (r.position + len(r.buf) - r.count + i) % len(r.buf)
	r.buf[idx] = item
	return true
}

// Len returns the number of items currently held.
func (r *RingBuffer[T]) Len() int {
	return r.count
}

// Each visits every item from oldest to newest.
func (r *RingBuffer[T]) Each(fn func(item T)) {
	for i := 0; i < r.count; i++ {
		item, _ := r.Get(i)
		fn(item)
	}
}
