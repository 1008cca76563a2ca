// Package ring provides a fixed-capacity circular buffer that overwrites its
// oldest element when full.
package ring

// Buffer is not safe for concurrent use; callers synchronize.
type Buffer[T any] struct {
	data  []T
	head  int // next write position
	count int
}

// New returns a Buffer holding at most capacity elements. Non-positive
// capacities are raised to 1.
func New[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{data: make([]T, max(capacity, 1))}
}

// Push appends item. When the buffer is full the oldest element is
// overwritten and returned with evicted=true.
func (b *Buffer[T]) Push(item T) (old T, evicted bool) {
	if b.count == len(b.data) {
		old, evicted = b.data[b.head], true
	} else {
		b.count++
	}
	b.data[b.head] = item
	b.head = (b.head + 1) % len(b.data)
	return old, evicted
}

// Slice returns a copy of the contents, oldest first.
func (b *Buffer[T]) Slice() []T {
	out := make([]T, 0, b.count)
	b.Each(func(item T) bool {
		out = append(out, item)
		return true
	})
	return out
}

// Each calls fn for each element from oldest to newest until fn returns false.
func (b *Buffer[T]) Each(fn func(T) bool) {
	start := (b.head - b.count + len(b.data)) % len(b.data)
	for i := range b.count {
		if !fn(b.data[(start+i)%len(b.data)]) {
			return
		}
	}
}

// Reverse calls fn for each element from newest to oldest until fn returns
// false.
func (b *Buffer[T]) Reverse(fn func(T) bool) {
	for i := 1; i <= b.count; i++ {
		if !fn(b.data[(b.head-i+len(b.data))%len(b.data)]) {
			return
		}
	}
}

func (b *Buffer[T]) Len() int { return b.count }

func (b *Buffer[T]) Cap() int { return len(b.data) }

// Clear drops all elements and releases their references.
func (b *Buffer[T]) Clear() {
	clear(b.data)
	b.head = 0
	b.count = 0
}
