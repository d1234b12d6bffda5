package protocol

// Queue is a singly linked FIFO. The Persistent protocol keeps its
// sent-but-unacknowledged messages in one; ids are monotonic, so the oldest
// unacknowledged message is always at the head.
type Queue[T any] struct {
	first *queueElement[T]
	last  *queueElement[T]
	n     int
}

type queueElement[T any] struct {
	data T
	next *queueElement[T]
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return q.n }

// Push appends item at the tail.
func (q *Queue[T]) Push(item T) {
	el := &queueElement[T]{data: item}
	if q.first == nil {
		q.first = el
		q.last = el
	} else {
		q.last.next = el
		q.last = el
	}
	q.n++
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if q.first == nil {
		var zero T
		return zero, false
	}
	return q.first.data, true
}

// Pop removes the head. Popping an empty queue is a no-op.
func (q *Queue[T]) Pop() {
	if q.first == nil {
		return
	}
	if q.first == q.last {
		q.first = nil
		q.last = nil
	} else {
		q.first = q.first.next
	}
	q.n--
}

// ToSlice returns the items from head to tail.
func (q *Queue[T]) ToSlice() []T {
	out := make([]T, 0, q.n)
	for it := q.first; it != nil; it = it.next {
		out = append(out, it.data)
	}
	return out
}
