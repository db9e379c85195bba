package queue

// IQueue is a FIFO handing values from producers to consumers.
type IQueue[T any] interface {
	// Enqueue appends v, spinning while the queue is full.
	Enqueue(v T) bool
	// Dequeue removes the oldest value, blocking while the queue is empty.
	Dequeue() T
	Len() int64
}

// NewSPSC returns a bounded ring for exactly one producer and one consumer.
// The capacity is rounded up to a power of two.
func NewSPSC[T any](capacity uint64) IQueue[T] {
	return newRing_spsc[T](capacity)
}
