package queue

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	util_math "github.com/tezrry/gpulock/util/math"
)

type spscRing[T any] struct {
	num     atomic.Int64
	_       [CacheLineSize - unsafe.Sizeof(atomic.Int64{})]byte
	headIdx uint64
	_       [CacheLineSize - 8]byte
	tailIdx uint64
	_       [CacheLineSize - 8]byte
	slot    []T
	cap     uint64
	mod     uint64
	ch      chan struct{}
}

func newRing_spsc[T any](size uint64) *spscRing[T] {
	if size == 0 {
		size = 1
	}
	size = util_math.CeilToPowerOfTwo(size)
	return &spscRing[T]{
		slot: make([]T, size),
		cap:  size,
		mod:  size - 1,
		ch:   make(chan struct{}, 1),
	}
}

func (inst *spscRing[T]) pushTail(v T) {
	for atomic.LoadUint64(&inst.headIdx)+inst.cap <= inst.tailIdx {
		runtime.Gosched()
	}

	inst.slot[inst.tailIdx&inst.mod] = v
	atomic.AddUint64(&inst.tailIdx, 1)

	// a negative count means the consumer is parked on ch
	if inst.num.Add(1) < 1 {
		select {
		case inst.ch <- struct{}{}:
		default:
		}
	}
}

func (inst *spscRing[T]) popHead() T {
	if inst.num.Add(-1) < 0 {
		<-inst.ch
	}

	var zero T
	idx := inst.headIdx & inst.mod
	v := inst.slot[idx]
	inst.slot[idx] = zero
	atomic.AddUint64(&inst.headIdx, 1)
	return v
}

func (inst *spscRing[T]) Enqueue(v T) bool {
	inst.pushTail(v)
	return true
}

func (inst *spscRing[T]) Dequeue() T {
	return inst.popHead()
}

func (inst *spscRing[T]) Len() int64 {
	v := inst.num.Load()
	if v < 0 {
		return 0
	}
	return v
}
