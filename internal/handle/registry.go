package handle

import "sync"

// Handle names an object in a Registry. The low 32 bits are the slot index,
// the high 32 bits the slot generation, so a handle outliving its object
// never resolves to a newer occupant of the same slot. The zero Handle is null.
type Handle uint64

const Null Handle = 0

func makeHandle(idx, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx))
}

func (h Handle) index() uint32 {
	return uint32(h)
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Registry owns values of type T addressed by generation-checked handles.
type Registry[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

func (inst *Registry[T]) Insert(v T) Handle {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	var idx uint32
	if n := len(inst.free); n > 0 {
		idx = inst.free[n-1]
		inst.free = inst.free[:n-1]
	} else {
		idx = uint32(len(inst.slots))
		inst.slots = append(inst.slots, slot[T]{})
	}

	s := &inst.slots[idx]
	s.gen++
	s.live = true
	s.val = v
	inst.live++
	return makeHandle(idx, s.gen)
}

func (inst *Registry[T]) lookup(h Handle) *slot[T] {
	idx := h.index()
	if h == Null || int(idx) >= len(inst.slots) {
		return nil
	}
	s := &inst.slots[idx]
	if !s.live || s.gen != h.generation() {
		return nil
	}
	return s
}

// Get resolves h, reporting false for null, unknown and stale handles.
func (inst *Registry[T]) Get(h Handle) (T, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if s := inst.lookup(h); s != nil {
		return s.val, true
	}
	var zero T
	return zero, false
}

// Remove drops h and returns its value; later lookups of h fail.
func (inst *Registry[T]) Remove(h Handle) (T, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	var zero T
	s := inst.lookup(h)
	if s == nil {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.live = false
	inst.free = append(inst.free, h.index())
	inst.live--
	return v, true
}

func (inst *Registry[T]) Len() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.live
}

// Each calls fn for every live value in slot order.
func (inst *Registry[T]) Each(fn func(h Handle, v T)) {
	inst.mu.Lock()
	type pair struct {
		h Handle
		v T
	}
	live := make([]pair, 0, inst.live)
	for i := range inst.slots {
		if s := &inst.slots[i]; s.live {
			live = append(live, pair{makeHandle(uint32(i), s.gen), s.val})
		}
	}
	inst.mu.Unlock()

	for _, p := range live {
		fn(p.h, p.v)
	}
}
