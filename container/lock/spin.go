package lock

import (
	"runtime"
	"sync/atomic"
)

// Algorithm selects how a spinning invocation acquires a lock word.
type Algorithm uint8

const (
	// TAS swaps 1 into the word until the previous value was 0.
	TAS Algorithm = iota
	// TTAS spins on plain loads and only swaps once the word reads 0.
	TTAS
	// CAS compares the word against 0 and swaps in 1.
	CAS
)

const maxBackOff = 16

func (a Algorithm) String() string {
	switch a {
	case TAS:
		return "tas"
	case TTAS:
		return "ttas"
	case CAS:
		return "cas"
	}
	return "unknown"
}

// Acquire spins on word until it is taken with algorithm a.
func Acquire(a Algorithm, word *uint32) {
	switch a {
	case TAS:
		acquireTAS(word)
	case TTAS:
		acquireTTAS(word)
	default:
		acquireCAS(word)
	}
}

// Release hands word back to other spinners.
func Release(word *uint32) {
	atomic.StoreUint32(word, 0)
}

func acquireTAS(word *uint32) {
	backoff := 1
	for atomic.SwapUint32(word, 1) != 0 {
		backoff = spin(backoff)
	}
}

func acquireTTAS(word *uint32) {
	backoff := 1
	for {
		for atomic.LoadUint32(word) != 0 {
			backoff = spin(backoff)
		}
		if atomic.SwapUint32(word, 1) == 0 {
			return
		}
	}
}

func acquireCAS(word *uint32) {
	backoff := 1
	for !atomic.CompareAndSwapUint32(word, 0, 1) {
		backoff = spin(backoff)
	}
}

func spin(backoff int) int {
	for i := 0; i < backoff; i++ {
		runtime.Gosched()
	}
	if backoff < maxBackOff {
		backoff <<= 1
	}
	return backoff
}

// SpinLock is a host-side mutex built on the CAS algorithm.
type SpinLock uint32

func (lk *SpinLock) Lock() {
	acquireCAS((*uint32)(lk))
}

func (lk *SpinLock) Unlock() {
	Release((*uint32)(lk))
}

func (lk *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32((*uint32)(lk), 0, 1)
}
