package sim

import (
	"fmt"
	"sync/atomic"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/container/lock"
	"github.com/tezrry/gpulock/pkg/errors"
)

// Bindings every lock kernel expects, in order. The filler binding is
// optional.
const (
	BindingLock = iota
	BindingResult
	BindingLockIters
	BindingFiller
)

// Invocation identifies one invocation of a dispatch.
type Invocation struct {
	WorkgroupID   uint32
	LocalID       uint32
	WorkgroupSize uint32
	NumWorkgroups uint32
	Push          compute.PushConstants
}

// GlobalID is the invocation's index across the whole dispatch.
func (inv Invocation) GlobalID() uint32 {
	return inv.WorkgroupID*inv.WorkgroupSize + inv.LocalID
}

// KernelFunc runs one invocation. bindings[i] is the storage buffer bound at
// slot i, viewed as words.
type KernelFunc func(inv Invocation, bindings [][]uint32)

// Kernel is a Go function standing in for a compiled kernel binary.
type Kernel struct {
	Name        string
	MinBindings uint32
	// MaxBindings of 0 means MinBindings.
	MaxBindings uint32
	Run         KernelFunc
}

func (k Kernel) maxBindings() uint32 {
	if k.MaxBindings < k.MinBindings {
		return k.MinBindings
	}
	return k.MaxBindings
}

func (k Kernel) accepts(n uint32) bool {
	return n >= k.MinBindings && n <= k.maxBindings()
}

// blob layout after the module header: name length in bytes, then the name
// packed four bytes per word, little-endian
const (
	blobVersion   = 0x00010300
	blobGenerator = 0x676c6b00
)

// Blob is the kernel binary the driver loads as the Go kernel called name.
func Blob(name string) []uint32 {
	n := len(name)
	words := make([]uint32, 5+1+(n+3)/4)
	words[0] = compute.SPIRVMagic
	words[1] = blobVersion
	words[2] = blobGenerator
	words[3] = 1
	words[5] = uint32(n)
	for i := 0; i < n; i++ {
		words[6+i/4] |= uint32(name[i]) << (8 * (i % 4))
	}
	return words
}

func parseBlob(code []uint32) (string, error) {
	if len(code) < 6 || code[0] != compute.SPIRVMagic {
		return "", fmt.Errorf("%w: not a software kernel module", errors.ErrInvalidKernelBlob)
	}
	n := int(code[5])
	if len(code) < 6+(n+3)/4 {
		return "", fmt.Errorf("%w: kernel name of %d bytes is truncated", errors.ErrInvalidKernelBlob, n)
	}
	name := make([]byte, n)
	for i := range name {
		name[i] = byte(code[6+i/4] >> (8 * (i % 4)))
	}
	return string(name), nil
}

// LockKernel builds the kernel a lock variant blob names. Invocation 0 of
// every workgroup takes the lock word lockIters times and increments the
// result counter inside the critical section with a separate load and
// store, so any loss of mutual exclusion loses increments. The remaining
// invocations write their id into the filler buffer when one is bound.
func LockKernel(name string, algorithm lock.Algorithm, fenced bool) Kernel {
	return Kernel{
		Name:        name,
		MinBindings: BindingFiller,
		MaxBindings: BindingFiller + 1,
		Run: func(inv Invocation, bindings [][]uint32) {
			if inv.LocalID != 0 {
				fill(inv, bindings)
				return
			}

			word, result := &bindings[BindingLock][0], &bindings[BindingResult][0]
			iters := atomic.LoadUint32(&bindings[BindingLockIters][0])
			for i := uint32(0); i < iters; i++ {
				lock.Acquire(algorithm, word)
				if fenced {
					barrier(word)
				}
				atomic.StoreUint32(result, atomic.LoadUint32(result)+1)
				if fenced {
					barrier(word)
				}
				lock.Release(word)
			}
		},
	}
}

func fill(inv Invocation, bindings [][]uint32) {
	if len(bindings) <= BindingFiller {
		return
	}
	if filler := bindings[BindingFiller]; inv.GlobalID() < uint32(len(filler)) {
		atomic.StoreUint32(&filler[inv.GlobalID()], inv.LocalID)
	}
}

// barrier is a full memory barrier: an atomic read-modify-write that leaves
// the word unchanged.
func barrier(word *uint32) {
	atomic.AddUint32(word, 0)
}

// UnlockedKernel increments the result counter without taking the lock.
func UnlockedKernel(name string) Kernel {
	return Kernel{
		Name:        name,
		MinBindings: BindingFiller,
		MaxBindings: BindingFiller + 1,
		Run: func(inv Invocation, bindings [][]uint32) {
			if inv.LocalID != 0 {
				fill(inv, bindings)
				return
			}
			result := &bindings[BindingResult][0]
			iters := atomic.LoadUint32(&bindings[BindingLockIters][0])
			for i := uint32(0); i < iters; i++ {
				v := atomic.LoadUint32(result)
				// widen the window between load and store
				for j := 0; j < 8; j++ {
					barrier(&bindings[BindingLock][0])
				}
				atomic.StoreUint32(result, v+1)
			}
		},
	}
}

// OvercountKernel adds one more than lockIters per workgroup, which no lock
// can explain and the orchestrator must report as an anomaly.
func OvercountKernel(name string) Kernel {
	return Kernel{
		Name:        name,
		MinBindings: BindingFiller,
		MaxBindings: BindingFiller + 1,
		Run: func(inv Invocation, bindings [][]uint32) {
			if inv.LocalID != 0 {
				return
			}
			iters := atomic.LoadUint32(&bindings[BindingLockIters][0])
			atomic.AddUint32(&bindings[BindingResult][0], iters+1)
		},
	}
}

// Names of the built-in kernels.
const (
	KernelTAS        = "tas"
	KernelTASFenced  = "tas-fenced"
	KernelTTAS       = "ttas"
	KernelTTASFenced = "ttas-fenced"
	KernelCAS        = "cas"
	KernelCASFenced  = "cas-fenced"
	KernelNoLock     = "nolock"
	KernelOvercount  = "overcount"
)

func builtinKernels() map[string]Kernel {
	ks := []Kernel{
		LockKernel(KernelTAS, lock.TAS, false),
		LockKernel(KernelTASFenced, lock.TAS, true),
		LockKernel(KernelTTAS, lock.TTAS, false),
		LockKernel(KernelTTASFenced, lock.TTAS, true),
		LockKernel(KernelCAS, lock.CAS, false),
		LockKernel(KernelCASFenced, lock.CAS, true),
		UnlockedKernel(KernelNoLock),
		OvercountKernel(KernelOvercount),
	}
	m := make(map[string]Kernel, len(ks))
	for _, k := range ks {
		m[k.Name] = k
	}
	return m
}
