package compute

import (
	"fmt"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/tezrry/gpulock/pkg/errors"
)

// WordSize is the byte size of one buffer word.
const WordSize = 4

// hostShared is the property set every Buffer needs: host writes and device
// writes become visible to each other once the device work has completed,
// without flushes.
const hostShared = MemoryHostVisible | MemoryHostCoherent

// Buffer is a storage buffer of 32-bit words backed by host-visible,
// host-coherent memory that stays mapped until Teardown.
//
// Indices passed to Store and Load must be below Len.
type Buffer struct {
	dev    *Device
	handle Handle
	memory Handle
	size   uint64
	words  []uint32
	torn   bool
}

func NewBuffer(dev *Device, wordCount uint32) (*Buffer, error) {
	if wordCount == 0 {
		return nil, errors.ErrInvalidBufferSize
	}

	drv := dev.drv
	b := &Buffer{dev: dev, size: uint64(wordCount) * WordSize}

	var err error
	if b.handle, err = drv.CreateBuffer(dev.handle, b.size); err != nil {
		return nil, fmt.Errorf("%w: create buffer: %w", errors.ErrResourceCreation, err)
	}

	req, err := drv.BufferMemoryRequirements(dev.handle, b.handle)
	if err != nil {
		return nil, b.abort(fmt.Errorf("%w: buffer memory requirements: %w", errors.ErrResourceCreation, err))
	}
	typeIndex, err := dev.SelectMemoryType(req.TypeBits, hostShared)
	if err != nil {
		return nil, b.abort(err)
	}
	if b.memory, err = drv.AllocateMemory(dev.handle, req.Size, typeIndex); err != nil {
		return nil, b.abort(fmt.Errorf("%w: allocate memory: %w", errors.ErrResourceCreation, err))
	}
	if err = drv.BindBufferMemory(dev.handle, b.handle, b.memory); err != nil {
		return nil, b.abort(fmt.Errorf("%w: bind buffer memory: %w", errors.ErrResourceCreation, err))
	}

	mapped, err := drv.MapMemory(dev.handle, b.memory, b.size)
	if err != nil {
		return nil, b.abort(fmt.Errorf("%w: map memory: %w", errors.ErrResourceCreation, err))
	}
	if uint64(len(mapped)) < b.size {
		return nil, b.abort(fmt.Errorf("%w: mapped %d bytes, want %d", errors.ErrResourceCreation, len(mapped), b.size))
	}
	b.words = unsafe.Slice((*uint32)(unsafe.Pointer(&mapped[0])), wordCount)
	return b, nil
}

func (inst *Buffer) abort(err error) error {
	return multierr.Append(err, inst.release(false))
}

func (inst *Buffer) Store(i uint32, value uint32) {
	inst.words[i] = value
}

func (inst *Buffer) Load(i uint32) uint32 {
	return inst.words[i]
}

// Clear zeroes every word.
func (inst *Buffer) Clear() {
	clear(inst.words)
}

func (inst *Buffer) Len() uint32 {
	return uint32(len(inst.words))
}

// Size is the buffer size in bytes.
func (inst *Buffer) Size() uint64 {
	return inst.size
}

func (inst *Buffer) Handle() Handle {
	return inst.handle
}

// Teardown unmaps and frees the memory and destroys the buffer. It must run
// before the owning Device is torn down.
func (inst *Buffer) Teardown() error {
	if inst.torn {
		return nil
	}
	inst.torn = true
	return inst.release(inst.words != nil)
}

func (inst *Buffer) release(mapped bool) error {
	drv, dev := inst.dev.drv, inst.dev.handle

	var err error
	if mapped {
		err = multierr.Append(err, drv.UnmapMemory(dev, inst.memory))
		inst.words = nil
	}
	if inst.memory != NullHandle {
		err = multierr.Append(err, drv.FreeMemory(dev, inst.memory))
		inst.memory = NullHandle
	}
	if inst.handle != NullHandle {
		err = multierr.Append(err, drv.DestroyBuffer(dev, inst.handle))
		inst.handle = NullHandle
	}
	return err
}
