package compute

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tezrry/gpulock/pkg/errors"
)

// Device is a physical device with a logical device opened on it, one
// compute queue and one reusable command buffer from a pool of the queue's
// family. It must be torn down before its Instance and after every Buffer and
// Kernel built on it.
type Device struct {
	instance    *Instance
	drv         Driver
	physical    Handle
	handle      Handle
	props       DeviceProperties
	memoryTypes []MemoryType

	computeFamily uint32
	queue         Handle
	pool          Handle
	cmd           Handle
	recordedBy    *Kernel
	torn          bool
}

func openDevice(instance *Instance, info PhysicalDeviceInfo) (*Device, error) {
	family, ok := findComputeFamily(info.QueueFamilies)
	if !ok {
		return nil, fmt.Errorf("%w: device %q", errors.ErrNoComputeQueue, info.Properties.Name)
	}

	drv := instance.drv
	dev := &Device{
		instance:      instance,
		drv:           drv,
		physical:      info.Handle,
		props:         info.Properties,
		memoryTypes:   append([]MemoryType(nil), info.MemoryTypes...),
		computeFamily: family,
	}

	var err error
	if dev.handle, err = drv.CreateDevice(info.Handle, family); err != nil {
		return nil, fmt.Errorf("%w: create device %q: %w", errors.ErrResourceCreation, info.Properties.Name, err)
	}
	if dev.queue, err = drv.GetQueue(dev.handle, family, 0); err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: get queue: %w", errors.ErrResourceCreation, err), dev.Teardown())
	}
	if dev.pool, err = drv.CreateCommandPool(dev.handle, family); err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: create command pool: %w", errors.ErrResourceCreation, err), dev.Teardown())
	}
	if dev.cmd, err = drv.AllocateCommandBuffer(dev.handle, dev.pool); err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: allocate command buffer: %w", errors.ErrResourceCreation, err), dev.Teardown())
	}

	return dev, nil
}

func findComputeFamily(families []QueueFamily) (uint32, bool) {
	for i, f := range families {
		if f.Flags&QueueCompute != 0 && f.Count > 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

// SelectMemoryType returns the lowest memory type index whose bit is set in
// requirementsMask and whose property flags include every flag in desired.
func (inst *Device) SelectMemoryType(requirementsMask uint32, desired MemoryPropertyFlags) (uint32, error) {
	return selectMemoryType(inst.memoryTypes, requirementsMask, desired)
}

func selectMemoryType(types []MemoryType, requirementsMask uint32, desired MemoryPropertyFlags) (uint32, error) {
	for i, t := range types {
		if i >= 32 {
			break
		}
		if requirementsMask&(1<<uint(i)) != 0 && t.PropertyFlags.Has(desired) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: mask %#x, flags %#x", errors.ErrNoMemoryType, requirementsMask, uint32(desired))
}

func (inst *Device) Properties() DeviceProperties {
	return inst.props
}

func (inst *Device) Name() string {
	return inst.props.Name
}

func (inst *Device) Type() DeviceType {
	return inst.props.Type
}

// MaxInvocations is the device's maxComputeWorkGroupInvocations limit.
func (inst *Device) MaxInvocations() uint32 {
	return inst.props.Limits.MaxComputeWorkGroupInvocations
}

func (inst *Device) MemoryTypes() []MemoryType {
	return inst.memoryTypes
}

func (inst *Device) Queue() Handle {
	return inst.queue
}

func (inst *Device) CommandBuffer() Handle {
	return inst.cmd
}

func (inst *Device) Handle() Handle {
	return inst.handle
}

func (inst *Device) Driver() Driver {
	return inst.drv
}

// Teardown releases the command pool and the logical device.
func (inst *Device) Teardown() error {
	if inst.torn {
		return nil
	}
	inst.torn = true

	var err error
	if inst.pool != NullHandle {
		err = multierr.Append(err, inst.drv.DestroyCommandPool(inst.handle, inst.pool))
	}
	if inst.handle != NullHandle {
		err = multierr.Append(err, inst.drv.DestroyDevice(inst.handle))
	}
	return err
}
