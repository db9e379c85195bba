package sim

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/internal/handle"
	"github.com/tezrry/gpulock/pkg/errors"
	util_math "github.com/tezrry/gpulock/util/math"
)

const bufferAlignment = 256

type buffer struct {
	size   uint64
	memory handle.Handle
}

type memory struct {
	typeIndex uint32
	flags     compute.MemoryPropertyFlags
	// device is what kernels read and write
	device []byte
	// host is what MapMemory handed out; it aliases device only when the
	// memory type is host-coherent
	host   []byte
	mapped bool
}

type shaderModule struct {
	kernel Kernel
}

type pipelineLayout struct {
	bindingCount uint32
	pushSize     uint32
}

type pipeline struct {
	kernel        Kernel
	workgroupSize uint32
	bindingCount  uint32
}

type descriptorSet struct {
	bindingCount uint32
	bindings     []compute.BufferBinding
}

func (inst *Driver) deviceSpec(call string, device handle.Handle) (*simDevice, error) {
	o, err := inst.resolve(call, device, kindDevice, handle.Null)
	if err != nil {
		return nil, err
	}
	return o.payload.(*simDevice), nil
}

func (inst *Driver) CreateBuffer(device compute.Handle, size uint64) (compute.Handle, error) {
	dev, err := inst.deviceSpec("CreateBuffer", device)
	if err != nil {
		return compute.NullHandle, err
	}
	if size == 0 || size > uint64(dev.spec.Limits.MaxStorageBufferRange) {
		return compute.NullHandle, inst.violate("CreateBuffer", errors.ErrResourceCreation, "size %d outside (0, %d]", size, dev.spec.Limits.MaxStorageBufferRange)
	}
	return inst.create(kindBuffer, device, false, &buffer{size: size}), nil
}

func (inst *Driver) DestroyBuffer(device, buf compute.Handle) error {
	_, err := inst.destroy("DestroyBuffer", buf, kindBuffer, device)
	return err
}

func (inst *Driver) BufferMemoryRequirements(device, buf compute.Handle) (compute.MemoryRequirements, error) {
	dev, err := inst.deviceSpec("BufferMemoryRequirements", device)
	if err != nil {
		return compute.MemoryRequirements{}, err
	}
	o, err := inst.resolve("BufferMemoryRequirements", buf, kindBuffer, device)
	if err != nil {
		return compute.MemoryRequirements{}, err
	}
	return compute.MemoryRequirements{
		Size:      util_math.AlignUp(o.payload.(*buffer).size, bufferAlignment),
		Alignment: bufferAlignment,
		TypeBits:  dev.spec.BufferTypeBits,
	}, nil
}

func (inst *Driver) AllocateMemory(device compute.Handle, size uint64, typeIndex uint32) (compute.Handle, error) {
	dev, err := inst.deviceSpec("AllocateMemory", device)
	if err != nil {
		return compute.NullHandle, err
	}
	if int(typeIndex) >= len(dev.spec.MemoryTypes) {
		return compute.NullHandle, inst.violate("AllocateMemory", errors.ErrNoMemoryType, "memory type %d out of range", typeIndex)
	}

	data, err := allocHostMemory(size)
	if err != nil {
		return compute.NullHandle, fmt.Errorf("%w: %w", errors.ErrResourceCreation, err)
	}
	return inst.create(kindMemory, device, false, &memory{
		typeIndex: typeIndex,
		flags:     dev.spec.MemoryTypes[typeIndex].PropertyFlags,
		device:    data,
	}), nil
}

func (inst *Driver) FreeMemory(device, mem compute.Handle) error {
	o, err := inst.destroy("FreeMemory", mem, kindMemory, device)
	if o != nil {
		m := o.payload.(*memory)
		err = multierr.Append(err, freeHostMemory(m.device))
		m.device, m.host = nil, nil
	}
	return err
}

func (inst *Driver) BindBufferMemory(device, buf, mem compute.Handle) error {
	if err := inst.checkParent("BindBufferMemory", device); err != nil {
		return err
	}
	bo, err := inst.resolve("BindBufferMemory", buf, kindBuffer, device)
	if err != nil {
		return err
	}
	mo, err := inst.resolve("BindBufferMemory", mem, kindMemory, device)
	if err != nil {
		return err
	}

	b, m := bo.payload.(*buffer), mo.payload.(*memory)
	if b.memory != handle.Null {
		return inst.violate("BindBufferMemory", errors.ErrResourceCreation, "buffer %#x is already bound", uint64(buf))
	}
	if uint64(len(m.device)) < b.size {
		return inst.violate("BindBufferMemory", errors.ErrResourceCreation, "memory of %d bytes cannot back a %d byte buffer", len(m.device), b.size)
	}
	if dev, _ := inst.deviceSpec("BindBufferMemory", device); dev != nil && dev.spec.BufferTypeBits&(1<<m.typeIndex) == 0 {
		return inst.violate("BindBufferMemory", errors.ErrNoMemoryType, "memory type %d not allowed for buffers", m.typeIndex)
	}
	b.memory = mem
	return nil
}

func (inst *Driver) MapMemory(device, mem compute.Handle, size uint64) ([]byte, error) {
	if err := inst.checkParent("MapMemory", device); err != nil {
		return nil, err
	}
	o, err := inst.resolve("MapMemory", mem, kindMemory, device)
	if err != nil {
		return nil, err
	}

	m := o.payload.(*memory)
	switch {
	case !m.flags.Has(compute.MemoryHostVisible):
		return nil, inst.violate("MapMemory", errors.ErrMemoryNotHostVisible, "memory type %d", m.typeIndex)
	case m.mapped:
		return nil, inst.violate("MapMemory", errors.ErrResourceCreation, "memory %#x is already mapped", uint64(mem))
	case size > uint64(len(m.device)):
		return nil, inst.violate("MapMemory", errors.ErrResourceCreation, "map of %d bytes exceeds allocation of %d", size, len(m.device))
	}

	if m.flags.Has(compute.MemoryHostCoherent) {
		m.host = m.device
	} else {
		// without flush/invalidate calls a non-coherent mapping never sees
		// device writes, nor the device host writes
		m.host = append([]byte(nil), m.device...)
	}
	m.mapped = true
	return m.host[:size:size], nil
}

func (inst *Driver) UnmapMemory(device, mem compute.Handle) error {
	if err := inst.checkParent("UnmapMemory", device); err != nil {
		return err
	}
	o, err := inst.resolve("UnmapMemory", mem, kindMemory, device)
	if err != nil {
		return err
	}
	m := o.payload.(*memory)
	if !m.mapped {
		return inst.violate("UnmapMemory", errors.ErrResourceCreation, "memory %#x is not mapped", uint64(mem))
	}
	m.mapped, m.host = false, nil
	return nil
}

func (inst *Driver) CreateShaderModule(device compute.Handle, code []uint32) (compute.Handle, error) {
	if err := inst.checkParent("CreateShaderModule", device); err != nil {
		return compute.NullHandle, err
	}
	name, err := parseBlob(code)
	if err != nil {
		return compute.NullHandle, err
	}

	inst.mu.Lock()
	k, ok := inst.kernels[name]
	inst.mu.Unlock()
	if !ok {
		return compute.NullHandle, fmt.Errorf("%w: no software kernel named %q", errors.ErrInvalidKernelBlob, name)
	}
	return inst.create(kindShaderModule, device, false, &shaderModule{kernel: k}), nil
}

func (inst *Driver) DestroyShaderModule(device, module compute.Handle) error {
	_, err := inst.destroy("DestroyShaderModule", module, kindShaderModule, device)
	return err
}

func (inst *Driver) CreateDescriptorSetLayout(device compute.Handle, bindingCount uint32) (compute.Handle, error) {
	if err := inst.checkParent("CreateDescriptorSetLayout", device); err != nil {
		return compute.NullHandle, err
	}
	return inst.create(kindSetLayout, device, false, bindingCount), nil
}

func (inst *Driver) DestroyDescriptorSetLayout(device, layout compute.Handle) error {
	_, err := inst.destroy("DestroyDescriptorSetLayout", layout, kindSetLayout, device)
	return err
}

func (inst *Driver) CreateDescriptorPool(device compute.Handle, bindingCount uint32) (compute.Handle, error) {
	if err := inst.checkParent("CreateDescriptorPool", device); err != nil {
		return compute.NullHandle, err
	}
	return inst.create(kindDescriptorPool, device, false, bindingCount), nil
}

func (inst *Driver) DestroyDescriptorPool(device, pool compute.Handle) error {
	_, err := inst.destroy("DestroyDescriptorPool", pool, kindDescriptorPool, device)
	return err
}

func (inst *Driver) AllocateDescriptorSet(device, pool, layout compute.Handle) (compute.Handle, error) {
	if err := inst.checkParent("AllocateDescriptorSet", device); err != nil {
		return compute.NullHandle, err
	}
	po, err := inst.resolve("AllocateDescriptorSet", pool, kindDescriptorPool, device)
	if err != nil {
		return compute.NullHandle, err
	}
	lo, err := inst.resolve("AllocateDescriptorSet", layout, kindSetLayout, device)
	if err != nil {
		return compute.NullHandle, err
	}
	n := lo.payload.(uint32)
	if n > po.payload.(uint32) {
		return compute.NullHandle, inst.violate("AllocateDescriptorSet", errors.ErrResourceCreation, "pool holds %d descriptors, layout needs %d", po.payload.(uint32), n)
	}
	return inst.create(kindDescriptorSet, pool, false, &descriptorSet{bindingCount: n}), nil
}

func (inst *Driver) FreeDescriptorSet(device, pool, set compute.Handle) error {
	if err := inst.checkParent("FreeDescriptorSet", device); err != nil {
		return err
	}
	_, err := inst.destroy("FreeDescriptorSet", set, kindDescriptorSet, pool)
	return err
}

func (inst *Driver) UpdateDescriptorSet(device, set compute.Handle, bindings []compute.BufferBinding) error {
	if err := inst.checkParent("UpdateDescriptorSet", device); err != nil {
		return err
	}
	o, err := inst.resolve("UpdateDescriptorSet", set, kindDescriptorSet, handle.Null)
	if err != nil {
		return err
	}

	ds := o.payload.(*descriptorSet)
	if uint32(len(bindings)) != ds.bindingCount {
		return inst.violate("UpdateDescriptorSet", errors.ErrBindingMismatch, "%d bindings written to a set of %d", len(bindings), ds.bindingCount)
	}
	for i, b := range bindings {
		if b.Binding != uint32(i) {
			return inst.violate("UpdateDescriptorSet", errors.ErrBindingMismatch, "binding %d written at position %d", b.Binding, i)
		}
		if _, err = inst.resolve("UpdateDescriptorSet", b.Buffer, kindBuffer, device); err != nil {
			return err
		}
	}
	ds.bindings = append(ds.bindings[:0], bindings...)
	return nil
}

func (inst *Driver) CreatePipelineLayout(device, setLayout compute.Handle, pushConstantSize uint32) (compute.Handle, error) {
	dev, err := inst.deviceSpec("CreatePipelineLayout", device)
	if err != nil {
		return compute.NullHandle, err
	}
	lo, err := inst.resolve("CreatePipelineLayout", setLayout, kindSetLayout, device)
	if err != nil {
		return compute.NullHandle, err
	}
	if pushConstantSize > dev.spec.Limits.MaxPushConstantsSize || pushConstantSize%4 != 0 {
		return compute.NullHandle, inst.violate("CreatePipelineLayout", errors.ErrResourceCreation, "push constant block of %d bytes", pushConstantSize)
	}
	return inst.create(kindPipelineLayout, device, false, &pipelineLayout{
		bindingCount: lo.payload.(uint32),
		pushSize:     pushConstantSize,
	}), nil
}

func (inst *Driver) DestroyPipelineLayout(device, layout compute.Handle) error {
	_, err := inst.destroy("DestroyPipelineLayout", layout, kindPipelineLayout, device)
	return err
}

func (inst *Driver) CreateComputePipeline(device, layout, module compute.Handle, workgroupSize uint32) (compute.Handle, error) {
	dev, err := inst.deviceSpec("CreateComputePipeline", device)
	if err != nil {
		return compute.NullHandle, err
	}
	lo, err := inst.resolve("CreateComputePipeline", layout, kindPipelineLayout, device)
	if err != nil {
		return compute.NullHandle, err
	}
	mo, err := inst.resolve("CreateComputePipeline", module, kindShaderModule, device)
	if err != nil {
		return compute.NullHandle, err
	}

	if workgroupSize == 0 || workgroupSize > dev.spec.Limits.MaxComputeWorkGroupSize[0] {
		return compute.NullHandle, inst.violate("CreateComputePipeline", errors.ErrInvalidGeometry, "workgroup size %d outside [1, %d]", workgroupSize, dev.spec.Limits.MaxComputeWorkGroupSize[0])
	}
	k := mo.payload.(*shaderModule).kernel
	n := lo.payload.(*pipelineLayout).bindingCount
	if !k.accepts(n) {
		return compute.NullHandle, inst.violate("CreateComputePipeline", errors.ErrBindingMismatch, "kernel %q takes %d..%d bindings, layout has %d", k.Name, k.MinBindings, k.maxBindings(), n)
	}
	return inst.create(kindPipeline, device, false, &pipeline{kernel: k, workgroupSize: workgroupSize, bindingCount: n}), nil
}

func (inst *Driver) DestroyPipeline(device, p compute.Handle) error {
	_, err := inst.destroy("DestroyPipeline", p, kindPipeline, device)
	return err
}
