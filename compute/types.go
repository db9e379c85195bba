package compute

import (
	"github.com/tezrry/gpulock/internal/handle"
)

// Handle is an opaque driver object reference.
type Handle = handle.Handle

const NullHandle = handle.Null

// DeviceType is the class of a physical device. Values follow the
// VkPhysicalDeviceType enumeration.
type DeviceType uint32

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeOther:
		return "VK_PHYSICAL_DEVICE_TYPE_OTHER"
	case DeviceTypeIntegratedGPU:
		return "VK_PHYSICAL_DEVICE_TYPE_INTEGRATED_GPU"
	case DeviceTypeDiscreteGPU:
		return "VK_PHYSICAL_DEVICE_TYPE_DISCRETE_GPU"
	case DeviceTypeVirtualGPU:
		return "VK_PHYSICAL_DEVICE_TYPE_VIRTUAL_GPU"
	case DeviceTypeCPU:
		return "VK_PHYSICAL_DEVICE_TYPE_CPU"
	}
	return "UNKNOWN_DEVICE_TYPE"
}

// MemoryPropertyFlags mirror VkMemoryPropertyFlagBits.
type MemoryPropertyFlags uint32

const (
	MemoryDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
	MemoryLazilyAllocated
)

// Has reports whether every bit of want is set in f.
func (f MemoryPropertyFlags) Has(want MemoryPropertyFlags) bool {
	return f&want == want
}

// QueueFlags mirror VkQueueFlagBits.
type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
	QueueSparseBinding
)

type QueueFamily struct {
	Flags QueueFlags
	Count uint32
}

type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     uint32
}

// MemoryRequirements of a buffer: Size is already aligned, TypeBits has bit i
// set when memory type i may back the buffer.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	TypeBits  uint32
}

type Limits struct {
	MaxComputeWorkGroupInvocations uint32
	MaxComputeWorkGroupCount       [3]uint32
	MaxComputeWorkGroupSize        [3]uint32
	MaxPushConstantsSize           uint32
	MaxStorageBufferRange          uint32
}

type DeviceProperties struct {
	Name       string
	Type       DeviceType
	VendorID   uint32
	DeviceID   uint32
	APIVersion uint32
	Limits     Limits
}

// PhysicalDeviceInfo describes an enumerated, not yet opened, device.
type PhysicalDeviceInfo struct {
	Handle        Handle
	Properties    DeviceProperties
	QueueFamilies []QueueFamily
	MemoryTypes   []MemoryType
}

// PushConstantsSize is the byte size of the inline parameter block every
// kernel pipeline layout declares.
const PushConstantsSize = 20

// PushConstants is the 20-byte scalar block pushed inline with each dispatch.
type PushConstants struct {
	WorkgroupCount uint32
	WorkgroupSize  uint32
	Word2          uint32
	Word3          uint32
	Word4          uint32
}

// Words returns the block in declaration order, the layout kernels read.
func (p PushConstants) Words() [PushConstantsSize / 4]uint32 {
	return [...]uint32{p.WorkgroupCount, p.WorkgroupSize, p.Word2, p.Word3, p.Word4}
}

// BufferBinding attaches a whole buffer to slot Binding of a descriptor set.
type BufferBinding struct {
	Binding uint32
	Buffer  Handle
	Range   uint64
}

// DispatchRecord is the command sequence recorded into a command buffer:
// bind pipeline, bind set, push constants, dispatch GroupCount 1-D workgroups.
type DispatchRecord struct {
	Pipeline       Handle
	PipelineLayout Handle
	DescriptorSet  Handle
	Push           PushConstants
	GroupCount     uint32
}
