//go:build vulkan

// Package vulkan implements compute.Driver on the system Vulkan loader.
// It is built only with the vulkan build tag since it needs cgo and the
// loader headers.
package vulkan

import (
	"fmt"
	"math"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/internal/handle"
	"github.com/tezrry/gpulock/pkg/errors"
)

// Name is the name the driver registers under.
const Name = "vulkan"

const validationLayer = "VK_LAYER_KHRONOS_validation\x00"

func init() {
	compute.Register(Name, func() (compute.Driver, error) {
		return New()
	})
}

type instance struct {
	vk       vk.Instance
	callback vk.DebugReportCallback
	debug    bool
}

type device struct {
	vk       vk.Device
	physical vk.PhysicalDevice
}

type memory struct {
	vk vk.DeviceMemory
}

type descriptorPool struct {
	vk vk.DescriptorPool
}

type pipelineLayout struct {
	vk vk.PipelineLayout
}

// Driver maps compute handles to Vulkan objects.
type Driver struct {
	objects handle.Registry[any]
}

var _ compute.Driver = (*Driver)(nil)

// New loads the Vulkan loader's entry points.
func New() (*Driver, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrEnvironment, err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrEnvironment, err)
	}
	return &Driver{}, nil
}

func get[T any](inst *Driver, h compute.Handle) (T, error) {
	v, ok := inst.objects.Get(h)
	if t, isT := v.(T); ok && isT {
		return t, nil
	}
	var zero T
	return zero, fmt.Errorf("%w: %T handle %#x", errors.ErrStaleHandle, zero, uint64(h))
}

func remove[T any](inst *Driver, h compute.Handle) (T, error) {
	t, err := get[T](inst, h)
	if err == nil {
		inst.objects.Remove(h)
	}
	return t, err
}

func check(call string, res vk.Result) error {
	if err := vk.Error(res); err != nil {
		return fmt.Errorf("%s: %w", call, err)
	}
	return nil
}

func (inst *Driver) CreateInstance(enableDiagnostics bool, diag compute.DiagnosticFunc) (compute.Handle, error) {
	info := vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   "gpulock\x00",
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			PEngineName:        "gpulock\x00",
			EngineVersion:      vk.MakeVersion(1, 0, 0),
			ApiVersion:         vk.MakeVersion(1, 0, 0),
		},
	}
	if enableDiagnostics {
		info.EnabledLayerCount = 1
		info.PpEnabledLayerNames = []string{validationLayer}
		info.EnabledExtensionCount = 1
		info.PpEnabledExtensionNames = []string{vk.ExtDebugReportExtensionName + "\x00"}
	}

	var in vk.Instance
	if err := check("vkCreateInstance", vk.CreateInstance(&info, nil, &in)); err != nil {
		return compute.NullHandle, err
	}
	if err := vk.InitInstance(in); err != nil {
		vk.DestroyInstance(in, nil)
		return compute.NullHandle, err
	}

	obj := &instance{vk: in}
	if enableDiagnostics && diag != nil {
		cb := vk.DebugReportCallbackCreateInfo{
			SType: vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags: vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit |
				vk.DebugReportPerformanceWarningBit | vk.DebugReportInformationBit),
			PfnCallback: func(flags vk.DebugReportFlags, _ vk.DebugReportObjectType, _ uint64, _ uint,
				_ int32, layer string, msg string, _ unsafe.Pointer) vk.Bool32 {
				severity := compute.SeverityInfo
				switch {
				case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
					severity = compute.SeverityError
				case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
					severity = compute.SeverityWarning
				}
				diag(severity, layer+": "+msg)
				return vk.False
			},
		}
		if err := check("vkCreateDebugReportCallbackEXT", vk.CreateDebugReportCallback(in, &cb, nil, &obj.callback)); err != nil {
			vk.DestroyInstance(in, nil)
			return compute.NullHandle, err
		}
		obj.debug = true
	}
	return inst.objects.Insert(obj), nil
}

func (inst *Driver) DestroyInstance(h compute.Handle) error {
	in, err := remove[*instance](inst, h)
	if err != nil {
		return err
	}
	if in.debug {
		vk.DestroyDebugReportCallback(in.vk, in.callback, nil)
	}
	vk.DestroyInstance(in.vk, nil)
	return nil
}

func (inst *Driver) EnumeratePhysicalDevices(h compute.Handle) ([]compute.PhysicalDeviceInfo, error) {
	in, err := get[*instance](inst, h)
	if err != nil {
		return nil, err
	}

	var count uint32
	if err = check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(in.vk, &count, nil)); err != nil {
		return nil, err
	}
	pds := make([]vk.PhysicalDevice, count)
	if err = check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(in.vk, &count, pds)); err != nil {
		return nil, err
	}

	infos := make([]compute.PhysicalDeviceInfo, 0, count)
	for _, pd := range pds[:count] {
		infos = append(infos, describe(pd))
		// physical devices live as long as the instance
		infos[len(infos)-1].Handle = inst.objects.Insert(pd)
	}
	return infos, nil
}

func describe(pd vk.PhysicalDevice) compute.PhysicalDeviceInfo {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &props)
	props.Deref()
	props.Limits.Deref()

	info := compute.PhysicalDeviceInfo{
		Properties: compute.DeviceProperties{
			Name:       vk.ToString(props.DeviceName[:]),
			Type:       compute.DeviceType(props.DeviceType),
			VendorID:   props.VendorID,
			DeviceID:   props.DeviceID,
			APIVersion: props.ApiVersion,
			Limits: compute.Limits{
				MaxComputeWorkGroupInvocations: props.Limits.MaxComputeWorkGroupInvocations,
				MaxComputeWorkGroupCount:       props.Limits.MaxComputeWorkGroupCount,
				MaxComputeWorkGroupSize:        props.Limits.MaxComputeWorkGroupSize,
				MaxPushConstantsSize:           props.Limits.MaxPushConstantsSize,
				MaxStorageBufferRange:          props.Limits.MaxStorageBufferRange,
			},
		},
	}

	var n uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &n, nil)
	families := make([]vk.QueueFamilyProperties, n)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &n, families)
	for _, f := range families {
		f.Deref()
		info.QueueFamilies = append(info.QueueFamilies, compute.QueueFamily{
			Flags: compute.QueueFlags(f.QueueFlags),
			Count: f.QueueCount,
		})
	}

	var mem vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &mem)
	mem.Deref()
	for i := uint32(0); i < mem.MemoryTypeCount; i++ {
		t := mem.MemoryTypes[i]
		t.Deref()
		info.MemoryTypes = append(info.MemoryTypes, compute.MemoryType{
			PropertyFlags: compute.MemoryPropertyFlags(t.PropertyFlags),
			HeapIndex:     t.HeapIndex,
		})
	}
	return info
}

func (inst *Driver) CreateDevice(physical compute.Handle, queueFamily uint32) (compute.Handle, error) {
	pd, err := get[vk.PhysicalDevice](inst, physical)
	if err != nil {
		return compute.NullHandle, err
	}

	info := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: queueFamily,
			QueueCount:       1,
			PQueuePriorities: []float32{1},
		}},
	}
	var d vk.Device
	if err = check("vkCreateDevice", vk.CreateDevice(pd, &info, nil, &d)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(&device{vk: d, physical: pd}), nil
}

func (inst *Driver) DestroyDevice(h compute.Handle) error {
	d, err := remove[*device](inst, h)
	if err != nil {
		return err
	}
	vk.DestroyDevice(d.vk, nil)
	return nil
}

func (inst *Driver) GetQueue(h compute.Handle, queueFamily, index uint32) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	var q vk.Queue
	vk.GetDeviceQueue(d.vk, queueFamily, index, &q)
	return inst.objects.Insert(q), nil
}

func (inst *Driver) CreateCommandPool(h compute.Handle, queueFamily uint32) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: queueFamily,
	}
	var pool vk.CommandPool
	if err = check("vkCreateCommandPool", vk.CreateCommandPool(d.vk, &info, nil, &pool)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(pool), nil
}

func (inst *Driver) DestroyCommandPool(h, pool compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	p, err := remove[vk.CommandPool](inst, pool)
	if err != nil {
		return err
	}
	vk.DestroyCommandPool(d.vk, p, nil)
	return nil
}

func (inst *Driver) AllocateCommandBuffer(h, pool compute.Handle) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	p, err := get[vk.CommandPool](inst, pool)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cmds := make([]vk.CommandBuffer, 1)
	if err = check("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(d.vk, &info, cmds)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(cmds[0]), nil
}

func (inst *Driver) CreateBuffer(h compute.Handle, size uint64) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit),
		SharingMode: vk.SharingModeExclusive,
	}
	var buf vk.Buffer
	if err = check("vkCreateBuffer", vk.CreateBuffer(d.vk, &info, nil, &buf)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(buf), nil
}

func (inst *Driver) DestroyBuffer(h, buf compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	b, err := remove[vk.Buffer](inst, buf)
	if err != nil {
		return err
	}
	vk.DestroyBuffer(d.vk, b, nil)
	return nil
}

func (inst *Driver) BufferMemoryRequirements(h, buf compute.Handle) (compute.MemoryRequirements, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.MemoryRequirements{}, err
	}
	b, err := get[vk.Buffer](inst, buf)
	if err != nil {
		return compute.MemoryRequirements{}, err
	}
	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.vk, b, &req)
	req.Deref()
	return compute.MemoryRequirements{
		Size:      uint64(req.Size),
		Alignment: uint64(req.Alignment),
		TypeBits:  req.MemoryTypeBits,
	}, nil
}

func (inst *Driver) AllocateMemory(h compute.Handle, size uint64, typeIndex uint32) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: typeIndex,
	}
	var mem vk.DeviceMemory
	if err = check("vkAllocateMemory", vk.AllocateMemory(d.vk, &info, nil, &mem)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(&memory{vk: mem}), nil
}

func (inst *Driver) FreeMemory(h, mem compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	m, err := remove[*memory](inst, mem)
	if err != nil {
		return err
	}
	vk.FreeMemory(d.vk, m.vk, nil)
	return nil
}

func (inst *Driver) BindBufferMemory(h, buf, mem compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	b, err := get[vk.Buffer](inst, buf)
	if err != nil {
		return err
	}
	m, err := get[*memory](inst, mem)
	if err != nil {
		return err
	}
	return check("vkBindBufferMemory", vk.BindBufferMemory(d.vk, b, m.vk, 0))
}

func (inst *Driver) MapMemory(h, mem compute.Handle, size uint64) ([]byte, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return nil, err
	}
	m, err := get[*memory](inst, mem)
	if err != nil {
		return nil, err
	}
	var p unsafe.Pointer
	if err = check("vkMapMemory", vk.MapMemory(d.vk, m.vk, 0, vk.DeviceSize(size), 0, &p)); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (inst *Driver) UnmapMemory(h, mem compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	m, err := get[*memory](inst, mem)
	if err != nil {
		return err
	}
	vk.UnmapMemory(d.vk, m.vk)
	return nil
}

func (inst *Driver) CreateShaderModule(h compute.Handle, code []uint32) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code) * compute.WordSize),
		PCode:    code,
	}
	var module vk.ShaderModule
	if err = check("vkCreateShaderModule", vk.CreateShaderModule(d.vk, &info, nil, &module)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(module), nil
}

func (inst *Driver) DestroyShaderModule(h, module compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	m, err := remove[vk.ShaderModule](inst, module)
	if err != nil {
		return err
	}
	vk.DestroyShaderModule(d.vk, m, nil)
	return nil
}

func (inst *Driver) CreateDescriptorSetLayout(h compute.Handle, bindingCount uint32) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	bindings := make([]vk.DescriptorSetLayoutBinding, bindingCount)
	for i := range bindings {
		bindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         uint32(i),
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		}
	}
	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: bindingCount,
		PBindings:    bindings,
	}
	var layout vk.DescriptorSetLayout
	if err = check("vkCreateDescriptorSetLayout", vk.CreateDescriptorSetLayout(d.vk, &info, nil, &layout)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(layout), nil
}

func (inst *Driver) DestroyDescriptorSetLayout(h, layout compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	l, err := remove[vk.DescriptorSetLayout](inst, layout)
	if err != nil {
		return err
	}
	vk.DestroyDescriptorSetLayout(d.vk, l, nil)
	return nil
}

func (inst *Driver) CreateDescriptorPool(h compute.Handle, bindingCount uint32) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       1,
		PoolSizeCount: 1,
		PPoolSizes: []vk.DescriptorPoolSize{{
			Type:            vk.DescriptorTypeStorageBuffer,
			DescriptorCount: bindingCount,
		}},
	}
	var pool vk.DescriptorPool
	if err = check("vkCreateDescriptorPool", vk.CreateDescriptorPool(d.vk, &info, nil, &pool)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(&descriptorPool{vk: pool}), nil
}

func (inst *Driver) DestroyDescriptorPool(h, pool compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	p, err := remove[*descriptorPool](inst, pool)
	if err != nil {
		return err
	}
	vk.DestroyDescriptorPool(d.vk, p.vk, nil)
	return nil
}

func (inst *Driver) AllocateDescriptorSet(h, pool, layout compute.Handle) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	p, err := get[*descriptorPool](inst, pool)
	if err != nil {
		return compute.NullHandle, err
	}
	l, err := get[vk.DescriptorSetLayout](inst, layout)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     p.vk,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{l},
	}
	var set vk.DescriptorSet
	if err = check("vkAllocateDescriptorSets", vk.AllocateDescriptorSets(d.vk, &info, &set)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(set), nil
}

func (inst *Driver) FreeDescriptorSet(h, pool, set compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	p, err := get[*descriptorPool](inst, pool)
	if err != nil {
		return err
	}
	s, err := remove[vk.DescriptorSet](inst, set)
	if err != nil {
		return err
	}
	return check("vkFreeDescriptorSets", vk.FreeDescriptorSets(d.vk, p.vk, 1, &s))
}

func (inst *Driver) UpdateDescriptorSet(h, set compute.Handle, bindings []compute.BufferBinding) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	s, err := get[vk.DescriptorSet](inst, set)
	if err != nil {
		return err
	}

	writes := make([]vk.WriteDescriptorSet, len(bindings))
	for i, b := range bindings {
		buf, err := get[vk.Buffer](inst, b.Buffer)
		if err != nil {
			return err
		}
		writes[i] = vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          s,
			DstBinding:      b.Binding,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			PBufferInfo: []vk.DescriptorBufferInfo{{
				Buffer: buf,
				Range:  vk.DeviceSize(b.Range),
			}},
		}
	}
	vk.UpdateDescriptorSets(d.vk, uint32(len(writes)), writes, 0, nil)
	return nil
}

func (inst *Driver) CreatePipelineLayout(h, setLayout compute.Handle, pushConstantSize uint32) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	l, err := get[vk.DescriptorSetLayout](inst, setLayout)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         1,
		PSetLayouts:            []vk.DescriptorSetLayout{l},
		PushConstantRangeCount: 1,
		PPushConstantRanges: []vk.PushConstantRange{{
			StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit),
			Size:       pushConstantSize,
		}},
	}
	var layout vk.PipelineLayout
	if err = check("vkCreatePipelineLayout", vk.CreatePipelineLayout(d.vk, &info, nil, &layout)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(&pipelineLayout{vk: layout}), nil
}

func (inst *Driver) DestroyPipelineLayout(h, layout compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	l, err := remove[*pipelineLayout](inst, layout)
	if err != nil {
		return err
	}
	vk.DestroyPipelineLayout(d.vk, l.vk, nil)
	return nil
}

// CreateComputePipeline specializes constant 0 of the "main" entry point
// with the workgroup size.
func (inst *Driver) CreateComputePipeline(h, layout, module compute.Handle, workgroupSize uint32) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	l, err := get[*pipelineLayout](inst, layout)
	if err != nil {
		return compute.NullHandle, err
	}
	m, err := get[vk.ShaderModule](inst, module)
	if err != nil {
		return compute.NullHandle, err
	}

	spec := []uint32{workgroupSize}
	info := vk.ComputePipelineCreateInfo{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: m,
			PName:  "main\x00",
			PSpecializationInfo: []vk.SpecializationInfo{{
				MapEntryCount: 1,
				PMapEntries:   []vk.SpecializationMapEntry{{ConstantID: 0, Offset: 0, Size: 4}},
				DataSize:      4,
				PData:         unsafe.Pointer(&spec[0]),
			}},
		},
		Layout: l.vk,
	}
	pipelines := make([]vk.Pipeline, 1)
	res := vk.CreateComputePipelines(d.vk, vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{info}, nil, pipelines)
	if err = check("vkCreateComputePipelines", res); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(pipelines[0]), nil
}

func (inst *Driver) DestroyPipeline(h, p compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	pl, err := remove[vk.Pipeline](inst, p)
	if err != nil {
		return err
	}
	vk.DestroyPipeline(d.vk, pl, nil)
	return nil
}

func (inst *Driver) RecordDispatch(h, cmd compute.Handle, rec compute.DispatchRecord) error {
	if _, err := get[*device](inst, h); err != nil {
		return err
	}
	cb, err := get[vk.CommandBuffer](inst, cmd)
	if err != nil {
		return err
	}
	p, err := get[vk.Pipeline](inst, rec.Pipeline)
	if err != nil {
		return err
	}
	l, err := get[*pipelineLayout](inst, rec.PipelineLayout)
	if err != nil {
		return err
	}
	s, err := get[vk.DescriptorSet](inst, rec.DescriptorSet)
	if err != nil {
		return err
	}

	if err = check("vkResetCommandBuffer", vk.ResetCommandBuffer(cb, 0)); err != nil {
		return err
	}
	begin := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	if err = check("vkBeginCommandBuffer", vk.BeginCommandBuffer(cb, &begin)); err != nil {
		return err
	}
	words := rec.Push.Words()
	vk.CmdBindPipeline(cb, vk.PipelineBindPointCompute, p)
	vk.CmdBindDescriptorSets(cb, vk.PipelineBindPointCompute, l.vk, 0, 1, []vk.DescriptorSet{s}, 0, nil)
	vk.CmdPushConstants(cb, l.vk, vk.ShaderStageFlags(vk.ShaderStageComputeBit), 0, compute.PushConstantsSize, unsafe.Pointer(&words[0]))
	vk.CmdDispatch(cb, rec.GroupCount, 1, 1)
	return check("vkEndCommandBuffer", vk.EndCommandBuffer(cb))
}

func (inst *Driver) CreateFence(h compute.Handle) (compute.Handle, error) {
	d, err := get[*device](inst, h)
	if err != nil {
		return compute.NullHandle, err
	}
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var f vk.Fence
	if err = check("vkCreateFence", vk.CreateFence(d.vk, &info, nil, &f)); err != nil {
		return compute.NullHandle, err
	}
	return inst.objects.Insert(f), nil
}

func (inst *Driver) DestroyFence(h, fence compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	f, err := remove[vk.Fence](inst, fence)
	if err != nil {
		return err
	}
	vk.DestroyFence(d.vk, f, nil)
	return nil
}

func (inst *Driver) Submit(h, queue, cmd, fence compute.Handle) error {
	if _, err := get[*device](inst, h); err != nil {
		return err
	}
	q, err := get[vk.Queue](inst, queue)
	if err != nil {
		return err
	}
	cb, err := get[vk.CommandBuffer](inst, cmd)
	if err != nil {
		return err
	}
	f, err := get[vk.Fence](inst, fence)
	if err != nil {
		return err
	}
	submit := []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cb},
	}}
	return check("vkQueueSubmit", vk.QueueSubmit(q, 1, submit, f))
}

func (inst *Driver) WaitForFence(h, fence compute.Handle) error {
	d, err := get[*device](inst, h)
	if err != nil {
		return err
	}
	f, err := get[vk.Fence](inst, fence)
	if err != nil {
		return err
	}
	return check("vkWaitForFences", vk.WaitForFences(d.vk, 1, []vk.Fence{f}, vk.True, math.MaxUint64))
}
