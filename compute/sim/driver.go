// Package sim is a software compute driver. It executes kernels written in Go
// on host goroutines, backs buffers with mmap'd host memory and tracks the
// parent/child relation of every object it hands out, so teardown-order
// mistakes that a hardware driver would silently accept surface as
// violations.
package sim

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/internal/handle"
	"github.com/tezrry/gpulock/pkg/errors"
)

// Name is the name the driver registers under.
const Name = "sim"

func init() {
	compute.Register(Name, func() (compute.Driver, error) {
		return New(), nil
	})
}

type kind uint8

const (
	kindInstance kind = iota
	kindPhysicalDevice
	kindDevice
	kindQueue
	kindCommandPool
	kindCommandBuffer
	kindBuffer
	kindMemory
	kindShaderModule
	kindSetLayout
	kindDescriptorPool
	kindDescriptorSet
	kindPipelineLayout
	kindPipeline
	kindFence
)

var kindNames = [...]string{
	kindInstance:       "instance",
	kindPhysicalDevice: "physical device",
	kindDevice:         "device",
	kindQueue:          "queue",
	kindCommandPool:    "command pool",
	kindCommandBuffer:  "command buffer",
	kindBuffer:         "buffer",
	kindMemory:         "device memory",
	kindShaderModule:   "shader module",
	kindSetLayout:      "descriptor set layout",
	kindDescriptorPool: "descriptor pool",
	kindDescriptorSet:  "descriptor set",
	kindPipelineLayout: "pipeline layout",
	kindPipeline:       "pipeline",
	kindFence:          "fence",
}

func (k kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "object"
}

type object struct {
	kind     kind
	parent   handle.Handle
	children int
	// owned objects die with their parent and never count as its children
	owned   bool
	payload any
}

// Violation is an API usage error the driver detected.
type Violation struct {
	Call string
	Err  error
	Msg  string
}

func (v Violation) String() string {
	return v.Call + ": " + v.Msg
}

// DeviceSpec describes one physical device the driver exposes.
type DeviceSpec struct {
	Name          string
	Type          compute.DeviceType
	Limits        compute.Limits
	QueueFamilies []compute.QueueFamily
	MemoryTypes   []compute.MemoryType
	// BufferTypeBits is the memory type mask reported for every buffer.
	BufferTypeBits uint32
	// Concurrency is the number of goroutines executing workgroups.
	Concurrency int
}

// DefaultDevice is a CPU-class device whose memory table lists a device-local
// type and a host-visible but non-coherent type ahead of the coherent ones.
func DefaultDevice() DeviceSpec {
	return DeviceSpec{
		Name: "gpulock software device",
		Type: compute.DeviceTypeCPU,
		Limits: compute.Limits{
			MaxComputeWorkGroupInvocations: 1024,
			MaxComputeWorkGroupCount:       [3]uint32{65535, 65535, 65535},
			MaxComputeWorkGroupSize:        [3]uint32{1024, 1024, 64},
			MaxPushConstantsSize:           128,
			MaxStorageBufferRange:          1 << 27,
		},
		QueueFamilies: []compute.QueueFamily{
			{Flags: compute.QueueTransfer, Count: 1},
			{Flags: compute.QueueCompute | compute.QueueTransfer, Count: 1},
		},
		MemoryTypes: []compute.MemoryType{
			{PropertyFlags: compute.MemoryDeviceLocal},
			{PropertyFlags: compute.MemoryHostVisible | compute.MemoryHostCached},
			{PropertyFlags: compute.MemoryHostVisible | compute.MemoryHostCoherent},
			{PropertyFlags: compute.MemoryHostVisible | compute.MemoryHostCoherent | compute.MemoryHostCached},
		},
		BufferTypeBits: 0b1111,
		Concurrency:    runtime.GOMAXPROCS(0) * 8,
	}
}

type Option func(d *Driver)

// WithDevices replaces the default device list. An empty list is valid.
func WithDevices(specs ...DeviceSpec) Option {
	return func(d *Driver) {
		d.specs = append([]DeviceSpec(nil), specs...)
	}
}

// WithKernel makes a Go kernel loadable from Blob(k.Name).
func WithKernel(k Kernel) Option {
	return func(d *Driver) {
		d.kernels[k.Name] = k
	}
}

// WithInstanceError makes CreateInstance fail with err.
func WithInstanceError(err error) Option {
	return func(d *Driver) {
		d.instanceErr = err
	}
}

// Driver implements compute.Driver in software.
type Driver struct {
	objects handle.Registry[*object]

	mu          sync.Mutex
	specs       []DeviceSpec
	kernels     map[string]Kernel
	instanceErr error
	diag        compute.DiagnosticFunc
	violations  []Violation
	dispatches  []Dispatch
}

var _ compute.Driver = (*Driver)(nil)

func New(opts ...Option) *Driver {
	d := &Driver{
		specs:   []DeviceSpec{DefaultDevice()},
		kernels: builtinKernels(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Violations returns every misuse detected so far.
func (inst *Driver) Violations() []Violation {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]Violation(nil), inst.violations...)
}

// LiveObjects counts created objects that were not destroyed, excluding
// objects owned by a live parent such as queues and physical devices.
func (inst *Driver) LiveObjects() int {
	n := 0
	inst.objects.Each(func(_ handle.Handle, o *object) {
		if !o.owned {
			n++
		}
	})
	return n
}

// Dispatches returns the geometry of every dispatch the devices executed.
func (inst *Driver) Dispatches() []Dispatch {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]Dispatch(nil), inst.dispatches...)
}

func (inst *Driver) violate(call string, err error, format string, args ...any) error {
	v := Violation{Call: call, Err: err, Msg: fmt.Sprintf(format, args...)}
	inst.mu.Lock()
	inst.violations = append(inst.violations, v)
	diag := inst.diag
	inst.mu.Unlock()

	if diag != nil {
		diag(compute.SeverityError, v.String())
	}
	return fmt.Errorf("%s: %w: %s", call, err, v.Msg)
}

func (inst *Driver) create(k kind, parent handle.Handle, owned bool, payload any) handle.Handle {
	if parent != handle.Null && !owned {
		if p, ok := inst.objects.Get(parent); ok {
			inst.mu.Lock()
			p.children++
			inst.mu.Unlock()
		}
	}
	return inst.objects.Insert(&object{kind: k, parent: parent, owned: owned, payload: payload})
}

// resolve looks h up and checks its kind and, unless parent is null, that
// it was created under parent.
func (inst *Driver) resolve(call string, h handle.Handle, k kind, parent handle.Handle) (*object, error) {
	o, ok := inst.objects.Get(h)
	if !ok {
		return nil, inst.violate(call, errors.ErrStaleHandle, "%s handle %#x is not alive", k, uint64(h))
	}
	if o.kind != k {
		return nil, inst.violate(call, errors.ErrStaleHandle, "handle %#x is a %s, want %s", uint64(h), o.kind, k)
	}
	if parent != handle.Null && o.parent != parent {
		return nil, inst.violate(call, errors.ErrStaleHandle, "%s %#x does not belong to %#x", k, uint64(h), uint64(parent))
	}
	return o, nil
}

// checkParent verifies the device passed to a call is still alive.
func (inst *Driver) checkParent(call string, device handle.Handle) error {
	_, err := inst.resolve(call, device, kindDevice, handle.Null)
	return err
}

// destroy removes h. Live children make it a teardown-order violation; the
// object is removed anyway and the children become orphans whose own
// destruction reports a stale parent.
func (inst *Driver) destroy(call string, h handle.Handle, k kind, parent handle.Handle) (*object, error) {
	o, err := inst.resolve(call, h, k, handle.Null)
	if err != nil {
		return nil, err
	}
	if parent != handle.Null && o.parent != parent {
		return nil, inst.violate(call, errors.ErrStaleHandle, "%s %#x does not belong to %#x", k, uint64(h), uint64(parent))
	}
	if o.parent != handle.Null {
		if _, ok := inst.objects.Get(o.parent); !ok {
			err = multierr.Append(err, inst.violate(call, errors.ErrStaleHandle, "parent %#x of %s %#x was destroyed first", uint64(o.parent), k, uint64(h)))
		}
	}

	inst.mu.Lock()
	children := o.children
	inst.mu.Unlock()
	if children > 0 {
		err = multierr.Append(err, inst.violate(call, errors.ErrTeardownOrder, "%s %#x destroyed with %d live child object(s)", k, uint64(h), children))
	}

	inst.objects.Remove(h)
	if !o.owned {
		if p, ok := inst.objects.Get(o.parent); ok {
			inst.mu.Lock()
			p.children--
			inst.mu.Unlock()
		}
	}
	inst.removeOwned(h)
	return o, err
}

func (inst *Driver) removeOwned(parent handle.Handle) {
	var owned []handle.Handle
	inst.objects.Each(func(h handle.Handle, o *object) {
		if o.owned && o.parent == parent {
			owned = append(owned, h)
		}
	})
	for _, h := range owned {
		inst.objects.Remove(h)
		inst.removeOwned(h)
	}
}

func (inst *Driver) CreateInstance(enableDiagnostics bool, diag compute.DiagnosticFunc) (compute.Handle, error) {
	if inst.instanceErr != nil {
		return compute.NullHandle, inst.instanceErr
	}

	inst.mu.Lock()
	if enableDiagnostics {
		inst.diag = diag
	}
	specs := inst.specs
	inst.mu.Unlock()

	physical := make([]handle.Handle, len(specs))
	h := inst.create(kindInstance, handle.Null, false, &physical)
	for i := range specs {
		physical[i] = inst.create(kindPhysicalDevice, h, true, &specs[i])
	}
	if diag != nil && enableDiagnostics {
		diag(compute.SeverityInfo, fmt.Sprintf("software instance created with %d device(s)", len(specs)))
	}
	return h, nil
}

func (inst *Driver) DestroyInstance(instance compute.Handle) error {
	_, err := inst.destroy("DestroyInstance", instance, kindInstance, handle.Null)
	return err
}

func (inst *Driver) EnumeratePhysicalDevices(instance compute.Handle) ([]compute.PhysicalDeviceInfo, error) {
	io, err := inst.resolve("EnumeratePhysicalDevices", instance, kindInstance, handle.Null)
	if err != nil {
		return nil, err
	}

	physical := *io.payload.(*[]handle.Handle)
	infos := make([]compute.PhysicalDeviceInfo, 0, len(physical))
	for _, h := range physical {
		o, err := inst.resolve("EnumeratePhysicalDevices", h, kindPhysicalDevice, instance)
		if err != nil {
			return nil, err
		}
		spec := o.payload.(*DeviceSpec)
		infos = append(infos, compute.PhysicalDeviceInfo{
			Handle: h,
			Properties: compute.DeviceProperties{
				Name:       spec.Name,
				Type:       spec.Type,
				VendorID:   0x10005,
				DeviceID:   uint32(len(infos)),
				APIVersion: 1<<22 | 1<<12,
				Limits:     spec.Limits,
			},
			QueueFamilies: append([]compute.QueueFamily(nil), spec.QueueFamilies...),
			MemoryTypes:   append([]compute.MemoryType(nil), spec.MemoryTypes...),
		})
	}
	return infos, nil
}

func (inst *Driver) CreateDevice(physical compute.Handle, queueFamily uint32) (compute.Handle, error) {
	o, err := inst.resolve("CreateDevice", physical, kindPhysicalDevice, handle.Null)
	if err != nil {
		return compute.NullHandle, err
	}
	spec := o.payload.(*DeviceSpec)
	if int(queueFamily) >= len(spec.QueueFamilies) {
		return compute.NullHandle, inst.violate("CreateDevice", errors.ErrNoComputeQueue, "queue family %d out of range", queueFamily)
	}

	dev, err := newSimDevice(inst, spec)
	if err != nil {
		return compute.NullHandle, err
	}
	// devices are children of the instance, not of the physical device
	return inst.create(kindDevice, o.parent, false, dev), nil
}

func (inst *Driver) DestroyDevice(device compute.Handle) error {
	o, ok := inst.objects.Get(device)
	if ok && o.kind == kindDevice {
		o.payload.(*simDevice).stop()
	}
	_, err := inst.destroy("DestroyDevice", device, kindDevice, handle.Null)
	return err
}

func (inst *Driver) GetQueue(device compute.Handle, queueFamily, index uint32) (compute.Handle, error) {
	o, err := inst.resolve("GetQueue", device, kindDevice, handle.Null)
	if err != nil {
		return compute.NullHandle, err
	}
	spec := o.payload.(*simDevice).spec
	if int(queueFamily) >= len(spec.QueueFamilies) || index >= spec.QueueFamilies[queueFamily].Count {
		return compute.NullHandle, inst.violate("GetQueue", errors.ErrNoComputeQueue, "queue %d of family %d does not exist", index, queueFamily)
	}
	return inst.create(kindQueue, device, true, queueFamily), nil
}

func (inst *Driver) CreateCommandPool(device compute.Handle, queueFamily uint32) (compute.Handle, error) {
	if err := inst.checkParent("CreateCommandPool", device); err != nil {
		return compute.NullHandle, err
	}
	return inst.create(kindCommandPool, device, false, queueFamily), nil
}

func (inst *Driver) DestroyCommandPool(device, pool compute.Handle) error {
	_, err := inst.destroy("DestroyCommandPool", pool, kindCommandPool, device)
	return err
}

func (inst *Driver) AllocateCommandBuffer(device, pool compute.Handle) (compute.Handle, error) {
	if err := inst.checkParent("AllocateCommandBuffer", device); err != nil {
		return compute.NullHandle, err
	}
	if _, err := inst.resolve("AllocateCommandBuffer", pool, kindCommandPool, device); err != nil {
		return compute.NullHandle, err
	}
	return inst.create(kindCommandBuffer, pool, true, &commandBuffer{}), nil
}
