package compute

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tezrry/gpulock/pkg/errors"
)

// DiagnosticFunc receives validation and debug messages of a driver.
type DiagnosticFunc func(severity Severity, msg string)

type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Driver is the low-level compute API a Device, Buffer and Kernel are built
// on. Every method mirrors one API entry point; handles are created by the
// driver and stay valid until the matching Destroy call.
type Driver interface {
	CreateInstance(enableDiagnostics bool, diag DiagnosticFunc) (Handle, error)
	DestroyInstance(instance Handle) error
	EnumeratePhysicalDevices(instance Handle) ([]PhysicalDeviceInfo, error)

	CreateDevice(physical Handle, queueFamily uint32) (Handle, error)
	DestroyDevice(device Handle) error
	GetQueue(device Handle, queueFamily, index uint32) (Handle, error)
	CreateCommandPool(device Handle, queueFamily uint32) (Handle, error)
	DestroyCommandPool(device, pool Handle) error
	AllocateCommandBuffer(device, pool Handle) (Handle, error)

	CreateBuffer(device Handle, size uint64) (Handle, error)
	DestroyBuffer(device, buffer Handle) error
	BufferMemoryRequirements(device, buffer Handle) (MemoryRequirements, error)
	AllocateMemory(device Handle, size uint64, typeIndex uint32) (Handle, error)
	FreeMemory(device, memory Handle) error
	BindBufferMemory(device, buffer, memory Handle) error
	// MapMemory returns host memory aliasing the whole allocation.
	MapMemory(device, memory Handle, size uint64) ([]byte, error)
	UnmapMemory(device, memory Handle) error

	CreateShaderModule(device Handle, code []uint32) (Handle, error)
	DestroyShaderModule(device, module Handle) error
	CreateDescriptorSetLayout(device Handle, bindingCount uint32) (Handle, error)
	DestroyDescriptorSetLayout(device, layout Handle) error
	CreateDescriptorPool(device Handle, bindingCount uint32) (Handle, error)
	DestroyDescriptorPool(device, pool Handle) error
	AllocateDescriptorSet(device, pool, layout Handle) (Handle, error)
	FreeDescriptorSet(device, pool, set Handle) error
	UpdateDescriptorSet(device, set Handle, bindings []BufferBinding) error
	CreatePipelineLayout(device, setLayout Handle, pushConstantSize uint32) (Handle, error)
	DestroyPipelineLayout(device, layout Handle) error
	// CreateComputePipeline specializes the module's workgroup size.
	CreateComputePipeline(device, layout, module Handle, workgroupSize uint32) (Handle, error)
	DestroyPipeline(device, pipeline Handle) error

	RecordDispatch(device, commandBuffer Handle, rec DispatchRecord) error
	CreateFence(device Handle) (Handle, error)
	DestroyFence(device, fence Handle) error
	Submit(device, queue, commandBuffer, fence Handle) error
	// WaitForFence blocks until every command submitted with fence completed.
	WaitForFence(device, fence Handle) error
}

// DriverFactory constructs a fresh driver, one per Instance.
type DriverFactory func() (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// Register makes a driver available by name. It panics on a duplicate name.
func Register(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("compute: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("compute: Register called twice for driver " + name)
	}
	drivers[name] = factory
}

// Drivers returns the sorted names of registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenDriver constructs the driver registered under name.
func OpenDriver(name string) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errors.ErrUnknownDriver, name, Drivers())
	}
	return factory()
}
