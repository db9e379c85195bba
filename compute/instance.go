package compute

import (
	"fmt"

	"github.com/tezrry/gpulock/pkg/errors"
	"github.com/tezrry/gpulock/pkg/logging"
)

// Instance owns the process-wide lifetime of a driver. It must outlive every
// Device opened from it.
type Instance struct {
	drv         Driver
	handle      Handle
	diagnostics bool
	logger      logging.Logger
	torn        bool
}

type InstanceOption func(inst *Instance)

// WithLogger routes diagnostics to logger instead of the default logger.
func WithLogger(logger logging.Logger) InstanceOption {
	return func(inst *Instance) {
		inst.logger = logger
	}
}

// NewInstance initializes drv. With enableDiagnostics the driver's validation
// messages are forwarded to the logger.
func NewInstance(drv Driver, enableDiagnostics bool, opts ...InstanceOption) (*Instance, error) {
	if drv == nil {
		return nil, fmt.Errorf("%w: nil driver", errors.ErrEnvironment)
	}

	inst := &Instance{
		drv:         drv,
		diagnostics: enableDiagnostics,
		logger:      logging.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(inst)
	}

	var diag DiagnosticFunc
	if enableDiagnostics {
		diag = inst.onDiagnostic
	}

	h, err := drv.CreateInstance(enableDiagnostics, diag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrEnvironment, err)
	}
	inst.handle = h
	return inst, nil
}

func (inst *Instance) onDiagnostic(severity Severity, msg string) {
	switch severity {
	case SeverityError:
		inst.logger.Errorf("[validation] %s", msg)
	case SeverityWarning:
		inst.logger.Warnf("[validation] %s", msg)
	default:
		inst.logger.Debugf("[validation] %s", msg)
	}
}

func (inst *Instance) Driver() Driver {
	return inst.drv
}

func (inst *Instance) Handle() Handle {
	return inst.handle
}

// PhysicalDevices enumerates the devices visible to the driver without
// opening them. An empty result is valid.
func (inst *Instance) PhysicalDevices() ([]PhysicalDeviceInfo, error) {
	if inst.torn {
		return nil, errors.ErrTornDown
	}
	infos, err := inst.drv.EnumeratePhysicalDevices(inst.handle)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate devices: %w", errors.ErrEnvironment, err)
	}
	return infos, nil
}

// Devices opens every physical device in enumeration order. The caller owns
// the returned devices and tears each down before the instance.
func (inst *Instance) Devices() ([]*Device, error) {
	infos, err := inst.PhysicalDevices()
	if err != nil {
		return nil, err
	}

	devices := make([]*Device, 0, len(infos))
	for i := range infos {
		dev, err := openDevice(inst, infos[i])
		if err != nil {
			for j := len(devices) - 1; j >= 0; j-- {
				logging.Error(devices[j].Teardown())
			}
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// OpenDevice opens the physical device at index in enumeration order.
func (inst *Instance) OpenDevice(index int) (*Device, error) {
	infos, err := inst.PhysicalDevices()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no physical devices enumerated", errors.ErrNoDevice)
	}
	if index < 0 || index >= len(infos) {
		return nil, fmt.Errorf("%w: index %d of %d devices", errors.ErrNoDevice, index, len(infos))
	}
	return openDevice(inst, infos[index])
}

// Teardown destroys the driver instance. Every device must be torn down first.
func (inst *Instance) Teardown() error {
	if inst.torn {
		return nil
	}
	inst.torn = true
	return inst.drv.DestroyInstance(inst.handle)
}
