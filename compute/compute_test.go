package compute_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/compute/sim"
	"github.com/tezrry/gpulock/pkg/errors"
)

func openSim(t *testing.T, opts ...sim.Option) (*sim.Driver, *compute.Instance, *compute.Device) {
	drv := sim.New(opts...)
	inst, err := compute.NewInstance(drv, false)
	require.NoError(t, err)
	dev, err := inst.OpenDevice(0)
	require.NoError(t, err)
	return drv, inst, dev
}

func TestBufferRoundTrip(t *testing.T) {
	drv, inst, dev := openSim(t)

	buf, err := compute.NewBuffer(dev, 64)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), buf.Len())
	assert.Equal(t, uint64(256), buf.Size())

	for i := uint32(0); i < buf.Len(); i++ {
		assert.Zero(t, buf.Load(i))
		buf.Store(i, i*3+1)
	}
	for i := uint32(0); i < buf.Len(); i++ {
		assert.Equal(t, i*3+1, buf.Load(i))
	}

	buf.Clear()
	for i := uint32(0); i < buf.Len(); i++ {
		assert.Zero(t, buf.Load(i))
	}

	require.NoError(t, buf.Teardown())
	require.NoError(t, buf.Teardown())
	require.NoError(t, dev.Teardown())
	require.NoError(t, inst.Teardown())
	assert.Zero(t, drv.LiveObjects())
	assert.Empty(t, drv.Violations())
}

func TestBufferZeroWords(t *testing.T) {
	_, inst, dev := openSim(t)
	_, err := compute.NewBuffer(dev, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidBufferSize)
	require.NoError(t, dev.Teardown())
	require.NoError(t, inst.Teardown())
}

func TestBufferNoHostCoherentMemory(t *testing.T) {
	spec := sim.DefaultDevice()
	// only the device-local and the non-coherent types are allowed
	spec.BufferTypeBits = 0b0011
	drv, inst, dev := openSim(t, sim.WithDevices(spec))

	_, err := compute.NewBuffer(dev, 1)
	assert.ErrorIs(t, err, errors.ErrNoMemoryType)

	require.NoError(t, dev.Teardown())
	require.NoError(t, inst.Teardown())
	assert.Zero(t, drv.LiveObjects())
}

func TestDeviceSelection(t *testing.T) {
	discrete := sim.DefaultDevice()
	discrete.Name = "discrete"
	discrete.Type = compute.DeviceTypeDiscreteGPU
	discrete.Limits.MaxComputeWorkGroupInvocations = 256

	_, inst, dev := openSim(t, sim.WithDevices(sim.DefaultDevice(), discrete))
	assert.Equal(t, "gpulock software device", dev.Name())
	require.NoError(t, dev.Teardown())

	dev, err := inst.OpenDevice(1)
	require.NoError(t, err)
	assert.Equal(t, "discrete", dev.Name())
	assert.Equal(t, compute.DeviceTypeDiscreteGPU, dev.Type())
	assert.Equal(t, uint32(256), dev.MaxInvocations())
	assert.NotEqual(t, compute.NullHandle, dev.Queue())
	assert.NotEqual(t, compute.NullHandle, dev.CommandBuffer())
	require.NoError(t, dev.Teardown())

	_, err = inst.OpenDevice(2)
	assert.ErrorIs(t, err, errors.ErrNoDevice)

	devices, err := inst.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	for _, d := range devices {
		require.NoError(t, d.Teardown())
	}
	require.NoError(t, inst.Teardown())
}

func TestNoDevices(t *testing.T) {
	inst, err := compute.NewInstance(sim.New(sim.WithDevices()), false)
	require.NoError(t, err)

	devices, err := inst.Devices()
	require.NoError(t, err)
	assert.Empty(t, devices)

	_, err = inst.OpenDevice(0)
	assert.ErrorIs(t, err, errors.ErrNoDevice)
	require.NoError(t, inst.Teardown())
}

func TestNoComputeQueue(t *testing.T) {
	spec := sim.DefaultDevice()
	spec.QueueFamilies = []compute.QueueFamily{{Flags: compute.QueueGraphics | compute.QueueTransfer, Count: 1}}
	drv := sim.New(sim.WithDevices(spec))
	inst, err := compute.NewInstance(drv, false)
	require.NoError(t, err)

	_, err = inst.OpenDevice(0)
	assert.ErrorIs(t, err, errors.ErrNoComputeQueue)
	_, err = inst.Devices()
	assert.ErrorIs(t, err, errors.ErrNoComputeQueue)

	require.NoError(t, inst.Teardown())
	assert.Zero(t, drv.LiveObjects())
}

func TestNilDriver(t *testing.T) {
	_, err := compute.NewInstance(nil, false)
	assert.ErrorIs(t, err, errors.ErrEnvironment)
}

func TestOpenDriver(t *testing.T) {
	_, err := compute.OpenDriver("metal")
	assert.ErrorIs(t, err, errors.ErrUnknownDriver)

	assert.Panics(t, func() {
		compute.Register(sim.Name, func() (compute.Driver, error) { return sim.New(), nil })
	})
}

type kernelFixture struct {
	drv     *sim.Driver
	inst    *compute.Instance
	dev     *compute.Device
	buffers []*compute.Buffer
}

func newKernelFixture(t *testing.T, opts ...sim.Option) *kernelFixture {
	drv, inst, dev := openSim(t, opts...)
	f := &kernelFixture{drv: drv, inst: inst, dev: dev}
	for i := 0; i < 3; i++ {
		b, err := compute.NewBuffer(dev, 1)
		require.NoError(t, err)
		f.buffers = append(f.buffers, b)
	}
	return f
}

func (f *kernelFixture) teardown(t *testing.T) {
	for i := len(f.buffers) - 1; i >= 0; i-- {
		require.NoError(t, f.buffers[i].Teardown())
	}
	require.NoError(t, f.dev.Teardown())
	require.NoError(t, f.inst.Teardown())
	assert.Zero(t, f.drv.LiveObjects())
	assert.Empty(t, f.drv.Violations())
}

func newKernel(t *testing.T, f *kernelFixture, name string) *compute.Kernel {
	blob, err := compute.BlobFromWords(sim.Blob(name))
	require.NoError(t, err)
	k, err := compute.NewKernel(f.dev, blob, f.buffers)
	require.NoError(t, err)
	return k
}

func TestKernelRun(t *testing.T) {
	f := newKernelFixture(t)
	f.buffers[sim.BindingLockIters].Store(0, 2000)

	k := newKernel(t, f, sim.KernelTTAS)
	k.SetWorkgroups(8)
	k.SetWorkgroupSize(16)
	require.NoError(t, k.Prepare())
	for i := 0; i < 4; i++ {
		f.buffers[sim.BindingLock].Clear()
		f.buffers[sim.BindingResult].Clear()
		require.NoError(t, k.Run())
		assert.Equal(t, uint32(16000), f.buffers[sim.BindingResult].Load(0))
	}
	require.NoError(t, k.Teardown())
	assert.ErrorIs(t, k.Run(), errors.ErrTornDown)
	require.NoError(t, k.Teardown())

	f.teardown(t)
}

func TestKernelGeometry(t *testing.T) {
	f := newKernelFixture(t)
	k := newKernel(t, f, sim.KernelCAS)

	assert.ErrorIs(t, k.Run(), errors.ErrNotPrepared)
	assert.ErrorIs(t, k.Prepare(), errors.ErrGeometryNotSet)
	k.SetWorkgroups(2)
	assert.ErrorIs(t, k.Prepare(), errors.ErrGeometryNotSet)
	k.SetWorkgroupSize(4)
	require.NoError(t, k.Prepare())
	assert.Equal(t, uint32(2), k.Workgroups())
	assert.Equal(t, uint32(4), k.WorkgroupSize())

	// changing geometry requires a new Prepare
	k.SetWorkgroups(3)
	assert.ErrorIs(t, k.Run(), errors.ErrNotPrepared)
	require.NoError(t, k.Prepare())
	require.NoError(t, k.Run())

	k.SetPushConstants(compute.PushConstants{Word2: 9})
	assert.ErrorIs(t, k.Run(), errors.ErrNotPrepared)
	require.NoError(t, k.Prepare())
	require.NoError(t, k.Run())

	ds := f.drv.Dispatches()
	require.Len(t, ds, 2)
	assert.Equal(t, compute.PushConstants{WorkgroupCount: 3, WorkgroupSize: 4, Word2: 9}, ds[1].Push)

	require.NoError(t, k.Teardown())
	f.teardown(t)
}

func TestKernelsShareCommandBuffer(t *testing.T) {
	f := newKernelFixture(t)
	f.buffers[sim.BindingLockIters].Store(0, 1)

	a := newKernel(t, f, sim.KernelTAS)
	a.SetWorkgroups(2)
	a.SetWorkgroupSize(1)
	require.NoError(t, a.Prepare())

	b := newKernel(t, f, sim.KernelOvercount)
	b.SetWorkgroups(5)
	b.SetWorkgroupSize(1)
	require.NoError(t, b.Prepare())

	// a runs what it recorded although b recorded last
	f.buffers[sim.BindingResult].Clear()
	require.NoError(t, a.Run())
	assert.Equal(t, uint32(2), f.buffers[sim.BindingResult].Load(0))

	f.buffers[sim.BindingResult].Clear()
	require.NoError(t, b.Run())
	assert.Equal(t, uint32(10), f.buffers[sim.BindingResult].Load(0))

	require.NoError(t, b.Teardown())
	require.NoError(t, a.Teardown())
	f.teardown(t)
}

func TestKernelNoBuffers(t *testing.T) {
	_, inst, dev := openSim(t)
	blob, err := compute.BlobFromWords(sim.Blob(sim.KernelTAS))
	require.NoError(t, err)
	_, err = compute.NewKernel(dev, blob, nil)
	assert.ErrorIs(t, err, errors.ErrBindingMismatch)
	require.NoError(t, dev.Teardown())
	require.NoError(t, inst.Teardown())
}

func TestDiagnosticsRouting(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	drv := sim.New()
	inst, err := compute.NewInstance(drv, true, compute.WithLogger(zap.New(core).Sugar()))
	require.NoError(t, err)
	dev, err := inst.OpenDevice(0)
	require.NoError(t, err)

	buf, err := compute.NewBuffer(dev, 1)
	require.NoError(t, err)
	assert.Error(t, dev.Teardown())
	assert.Error(t, buf.Teardown())
	require.NoError(t, inst.Teardown())

	var errs []string
	for _, e := range logs.All() {
		if e.Level == zapcore.ErrorLevel {
			errs = append(errs, e.Message)
		}
	}
	require.NotEmpty(t, errs)
	assert.True(t, strings.HasPrefix(errs[0], "[validation] DestroyDevice"), errs[0])
	assert.Equal(t, 1, logs.FilterMessageSnippet("software instance created").Len())
}

func TestDiagnosticsDisabled(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	inst, err := compute.NewInstance(sim.New(), false, compute.WithLogger(zap.New(core).Sugar()))
	require.NoError(t, err)
	dev, err := inst.OpenDevice(0)
	require.NoError(t, err)
	assert.Error(t, inst.Teardown())
	_ = dev.Teardown()
	assert.Zero(t, logs.Len())
}
