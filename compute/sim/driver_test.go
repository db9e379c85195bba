package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/pkg/errors"
)

type fixture struct {
	drv     *Driver
	inst    *compute.Instance
	dev     *compute.Device
	buffers []*compute.Buffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	drv := New(opts...)
	inst, err := compute.NewInstance(drv, true)
	require.NoError(t, err)
	dev, err := inst.OpenDevice(0)
	require.NoError(t, err)
	return &fixture{drv: drv, inst: inst, dev: dev}
}

// lockBuffers allocates lock, result and lockIters, plus a filler when
// filler > 0.
func (f *fixture) lockBuffers(t *testing.T, lockIters, filler uint32) []*compute.Buffer {
	sizes := []uint32{1, 1, 1}
	if filler > 0 {
		sizes = append(sizes, filler)
	}
	for _, n := range sizes {
		b, err := compute.NewBuffer(f.dev, n)
		require.NoError(t, err)
		f.buffers = append(f.buffers, b)
	}
	f.buffers[BindingLockIters].Store(0, lockIters)
	return f.buffers
}

func (f *fixture) kernel(t *testing.T, name string, workgroups, size uint32) *compute.Kernel {
	blob, err := compute.BlobFromWords(Blob(name))
	require.NoError(t, err)
	k, err := compute.NewKernel(f.dev, blob, f.buffers)
	require.NoError(t, err)
	k.SetWorkgroups(workgroups)
	k.SetWorkgroupSize(size)
	require.NoError(t, k.Prepare())
	return k
}

func (f *fixture) teardown(t *testing.T) {
	for i := len(f.buffers) - 1; i >= 0; i-- {
		require.NoError(t, f.buffers[i].Teardown())
	}
	require.NoError(t, f.dev.Teardown())
	require.NoError(t, f.inst.Teardown())
}

func TestBlobName(t *testing.T) {
	for _, name := range []string{"", "a", "tas", "ttas-fenced", "overcount"} {
		got, err := parseBlob(Blob(name))
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}

	_, err := parseBlob([]uint32{compute.SPIRVMagic, 0, 0, 0, 0})
	assert.ErrorIs(t, err, errors.ErrInvalidKernelBlob)

	words := Blob("ttas-fenced")
	_, err = parseBlob(words[:len(words)-1])
	assert.ErrorIs(t, err, errors.ErrInvalidKernelBlob)
}

func TestBarrierKeepsWord(t *testing.T) {
	word := uint32(7)
	barrier(&word)
	assert.Equal(t, uint32(7), word)

	// fenced kernels hold the lock word across the barriers
	f := newFixture(t)
	buffers := f.lockBuffers(t, 50, 0)
	for _, name := range []string{KernelTASFenced, KernelTTASFenced, KernelCASFenced} {
		k := f.kernel(t, name, 4, 1)
		require.NoError(t, k.Run())
		assert.Equal(t, uint32(4*50), buffers[BindingResult].Load(0), name)
		assert.Zero(t, buffers[BindingLock].Load(0), name)
		buffers[BindingResult].Clear()
		require.NoError(t, k.Teardown())
	}
	f.teardown(t)
	assert.Empty(t, f.drv.Violations())
}

func TestLockKernels(t *testing.T) {
	f := newFixture(t)
	const (
		workgroups = 8
		size       = 16
		lockIters  = 500
	)
	buffers := f.lockBuffers(t, lockIters, workgroups*size)

	for _, name := range []string{KernelTAS, KernelTASFenced, KernelTTAS, KernelTTASFenced, KernelCAS, KernelCASFenced} {
		t.Run(name, func(t *testing.T) {
			k := f.kernel(t, name, workgroups, size)
			defer func() { require.NoError(t, k.Teardown()) }()

			for i := 0; i < 3; i++ {
				buffers[BindingLock].Clear()
				buffers[BindingResult].Clear()
				require.NoError(t, k.Run())
				assert.Equal(t, uint32(workgroups*lockIters), buffers[BindingResult].Load(0))
				assert.Zero(t, buffers[BindingLock].Load(0))
			}

			filler := buffers[BindingFiller]
			for i := uint32(0); i < filler.Len(); i++ {
				assert.Equal(t, i%size, filler.Load(i))
			}
		})
	}

	assert.Empty(t, f.drv.Violations())
	f.teardown(t)
	assert.Zero(t, f.drv.LiveObjects())
}

func TestUnlockedAndOvercountKernels(t *testing.T) {
	f := newFixture(t)
	buffers := f.lockBuffers(t, 1000, 0)

	k := f.kernel(t, KernelNoLock, 16, 1)
	require.NoError(t, k.Run())
	assert.LessOrEqual(t, buffers[BindingResult].Load(0), uint32(16*1000))
	require.NoError(t, k.Teardown())

	buffers[BindingResult].Clear()
	k = f.kernel(t, KernelOvercount, 4, 2)
	require.NoError(t, k.Run())
	assert.Equal(t, uint32(4*1001), buffers[BindingResult].Load(0))
	require.NoError(t, k.Teardown())

	f.teardown(t)
}

func TestDispatchLog(t *testing.T) {
	f := newFixture(t)
	f.lockBuffers(t, 1, 0)

	k := f.kernel(t, KernelCAS, 3, 7)
	require.NoError(t, k.Run())
	k.SetWorkgroupSize(5)
	require.NoError(t, k.Prepare())
	require.NoError(t, k.Run())
	require.NoError(t, k.Teardown())
	f.teardown(t)

	ds := f.drv.Dispatches()
	require.Len(t, ds, 2)
	assert.Equal(t, Dispatch{Kernel: KernelCAS, Workgroups: 3, WorkgroupSize: 7, Push: compute.PushConstants{WorkgroupCount: 3, WorkgroupSize: 7}}, ds[0])
	assert.Equal(t, uint32(5), ds[1].WorkgroupSize)
}

func TestTeardownOrderViolation(t *testing.T) {
	f := newFixture(t)
	f.lockBuffers(t, 1, 0)
	k := f.kernel(t, KernelTAS, 1, 1)

	// device before its kernel and buffers
	err := f.dev.Teardown()
	require.ErrorIs(t, err, errors.ErrTeardownOrder)

	err = k.Teardown()
	assert.ErrorIs(t, err, errors.ErrStaleHandle)
	for _, b := range f.buffers {
		assert.ErrorIs(t, b.Teardown(), errors.ErrStaleHandle)
	}
	require.NoError(t, f.inst.Teardown())

	vs := f.drv.Violations()
	require.NotEmpty(t, vs)
	assert.Equal(t, "DestroyDevice", vs[0].Call)
	assert.ErrorIs(t, vs[0].Err, errors.ErrTeardownOrder)
}

func TestInstanceBeforeDevice(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.inst.Teardown(), errors.ErrTeardownOrder)
	assert.ErrorIs(t, f.dev.Teardown(), errors.ErrStaleHandle)
}

func TestStaleHandle(t *testing.T) {
	drv := New()
	h, err := drv.CreateInstance(false, nil)
	require.NoError(t, err)
	require.NoError(t, drv.DestroyInstance(h))
	assert.ErrorIs(t, drv.DestroyInstance(h), errors.ErrStaleHandle)

	// the slot is reused under a new generation
	h2, err := drv.CreateInstance(false, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	_, err = drv.EnumeratePhysicalDevices(h)
	assert.ErrorIs(t, err, errors.ErrStaleHandle)
	require.NoError(t, drv.DestroyInstance(h2))
}

func openRaw(t *testing.T, drv *Driver) (instance, device compute.Handle) {
	instance, err := drv.CreateInstance(false, nil)
	require.NoError(t, err)
	infos, err := drv.EnumeratePhysicalDevices(instance)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	device, err = drv.CreateDevice(infos[0].Handle, 1)
	require.NoError(t, err)
	return instance, device
}

func TestMemoryMapping(t *testing.T) {
	drv := New()
	instance, device := openRaw(t, drv)

	_, err := drv.MapMemory(device, compute.NullHandle, 4)
	assert.ErrorIs(t, err, errors.ErrStaleHandle)

	local, err := drv.AllocateMemory(device, 256, 0)
	require.NoError(t, err)
	_, err = drv.MapMemory(device, local, 256)
	assert.ErrorIs(t, err, errors.ErrMemoryNotHostVisible)

	// a non-coherent mapping does not alias what the device sees
	cached, err := drv.AllocateMemory(device, 256, 1)
	require.NoError(t, err)
	host, err := drv.MapMemory(device, cached, 256)
	require.NoError(t, err)
	host[0] = 0xff
	o, _ := drv.objects.Get(cached)
	assert.Zero(t, o.payload.(*memory).device[0])

	coherent, err := drv.AllocateMemory(device, 256, 2)
	require.NoError(t, err)
	host, err = drv.MapMemory(device, coherent, 256)
	require.NoError(t, err)
	host[0] = 0xff
	o, _ = drv.objects.Get(coherent)
	assert.Equal(t, byte(0xff), o.payload.(*memory).device[0])

	_, err = drv.MapMemory(device, coherent, 256)
	assert.ErrorIs(t, err, errors.ErrResourceCreation)

	require.NoError(t, drv.UnmapMemory(device, coherent))
	require.NoError(t, drv.UnmapMemory(device, cached))
	for _, m := range []compute.Handle{local, cached, coherent} {
		require.NoError(t, drv.FreeMemory(device, m))
	}
	require.NoError(t, drv.DestroyDevice(device))
	require.NoError(t, drv.DestroyInstance(instance))
	assert.Zero(t, drv.LiveObjects())
}

func TestPipelineBindingMismatch(t *testing.T) {
	f := newFixture(t)
	b, err := compute.NewBuffer(f.dev, 1)
	require.NoError(t, err)
	f.buffers = append(f.buffers, b)

	blob, err := compute.BlobFromWords(Blob(KernelTAS))
	require.NoError(t, err)
	k, err := compute.NewKernel(f.dev, blob, f.buffers)
	require.NoError(t, err)
	k.SetWorkgroups(1)
	k.SetWorkgroupSize(1)
	assert.ErrorIs(t, k.Prepare(), errors.ErrBindingMismatch)
	require.NoError(t, k.Teardown())
	f.teardown(t)
}

func TestUnknownKernel(t *testing.T) {
	f := newFixture(t)
	f.lockBuffers(t, 1, 0)
	blob, err := compute.BlobFromWords(Blob("mcs"))
	require.NoError(t, err)
	_, err = compute.NewKernel(f.dev, blob, f.buffers)
	assert.ErrorIs(t, err, errors.ErrInvalidKernelBlob)
	f.teardown(t)
	assert.Zero(t, f.drv.LiveObjects())
}

func TestWorkgroupLimits(t *testing.T) {
	spec := DefaultDevice()
	spec.Limits.MaxComputeWorkGroupCount[0] = 4
	spec.Limits.MaxComputeWorkGroupSize[0] = 8
	f := newFixture(t, WithDevices(spec))
	f.lockBuffers(t, 1, 0)

	blob, err := compute.BlobFromWords(Blob(KernelTAS))
	require.NoError(t, err)
	k, err := compute.NewKernel(f.dev, blob, f.buffers)
	require.NoError(t, err)

	k.SetWorkgroups(5)
	k.SetWorkgroupSize(8)
	assert.ErrorIs(t, k.Prepare(), errors.ErrInvalidGeometry)
	k.SetWorkgroups(4)
	k.SetWorkgroupSize(9)
	assert.ErrorIs(t, k.Prepare(), errors.ErrInvalidGeometry)
	k.SetWorkgroupSize(8)
	require.NoError(t, k.Prepare())
	require.NoError(t, k.Run())

	require.NoError(t, k.Teardown())
	f.teardown(t)
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, compute.Drivers(), Name)
	drv, err := compute.OpenDriver(Name)
	require.NoError(t, err)
	assert.IsType(t, &Driver{}, drv)
}

func TestInstanceError(t *testing.T) {
	_, err := compute.NewInstance(New(WithInstanceError(assert.AnError)), false)
	assert.ErrorIs(t, err, errors.ErrEnvironment)
}

func BenchmarkDispatch(b *testing.B) {
	drv := New()
	inst, err := compute.NewInstance(drv, false)
	require.NoError(b, err)
	dev, err := inst.OpenDevice(0)
	require.NoError(b, err)

	var buffers []*compute.Buffer
	for i := 0; i < 3; i++ {
		buf, err := compute.NewBuffer(dev, 1)
		require.NoError(b, err)
		buffers = append(buffers, buf)
	}
	buffers[BindingLockIters].Store(0, 16)

	for _, name := range []string{KernelTAS, KernelTTAS, KernelCAS} {
		blob, _ := compute.BlobFromWords(Blob(name))
		k, err := compute.NewKernel(dev, blob, buffers)
		require.NoError(b, err)
		k.SetWorkgroups(32)
		k.SetWorkgroupSize(4)
		require.NoError(b, k.Prepare())

		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = k.Run()
			}
		})
		_ = k.Teardown()
	}

	for i := len(buffers) - 1; i >= 0; i-- {
		_ = buffers[i].Teardown()
	}
	_ = dev.Teardown()
	_ = inst.Teardown()
}
