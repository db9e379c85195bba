package sim

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/container/gopool"
	"github.com/tezrry/gpulock/container/queue"
	"github.com/tezrry/gpulock/internal/handle"
	"github.com/tezrry/gpulock/pkg/errors"
)

const submitQueueCap = 16

// Dispatch is the geometry of one executed dispatch.
type Dispatch struct {
	Kernel        string
	Workgroups    uint32
	WorkgroupSize uint32
	Push          compute.PushConstants
}

type commandBuffer struct {
	recorded bool
	rec      compute.DispatchRecord
}

type fence struct {
	done      chan struct{}
	submitted bool
	err       error
}

// job is a dispatch with every handle already resolved, so the device
// goroutine never touches the object registry.
type job struct {
	kernel   Kernel
	groups   uint32
	size     uint32
	push     compute.PushConstants
	bindings [][]uint32
	fence    *fence
}

type simDevice struct {
	drv     *Driver
	spec    *DeviceSpec
	pool    gopool.Pool
	submits queue.IQueue[*job]
	stopped chan struct{}
	once    sync.Once
}

func newSimDevice(drv *Driver, spec *DeviceSpec) (*simDevice, error) {
	concurrency := spec.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	pool, err := gopool.New(concurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrResourceCreation, err)
	}

	inst := &simDevice{
		drv:     drv,
		spec:    spec,
		pool:    pool,
		submits: queue.NewSPSC[*job](submitQueueCap),
		stopped: make(chan struct{}),
	}
	go inst.loop()
	return inst, nil
}

func (inst *simDevice) loop() {
	defer close(inst.stopped)
	for {
		j := inst.submits.Dequeue()
		if j == nil {
			return
		}
		j.fence.err = inst.execute(j)
		close(j.fence.done)
	}
}

func (inst *simDevice) stop() {
	inst.once.Do(func() {
		inst.submits.Enqueue(nil)
		<-inst.stopped
		inst.pool.Release()
	})
}

func (inst *simDevice) execute(j *job) error {
	inst.drv.mu.Lock()
	inst.drv.dispatches = append(inst.drv.dispatches, Dispatch{
		Kernel:        j.kernel.Name,
		Workgroups:    j.groups,
		WorkgroupSize: j.size,
		Push:          j.push,
	})
	inst.drv.mu.Unlock()

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(int(j.groups))
	var err error
	for g := uint32(0); g < j.groups; g++ {
		serr := inst.pool.Schedule(ctx, func(ctx context.Context, param ...interface{}) {
			defer wg.Done()
			j.runWorkgroup(param[0].(uint32))
		}, g)
		if serr != nil {
			wg.Add(-int(j.groups - g))
			err = fmt.Errorf("workgroup %d not scheduled: %w", g, serr)
			break
		}
	}
	wg.Wait()
	return err
}

func (j *job) runWorkgroup(group uint32) {
	inv := Invocation{
		WorkgroupID:   group,
		NumWorkgroups: j.groups,
		WorkgroupSize: j.size,
		Push:          j.push,
	}
	for local := uint32(0); local < j.size; local++ {
		inv.LocalID = local
		j.kernel.Run(inv, j.bindings)
	}
}

func (inst *Driver) RecordDispatch(device, cmd compute.Handle, rec compute.DispatchRecord) error {
	dev, err := inst.deviceSpec("RecordDispatch", device)
	if err != nil {
		return err
	}
	co, err := inst.resolve("RecordDispatch", cmd, kindCommandBuffer, handle.Null)
	if err != nil {
		return err
	}
	if rec.GroupCount == 0 || rec.GroupCount > dev.spec.Limits.MaxComputeWorkGroupCount[0] {
		return inst.violate("RecordDispatch", errors.ErrInvalidGeometry, "group count %d outside [1, %d]", rec.GroupCount, dev.spec.Limits.MaxComputeWorkGroupCount[0])
	}
	if _, err = inst.resolve("RecordDispatch", rec.Pipeline, kindPipeline, device); err != nil {
		return err
	}
	if _, err = inst.resolve("RecordDispatch", rec.PipelineLayout, kindPipelineLayout, device); err != nil {
		return err
	}
	if _, err = inst.resolve("RecordDispatch", rec.DescriptorSet, kindDescriptorSet, handle.Null); err != nil {
		return err
	}

	cb := co.payload.(*commandBuffer)
	cb.rec, cb.recorded = rec, true
	return nil
}

func (inst *Driver) CreateFence(device compute.Handle) (compute.Handle, error) {
	if err := inst.checkParent("CreateFence", device); err != nil {
		return compute.NullHandle, err
	}
	return inst.create(kindFence, device, false, &fence{done: make(chan struct{})}), nil
}

func (inst *Driver) DestroyFence(device, f compute.Handle) error {
	if o, ok := inst.objects.Get(f); ok && o.kind == kindFence {
		if fe := o.payload.(*fence); fe.submitted {
			select {
			case <-fe.done:
			default:
				return inst.violate("DestroyFence", errors.ErrTeardownOrder, "fence %#x destroyed while its work is pending", uint64(f))
			}
		}
	}
	_, err := inst.destroy("DestroyFence", f, kindFence, device)
	return err
}

func (inst *Driver) Submit(device, q, cmd, f compute.Handle) error {
	dev, err := inst.deviceSpec("Submit", device)
	if err != nil {
		return err
	}
	if _, err = inst.resolve("Submit", q, kindQueue, device); err != nil {
		return err
	}
	co, err := inst.resolve("Submit", cmd, kindCommandBuffer, handle.Null)
	if err != nil {
		return err
	}
	fo, err := inst.resolve("Submit", f, kindFence, device)
	if err != nil {
		return err
	}

	cb := co.payload.(*commandBuffer)
	if !cb.recorded {
		return inst.violate("Submit", errors.ErrNotPrepared, "command buffer %#x has nothing recorded", uint64(cmd))
	}
	fe := fo.payload.(*fence)
	if fe.submitted {
		return inst.violate("Submit", errors.ErrResourceCreation, "fence %#x already submitted", uint64(f))
	}

	j, err := inst.buildJob(device, cb.rec)
	if err != nil {
		return err
	}
	j.fence = fe
	fe.submitted = true
	dev.submits.Enqueue(j)
	return nil
}

func (inst *Driver) buildJob(device compute.Handle, rec compute.DispatchRecord) (*job, error) {
	po, err := inst.resolve("Submit", rec.Pipeline, kindPipeline, device)
	if err != nil {
		return nil, err
	}
	so, err := inst.resolve("Submit", rec.DescriptorSet, kindDescriptorSet, handle.Null)
	if err != nil {
		return nil, err
	}

	p, ds := po.payload.(*pipeline), so.payload.(*descriptorSet)
	if uint32(len(ds.bindings)) != p.bindingCount {
		return nil, inst.violate("Submit", errors.ErrBindingMismatch, "descriptor set has %d bindings, pipeline expects %d", len(ds.bindings), p.bindingCount)
	}

	bindings := make([][]uint32, len(ds.bindings))
	for i, b := range ds.bindings {
		bo, err := inst.resolve("Submit", b.Buffer, kindBuffer, device)
		if err != nil {
			return nil, err
		}
		buf := bo.payload.(*buffer)
		mo, err := inst.resolve("Submit", buf.memory, kindMemory, device)
		if err != nil {
			return nil, err
		}
		mem := mo.payload.(*memory)
		bindings[i] = unsafe.Slice((*uint32)(unsafe.Pointer(&mem.device[0])), b.Range/compute.WordSize)
	}

	return &job{
		kernel:   p.kernel,
		groups:   rec.GroupCount,
		size:     p.workgroupSize,
		push:     rec.Push,
		bindings: bindings,
	}, nil
}

func (inst *Driver) WaitForFence(device, f compute.Handle) error {
	if err := inst.checkParent("WaitForFence", device); err != nil {
		return err
	}
	o, err := inst.resolve("WaitForFence", f, kindFence, device)
	if err != nil {
		return err
	}
	fe := o.payload.(*fence)
	if !fe.submitted {
		return inst.violate("WaitForFence", errors.ErrNotPrepared, "fence %#x was never submitted", uint64(f))
	}
	<-fe.done
	return fe.err
}
