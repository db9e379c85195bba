package compute

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tezrry/gpulock/pkg/errors"
)

// Kernel binds one kernel blob to an ordered buffer list: buffer i is bound
// to storage slot i, which must match the slots the blob was compiled
// against. Bindings are fixed at construction; geometry may change before
// each Prepare.
type Kernel struct {
	dev     *Device
	buffers []*Buffer

	module         Handle
	setLayout      Handle
	descriptorPool Handle
	descriptorSet  Handle
	pipelineLayout Handle
	pipeline       Handle

	// workgroup size the pipeline was specialized with
	pipelineSize uint32

	numWorkgroups uint32
	workgroupSize uint32
	push          PushConstants

	recorded DispatchRecord
	prepared bool
	torn     bool
}

// NewKernel builds the shader module, descriptor set layout, pool and set,
// and the pipeline layout carrying the push constant block. Any failure
// releases what was already created.
func NewKernel(dev *Device, blob Blob, buffers []*Buffer) (*Kernel, error) {
	if err := checkHeader(blob.Words); err != nil {
		return nil, err
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("%w: no buffers to bind", errors.ErrBindingMismatch)
	}

	k := &Kernel{dev: dev, buffers: append([]*Buffer(nil), buffers...)}
	drv, d := dev.drv, dev.handle
	n := uint32(len(buffers))

	var err error
	if k.module, err = drv.CreateShaderModule(d, blob.Words); err != nil {
		return nil, k.abort(fmt.Errorf("%w: shader module from %s: %w", errors.ErrInvalidKernelBlob, blob.Source, err))
	}
	if k.setLayout, err = drv.CreateDescriptorSetLayout(d, n); err != nil {
		return nil, k.abort(fmt.Errorf("%w: descriptor set layout: %w", errors.ErrResourceCreation, err))
	}
	if k.descriptorPool, err = drv.CreateDescriptorPool(d, n); err != nil {
		return nil, k.abort(fmt.Errorf("%w: descriptor pool: %w", errors.ErrResourceCreation, err))
	}
	if k.descriptorSet, err = drv.AllocateDescriptorSet(d, k.descriptorPool, k.setLayout); err != nil {
		return nil, k.abort(fmt.Errorf("%w: descriptor set: %w", errors.ErrResourceCreation, err))
	}

	bindings := make([]BufferBinding, n)
	for i, b := range k.buffers {
		bindings[i] = BufferBinding{Binding: uint32(i), Buffer: b.handle, Range: b.size}
	}
	if err = drv.UpdateDescriptorSet(d, k.descriptorSet, bindings); err != nil {
		return nil, k.abort(fmt.Errorf("%w: update descriptor set: %w", errors.ErrResourceCreation, err))
	}
	if k.pipelineLayout, err = drv.CreatePipelineLayout(d, k.setLayout, PushConstantsSize); err != nil {
		return nil, k.abort(fmt.Errorf("%w: pipeline layout: %w", errors.ErrResourceCreation, err))
	}

	return k, nil
}

func (inst *Kernel) abort(err error) error {
	return multierr.Append(err, inst.Teardown())
}

// SetWorkgroups sets how many workgroups a dispatch launches. Callers clamp
// n to the device limit beforehand.
func (inst *Kernel) SetWorkgroups(n uint32) {
	if n != inst.numWorkgroups {
		inst.prepared = false
	}
	inst.numWorkgroups = n
}

// SetWorkgroupSize sets the invocation count of each workgroup.
func (inst *Kernel) SetWorkgroupSize(n uint32) {
	if n != inst.workgroupSize {
		inst.prepared = false
	}
	inst.workgroupSize = n
}

// SetPushConstants replaces the free words of the inline parameter block.
// The geometry words are always overwritten by Prepare.
func (inst *Kernel) SetPushConstants(p PushConstants) {
	inst.push = p
	inst.prepared = false
}

func (inst *Kernel) Workgroups() uint32 {
	return inst.numWorkgroups
}

func (inst *Kernel) WorkgroupSize() uint32 {
	return inst.workgroupSize
}

// Prepare records the command sequence Run submits: bind pipeline, bind
// descriptor set, push constants, dispatch. The pipeline is compiled here
// because the workgroup size is a specialization constant.
func (inst *Kernel) Prepare() error {
	if inst.torn {
		return errors.ErrTornDown
	}
	if inst.numWorkgroups == 0 || inst.workgroupSize == 0 {
		return fmt.Errorf("%w: %d workgroups of %d", errors.ErrGeometryNotSet, inst.numWorkgroups, inst.workgroupSize)
	}

	drv, d := inst.dev.drv, inst.dev.handle
	if inst.pipeline == NullHandle || inst.pipelineSize != inst.workgroupSize {
		if inst.pipeline != NullHandle {
			if err := drv.DestroyPipeline(d, inst.pipeline); err != nil {
				return err
			}
			inst.pipeline = NullHandle
		}
		p, err := drv.CreateComputePipeline(d, inst.pipelineLayout, inst.module, inst.workgroupSize)
		if err != nil {
			return fmt.Errorf("%w: compute pipeline: %w", errors.ErrResourceCreation, err)
		}
		inst.pipeline, inst.pipelineSize = p, inst.workgroupSize
	}

	push := inst.push
	push.WorkgroupCount = inst.numWorkgroups
	push.WorkgroupSize = inst.workgroupSize
	rec := DispatchRecord{
		Pipeline:       inst.pipeline,
		PipelineLayout: inst.pipelineLayout,
		DescriptorSet:  inst.descriptorSet,
		Push:           push,
		GroupCount:     inst.numWorkgroups,
	}
	if err := drv.RecordDispatch(d, inst.dev.cmd, rec); err != nil {
		return fmt.Errorf("%w: record dispatch: %w", errors.ErrResourceCreation, err)
	}

	inst.recorded = rec
	inst.prepared = true
	inst.dev.recordedBy = inst
	return nil
}

// Run submits the recorded commands and blocks until the device signals
// completion, so every later Load on a bound buffer observes the kernel's
// writes. Runs on one device must not overlap.
func (inst *Kernel) Run() error {
	if inst.torn {
		return errors.ErrTornDown
	}
	if !inst.prepared {
		return errors.ErrNotPrepared
	}

	drv, d := inst.dev.drv, inst.dev.handle
	// the command buffer is shared by every kernel on the device
	if inst.dev.recordedBy != inst {
		if err := drv.RecordDispatch(d, inst.dev.cmd, inst.recorded); err != nil {
			return fmt.Errorf("%w: record dispatch: %w", errors.ErrResourceCreation, err)
		}
		inst.dev.recordedBy = inst
	}

	fence, err := drv.CreateFence(d)
	if err != nil {
		return fmt.Errorf("%w: fence: %w", errors.ErrResourceCreation, err)
	}
	if err = drv.Submit(d, inst.dev.queue, inst.dev.cmd, fence); err != nil {
		return multierr.Append(err, drv.DestroyFence(d, fence))
	}
	err = drv.WaitForFence(d, fence)
	return multierr.Append(err, drv.DestroyFence(d, fence))
}

// Teardown releases the pipeline, pipeline layout, descriptor set,
// descriptor pool, descriptor set layout and shader module in that order.
func (inst *Kernel) Teardown() error {
	if inst.torn {
		return nil
	}
	inst.torn = true
	inst.prepared = false
	if inst.dev.recordedBy == inst {
		inst.dev.recordedBy = nil
	}

	drv, d := inst.dev.drv, inst.dev.handle
	var err error
	if inst.pipeline != NullHandle {
		err = multierr.Append(err, drv.DestroyPipeline(d, inst.pipeline))
		inst.pipeline = NullHandle
	}
	if inst.pipelineLayout != NullHandle {
		err = multierr.Append(err, drv.DestroyPipelineLayout(d, inst.pipelineLayout))
		inst.pipelineLayout = NullHandle
	}
	if inst.descriptorSet != NullHandle {
		err = multierr.Append(err, drv.FreeDescriptorSet(d, inst.descriptorPool, inst.descriptorSet))
		inst.descriptorSet = NullHandle
	}
	if inst.descriptorPool != NullHandle {
		err = multierr.Append(err, drv.DestroyDescriptorPool(d, inst.descriptorPool))
		inst.descriptorPool = NullHandle
	}
	if inst.setLayout != NullHandle {
		err = multierr.Append(err, drv.DestroyDescriptorSetLayout(d, inst.setLayout))
		inst.setLayout = NullHandle
	}
	if inst.module != NullHandle {
		err = multierr.Append(err, drv.DestroyShaderModule(d, inst.module))
		inst.module = NullHandle
	}
	return err
}
