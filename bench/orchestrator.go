package bench

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/pkg/errors"
	"github.com/tezrry/gpulock/pkg/logging"
	util_math "github.com/tezrry/gpulock/util/math"
	"github.com/tezrry/gpulock/util/platform"
)

// buffer slots every lock kernel binds, in order
const (
	slotLock = iota
	slotResult
	slotLockIters
	slotFiller
)

// failure percentages above which an iteration is logged louder
const (
	warnPercent = 10
	infoPercent = 5
)

type Option func(o *Orchestrator)

func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock replaces time.Now for iteration timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs every variant of the table against one device, one after
// another, on the calling goroutine.
type Orchestrator struct {
	dev      *compute.Device
	config   Config
	variants []Variant
	// table is every variant handed in, before selection
	table    []Variant
	logger   logging.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewOrchestrator(dev *compute.Device, table []Variant, config Config, opts ...Option) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	variants, err := SelectVariants(table, config.Variants)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: no variants to run", errors.ErrInvalidConfig)
	}

	inst := &Orchestrator{
		dev:      dev,
		config:   config,
		variants: variants,
		table:    table,
		logger:   logging.GetDefaultLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst, nil
}

// Workgroups is the dispatched workgroup count: the configured count clamped
// to the device's maxComputeWorkGroupInvocations.
func (inst *Orchestrator) Workgroups() uint32 {
	limit := inst.dev.MaxInvocations()
	if limit == 0 {
		return inst.config.Workgroups
	}
	return util_math.MinU32(inst.config.Workgroups, limit)
}

func (inst *Orchestrator) workgroupSize(v Variant) uint32 {
	if v.WorkgroupSize > 0 {
		return v.WorkgroupSize
	}
	return inst.config.WorkgroupSize
}

// Run executes every variant and returns the aggregated result. ctx is
// checked between kernel runs only; a dispatch in flight always completes.
// Shared buffers are allocated once and torn down, after the last variant's
// kernel, before Run returns.
func (inst *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	workgroups := inst.Workgroups()
	if workgroups < inst.config.Workgroups {
		inst.logger.Warnf("workgroups clamped from %d to device limit %d", inst.config.Workgroups, workgroups)
	}
	if inst.metrics != nil {
		inst.metrics.workgroups.Set(float64(workgroups))
	}

	res = &Result{
		RunID:         uuid.NewString(),
		OSName:        platform.OSName(),
		DeviceName:    inst.dev.Name(),
		DeviceType:    inst.dev.Type(),
		Workgroups:    workgroups,
		WorkgroupSize: inst.config.WorkgroupSize,
		LockIters:     inst.config.LockIters,
		TestIters:     inst.config.TestIters,
	}
	inst.logger.Infof("run %s on %s (%s): %d workgroups of %d, %d lock iterations, %d test iterations",
		res.RunID, res.DeviceName, res.DeviceType, workgroups, inst.config.WorkgroupSize, inst.config.LockIters, inst.config.TestIters)

	buffers, err := inst.allocate(workgroups)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := len(buffers) - 1; i >= 0; i-- {
			err = multierr.Append(err, buffers[i].Teardown())
		}
		if err != nil {
			res = nil
		}
	}()
	buffers[slotLockIters].Store(0, inst.config.LockIters)

	for _, v := range inst.variants {
		vr, err := inst.runVariant(ctx, v, workgroups, buffers)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", v.Name, err)
		}
		res.Variants = append(res.Variants, vr)
	}

	if anomalies := res.Anomalies(); len(anomalies) > 0 && inst.config.StrictAnomalies {
		a := anomalies[0]
		return nil, fmt.Errorf("%w: %d anomalous iteration(s), first %s #%d observed %d of %d",
			errors.ErrMeasurementAnomaly, len(anomalies), a.Variant, a.Iteration, a.Observed, a.Expected)
	}
	return res, nil
}

func (inst *Orchestrator) allocate(workgroups uint32) (buffers []*compute.Buffer, err error) {
	sizes := []uint32{1, 1, 1}
	if inst.config.Filler {
		size := inst.config.WorkgroupSize
		for _, v := range inst.variants {
			if s := inst.workgroupSize(v); s > size {
				size = s
			}
		}
		sizes = append(sizes, workgroups*size)
	}

	for _, n := range sizes {
		b, err := compute.NewBuffer(inst.dev, n)
		if err != nil {
			for i := len(buffers) - 1; i >= 0; i-- {
				err = multierr.Append(err, buffers[i].Teardown())
			}
			return nil, err
		}
		buffers = append(buffers, b)
	}
	return buffers, nil
}

// kernelFor returns the variant whose blob is dispatched for v. A legacy
// alias resolves against the whole table, selected or not.
func (inst *Orchestrator) kernelFor(v Variant) (Variant, error) {
	if !inst.config.LegacyFencedDispatch || v.LegacyAlias == "" {
		return v, nil
	}
	for _, other := range inst.table {
		if other.Name == v.LegacyAlias {
			return other, nil
		}
	}
	return Variant{}, fmt.Errorf("%w: legacy alias %q of %s is not in the variant table", errors.ErrInvalidConfig, v.LegacyAlias, v.Name)
}

func (inst *Orchestrator) runVariant(ctx context.Context, v Variant, workgroups uint32, buffers []*compute.Buffer) (vr *VariantResult, err error) {
	dispatched, err := inst.kernelFor(v)
	if err != nil {
		return nil, err
	}
	if dispatched.Name != v.Name {
		inst.logger.Warnf("legacy dispatch: %s runs the %s kernel", v.Name, dispatched.Name)
	}

	size := inst.workgroupSize(v)
	k, err := compute.NewKernel(inst.dev, dispatched.Blob, buffers)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, k.Teardown())
	}()

	k.SetWorkgroups(workgroups)
	k.SetWorkgroupSize(size)
	if err = k.Prepare(); err != nil {
		return nil, err
	}

	vr = &VariantResult{
		Name:            v.Name,
		Kernel:          dispatched.Blob.Source,
		Workgroups:      workgroups,
		WorkgroupSize:   size,
		ExpectedPerIter: uint64(workgroups) * uint64(inst.config.LockIters),
	}
	for i := 0; i < int(inst.config.TestIters); i++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		buffers[slotLock].Clear()
		buffers[slotResult].Clear()
		start := inst.now()
		if err = k.Run(); err != nil {
			return nil, err
		}
		elapsed := inst.now().Sub(start)
		observed := buffers[slotResult].Load(0)

		it := IterationResult{
			Iteration: i,
			Observed:  observed,
			Failures:  int64(vr.ExpectedPerIter) - int64(observed),
			Elapsed:   elapsed,
		}
		vr.add(it)
		inst.logIteration(vr, it)
		if inst.metrics != nil {
			inst.metrics.observe(v.Name, vr.ExpectedPerIter, it)
		}
	}

	inst.logger.Infof("%s: %d failures (%.3f%%) in %d/%d iterations, average %.3fms",
		v.Name, vr.Failures, vr.FailurePercent(), vr.IterationFailures, len(vr.Iterations), millis(vr.AverageTime()))
	return vr, nil
}

func (inst *Orchestrator) logIteration(vr *VariantResult, it IterationResult) {
	if it.Failures < 0 {
		inst.logger.Errorf("%s iteration %d: observed %d successes of %d attempted, %d failures",
			vr.Name, it.Iteration, it.Observed, vr.ExpectedPerIter, it.Failures)
		return
	}

	percent := float64(it.Failures) / float64(vr.ExpectedPerIter) * 100
	log := inst.logger.Debugf
	switch {
	case percent > warnPercent:
		log = inst.logger.Warnf
	case percent > infoPercent:
		log = inst.logger.Infof
	}
	log("%s iteration %d: %d failures (%.3f%%) in %.3fms", vr.Name, it.Iteration, it.Failures, percent, millis(it.Elapsed))
}

// RunBenchmark opens the device at index on drv, runs the orchestrator and
// tears down the device and the instance in that order.
func RunBenchmark(ctx context.Context, drv compute.Driver, index int, diagnostics bool, variants []Variant, config Config, opts ...Option) (res *Result, err error) {
	o := &Orchestrator{logger: logging.GetDefaultLogger()}
	for _, opt := range opts {
		opt(o)
	}

	instance, err := compute.NewInstance(drv, diagnostics, compute.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err = multierr.Append(err, instance.Teardown()); err != nil {
			res = nil
		}
	}()

	dev, err := instance.OpenDevice(index)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, dev.Teardown())
	}()

	orch, err := NewOrchestrator(dev, variants, config, opts...)
	if err != nil {
		return nil, err
	}
	return orch.Run(ctx)
}
