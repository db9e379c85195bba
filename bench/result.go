package bench

import (
	"time"

	"github.com/tezrry/gpulock/compute"
)

// IterationResult is one test iteration of a variant.
type IterationResult struct {
	Iteration int
	Observed  uint32
	// Failures is expected minus observed successes. It is negative when the
	// kernel reported more successes than were attempted.
	Failures int64
	Elapsed  time.Duration
}

// Anomaly is an iteration whose observed successes exceed the attempts.
type Anomaly struct {
	Variant   string
	Iteration int
	Expected  uint64
	Observed  uint32
	Failures  int64
}

// VariantResult accumulates the iterations of one variant.
type VariantResult struct {
	Name string
	// Kernel is the source of the blob that was dispatched.
	Kernel            string
	Workgroups        uint32
	WorkgroupSize     uint32
	ExpectedPerIter   uint64
	TotalLocks        uint64
	Failures          int64
	IterationFailures int
	TotalTime         time.Duration
	Iterations        []IterationResult
	Anomalies         []Anomaly
}

func (inst *VariantResult) add(it IterationResult) {
	inst.Iterations = append(inst.Iterations, it)
	inst.TotalLocks += inst.ExpectedPerIter
	inst.Failures += it.Failures
	inst.TotalTime += it.Elapsed
	if it.Failures > 0 {
		inst.IterationFailures++
	}
	if it.Failures < 0 {
		inst.Anomalies = append(inst.Anomalies, Anomaly{
			Variant:   inst.Name,
			Iteration: it.Iteration,
			Expected:  inst.ExpectedPerIter,
			Observed:  it.Observed,
			Failures:  it.Failures,
		})
	}
}

// FailurePercent is Failures as a percentage of TotalLocks.
func (inst *VariantResult) FailurePercent() float64 {
	if inst.TotalLocks == 0 {
		return 0
	}
	return float64(inst.Failures) / float64(inst.TotalLocks) * 100
}

func (inst *VariantResult) AverageTime() time.Duration {
	if len(inst.Iterations) == 0 {
		return 0
	}
	return inst.TotalTime / time.Duration(len(inst.Iterations))
}

// Result is a whole benchmark run.
type Result struct {
	RunID      string
	OSName     string
	DeviceName string
	DeviceType compute.DeviceType
	// Workgroups is the dispatched count after clamping.
	Workgroups    uint32
	WorkgroupSize uint32
	LockIters     uint32
	TestIters     uint32
	Variants      []*VariantResult
}

// TotalLocks is the lock acquisitions each variant attempts.
func (inst *Result) TotalLocks() uint64 {
	return uint64(inst.Workgroups) * uint64(inst.LockIters) * uint64(inst.TestIters)
}

func (inst *Result) Variant(name string) *VariantResult {
	for _, v := range inst.Variants {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (inst *Result) Anomalies() []Anomaly {
	var as []Anomaly
	for _, v := range inst.Variants {
		as = append(as, v.Anomalies...)
	}
	return as
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Report flattens the run into the key/value mapping handed to the
// reporting collaborator.
func (inst *Result) Report() map[string]any {
	r := map[string]any{
		"run-id":         inst.RunID,
		"os-name":        inst.OSName,
		"device-name":    inst.DeviceName,
		"device-type":    inst.DeviceType.String(),
		"workgroups":     inst.Workgroups,
		"workgroup-size": inst.WorkgroupSize,
		"lock-iters":     inst.LockIters,
		"test-iters":     inst.TestIters,
		"total-locks":    inst.TotalLocks(),
	}
	for _, v := range inst.Variants {
		r[v.Name+"-failures"] = v.Failures
		r[v.Name+"-failure-percent"] = v.FailurePercent()
		r[v.Name+"-iteration-failures"] = v.IterationFailures
		r[v.Name+"-total-time-ms"] = millis(v.TotalTime)
		r[v.Name+"-average-time-ms"] = millis(v.AverageTime())
		r[v.Name+"-anomalies"] = len(v.Anomalies)
		r[v.Name+"-workgroup-size"] = v.WorkgroupSize
	}
	return r
}
