package gopool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/tezrry/gpulock/pkg/logging"
)

var taskPool = sync.Pool{New: func() any { return new(_Task) }}

func newTask(ctx context.Context, f TaskFunc, param ...any) *_Task {
	inst := taskPool.Get().(*_Task)
	inst.ctx = ctx
	inst.f = f
	inst.param = param
	return inst
}

func freeTask(task *_Task) {
	task.ctx = nil
	task.f = nil
	task.param = nil
	taskPool.Put(task)
}

type _Task struct {
	ctx   context.Context
	f     TaskFunc
	param []any
}

func (inst *_Task) run() {
	if inst.ctx.Err() != nil {
		return
	}

	inst.f(inst.ctx, inst.param...)
}

type _AntsPool struct {
	pool *ants.Pool
}

// New returns a Pool of size goroutines backed by ants.
func New(size int) (Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size MUST be greater than 0, got %d", size)
	}

	p, err := ants.NewPool(size, ants.WithPanicHandler(func(v interface{}) {
		logging.Errorf("task panic: %v\n%s", v, debug.Stack())
	}))
	if err != nil {
		return nil, err
	}

	return &_AntsPool{pool: p}, nil
}

func (inst *_AntsPool) Schedule(ctx context.Context, task TaskFunc, param ...interface{}) error {
	t := newTask(ctx, task, param...)
	err := inst.pool.Submit(func() {
		t.run()
		freeTask(t)
	})
	if err != nil {
		freeTask(t)
	}
	return err
}

func (inst *_AntsPool) Running() int {
	return inst.pool.Running()
}

func (inst *_AntsPool) Cap() int {
	return inst.pool.Cap()
}

func (inst *_AntsPool) Release() {
	inst.pool.Release()
}
