package gopool

import "context"

type TaskFunc func(ctx context.Context, param ...interface{})

type Pool interface {
	// Schedule runs task on a pooled goroutine, blocking while every worker is busy.
	Schedule(ctx context.Context, task TaskFunc, param ...interface{}) error
	Running() int
	Cap() int
	Release()
}
