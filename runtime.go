package moqbridge

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Runtime runs background tasks and bridges blocking calls into them. There
// is one per process, built on first use and never torn down.
type Runtime struct {
	active atomic.Int64
}

var (
	runtimeOnce sync.Once
	procRuntime *Runtime
)

func defaultRuntime() *Runtime {
	runtimeOnce.Do(func() {
		procRuntime = &Runtime{}
	})
	return procRuntime
}

// Workers returns the number of threads executing tasks in parallel.
func (r *Runtime) Workers() int {
	return runtime.GOMAXPROCS(0)
}

// Active returns the number of running tasks.
func (r *Runtime) Active() int64 {
	return r.active.Load()
}

// Task is a handle on a spawned background task.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Abort asks the task to stop. It does not wait.
func (t *Task) Abort() {
	if t != nil {
		t.cancel()
	}
}

// Done is closed once the task returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task returned.
func (t *Task) Wait() {
	if t != nil {
		<-t.done
	}
}

// Spawn runs fn in the background with a context derived from parent. A
// panic in fn is logged and ends the task.
func (r *Runtime) Spawn(parent context.Context, name string, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}

	r.active.Add(1)
	go func() {
		defer close(t.done)
		defer r.active.Add(-1)
		defer cancel()
		defer func() {
			if v := recover(); v != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Runtime.Spawn",
					"task":     name,
					"panic":    fmt.Sprint(v),
				}).Error("Background task panicked")
			}
		}()
		fn(ctx)
	}()
	return t
}

// blockOn runs fn on the runtime and blocks the caller until it returns or
// timeout elapses. On timeout fn's context is cancelled and the caller gets
// a Timeout error right away; fn keeps running detached and whatever it
// still produces is handed to discard instead of being used.
func blockOn[T any](r *Runtime, op string, timeout time.Duration, fn func(ctx context.Context) (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ch := make(chan result, 1)

	r.Spawn(ctx, op, func(ctx context.Context) {
		defer func() {
			if v := recover(); v != nil {
				ch <- result{err: panicError(op, v)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	})

	select {
	case res := <-ch:
		cancel()
		return res.v, res.err
	case <-ctx.Done():
	}

	cancel()
	// A result that raced the deadline still wins.
	select {
	case res := <-ch:
		return res.v, res.err
	default:
	}

	go func() {
		res := <-ch
		if res.err == nil && discard != nil {
			discard(res.v)
		}
		logrus.WithFields(logrus.Fields{
			"function": "blockOn",
			"op":       op,
		}).Debug("Discarded late result of timed out operation")
	}()

	var zero T
	return zero, newError(Timeout, op, "%s timed out after %s", op, timeout)
}
