package parallel

import (
	"sync/atomic"
)

const (
	taskPending int32 = iota
	taskRunning
	taskDone
)

// Task is a unit of work scheduled on a WorkerPool.
type Task struct {
	fn    func() error
	state atomic.Int32
	done  chan struct{}
	err   error
}

func newTask(fn func() error) *Task {
	return &Task{fn: fn, done: make(chan struct{})}
}

func completedTask(err error) *Task {
	t := &Task{done: make(chan struct{}), err: err}
	t.state.Store(taskDone)
	close(t.done)
	return t
}

// run executes the task unless someone else already claimed it.
func (t *Task) run() {
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		return
	}
	t.err = t.fn()
	t.state.Store(taskDone)
	close(t.done)
}

// Wait blocks until the task has finished and returns its error. A task
// still queued is run on the calling goroutine.
func (t *Task) Wait() error {
	t.run()
	<-t.done
	return t.err
}

// Done returns a channel closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Finished reports whether the task has finished.
func (t *Task) Finished() bool { return t.state.Load() == taskDone }

// Err returns the task error, or nil while the task has not finished.
func (t *Task) Err() error {
	if !t.Finished() {
		return nil
	}
	return t.err
}
