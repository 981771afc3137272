package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is the task scheduler of the engine: a pool of goroutines used
// for deferred resource release and long-running CPU preprocessing.
//
// The pool distributes tasks across workers, each with their own queue.
// Workers steal from other queues when their own queue is empty, which
// balances load when some tasks block on the GPU longer than others.
//
// A Task that has not started yet can be claimed by whoever waits on it,
// so chains of tasks that wait on each other always make progress.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// workQueues holds per-worker task queues.
	workQueues []chan *Task

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool

	// mu orders Close against in-flight submissions.
	mu sync.RWMutex
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
// The pool starts immediately and workers begin waiting for work.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan *Task, workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan *Task, queueSize)
	}

	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	return p
}

// worker is the main loop for each worker goroutine.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	myQueue := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drainQueue(myQueue)
			return

		case task := <-myQueue:
			task.run()

		default:
			if stolen := p.steal(id); stolen != nil {
				stolen.run()
				continue
			}
			select {
			case <-p.done:
				p.drainQueue(myQueue)
				return
			case task := <-myQueue:
				task.run()
			}
		}
	}
}

// drainQueue executes all remaining tasks in a queue.
func (p *WorkerPool) drainQueue(queue chan *Task) {
	for {
		select {
		case task := <-queue:
			task.run()
		default:
			return
		}
	}
}

// steal attempts to take a task from another worker's queue.
// Returns nil if no work is available.
func (p *WorkerPool) steal(myID int) *Task {
	for i := range p.workers {
		if i == myID {
			continue
		}
		select {
		case task := <-p.workQueues[i]:
			return task
		default:
		}
	}
	return nil
}

// Go schedules fn and returns its Task. If the pool is closed, fn runs on
// the calling goroutine before Go returns.
func (p *WorkerPool) Go(fn func() error) *Task {
	t := newTask(fn)

	p.mu.RLock()
	if !p.running.Load() {
		p.mu.RUnlock()
		t.run()
		return t
	}

	// Shortest queue first.
	minIdx := 0
	minLen := len(p.workQueues[0])
	for i := 1; i < p.workers; i++ {
		if l := len(p.workQueues[i]); l < minLen {
			minLen = l
			minIdx = i
		}
	}
	select {
	case p.workQueues[minIdx] <- t:
		p.mu.RUnlock()
	default:
		// Queue full: run inline rather than block the submitter.
		p.mu.RUnlock()
		t.run()
	}
	return t
}

// Submit schedules fn without a result.
func (p *WorkerPool) Submit(fn func()) *Task {
	if fn == nil {
		return completedTask(nil)
	}
	return p.Go(func() error {
		fn()
		return nil
	})
}

// ExecuteAll distributes work across workers and waits for all to
// complete. It returns the first error.
func (p *WorkerPool) ExecuteAll(work []func() error) error {
	tasks := make([]*Task, 0, len(work))
	for _, fn := range work {
		tasks = append(tasks, p.Go(fn))
	}
	var first error
	for _, t := range tasks {
		if err := t.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close stops accepting new tasks, runs every queued task and stops the
// workers. Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.running.CompareAndSwap(true, false) {
		p.mu.Unlock()
		return
	}
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning returns true if the pool is still accepting work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

// QueuedWork returns the total number of tasks currently queued.
// This is an approximation as queues can change while iterating.
func (p *WorkerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}
