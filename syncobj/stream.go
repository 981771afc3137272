package syncobj

import (
	"sync"

	"github.com/gogpu/gpugraph/gpucore"
)

// Submittable is recorded work that can go through a Stream.
type Submittable interface {
	// Handle returns the executable command buffer.
	Handle() gpucore.CommandBufferID

	// Fence returns the completion fence to attach, or nil.
	Fence() *Fence

	// Submitted is called with the timeline value the work signals.
	Submitted(value uint64)
}

// Stream is a strictly ordered submission queue driven by one timeline
// semaphore. Submission n waits for value n-1 and signals value n, so all
// work submitted through a Stream executes in program order. There is no
// ordering between different Streams.
//
// Stream is safe for concurrent use.
type Stream struct {
	mu    sync.Mutex
	q     *Queue
	tl    *TimelineSemaphore
	label string
}

// NewStream creates a stream on q.
func NewStream(q *Queue, label string) (*Stream, error) {
	tl, err := NewTimelineSemaphore(q, 0)
	if err != nil {
		return nil, err
	}
	return &Stream{q: q, tl: tl, label: label}, nil
}

// Label returns the debug label.
func (s *Stream) Label() string { return s.label }

// Timeline returns the underlying timeline semaphore.
func (s *Stream) Timeline() *TimelineSemaphore { return s.tl }

// Submit submits recorded work and returns the timeline value it signals.
func (s *Stream) Submit(work Submittable) (uint64, error) {
	v, err := s.submit(work.Fence(), work.Handle())
	if err != nil {
		return 0, err
	}
	work.Submitted(v)
	return v, nil
}

// SubmitRaw submits command buffers and returns the timeline value they
// signal. An empty call still occupies one slot.
func (s *Stream) SubmitRaw(cmds ...gpucore.CommandBufferID) (uint64, error) {
	return s.submit(nil, cmds...)
}

func (s *Stream) submit(fence *Fence, cmds ...gpucore.CommandBufferID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.tl.Increment()
	info := gpucore.SubmitInfo{
		Commands: cmds,
		Waits:    []gpucore.SemaphoreValue{{Semaphore: s.tl.id, Value: v - 1}},
		Signals:  []gpucore.SemaphoreValue{{Semaphore: s.tl.id, Value: v}},
	}

	var err error
	if fence != nil {
		err = fence.Submit(info)
	} else {
		err = s.q.Submit(&info)
	}
	if err != nil {
		// Nothing will signal v; give the slot back so later work does not
		// wait on it forever.
		s.tl.rollback(v)
		return 0, err
	}
	return v, nil
}

// Reserve takes the next timeline slot without submitting work. Later
// submissions wait for it, so the caller must Signal it from the host.
func (s *Stream) Reserve() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tl.Increment()
}

// Signal signals a reserved slot from the host.
func (s *Stream) Signal(value uint64) error {
	return s.tl.Signal(value)
}

// Wait blocks until the stream reaches value.
func (s *Stream) Wait(value uint64) error {
	if value == 0 {
		return nil
	}
	return s.tl.Wait(value)
}

// Value returns the last timeline value handed out.
func (s *Stream) Value() uint64 { return s.tl.Value() }

// Flush blocks until every submission and reserved slot so far has
// completed.
func (s *Stream) Flush() error {
	return s.Wait(s.Value())
}

// Destroy releases the timeline. Callers Flush first.
func (s *Stream) Destroy() {
	s.tl.Destroy()
}
