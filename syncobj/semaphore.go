package syncobj

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpugraph/gpucore"
)

// Semaphore is a binary semaphore for GPU-to-GPU handoff between
// submissions.
type Semaphore struct {
	q  *Queue
	id gpucore.SemaphoreID
}

// NewSemaphore creates a binary semaphore.
func NewSemaphore(q *Queue) (*Semaphore, error) {
	id, err := q.dev.CreateSemaphore(gpucore.SemaphoreBinary, 0)
	if err != nil {
		return nil, gpucore.Check("CreateSemaphore", err)
	}
	return &Semaphore{q: q, id: id}, nil
}

// Handle returns the device semaphore.
func (s *Semaphore) Handle() gpucore.SemaphoreID { return s.id }

// Value returns the value to attach to a submit wait or signal.
func (s *Semaphore) Value() gpucore.SemaphoreValue {
	return gpucore.SemaphoreValue{Semaphore: s.id}
}

// Destroy releases the semaphore.
func (s *Semaphore) Destroy() {
	if s.id != gpucore.InvalidID {
		s.q.dev.DestroySemaphore(s.id)
		s.id = gpucore.InvalidID
	}
}

// TimelineSemaphore is a monotonically increasing counter usable for host
// and device waits and signals.
//
// The local counter tracks the highest value handed out by Increment and
// runs ahead of the device counter, which only advances when the work
// carrying the signal completes.
type TimelineSemaphore struct {
	q  *Queue
	id gpucore.SemaphoreID

	mu    sync.Mutex
	local uint64
}

// NewTimelineSemaphore creates a timeline starting at initial.
func NewTimelineSemaphore(q *Queue, initial uint64) (*TimelineSemaphore, error) {
	id, err := q.dev.CreateSemaphore(gpucore.SemaphoreTimeline, initial)
	if err != nil {
		return nil, gpucore.Check("CreateSemaphore", err)
	}
	return &TimelineSemaphore{q: q, id: id, local: initial}, nil
}

// Handle returns the device semaphore.
func (t *TimelineSemaphore) Handle() gpucore.SemaphoreID { return t.id }

// Increment reserves and returns the next value for the caller's signal.
func (t *TimelineSemaphore) Increment() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local++
	return t.local
}

// rollback undoes the Increment that returned v if nothing was handed out
// after it.
func (t *TimelineSemaphore) rollback(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == v {
		t.local--
	}
}

// Value returns the local counter: the last value handed out.
func (t *TimelineSemaphore) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// DeviceValue returns the counter as seen by the device.
func (t *TimelineSemaphore) DeviceValue() (uint64, error) {
	v, err := t.q.dev.SemaphoreValue(t.id)
	return v, gpucore.Check("SemaphoreValue", err)
}

// Wait blocks the host until the device counter reaches value.
func (t *TimelineSemaphore) Wait(value uint64) error {
	if t.id == gpucore.InvalidID {
		return ErrDestroyed
	}
	return t.q.policy.wait(fmt.Sprintf("timeline %d value %d", t.id, value), func(timeout time.Duration) (bool, error) {
		return t.q.dev.WaitSemaphore(t.id, value, timeout)
	})
}

// Signal advances the device counter to value from the host.
func (t *TimelineSemaphore) Signal(value uint64) error {
	return gpucore.Check("SignalSemaphore", t.q.dev.SignalSemaphore(t.id, value))
}

// Destroy releases the semaphore.
func (t *TimelineSemaphore) Destroy() {
	if t.id != gpucore.InvalidID {
		t.q.dev.DestroySemaphore(t.id)
		t.id = gpucore.InvalidID
	}
}
