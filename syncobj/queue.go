package syncobj

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
)

// Synchronization errors.
var (
	// ErrFenceNotSubmitted is returned when waiting on a fence that was
	// never submitted. The wait could never finish, so it is fatal.
	ErrFenceNotSubmitted = errors.New("syncobj: wait on fence that was never submitted")

	// ErrDeviceWedged is returned when a wait exhausts every retry.
	ErrDeviceWedged = errors.New("syncobj: device wedged")

	// ErrDestroyed is returned when using a destroyed object.
	ErrDestroyed = errors.New("syncobj: object destroyed")
)

// Default wait policy.
const (
	// DefaultWaitTimeout is the first wait timeout; it doubles per retry.
	DefaultWaitTimeout = 2 * time.Second

	// DefaultWaitRetries is the number of retries after the first timeout.
	DefaultWaitRetries = 4
)

// WaitPolicy controls how long host waits block before the device is
// declared wedged.
type WaitPolicy struct {
	// Timeout is the first wait timeout. Defaults to DefaultWaitTimeout.
	Timeout time.Duration

	// Retries is the number of retries, each with double the previous
	// timeout. Negative means no retry; zero uses DefaultWaitRetries.
	Retries int
}

func (p WaitPolicy) normalized() WaitPolicy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultWaitTimeout
	}
	if p.Retries == 0 {
		p.Retries = DefaultWaitRetries
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	return p
}

// wait calls poll with escalating timeouts until it reports completion,
// fails, or the retries run out.
func (p WaitPolicy) wait(what string, poll func(time.Duration) (bool, error)) error {
	timeout := p.Timeout
	for attempt := 0; attempt <= p.Retries; attempt++ {
		ok, err := poll(timeout)
		if err != nil {
			return gpucore.Check(what, err)
		}
		if ok {
			return nil
		}
		logging.Logger().Warn("syncobj: wait timed out",
			"object", what, "attempt", attempt+1, "timeout", timeout)
		timeout *= 2
	}
	return fmt.Errorf("%w: %s did not complete", ErrDeviceWedged, what)
}

// Queue is the single logical submission queue of a device. Every submit
// goes through one mutex, so the CPU-side submission order is total.
type Queue struct {
	mu     sync.Mutex
	dev    gpucore.Device
	policy WaitPolicy
	count  uint64
}

// NewQueue creates the submission queue of dev.
func NewQueue(dev gpucore.Device, policy WaitPolicy) *Queue {
	return &Queue{dev: dev, policy: policy.normalized()}
}

// Device returns the underlying device.
func (q *Queue) Device() gpucore.Device { return q.dev }

// Policy returns the wait policy shared by objects created on q.
func (q *Queue) Policy() WaitPolicy { return q.policy }

// Submit submits work to the device.
func (q *Queue) Submit(info *gpucore.SubmitInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.dev.Submit(info); err != nil {
		return gpucore.Check("Submit", err)
	}
	q.count++
	return nil
}

// Submissions returns the number of successful submissions.
func (q *Queue) Submissions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// WaitIdle blocks until the device has finished all submitted work.
func (q *Queue) WaitIdle() error {
	return gpucore.Check("WaitIdle", q.dev.WaitIdle())
}
