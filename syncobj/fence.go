package syncobj

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
)

// FenceState represents the state of a Fence.
type FenceState int

const (
	// FenceStateReset means the fence is unsignaled and may be submitted.
	FenceStateReset FenceState = iota

	// FenceStateSubmitted means work carrying the fence is in flight.
	FenceStateSubmitted

	// FenceStateWaited means the host observed completion.
	FenceStateWaited
)

// String returns the string representation of FenceState.
func (s FenceState) String() string {
	switch s {
	case FenceStateReset:
		return "Reset"
	case FenceStateSubmitted:
		return "Submitted"
	case FenceStateWaited:
		return "Waited"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Fence is a host-visible completion signal.
//
// State machine:
//
//	Reset --submit--> Submitted --wait--> Waited --reset--> Reset
//
// Submitting onto a Submitted fence waits first; submitting onto a Waited
// fence resets first, so callers can always re-submit without manual
// bookkeeping. Waiting twice is a no-op. Waiting on a fence that was
// never submitted returns ErrFenceNotSubmitted.
//
// Fence is safe for concurrent use.
type Fence struct {
	mu    sync.Mutex
	q     *Queue
	id    gpucore.FenceID
	state FenceState
}

// NewFence creates a fence in the Reset state.
func NewFence(q *Queue) (*Fence, error) {
	id, err := q.dev.CreateFence()
	if err != nil {
		return nil, gpucore.Check("CreateFence", err)
	}
	return &Fence{q: q, id: id}, nil
}

// Handle returns the device fence.
func (f *Fence) Handle() gpucore.FenceID { return f.id }

// State returns the current state.
func (f *Fence) State() FenceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// PreSubmit brings the fence into the Reset state: a Submitted fence is
// waited on, a Waited fence is reset.
func (f *Fence) PreSubmit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preSubmitLocked()
}

func (f *Fence) preSubmitLocked() error {
	if f.id == gpucore.InvalidID {
		return ErrDestroyed
	}
	if f.state == FenceStateSubmitted {
		if err := f.waitLocked(); err != nil {
			return err
		}
	}
	if f.state == FenceStateWaited {
		return f.resetLocked()
	}
	return nil
}

// Submit submits info with the fence attached.
func (f *Fence) Submit(info gpucore.SubmitInfo) error {
	return f.submit(func(id gpucore.FenceID) error {
		info.Fence = id
		return f.q.Submit(&info)
	})
}

// submit runs PreSubmit, then fn with the fence handle, and moves to
// Submitted if fn succeeds.
func (f *Fence) submit(fn func(gpucore.FenceID) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.preSubmitLocked(); err != nil {
		return err
	}
	if err := fn(f.id); err != nil {
		return err
	}
	f.state = FenceStateSubmitted
	return nil
}

// Wait blocks until the submitted work completes.
func (f *Fence) Wait() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitLocked()
}

func (f *Fence) waitLocked() error {
	switch f.state {
	case FenceStateReset:
		return ErrFenceNotSubmitted
	case FenceStateWaited:
		logging.Logger().Warn("syncobj: fence waited twice", "fence", f.id)
		return nil
	}

	err := f.q.policy.wait(fmt.Sprintf("fence %d", f.id), func(timeout time.Duration) (bool, error) {
		return f.q.dev.WaitFence(f.id, timeout)
	})
	if err != nil {
		return err
	}
	f.state = FenceStateWaited
	return nil
}

// Reset returns the fence to the Reset state. A Submitted fence is waited
// on first; a Reset fence is left alone.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == FenceStateSubmitted {
		if err := f.waitLocked(); err != nil {
			return err
		}
	}
	if f.state == FenceStateReset {
		return nil
	}
	return f.resetLocked()
}

func (f *Fence) resetLocked() error {
	if err := f.q.dev.ResetFence(f.id); err != nil {
		return gpucore.Check("ResetFence", err)
	}
	f.state = FenceStateReset
	return nil
}

// Destroy releases the fence. In-flight work is waited on first.
func (f *Fence) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.id == gpucore.InvalidID {
		return nil
	}
	var err error
	if f.state == FenceStateSubmitted {
		err = f.waitLocked()
	}
	f.q.dev.DestroyFence(f.id)
	f.id = gpucore.InvalidID
	return err
}
