package command

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
	"github.com/gogpu/gpugraph/syncobj"
)

// Command buffer errors.
var (
	// ErrReleased is returned when using a released command buffer.
	ErrReleased = errors.New("command: buffer released")

	// ErrNotRecorded is returned when submitting a buffer with no recording.
	ErrNotRecorded = errors.New("command: buffer has no recording")

	// ErrRecording is returned when Record is re-entered.
	ErrRecording = errors.New("command: buffer is already recording")
)

// State represents the lifecycle state of a Buffer.
type State int

const (
	// StateInitial means nothing has been recorded.
	StateInitial State = iota

	// StateRecording means Record is running.
	StateRecording

	// StateExecutable means a recording is ready to submit.
	StateExecutable

	// StateSubmitted means the recording was submitted.
	StateSubmitted

	// StateReleased means the buffer was released and must not be used.
	StateReleased
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateRecording:
		return "Recording"
	case StateExecutable:
		return "Executable"
	case StateSubmitted:
		return "Submitted"
	case StateReleased:
		return "Released"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Recorder is the encoder handed to Record callbacks.
type Recorder struct {
	gpucore.CommandEncoder
	buf *Buffer
}

// OnRelease registers fn to run once the GPU has finished with the
// recording: when the buffer is re-recorded or released. If the recording
// fails, fn runs before Record returns.
func (r *Recorder) OnRelease(fn func()) {
	b := r.buf
	b.mu.Lock()
	b.recorded = append(b.recorded, fn)
	b.mu.Unlock()
}

// Buffer is a command buffer bound to a queue and a default completion
// fence.
//
// Recording is scoped: Record begins the buffer, runs the callback, and
// ends it. Re-recording a submitted buffer first waits for its fence.
// Resources that must outlive GPU execution register OnRelease callbacks.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mu        sync.Mutex
	q         *syncobj.Queue
	label     string
	id        gpucore.CommandBufferID
	fence     *syncobj.Fence
	state     State
	value     uint64
	onRelease []func()

	// recorded holds the callbacks of the current recording.
	recorded []func()
}

// New creates an empty command buffer on q.
func New(q *syncobj.Queue, label string) (*Buffer, error) {
	f, err := syncobj.NewFence(q)
	if err != nil {
		return nil, fmt.Errorf("command buffer %q: %w", label, err)
	}
	return &Buffer{q: q, label: label, fence: f}, nil
}

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// State returns the current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Handle returns the recorded device command buffer.
func (b *Buffer) Handle() gpucore.CommandBufferID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Fence returns the default completion fence.
func (b *Buffer) Fence() *syncobj.Fence { return b.fence }

// Submitted records that the buffer was submitted through a stream and
// which timeline value it signals.
func (b *Buffer) Submitted(value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateSubmitted
	b.value = value
}

// TimelineValue returns the stream value of the last stream submission,
// or 0.
func (b *Buffer) TimelineValue() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Record begins the buffer, calls fn with a recorder, and ends it. If fn
// fails the recording is discarded and the buffer returns to Initial.
func (b *Buffer) Record(fn func(rec *Recorder) error) error {
	b.mu.Lock()
	switch b.state {
	case StateReleased:
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrReleased, b.label)
	case StateRecording:
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRecording, b.label)
	case StateSubmitted:
		if err := b.fence.Wait(); err != nil && !errors.Is(err, syncobj.ErrFenceNotSubmitted) {
			b.mu.Unlock()
			return err
		}
	}
	if b.id != gpucore.InvalidID {
		b.q.Device().FreeCommandBuffer(b.id)
		b.id = gpucore.InvalidID
	}
	stale := b.recorded
	b.recorded = nil
	b.state = StateRecording
	b.mu.Unlock()
	runAll(stale)

	enc, err := b.q.Device().BeginCommands(b.label)
	if err != nil {
		b.setState(StateInitial)
		return gpucore.Check("BeginCommands", err)
	}
	if err := fn(&Recorder{CommandEncoder: enc, buf: b}); err != nil {
		enc.Discard()
		b.discard()
		return err
	}
	id, err := enc.End()
	if err != nil {
		b.discard()
		return gpucore.Check("EndCommands", err)
	}

	b.mu.Lock()
	b.id = id
	b.state = StateExecutable
	b.mu.Unlock()
	return nil
}

func (b *Buffer) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// discard drops a failed recording and runs its callbacks.
func (b *Buffer) discard() {
	b.mu.Lock()
	stale := b.recorded
	b.recorded = nil
	b.state = StateInitial
	b.mu.Unlock()
	runAll(stale)
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Submit submits the recording directly on the queue with the default
// fence, outside of any stream.
func (b *Buffer) Submit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateReleased:
		return fmt.Errorf("%w: %q", ErrReleased, b.label)
	case StateInitial, StateRecording:
		return fmt.Errorf("%w: %q", ErrNotRecorded, b.label)
	}
	if err := b.fence.Submit(gpucore.SubmitInfo{Commands: []gpucore.CommandBufferID{b.id}}); err != nil {
		return err
	}
	b.state = StateSubmitted
	return nil
}

// Wait blocks until the last submission of the buffer has completed.
// Waiting a buffer that was never submitted is a no-op.
func (b *Buffer) Wait() error {
	if b.State() != StateSubmitted {
		return nil
	}
	return b.fence.Wait()
}

// OnRelease registers fn to run when the buffer is released. Callbacks
// run in registration order.
func (b *Buffer) OnRelease(fn func()) {
	b.mu.Lock()
	if b.state == StateReleased {
		b.mu.Unlock()
		fn()
		return
	}
	b.onRelease = append(b.onRelease, fn)
	b.mu.Unlock()
}

// Release waits for in-flight work, frees the device command buffer,
// destroys the fence, and runs the release callbacks. Release is safe to
// call multiple times.
func (b *Buffer) Release() error {
	b.mu.Lock()
	if b.state == StateReleased {
		b.mu.Unlock()
		return nil
	}
	var err error
	if b.state == StateSubmitted {
		if err = b.fence.Wait(); errors.Is(err, syncobj.ErrFenceNotSubmitted) {
			err = nil
		}
	}
	if err != nil {
		// Still in flight: freeing now would pull memory out from under
		// the device.
		b.mu.Unlock()
		logging.Logger().Warn("command: release wait failed", "buffer", b.label, "err", err)
		return err
	}
	if b.id != gpucore.InvalidID {
		b.q.Device().FreeCommandBuffer(b.id)
		b.id = gpucore.InvalidID
	}
	err = b.fence.Destroy()
	callbacks := append(b.recorded, b.onRelease...)
	b.recorded, b.onRelease = nil, nil
	b.state = StateReleased
	b.mu.Unlock()

	runAll(callbacks)
	return err
}
