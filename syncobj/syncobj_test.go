package syncobj

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gpugraph/backend/software"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
)

func newTestQueue(t *testing.T, policy WaitPolicy) (*Queue, *software.Device) {
	t.Helper()
	dev := software.New(software.Config{})
	t.Cleanup(dev.Close)
	return NewQueue(dev, policy), dev
}

// =============================================================================
// Fence
// =============================================================================

func TestFenceStateString(t *testing.T) {
	tests := []struct {
		s    FenceState
		want string
	}{
		{FenceStateReset, "Reset"},
		{FenceStateSubmitted, "Submitted"},
		{FenceStateWaited, "Waited"},
		{FenceState(7), "Unknown(7)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestFenceRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, WaitPolicy{})
	f, err := NewFence(q)
	if err != nil {
		t.Fatalf("NewFence() error = %v", err)
	}
	defer f.Destroy()

	if err := f.Submit(gpucore.SubmitInfo{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := f.State(); got != FenceStateSubmitted {
		t.Errorf("State() after Submit = %v, want Submitted", got)
	}
	if err := f.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := f.State(); got != FenceStateWaited {
		t.Errorf("State() after Wait = %v, want Waited", got)
	}
	if err := f.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := f.State(); got != FenceStateReset {
		t.Errorf("State() after Reset = %v, want Reset", got)
	}
}

func TestFenceDoubleWait(t *testing.T) {
	var buf bytes.Buffer
	logging.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	defer logging.SetLogger(nil)

	q, _ := newTestQueue(t, WaitPolicy{})
	f, _ := NewFence(q)
	defer f.Destroy()

	_ = f.Submit(gpucore.SubmitInfo{})
	if err := f.Wait(); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if err := f.Wait(); err != nil {
		t.Errorf("second Wait() error = %v, want nil", err)
	}
	if got := f.State(); got != FenceStateWaited {
		t.Errorf("State() = %v, want Waited", got)
	}
	if !strings.Contains(buf.String(), "fence waited twice") {
		t.Errorf("log = %q, want double-wait warning", buf.String())
	}
}

func TestFenceWaitNeverSubmitted(t *testing.T) {
	q, _ := newTestQueue(t, WaitPolicy{})
	f, _ := NewFence(q)
	defer f.Destroy()

	if err := f.Wait(); !errors.Is(err, ErrFenceNotSubmitted) {
		t.Errorf("Wait() error = %v, want ErrFenceNotSubmitted", err)
	}
}

func TestFenceResubmit(t *testing.T) {
	q, _ := newTestQueue(t, WaitPolicy{})
	f, _ := NewFence(q)
	defer f.Destroy()

	// Submitted -> auto-wait -> auto-reset -> Submitted.
	for i := range 3 {
		if err := f.Submit(gpucore.SubmitInfo{}); err != nil {
			t.Fatalf("Submit() #%d error = %v", i, err)
		}
	}
	// Waited -> auto-reset -> Submitted.
	_ = f.Wait()
	if err := f.PreSubmit(); err != nil {
		t.Fatalf("PreSubmit() error = %v", err)
	}
	if got := f.State(); got != FenceStateReset {
		t.Errorf("State() after PreSubmit on Waited = %v, want Reset", got)
	}
	if got := q.Submissions(); got != 3 {
		t.Errorf("Submissions() = %d, want 3", got)
	}
}

func TestFenceWedged(t *testing.T) {
	q, dev := newTestQueue(t, WaitPolicy{Timeout: time.Millisecond, Retries: 2})
	tl, _ := NewTimelineSemaphore(q, 0)
	f, _ := NewFence(q)

	// Never satisfied: nothing signals value 1.
	err := f.Submit(gpucore.SubmitInfo{Waits: []gpucore.SemaphoreValue{{Semaphore: tl.Handle(), Value: 1}}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := f.Wait(); !errors.Is(err, ErrDeviceWedged) {
		t.Errorf("Wait() error = %v, want ErrDeviceWedged", err)
	}
	if got := f.State(); got != FenceStateSubmitted {
		t.Errorf("State() after failed wait = %v, want Submitted", got)
	}

	// Unblock so the device can shut down cleanly.
	_ = tl.Signal(1)
	_ = dev.WaitIdle()
}

// =============================================================================
// TimelineSemaphore
// =============================================================================

func TestTimelineLocalVersusDevice(t *testing.T) {
	q, _ := newTestQueue(t, WaitPolicy{})
	tl, err := NewTimelineSemaphore(q, 0)
	if err != nil {
		t.Fatalf("NewTimelineSemaphore() error = %v", err)
	}
	defer tl.Destroy()

	v := tl.Increment()
	if v != 1 || tl.Value() != 1 {
		t.Fatalf("Increment() = %d, Value() = %d, want 1, 1", v, tl.Value())
	}
	if dv, _ := tl.DeviceValue(); dv != 0 {
		t.Errorf("DeviceValue() before signal = %d, want 0", dv)
	}
	if err := tl.Signal(v); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	if err := tl.Wait(v); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if dv, _ := tl.DeviceValue(); dv != 1 {
		t.Errorf("DeviceValue() after signal = %d, want 1", dv)
	}
}

// =============================================================================
// Stream
// =============================================================================

func TestStreamFIFO(t *testing.T) {
	q, dev := newTestQueue(t, WaitPolicy{})
	s, err := NewStream(q, "test")
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	defer s.Destroy()

	// A reserved slot blocks everything submitted after it.
	v1, _ := s.SubmitRaw()
	slot := s.Reserve()
	v3, _ := s.SubmitRaw()
	if v1 != 1 || slot != 2 || v3 != 3 {
		t.Fatalf("values = %d, %d, %d, want 1, 2, 3", v1, slot, v3)
	}

	if err := s.Wait(v1); err != nil {
		t.Fatalf("Wait(%d) error = %v", v1, err)
	}
	ok, _ := dev.WaitSemaphore(s.Timeline().Handle(), v3, 20*time.Millisecond)
	if ok {
		t.Fatal("submission after an unsignaled reserved slot completed")
	}

	if err := s.Signal(slot); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if dv, _ := s.Timeline().DeviceValue(); dv != v3 {
		t.Errorf("DeviceValue() after Flush = %d, want %d", dv, v3)
	}
}

type fakeWork struct {
	id    gpucore.CommandBufferID
	fence *Fence
	value uint64
}

func (w *fakeWork) Handle() gpucore.CommandBufferID { return w.id }
func (w *fakeWork) Fence() *Fence                   { return w.fence }
func (w *fakeWork) Submitted(v uint64)              { w.value = v }

func TestStreamSubmitWithFence(t *testing.T) {
	q, dev := newTestQueue(t, WaitPolicy{})
	s, _ := NewStream(q, "fenced")
	defer s.Destroy()

	enc, _ := dev.BeginCommands("noop")
	cb, _ := enc.End()
	f, _ := NewFence(q)
	defer f.Destroy()

	w := &fakeWork{id: cb, fence: f}
	v, err := s.Submit(w)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if w.value != v {
		t.Errorf("Submitted() value = %d, want %d", w.value, v)
	}
	if err := f.Wait(); err != nil {
		t.Fatalf("fence Wait() error = %v", err)
	}
}

func TestStreamRollbackOnFailure(t *testing.T) {
	q, _ := newTestQueue(t, WaitPolicy{})
	s, _ := NewStream(q, "rollback")
	defer s.Destroy()

	if _, err := s.SubmitRaw(gpucore.CommandBufferID(9999)); !gpucore.IsFatal(err) {
		t.Fatalf("SubmitRaw(invalid) error = %v, want fatal device error", err)
	}
	if got := s.Value(); got != 0 {
		t.Errorf("Value() after failed submit = %d, want 0", got)
	}
	v, err := s.SubmitRaw()
	if err != nil || v != 1 {
		t.Fatalf("SubmitRaw() = (%d, %v), want (1, nil)", v, err)
	}
	if err := s.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

func TestBinarySemaphoreBetweenSubmits(t *testing.T) {
	q, _ := newTestQueue(t, WaitPolicy{})
	sem, err := NewSemaphore(q)
	if err != nil {
		t.Fatalf("NewSemaphore() error = %v", err)
	}
	defer sem.Destroy()
	f, _ := NewFence(q)
	defer f.Destroy()

	if err := q.Submit(&gpucore.SubmitInfo{Signals: []gpucore.SemaphoreValue{sem.Value()}}); err != nil {
		t.Fatalf("Submit(signal) error = %v", err)
	}
	if err := f.Submit(gpucore.SubmitInfo{Waits: []gpucore.SemaphoreValue{sem.Value()}}); err != nil {
		t.Fatalf("Submit(wait) error = %v", err)
	}
	if err := f.Wait(); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}
