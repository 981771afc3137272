package graph

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/memory"
	"github.com/gogpu/gpugraph/syncobj"
)

// Mode selects how a frame is produced.
type Mode uint8

const (
	// ModeInteractive favours latency, for previews.
	ModeInteractive Mode = iota

	// ModeExport favours quality, for final output.
	ModeExport
)

// String returns the string representation of Mode.
func (m Mode) String() string {
	switch m {
	case ModeInteractive:
		return "Interactive"
	case ModeExport:
		return "Export"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// EngineNode is one stage of a baked graph.
//
// The graph calls Init once after a successful bake, Update once per frame
// in sorted order, and for nodes that run in a frame Allocate, Execute and
// later Deallocate. Allocate records into a command buffer that is
// submitted on the frame stream before Execute runs. Execute records and
// submits its own command buffers through the stream, created with
// Context.NewCommandBuffer. Deallocate frees the node output once every
// consumer has finished with it.
//
// The Dirty or Clean status from Update is advisory. Outputs do not
// survive the frame, so Execute runs every node in the frame range,
// clean or not; a clean node may reuse host-side state but must still
// produce its output.
type EngineNode interface {
	// Base returns the graph bookkeeping embedded in the node.
	Base() *Base

	// Params returns the node parameters grouped by kernel name.
	Params() kernel.ParamGroups

	// Clone returns an unwired copy with a fresh hash and the same
	// parameter values.
	Clone() EngineNode

	Init(ctx *Context) error
	Update(ctx *Context, mode Mode) Result
	Allocate(ctx *Context, rec *command.Recorder) error
	Execute(ctx *Context, mode Mode, stream *syncobj.Stream) error
	Deallocate(ctx *Context)
}

// Producer is a node with a GPU output consumers can bind.
type Producer interface {
	Output() memory.Resource
}

// Closer is implemented by nodes that own device objects beyond their
// output, such as kernels. Close runs when the graph is closed.
type Closer interface {
	Close(ctx *Context)
}

// FrameRange limits the frames a node runs in. The zero value covers every
// frame; a zero Last leaves the range open ended.
type FrameRange struct {
	First int
	Last  int
}

// Contains reports whether frame is in the range.
func (r FrameRange) Contains(frame int) bool {
	if frame < r.First {
		return false
	}
	return r.Last == 0 || frame <= r.Last
}

var hashCounter atomic.Uint64

// NextHash returns a new process-wide node identity.
func NextHash() uint64 {
	return hashCounter.Add(1)
}

// Base is the graph bookkeeping shared by every node. Node types embed it
// and return it from EngineNode.Base.
type Base struct {
	hash    uint64
	typ     string
	inputs  []int
	outputs int
	frames  FrameRange
}

// NewBase returns the bookkeeping for a node of type typ.
func NewBase(typ string, hash uint64) Base {
	return Base{hash: hash, typ: typ}
}

// Hash returns the node identity.
func (b *Base) Hash() uint64 { return b.hash }

// Type returns the registered type name.
func (b *Base) Type() string { return b.typ }

// Inputs returns the arena indices of the upstream nodes, in input order.
func (b *Base) Inputs() []int { return append([]int(nil), b.inputs...) }

// NumInputs returns the number of wired inputs.
func (b *Base) NumInputs() int { return len(b.inputs) }

// Outputs returns the number of consumer edges.
func (b *Base) Outputs() int { return b.outputs }

// Frames returns the frame range.
func (b *Base) Frames() FrameRange { return b.frames }

// SetFrames sets the frame range.
func (b *Base) SetFrames(r FrameRange) { b.frames = r }

// cloneFor returns an unwired copy of b with a new hash.
func (b *Base) cloneFor(hash uint64) Base {
	return Base{hash: hash, typ: b.typ, frames: b.frames}
}

// CloneBase returns an unwired copy of b with a fresh hash, for Clone
// implementations.
func CloneBase(b *Base) Base {
	return b.cloneFor(NextHash())
}

var paramChanges struct {
	sync.Mutex
	set map[uint64]struct{}
}

// MarkParamChanged records that the parameters of the node with hash
// changed. The mark lasts until the next complete update pass.
func MarkParamChanged(hash uint64) {
	paramChanges.Lock()
	defer paramChanges.Unlock()
	if paramChanges.set == nil {
		paramChanges.set = make(map[uint64]struct{})
	}
	paramChanges.set[hash] = struct{}{}
}

// ParamChanged reports whether MarkParamChanged was called for hash since
// the last complete update pass.
func ParamChanged(hash uint64) bool {
	paramChanges.Lock()
	defer paramChanges.Unlock()
	_, ok := paramChanges.set[hash]
	return ok
}

func clearParamChanges() {
	paramChanges.Lock()
	defer paramChanges.Unlock()
	clear(paramChanges.set)
}
