package graph

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/parallel"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/memory"
	"github.com/gogpu/gpugraph/syncobj"
)

// Context errors.
var (
	// ErrNoInput is returned for an input index out of range.
	ErrNoInput = errors.New("graph: no such input")

	// ErrNoOutput is returned when an input has no GPU output.
	ErrNoOutput = errors.New("graph: input has no output")

	// ErrIncompleteRuntime is returned when baking with a Runtime that
	// lacks a device, queue, pool or worker pool.
	ErrIncompleteRuntime = errors.New("graph: incomplete runtime")
)

// Runtime is the set of shared services nodes run against.
type Runtime struct {
	Device  gpucore.Device
	Queue   *syncobj.Queue
	Pool    *memory.Pool
	Workers *parallel.WorkerPool

	// Shaders may be nil when no node loads shaders.
	Shaders *kernel.ShaderCache

	// HighWaterMark is the device memory the pool is trimmed to after each
	// frame. Zero disables trimming.
	HighWaterMark uint64
}

func (rt *Runtime) validate() error {
	if rt == nil || rt.Device == nil || rt.Queue == nil || rt.Pool == nil || rt.Workers == nil {
		return ErrIncompleteRuntime
	}
	return nil
}

// Context is the per-call handle a node receives.
type Context struct {
	g     *Graph
	index int
	node  EngineNode
	frame int
	cmds  []*command.Buffer
}

// Runtime returns the shared services.
func (c *Context) Runtime() *Runtime { return c.g.rt }

// Device returns the device.
func (c *Context) Device() gpucore.Device { return c.g.rt.Device }

// Queue returns the submission queue.
func (c *Context) Queue() *syncobj.Queue { return c.g.rt.Queue }

// Pool returns the memory pool.
func (c *Context) Pool() *memory.Pool { return c.g.rt.Pool }

// Shaders returns the shader cache, which may be nil.
func (c *Context) Shaders() *kernel.ShaderCache { return c.g.rt.Shaders }

// Frame returns the current frame number.
func (c *Context) Frame() int { return c.frame }

// Name returns the display name of the node, or its type name for nodes
// outside the arena.
func (c *Context) Name() string {
	if c.index >= 0 {
		return c.g.names[c.index]
	}
	return c.node.Base().Type()
}

// NumInputs returns the number of wired inputs.
func (c *Context) NumInputs() int { return c.node.Base().NumInputs() }

// Input returns the i-th upstream node.
func (c *Context) Input(i int) (EngineNode, error) {
	in := c.node.Base().inputs
	if i < 0 || i >= len(in) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoInput, i, len(in))
	}
	return c.g.nodes[in[i]], nil
}

// InputResource returns the output of the i-th upstream node.
func (c *Context) InputResource(i int) (memory.Resource, error) {
	n, err := c.Input(i)
	if err != nil {
		return nil, err
	}
	p, ok := n.(Producer)
	if !ok {
		return nil, fmt.Errorf("%w: input %d (%s)", ErrNoOutput, i, n.Base().Type())
	}
	r := p.Output()
	if r == nil {
		return nil, fmt.Errorf("%w: input %d (%s)", ErrNoOutput, i, n.Base().Type())
	}
	return r, nil
}

// NewCommandBuffer creates a command buffer owned by the graph. It is
// released once the stream has passed the node's work.
func (c *Context) NewCommandBuffer(label string) (*command.Buffer, error) {
	cb, err := command.New(c.g.rt.Queue, c.Name()+"/"+label)
	if err != nil {
		return nil, err
	}
	c.cmds = append(c.cmds, cb)
	c.g.track(cb)
	return cb, nil
}

// Go runs fn on the worker pool. Nodes return Pending from Update until
// the task has finished.
func (c *Context) Go(fn func() error) *parallel.Task {
	return c.g.rt.Workers.Go(fn)
}
