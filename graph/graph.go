package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/internal/logging"
	"github.com/gogpu/gpugraph/internal/parallel"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/memory"
	"github.com/gogpu/gpugraph/syncobj"
)

// Graph errors.
var (
	// ErrCycle is returned by Sort when the nodes do not form a DAG.
	ErrCycle = errors.New("graph: cycle")

	// ErrClosed is returned when using a closed graph.
	ErrClosed = errors.New("graph: closed")
)

// Graph is a baked, sorted set of nodes.
//
// Nodes live in an arena and refer to each other by index. The graph
// tracks every command buffer created for its nodes and returns them once
// the stream has passed their work.
//
// A Graph is driven by one goroutine: Update and Execute must not be
// called concurrently. Release work runs on the runtime worker pool.
type Graph struct {
	id   uuid.UUID
	rt   *Runtime
	sink UISink

	nodes    []EngineNode
	names    []string
	proxyIDs []int
	states   []ProxyState

	order     []int
	terminals []int

	// held lists nodes whose output is still allocated after the last
	// frame: terminals, extra nodes and nodes whose consumers did not run.
	held   []workItem
	stream *syncobj.Stream

	mu          sync.Mutex
	live        map[*command.Buffer]struct{}
	pending     []*parallel.Task
	lastRelease *parallel.Task
	releaseErrs []error

	closed bool
}

func newGraph(id uuid.UUID, rt *Runtime, sink UISink) *Graph {
	return &Graph{
		id:   id,
		rt:   rt,
		sink: sink,
		live: make(map[*command.Buffer]struct{}),
	}
}

// ID returns the bake identity.
func (g *Graph) ID() uuid.UUID { return g.id }

// Len returns the number of nodes in the arena.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node at an arena index.
func (g *Graph) Node(index int) EngineNode { return g.nodes[index] }

// Name returns the display name of the node at an arena index.
func (g *Graph) Name(index int) string { return g.names[index] }

// Order returns the arena indices in execution order.
func (g *Graph) Order() []int { return append([]int(nil), g.order...) }

// Terminals returns the arena indices of nodes without consumers.
func (g *Graph) Terminals() []int { return append([]int(nil), g.terminals...) }

// Lookup returns the arena index of a proxy id.
func (g *Graph) Lookup(proxyID int) (int, bool) {
	for i, id := range g.proxyIDs {
		if id == proxyID {
			return i, true
		}
	}
	return -1, false
}

// State returns the last reported state of a node.
func (g *Graph) State(index int) ProxyState {
	if g.states == nil {
		return ProxyOK
	}
	return g.states[index]
}

// LiveCommandBuffers returns the number of command buffers not yet
// released.
func (g *Graph) LiveCommandBuffers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

func (g *Graph) newContext(index int, n EngineNode, frame int) *Context {
	return &Context{g: g, index: index, node: n, frame: frame}
}

func (g *Graph) track(cb *command.Buffer) {
	g.mu.Lock()
	g.live[cb] = struct{}{}
	g.mu.Unlock()
}

func (g *Graph) setState(index int, s ProxyState, err error) {
	if g.states == nil {
		g.states = make([]ProxyState, len(g.nodes))
	}
	if g.states[index] == s && err == nil {
		return
	}
	g.states[index] = s
	if g.sink != nil {
		g.sink.NodeState(g.proxyIDs[index], s, err)
	}
}

// Sort orders the nodes reachable from the terminals so that every node
// comes after all of its inputs. Ties are broken by arena index.
func (g *Graph) Sort() error {
	n := len(g.nodes)
	consumers := make([][]int, n)
	indegree := make([]int, n)
	g.terminals = g.terminals[:0]
	for i, node := range g.nodes {
		b := node.Base()
		for _, in := range b.inputs {
			consumers[in] = append(consumers[in], i)
		}
		indegree[i] = len(b.inputs)
		if b.outputs == 0 {
			g.terminals = append(g.terminals, i)
		}
	}

	// Reverse BFS from the terminals.
	reachable := make([]bool, n)
	queue := append([]int(nil), g.terminals...)
	for _, t := range queue {
		reachable[t] = true
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, in := range g.nodes[i].Base().inputs {
			if !reachable[in] {
				reachable[in] = true
				queue = append(queue, in)
			}
		}
	}

	// Kahn over the whole arena so cycles are detected even when they are
	// unreachable.
	var ready []int
	for i := range n {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, n)
	visited := 0
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		visited++
		if reachable[i] {
			order = append(order, i)
		}
		for _, c := range consumers[i] {
			indegree[c]--
			if indegree[c] == 0 {
				at := sort.SearchInts(ready, c)
				ready = append(ready, 0)
				copy(ready[at+1:], ready[at:])
				ready[at] = c
			}
		}
	}
	if visited != n {
		var stuck []string
		for i := range n {
			if indegree[i] > 0 {
				stuck = append(stuck, g.names[i])
			}
		}
		return fmt.Errorf("%w through %v", ErrCycle, stuck)
	}
	g.order = order
	return nil
}

// Update runs every node's Update in sorted order. The returned result is
// Dirty if any node is dirty, or the first result that stops the pass:
// Unconfigured, Error, Rebake or Pending. The changed-parameter marks are
// cleared only after a complete pass.
func (g *Graph) Update(mode Mode, frame int) Result {
	if g.closed {
		return Failed(ErrClosed)
	}
	dirty := false
	for _, idx := range g.order {
		n := g.nodes[idx]
		r := n.Update(g.newContext(idx, n, frame), mode)
		if r.Err != nil {
			kind := r.Status.kind()
			if kind == nil {
				kind = ErrMisconfigured
			}
			r.Err = &NodeError{Node: g.names[idx], Kind: kind, Err: r.Err}
		}
		switch r.Status {
		case StatusClean:
			g.setState(idx, ProxyOK, nil)
		case StatusDirty:
			dirty = true
			g.setState(idx, ProxyOK, nil)
		case StatusUnconfigured:
			g.setState(idx, ProxyUnconfigured, r.Err)
			return r
		case StatusError:
			g.setState(idx, ProxyError, r.Err)
			return r
		case StatusPending:
			g.setState(idx, ProxyPending, nil)
			return r
		default:
			return r
		}
	}
	clearParamChanges()
	return DirtyIf(dirty)
}

// ApplyParams stores a parameter snapshot on the node of a proxy and marks
// its parameters changed.
func (g *Graph) ApplyParams(proxyID int, snap kernel.Snapshot) error {
	idx, ok := g.Lookup(proxyID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProxy, proxyID)
	}
	n := g.nodes[idx]
	if err := n.Params().Apply(snap); err != nil {
		return err
	}
	MarkParamChanged(n.Base().Hash())
	if g.sink != nil {
		g.sink.NodeParams(proxyID, n.Params().Snapshot())
	}
	return nil
}

// CloneNode returns a copy of the node at index wired to the same inputs,
// for use as an extra node in Execute.
func (g *Graph) CloneNode(index int) EngineNode {
	src := g.nodes[index]
	c := src.Clone()
	c.Base().inputs = append([]int(nil), src.Base().inputs...)
	return c
}

type workItem struct {
	index int
	node  EngineNode
}

// Execute runs one frame on stream.
//
// The working list is the sorted nodes in the frame range followed by the
// extra nodes in range. Extra nodes read arena nodes through their inputs
// but are not part of the arena. For each node an allocate command buffer
// is recorded and submitted, then the node executes. Once every consumer
// of an input has been submitted, the input is released on the worker
// pool after the stream has passed its consumers.
//
// Every node in the frame range runs regardless of the Dirty or Clean
// status of the last Update.
//
// Allocation failures abort the frame. Execute failures are logged and
// reported to the UI sink; the frame continues.
func (g *Graph) Execute(mode Mode, stream *syncobj.Stream, frame int, extra ...EngineNode) error {
	if g.closed {
		return ErrClosed
	}
	if err := g.releaseHeld(); err != nil {
		return err
	}
	g.stream = stream

	var work []workItem
	for _, idx := range g.order {
		if g.nodes[idx].Base().frames.Contains(frame) {
			work = append(work, workItem{idx, g.nodes[idx]})
		}
	}
	pinned := make(map[int]bool)
	for _, n := range extra {
		if n.Base().frames.Contains(frame) {
			work = append(work, workItem{-1, n})
			for _, in := range n.Base().inputs {
				pinned[in] = true
			}
		}
	}

	visits := make([]int, len(g.nodes))
	allocated := make(map[int]bool, len(work))
	for _, w := range work {
		ctx := g.newContext(w.index, w.node, frame)
		if err := g.allocate(ctx, stream); err != nil {
			g.schedule(stream, nil, ctx.cmds)
			if w.index >= 0 {
				g.setState(w.index, ProxyError, err)
			}
			g.hold(work, allocated)
			return err
		}
		if w.index >= 0 {
			allocated[w.index] = true
		} else {
			g.held = append(g.held, w)
		}

		if err := w.node.Execute(ctx, mode, stream); err != nil {
			logging.Logger().Warn("graph: node execute failed", "node", ctx.Name(), "frame", frame, "err", err)
			if w.index >= 0 {
				g.setState(w.index, ProxyError, err)
			}
		}

		var deallocs []EngineNode
		for _, in := range w.node.Base().inputs {
			visits[in]++
			if visits[in] == g.nodes[in].Base().outputs && !pinned[in] && allocated[in] {
				deallocs = append(deallocs, g.nodes[in])
				delete(allocated, in)
			}
		}
		g.schedule(stream, deallocs, ctx.cmds)
	}

	g.hold(work, allocated)

	if g.rt.HighWaterMark > 0 {
		if err := g.rt.Pool.Trim(g.rt.HighWaterMark); err != nil && !errors.Is(err, memory.ErrTrimIncomplete) {
			return err
		}
	}
	return nil
}

// hold keeps the outputs still allocated at the end of a frame until the
// next frame or Close.
func (g *Graph) hold(work []workItem, allocated map[int]bool) {
	for _, w := range work {
		if w.index >= 0 && allocated[w.index] {
			g.held = append(g.held, w)
		}
	}
}

// allocate records the node's allocate command buffer and submits it.
func (g *Graph) allocate(ctx *Context, stream *syncobj.Stream) error {
	cb, err := ctx.NewCommandBuffer("allocate")
	if err != nil {
		return fmt.Errorf("graph: allocate %q: %w", ctx.Name(), err)
	}
	err = cb.Record(func(rec *command.Recorder) error {
		return ctx.node.Allocate(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("graph: allocate %q: %w", ctx.Name(), err)
	}
	if _, err := stream.Submit(cb); err != nil {
		return fmt.Errorf("graph: allocate %q: %w", ctx.Name(), err)
	}
	return nil
}

// releaseHeld waits for the previous frame and deallocates the nodes it
// left allocated.
func (g *Graph) releaseHeld() error {
	if err := g.Drain(); err != nil {
		return err
	}
	if g.stream != nil {
		if err := g.stream.Flush(); err != nil {
			return err
		}
	}
	for _, w := range g.held {
		w.node.Deallocate(g.newContext(w.index, w.node, 0))
	}
	g.held = g.held[:0]
	return nil
}

// Drain waits for every scheduled release and returns their errors.
func (g *Graph) Drain() error {
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, t := range pending {
		_ = t.Wait()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRelease = nil
	err := errors.Join(g.releaseErrs...)
	g.releaseErrs = nil
	return err
}

// Close waits for all work, deallocates held outputs, releases the
// remaining command buffers and closes the nodes. The stream stays
// usable.
func (g *Graph) Close() error {
	if g.closed {
		return nil
	}
	err := g.releaseHeld()

	g.mu.Lock()
	live := make([]*command.Buffer, 0, len(g.live))
	for cb := range g.live {
		live = append(live, cb)
	}
	g.live = make(map[*command.Buffer]struct{})
	g.mu.Unlock()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, cb := range live {
		if err := cb.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	for idx, n := range g.nodes {
		if c, ok := n.(Closer); ok {
			c.Close(g.newContext(idx, n, 0))
		}
	}
	g.closed = true
	logging.Logger().Debug("graph: closed", "graph", g.id)
	return errors.Join(errs...)
}
