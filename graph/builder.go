package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/gpugraph/internal/logging"
	"github.com/gogpu/gpugraph/kernel"
)

// Builder errors.
var (
	// ErrUnknownProxy is returned for ids not in the builder.
	ErrUnknownProxy = errors.New("graph: unknown proxy")

	// ErrSelfLoop is returned when connecting a proxy to itself.
	ErrSelfLoop = errors.New("graph: self loop")
)

// ProxyState is the UI-visible state of a proxy.
type ProxyState uint8

const (
	// ProxyOK means the node is healthy.
	ProxyOK ProxyState = iota

	// ProxyError means the node failed to instantiate, configure or run.
	ProxyError

	// ProxyUnconfigured means the node lacks configuration.
	ProxyUnconfigured

	// ProxyPending means the node waits on background work.
	ProxyPending
)

// String returns the string representation of ProxyState.
func (s ProxyState) String() string {
	switch s {
	case ProxyOK:
		return "OK"
	case ProxyError:
		return "Error"
	case ProxyUnconfigured:
		return "Unconfigured"
	case ProxyPending:
		return "Pending"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// UISink receives node state and parameters for an editor. Ids are
// FakeNode ids.
type UISink interface {
	NodeState(id int, state ProxyState, err error)
	NodeParams(id int, params kernel.Snapshot)
}

// FakeNode is the edit-time proxy of a node.
type FakeNode struct {
	ID   int
	Name string
	Type string

	// Inputs lists upstream proxy ids in input order; Outputs lists
	// consumer ids.
	Inputs  []int
	Outputs []int

	Frames FrameRange

	// Params is the parameter snapshot applied at bake and refreshed from
	// the baked node afterwards.
	Params kernel.Snapshot

	State ProxyState
	Err   error

	// Index is the arena index of the baked node, or -1.
	Index int
}

// Builder holds the proxy graph edited before baking.
//
// Builder is safe for concurrent use.
type Builder struct {
	mu     sync.Mutex
	nextID int
	nodes  map[int]*FakeNode
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{nextID: 1, nodes: make(map[int]*FakeNode)}
}

// Add creates a proxy of the given type.
func (b *Builder) Add(name, typ string) *FakeNode {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := &FakeNode{ID: b.nextID, Name: name, Type: typ, Index: -1}
	b.nextID++
	b.nodes[n.ID] = n
	return n
}

// Node returns a proxy by id.
func (b *Builder) Node(id int) (*FakeNode, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	return n, ok
}

// Nodes returns the proxies ordered by id.
func (b *Builder) Nodes() []*FakeNode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedLocked()
}

func (b *Builder) sortedLocked() []*FakeNode {
	out := make([]*FakeNode, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connect appends from as the next input of to.
func (b *Builder) Connect(from, to int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from == to {
		return fmt.Errorf("%w: %d", ErrSelfLoop, from)
	}
	src, ok := b.nodes[from]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProxy, from)
	}
	dst, ok := b.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProxy, to)
	}
	dst.Inputs = append(dst.Inputs, from)
	src.Outputs = append(src.Outputs, to)
	return nil
}

// Remove deletes a proxy and every edge touching it.
func (b *Builder) Remove(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProxy, id)
	}
	delete(b.nodes, id)
	for _, n := range b.nodes {
		n.Inputs = without(n.Inputs, id)
		n.Outputs = without(n.Outputs, id)
	}
	return nil
}

func without(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Flush drops the links to a previous bake so the proxies can be baked
// again.
func (b *Builder) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		n.Index = -1
		n.State = ProxyOK
		n.Err = nil
	}
}

// Bake instantiates every proxy through reg, wires and sorts the result,
// and initializes each node.
//
// Instantiation failures mark the proxy Error and do not stop the other
// proxies; the bake then fails as a whole, after pushing the parameters of
// the nodes that were created back to their proxies. A failing Init marks
// its proxy Error and fails the bake.
func (b *Builder) Bake(rt *Runtime, reg *Registry, sink UISink) (*Graph, error) {
	if err := rt.validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	proxies := b.sortedLocked()
	g := newGraph(uuid.New(), rt, sink)

	var errs []error
	fail := func(p *FakeNode, err error) {
		p.State = ProxyError
		p.Err = err
		if sink != nil {
			sink.NodeState(p.ID, ProxyError, err)
		}
		errs = append(errs, &NodeError{Node: fmt.Sprintf("%s (%s)", p.Name, p.Type), Kind: ErrMisconfigured, Err: err})
	}

	// Pass 1: instantiate.
	for _, p := range proxies {
		p.Index = -1
		n, err := reg.Make(p.Type, NextHash())
		if err != nil {
			fail(p, err)
			continue
		}
		p.Index = len(g.nodes)
		p.State = ProxyOK
		p.Err = nil
		g.nodes = append(g.nodes, n)
		g.names = append(g.names, p.Name)
		g.proxyIDs = append(g.proxyIDs, p.ID)
	}

	// Pass 2: wire inputs, frame ranges and parameters.
	for _, p := range proxies {
		if p.Index < 0 {
			continue
		}
		n := g.nodes[p.Index]
		base := n.Base()
		base.inputs = base.inputs[:0]
		for _, in := range p.Inputs {
			src, ok := b.nodes[in]
			if !ok {
				fail(p, fmt.Errorf("%w: input %d", ErrUnknownProxy, in))
				continue
			}
			if src.Index < 0 {
				continue // already reported
			}
			base.inputs = append(base.inputs, src.Index)
			g.nodes[src.Index].Base().outputs++
		}
		base.frames = p.Frames
		if p.Params != nil {
			if err := n.Params().Apply(p.Params); err != nil {
				fail(p, err)
			}
		}
	}

	b.pushParams(g, proxies)
	if len(errs) > 0 {
		return nil, fmt.Errorf("graph: bake: %w", errors.Join(errs...))
	}

	if err := g.Sort(); err != nil {
		return nil, fmt.Errorf("graph: bake: %w", err)
	}

	var initialized []int
	for _, idx := range g.order {
		ctx := g.newContext(idx, g.nodes[idx], 0)
		if err := g.nodes[idx].Init(ctx); err != nil {
			p := b.nodes[g.proxyIDs[idx]]
			fail(p, err)
			for _, done := range initialized {
				if c, ok := g.nodes[done].(Closer); ok {
					c.Close(g.newContext(done, g.nodes[done], 0))
				}
			}
			return nil, fmt.Errorf("graph: init: %w", errs[len(errs)-1])
		}
		initialized = append(initialized, idx)
	}

	logging.Logger().Info("graph: baked", "graph", g.id, "nodes", len(g.nodes), "sorted", len(g.order), "terminals", len(g.terminals))
	return g, nil
}

// pushParams copies the parameters of every created node back to its
// proxy.
func (b *Builder) pushParams(g *Graph, proxies []*FakeNode) {
	for _, p := range proxies {
		if p.Index < 0 {
			continue
		}
		p.Params = g.nodes[p.Index].Params().Snapshot()
		if g.sink != nil {
			g.sink.NodeParams(p.ID, p.Params)
		}
	}
}
