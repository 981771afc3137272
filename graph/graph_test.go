package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gogpu/gpugraph/backend/software"
	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/parallel"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/memory"
	"github.com/gogpu/gpugraph/syncobj"
)

const outputSize = 64

// =============================================================================
// Test nodes
// =============================================================================

type event struct {
	kind  string
	node  string
	value uint64
}

type eventLog struct {
	mu     sync.Mutex
	events []event
}

func (l *eventLog) add(kind, node string, value uint64) {
	l.mu.Lock()
	l.events = append(l.events, event{kind, node, value})
	l.mu.Unlock()
}

func (l *eventLog) find(kind, node string) (int, event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e.kind == kind && e.node == node {
			return i, e, true
		}
	}
	return -1, event{}, false
}

func (l *eventLog) count(kind, node string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.kind == kind && e.node == node {
			n++
		}
	}
	return n
}

// testNode fills its output when it has no inputs and copies its first
// input otherwise.
type testNode struct {
	base   Base
	log    *eventLog
	params kernel.ParamGroups

	out    *memory.Buffer
	stream *syncobj.Stream
	name   string

	fill     uint32
	update   func(ctx *Context) Result
	initErr  error
	execErr  error
	allocErr error
	closed   bool
}

func newTestNode(typ string, hash uint64, log *eventLog) *testNode {
	set, _, _ := kernel.NewParamSet([]kernel.ParamDesc{{Name: "gain", Type: "float", Default: []float64{1}}})
	return &testNode{base: NewBase(typ, hash), log: log, params: kernel.ParamGroups{"gain": set}, fill: 0xAB}
}

func (n *testNode) Base() *Base                { return &n.base }
func (n *testNode) Params() kernel.ParamGroups { return n.params }
func (n *testNode) Output() memory.Resource {
	if n.out == nil {
		return nil
	}
	return n.out
}

func (n *testNode) Clone() EngineNode {
	c := *n
	c.base = CloneBase(&n.base)
	c.params = n.params.Clone()
	c.out = nil
	return &c
}

func (n *testNode) Init(ctx *Context) error {
	n.name = ctx.Name()
	n.log.add("init", n.name, 0)
	return n.initErr
}

func (n *testNode) Update(ctx *Context, _ Mode) Result {
	n.log.add("update", ctx.Name(), 0)
	if n.update != nil {
		return n.update(ctx)
	}
	return DirtyIf(ParamChanged(n.base.Hash()))
}

func (n *testNode) Allocate(ctx *Context, rec *command.Recorder) error {
	if n.allocErr != nil {
		return n.allocErr
	}
	buf, err := memory.NewBuffer(ctx.Pool(), ctx.Name(), outputSize, gpucore.MemoryDeviceLocal)
	if err != nil {
		return err
	}
	n.out = buf
	rec.FillMemory(buf.Handle(), 0, outputSize, 0)
	n.log.add("alloc", ctx.Name(), 0)
	return nil
}

func (n *testNode) Execute(ctx *Context, _ Mode, stream *syncobj.Stream) error {
	n.stream = stream
	if n.execErr != nil {
		return n.execErr
	}
	cb, err := ctx.NewCommandBuffer("execute")
	if err != nil {
		return err
	}
	err = cb.Record(func(rec *command.Recorder) error {
		if ctx.NumInputs() == 0 {
			rec.FillMemory(n.out.Handle(), 0, outputSize, n.fill)
			return nil
		}
		in, err := ctx.InputResource(0)
		if err != nil {
			return err
		}
		rec.CopyMemory(in.Handle(), n.out.Handle(), gpucore.MemoryCopy{Size: outputSize})
		return nil
	})
	if err != nil {
		return err
	}
	v, err := stream.Submit(cb)
	if err != nil {
		return err
	}
	n.log.add("exec", ctx.Name(), v)
	return nil
}

func (n *testNode) Deallocate(ctx *Context) {
	var dv uint64
	if n.stream != nil {
		dv, _ = n.stream.Timeline().DeviceValue()
	}
	n.log.add("dealloc", ctx.Name(), dv)
	if n.out != nil {
		_ = n.out.Release()
		n.out = nil
	}
}

func (n *testNode) Close(*Context) { n.closed = true }

// =============================================================================
// Fixture
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	states map[int]ProxyState
	params map[int]kernel.Snapshot
}

func newRecordingSink() *recordingSink {
	return &recordingSink{states: make(map[int]ProxyState), params: make(map[int]kernel.Snapshot)}
}

func (s *recordingSink) NodeState(id int, state ProxyState, _ error) {
	s.mu.Lock()
	s.states[id] = state
	s.mu.Unlock()
}

func (s *recordingSink) NodeParams(id int, p kernel.Snapshot) {
	s.mu.Lock()
	s.params[id] = p
	s.mu.Unlock()
}

type fixture struct {
	dev    *software.Device
	rt     *Runtime
	reg    *Registry
	log    *eventLog
	stream *syncobj.Stream

	mu    sync.Mutex
	made  []*testNode
	setup map[string]func(*testNode)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := software.New(software.Config{})
	queue := syncobj.NewQueue(dev, syncobj.WaitPolicy{})
	pool := memory.NewPool(dev, nil, memory.PoolConfig{})
	workers := parallel.NewWorkerPool(2)
	stream, err := syncobj.NewStream(queue, "frame")
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	f := &fixture{
		dev:    dev,
		rt:     &Runtime{Device: dev, Queue: queue, Pool: pool, Workers: workers},
		reg:    NewRegistry(),
		log:    &eventLog{},
		stream: stream,
		setup:  make(map[string]func(*testNode)),
	}
	for _, typ := range []string{"src", "copy"} {
		err := f.reg.Register(typ, func(hash uint64) (EngineNode, error) {
			n := newTestNode(typ, hash, f.log)
			f.mu.Lock()
			f.made = append(f.made, n)
			f.mu.Unlock()
			return n, nil
		})
		if err != nil {
			t.Fatalf("Register(%q) error = %v", typ, err)
		}
	}
	t.Cleanup(func() {
		_ = stream.Flush()
		stream.Destroy()
		workers.Close()
		pool.Close()
		dev.Close()
	})
	return f
}

func (f *fixture) node(g *Graph, proxy *FakeNode) *testNode {
	return g.Node(proxy.Index).(*testNode) //nolint:forcetypeassert // test registry only makes testNode
}

// chain builds A -> B -> C.
func (f *fixture) chain(t *testing.T) (*Builder, []*FakeNode) {
	t.Helper()
	b := NewBuilder()
	a := b.Add("A", "src")
	bb := b.Add("B", "copy")
	c := b.Add("C", "copy")
	mustConnect(t, b, a.ID, bb.ID)
	mustConnect(t, b, bb.ID, c.ID)
	return b, []*FakeNode{a, bb, c}
}

func mustConnect(t *testing.T, b *Builder, from, to int) {
	t.Helper()
	if err := b.Connect(from, to); err != nil {
		t.Fatalf("Connect(%d, %d) error = %v", from, to, err)
	}
}

func readOutput(t *testing.T, n *testNode) []byte {
	t.Helper()
	out := make([]byte, outputSize)
	if err := n.out.Read(0, out); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return out
}

// checkFilled reports words of out that differ from the 32-bit fill value.
func checkFilled(t *testing.T, what string, out []byte, fill uint32) {
	t.Helper()
	for i := 0; i < len(out); i += 4 {
		if v := binary.LittleEndian.Uint32(out[i:]); v != fill {
			t.Fatalf("%s word %d = %#x, want %#x", what, i/4, v, fill)
		}
	}
}

// =============================================================================
// Sort
// =============================================================================

func TestSortRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := range 25 {
		f := newFixture(t)
		b := NewBuilder()
		n := 2 + rng.IntN(10)
		proxies := make([]*FakeNode, n)
		for i := range proxies {
			proxies[i] = b.Add(fmt.Sprintf("n%d", i), "copy")
		}
		// Edges follow a random permutation so ids do not give the order.
		perm := rng.Perm(n)
		for i := range n {
			for j := i + 1; j < n; j++ {
				if rng.IntN(3) == 0 {
					mustConnect(t, b, proxies[perm[i]].ID, proxies[perm[j]].ID)
				}
			}
		}

		g, err := b.Bake(f.rt, f.reg, nil)
		if err != nil {
			t.Fatalf("trial %d: Bake() error = %v", trial, err)
		}
		pos := make(map[int]int)
		for p, idx := range g.Order() {
			pos[idx] = p
		}
		if len(pos) != n {
			t.Errorf("trial %d: order has %d nodes, want %d", trial, len(pos), n)
		}
		for _, idx := range g.Order() {
			for _, in := range g.Node(idx).Base().Inputs() {
				if pos[in] >= pos[idx] {
					t.Errorf("trial %d: node %d sorted before its input %d", trial, idx, in)
				}
			}
		}
		_ = g.Close()
	}
}

func TestSortCycle(t *testing.T) {
	f := newFixture(t)
	b := NewBuilder()
	x := b.Add("x", "copy")
	y := b.Add("y", "copy")
	z := b.Add("z", "copy")
	mustConnect(t, b, x.ID, y.ID)
	mustConnect(t, b, y.ID, x.ID)
	mustConnect(t, b, y.ID, z.ID)

	if _, err := b.Bake(f.rt, f.reg, nil); !errors.Is(err, ErrCycle) {
		t.Errorf("Bake() error = %v, want ErrCycle", err)
	}
}

func TestSortTerminals(t *testing.T) {
	f := newFixture(t)
	b := NewBuilder()
	a := b.Add("a", "src")
	c1 := b.Add("c1", "copy")
	c2 := b.Add("c2", "copy")
	mustConnect(t, b, a.ID, c1.ID)
	mustConnect(t, b, a.ID, c2.ID)

	g, err := b.Bake(f.rt, f.reg, nil)
	if err != nil {
		t.Fatalf("Bake() error = %v", err)
	}
	defer g.Close()
	if got := g.Terminals(); len(got) != 2 {
		t.Errorf("Terminals() = %v, want two", got)
	}
	if got := g.Node(a.Index).Base().Outputs(); got != 2 {
		t.Errorf("a outputs = %d, want 2", got)
	}
	if got := g.Order(); got[0] != a.Index {
		t.Errorf("Order() = %v, want %d first", got, a.Index)
	}
}

// =============================================================================
// Bake
// =============================================================================

func TestBakePartialFailure(t *testing.T) {
	f := newFixture(t)
	sink := newRecordingSink()
	b := NewBuilder()
	good := b.Add("good", "src")
	bad := b.Add("bad", "nosuchtype")
	mustConnect(t, b, good.ID, bad.ID)
	good.Params = kernel.Snapshot{"gain": {"gain": 2.5}}

	g, err := b.Bake(f.rt, f.reg, sink)
	if g != nil || !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Bake() = %v, %v; want nil, ErrUnknownType", g, err)
	}
	if bad.State != ProxyError || bad.Err == nil {
		t.Errorf("bad proxy state = %v (%v), want Error", bad.State, bad.Err)
	}
	if good.State != ProxyOK {
		t.Errorf("good proxy state = %v, want OK", good.State)
	}
	if got := good.Params["gain"]["gain"]; got != float32(2.5) {
		t.Errorf("good proxy params = %v, want pushed back gain 2.5", good.Params)
	}
	if sink.states[bad.ID] != ProxyError {
		t.Errorf("sink state for bad = %v, want Error", sink.states[bad.ID])
	}
	if _, ok := sink.params[good.ID]; !ok {
		t.Error("sink did not receive params for good")
	}
}

func TestBakeBadParams(t *testing.T) {
	f := newFixture(t)
	b := NewBuilder()
	p := b.Add("p", "src")
	p.Params = kernel.Snapshot{"gain": {"nope": 1}}
	if _, err := b.Bake(f.rt, f.reg, nil); !errors.Is(err, kernel.ErrUnknownParam) {
		t.Errorf("Bake() error = %v, want ErrUnknownParam", err)
	}
	if p.State != ProxyError {
		t.Errorf("proxy state = %v, want Error", p.State)
	}
}

func TestBakeInitFailure(t *testing.T) {
	f := newFixture(t)
	errInit := errors.New("no device feature")
	f.reg = NewRegistry()
	_ = f.reg.Register("src", func(hash uint64) (EngineNode, error) {
		return newTestNode("src", hash, f.log), nil
	})
	_ = f.reg.Register("broken", func(hash uint64) (EngineNode, error) {
		n := newTestNode("broken", hash, f.log)
		n.initErr = errInit
		return n, nil
	})

	b := NewBuilder()
	a := b.Add("a", "src")
	x := b.Add("x", "broken")
	mustConnect(t, b, a.ID, x.ID)

	if _, err := b.Bake(f.rt, f.reg, nil); !errors.Is(err, errInit) {
		t.Fatalf("Bake() error = %v, want %v", err, errInit)
	}
	if x.State != ProxyError {
		t.Errorf("proxy state = %v, want Error", x.State)
	}
}

func TestBakeIncompleteRuntime(t *testing.T) {
	b := NewBuilder()
	if _, err := b.Bake(&Runtime{}, NewRegistry(), nil); !errors.Is(err, ErrIncompleteRuntime) {
		t.Errorf("Bake() error = %v, want ErrIncompleteRuntime", err)
	}
}

func TestBuilderRemoveAndFlush(t *testing.T) {
	b := NewBuilder()
	a := b.Add("a", "src")
	c := b.Add("c", "copy")
	_ = b.Connect(a.ID, c.ID)

	if err := b.Connect(a.ID, a.ID); !errors.Is(err, ErrSelfLoop) {
		t.Errorf("Connect(self) error = %v, want ErrSelfLoop", err)
	}
	if err := b.Connect(a.ID, 99); !errors.Is(err, ErrUnknownProxy) {
		t.Errorf("Connect(unknown) error = %v, want ErrUnknownProxy", err)
	}
	if err := b.Remove(a.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(c.Inputs) != 0 {
		t.Errorf("c.Inputs after Remove = %v, want empty", c.Inputs)
	}
	if _, ok := b.Node(a.ID); ok {
		t.Error("Node() found a removed proxy")
	}

	c.Index, c.State = 3, ProxyError
	b.Flush()
	if c.Index != -1 || c.State != ProxyOK {
		t.Errorf("after Flush: index %d state %v, want -1 OK", c.Index, c.State)
	}
}

// =============================================================================
// Update
// =============================================================================

func TestUpdateStatuses(t *testing.T) {
	errBad := errors.New("bad input format")
	tests := []struct {
		name       string
		result     Result
		want       Status
		wantState  ProxyState
		laterRuns  bool
		marksClear bool
	}{
		{"clean", Clean(), StatusClean, ProxyOK, true, true},
		{"dirty", Dirty(), StatusDirty, ProxyOK, true, true},
		{"unconfigured", Unconfigured(errBad), StatusUnconfigured, ProxyUnconfigured, false, false},
		{"error", Failed(errBad), StatusError, ProxyError, false, false},
		{"rebake", Rebake(errBad), StatusRebake, ProxyOK, false, false},
		{"pending", Pending(), StatusPending, ProxyPending, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			b, proxies := f.chain(t)
			g, err := b.Bake(f.rt, f.reg, nil)
			if err != nil {
				t.Fatalf("Bake() error = %v", err)
			}
			defer g.Close()

			mid := f.node(g, proxies[1])
			mid.update = func(*Context) Result { return tt.result }
			last := f.node(g, proxies[2])
			MarkParamChanged(last.base.Hash())

			r := g.Update(ModeInteractive, 0)
			want := tt.want
			if tt.want == StatusClean {
				// The marked last node reports dirty.
				want = StatusDirty
			}
			if r.Status != want {
				t.Errorf("Update() = %v, want %v", r, want)
			}
			if tt.result.Err != nil {
				if !errors.Is(r.Err, errBad) {
					t.Errorf("Update() error = %v, want wrapped %v", r.Err, errBad)
				}
				var ne *NodeError
				if !errors.As(r.Err, &ne) || ne.Node != proxies[1].Name || !errors.Is(r.Err, tt.want.kind()) {
					t.Errorf("Update() error = %v, want NodeError of %q with kind %v", r.Err, proxies[1].Name, tt.want.kind())
				}
			}
			if got := g.State(proxies[1].Index); got != tt.wantState {
				t.Errorf("State() = %v, want %v", got, tt.wantState)
			}
			ran := f.log.count("update", "C") > 0
			if ran != tt.laterRuns {
				t.Errorf("later node updated = %v, want %v", ran, tt.laterRuns)
			}
			if cleared := !ParamChanged(last.base.Hash()); cleared != tt.marksClear {
				t.Errorf("param marks cleared = %v, want %v", cleared, tt.marksClear)
			}
			clearParamChanges()
		})
	}
}

func TestApplyParamsMarksChanged(t *testing.T) {
	f := newFixture(t)
	sink := newRecordingSink()
	b, proxies := f.chain(t)
	g, err := b.Bake(f.rt, f.reg, sink)
	if err != nil {
		t.Fatalf("Bake() error = %v", err)
	}
	defer g.Close()

	if r := g.Update(ModeInteractive, 0); r.Status != StatusClean {
		t.Fatalf("first Update() = %v, want Clean", r)
	}
	if err := g.ApplyParams(proxies[1].ID, kernel.Snapshot{"gain": {"gain": 4}}); err != nil {
		t.Fatalf("ApplyParams() error = %v", err)
	}
	if r := g.Update(ModeInteractive, 0); r.Status != StatusDirty {
		t.Errorf("Update() after ApplyParams = %v, want Dirty", r)
	}
	if r := g.Update(ModeInteractive, 0); r.Status != StatusClean {
		t.Errorf("second Update() = %v, want Clean", r)
	}
	if sink.params[proxies[1].ID]["gain"]["gain"] != float32(4) {
		t.Errorf("sink params = %v", sink.params[proxies[1].ID])
	}
	if err := g.ApplyParams(999, nil); !errors.Is(err, ErrUnknownProxy) {
		t.Errorf("ApplyParams(unknown) error = %v, want ErrUnknownProxy", err)
	}
}

// =============================================================================
// Execute
// =============================================================================

// TestExecuteReleaseOrdering runs A -> B -> C and checks that A's output
// is freed only after B's work was submitted and completed, and that the
// data still flows through to C.
func TestExecuteReleaseOrdering(t *testing.T) {
	f := newFixture(t)
	b, proxies := f.chain(t)
	g, err := b.Bake(f.rt, f.reg, nil)
	if err != nil {
		t.Fatalf("Bake() error = %v", err)
	}

	if r := g.Update(ModeInteractive, 0); r.Stopped() {
		t.Fatalf("Update() = %v", r)
	}
	if err := g.Execute(ModeInteractive, f.stream, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := g.Drain(); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	execB, evB, ok := f.log.find("exec", "B")
	if !ok {
		t.Fatal("B did not execute")
	}
	deallocA, evA, ok := f.log.find("dealloc", "A")
	if !ok {
		t.Fatal("A was not deallocated after its only consumer ran")
	}
	if deallocA < execB {
		t.Errorf("A deallocated (event %d) before B submitted (event %d)", deallocA, execB)
	}
	if evA.value < evB.value {
		t.Errorf("A deallocated at timeline %d, before B's work at %d completed", evA.value, evB.value)
	}
	if _, _, ok := f.log.find("dealloc", "B"); !ok {
		t.Error("B was not deallocated after C ran")
	}
	if _, _, ok := f.log.find("dealloc", "C"); ok {
		t.Error("terminal C deallocated during the frame")
	}

	if err := f.stream.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	c := f.node(g, proxies[2])
	checkFilled(t, "C output", readOutput(t, c), f.node(g, proxies[0]).fill)

	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.log.count("dealloc", "C") != 1 || f.log.count("dealloc", "A") != 1 {
		t.Error("each output must be deallocated exactly once")
	}
	if got := g.LiveCommandBuffers(); got != 0 {
		t.Errorf("LiveCommandBuffers() = %d, want 0", got)
	}
	if s := f.rt.Pool.Stats(); s.LiveCount != 0 {
		t.Errorf("pool live allocations = %d, want 0", s.LiveCount)
	}
	for _, n := range f.made {
		if !n.closed {
			t.Error("node not closed by Graph.Close")
		}
	}
}

func TestExecuteManyFramesReusesMemory(t *testing.T) {
	f := newFixture(t)
	b, _ := f.chain(t)
	g, _ := b.Bake(f.rt, f.reg, nil)
	defer g.Close()

	for frame := range 5 {
		if err := g.Execute(ModeInteractive, f.stream, frame); err != nil {
			t.Fatalf("frame %d: Execute() error = %v", frame, err)
		}
	}
	if err := g.Drain(); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if s := f.rt.Pool.Stats(); s.Misses > 4 {
		t.Errorf("pool misses = %d over 5 frames, want reuse (<= 4)", s.Misses)
	}
}

func TestExecuteFrameRange(t *testing.T) {
	f := newFixture(t)
	b, proxies := f.chain(t)
	proxies[1].Frames = FrameRange{First: 5}
	g, _ := b.Bake(f.rt, f.reg, nil)
	defer g.Close()

	if err := g.Execute(ModeInteractive, f.stream, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	_ = g.Drain()
	if f.log.count("exec", "B") != 0 {
		t.Error("B executed outside its frame range")
	}
	if f.log.count("dealloc", "A") != 0 {
		t.Error("A released although its consumer did not run")
	}

	// The next frame releases what the previous one held.
	if err := g.Execute(ModeInteractive, f.stream, 1); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if f.log.count("dealloc", "A") != 1 {
		t.Errorf("A deallocations after next frame = %d, want 1", f.log.count("dealloc", "A"))
	}
}

func TestHeldOutputsDeallocateUnderNodeName(t *testing.T) {
	f := newFixture(t)
	b, _ := f.chain(t)
	g, err := b.Bake(f.rt, f.reg, nil)
	if err != nil {
		t.Fatalf("Bake() error = %v", err)
	}
	if err := g.Execute(ModeInteractive, f.stream, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, name := range []string{"A", "B", "C"} {
		if got := f.log.count("dealloc", name); got != 1 {
			t.Errorf("dealloc events for %s = %d, want 1", name, got)
		}
	}
	for _, typ := range []string{"src", "copy"} {
		if got := f.log.count("dealloc", typ); got != 0 {
			t.Errorf("dealloc events under type name %q = %d, want 0", typ, got)
		}
	}
}

func TestExecuteRunsCleanNodes(t *testing.T) {
	f := newFixture(t)
	b, _ := f.chain(t)
	g, _ := b.Bake(f.rt, f.reg, nil)
	defer g.Close()

	if r := g.Update(ModeInteractive, 0); r.Stopped() {
		t.Fatalf("Update() = %v", r)
	}
	if r := g.Update(ModeInteractive, 0); r.Status != StatusClean {
		t.Fatalf("second Update() = %v, want Clean", r)
	}
	if err := g.Execute(ModeInteractive, f.stream, 0); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, name := range []string{"A", "B", "C"} {
		if got := f.log.count("exec", name); got != 1 {
			t.Errorf("%s executions = %d, want 1", name, got)
		}
	}
}

func TestExecuteNodeFailureContinues(t *testing.T) {
	f := newFixture(t)
	sink := newRecordingSink()
	b, proxies := f.chain(t)
	g, _ := b.Bake(f.rt, f.reg, sink)
	defer g.Close()

	f.node(g, proxies[1]).execErr = errors.New("kernel failed")
	if err := g.Execute(ModeInteractive, f.stream, 0); err != nil {
		t.Fatalf("Execute() error = %v, want nil", err)
	}
	if f.log.count("exec", "C") != 1 {
		t.Error("C did not execute after B failed")
	}
	if sink.states[proxies[1].ID] != ProxyError {
		t.Errorf("sink state for B = %v, want Error", sink.states[proxies[1].ID])
	}
}

func TestExecuteAllocateFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	b, proxies := f.chain(t)
	g, _ := b.Bake(f.rt, f.reg, nil)
	defer g.Close()

	errAlloc := errors.New("out of device memory")
	f.node(g, proxies[1]).allocErr = errAlloc
	if err := g.Execute(ModeInteractive, f.stream, 0); !errors.Is(err, errAlloc) {
		t.Errorf("Execute() error = %v, want %v", err, errAlloc)
	}
	if f.log.count("exec", "C") != 0 {
		t.Error("C executed after a fatal allocation failure")
	}
}

func TestExecuteExtraNodePinsInputs(t *testing.T) {
	f := newFixture(t)
	b, proxies := f.chain(t)
	g, _ := b.Bake(f.rt, f.reg, nil)
	defer g.Close()

	extra := g.CloneNode(proxies[2].Index)
	if extra.Base().Hash() == g.Node(proxies[2].Index).Base().Hash() {
		t.Error("CloneNode() kept the hash")
	}
	if err := g.Execute(ModeExport, f.stream, 0, extra); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	_ = g.Drain()

	if f.log.count("dealloc", "B") != 0 {
		t.Error("B released although the extra node reads it")
	}
	_ = f.stream.Flush()
	checkFilled(t, "extra output", readOutput(t, extra.(*testNode)), f.node(g, proxies[0]).fill) //nolint:forcetypeassert // clone of a testNode
}

func TestExecuteAfterClose(t *testing.T) {
	f := newFixture(t)
	b, _ := f.chain(t)
	g, _ := b.Bake(f.rt, f.reg, nil)
	_ = g.Close()
	if err := g.Execute(ModeInteractive, f.stream, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute() after Close error = %v, want ErrClosed", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// =============================================================================
// Misc
// =============================================================================

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	f := func(hash uint64) (EngineNode, error) { return newTestNode("x", hash, &eventLog{}), nil }
	if err := reg.Register("x", f); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register("x", f); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("duplicate Register() error = %v, want ErrDuplicateType", err)
	}
	if _, err := reg.Make("y", 1); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Make(y) error = %v, want ErrUnknownType", err)
	}
	n, err := reg.Make("x", 7)
	if err != nil || n.Base().Hash() != 7 {
		t.Errorf("Make(x) = %v, %v", n, err)
	}
	if got := reg.Types(); len(got) != 1 || got[0] != "x" {
		t.Errorf("Types() = %v", got)
	}
}

func TestNextHashMonotonic(t *testing.T) {
	a, b := NextHash(), NextHash()
	if b <= a {
		t.Errorf("NextHash() = %d then %d, want increasing", a, b)
	}
}

func TestFrameRangeContains(t *testing.T) {
	tests := []struct {
		r     FrameRange
		frame int
		want  bool
	}{
		{FrameRange{}, 0, true},
		{FrameRange{}, 1000, true},
		{FrameRange{First: 5}, 4, false},
		{FrameRange{First: 5}, 500, true},
		{FrameRange{First: 2, Last: 4}, 4, true},
		{FrameRange{First: 2, Last: 4}, 5, false},
	}
	for _, tt := range tests {
		if got := tt.r.Contains(tt.frame); got != tt.want {
			t.Errorf("%+v.Contains(%d) = %v, want %v", tt.r, tt.frame, got, tt.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	if got := Status(42).String(); got != "Unknown(42)" {
		t.Errorf("String() = %q", got)
	}
	if got := Failed(errors.New("x")).String(); got != "Error: x" {
		t.Errorf("Result.String() = %q", got)
	}
}

func TestNodeError(t *testing.T) {
	cause := errors.New("cause")
	tests := []struct {
		err  *NodeError
		want string
	}{
		{&NodeError{Node: "blur", Kind: ErrMisconfigured, Err: cause}, "graph: misconfigured: blur: cause"},
		{&NodeError{Node: "src", Kind: ErrPending}, "graph: pending: src"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
		if !errors.Is(tt.err, tt.err.Kind) {
			t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.err.Kind)
		}
	}
	if !errors.Is(tests[0].err, cause) {
		t.Error("NodeError does not unwrap to its cause")
	}
}
