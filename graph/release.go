package graph

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/internal/logging"
	"github.com/gogpu/gpugraph/internal/parallel"
	"github.com/gogpu/gpugraph/syncobj"
)

// release is one entry of the deferred release queue: the nodes to
// deallocate and the command buffers to return once the stream has
// reached ready. When nodes are deallocated the entry owns the reserved
// stream slot ready+1, which it signals after the deallocation.
type release struct {
	ready uint64
	slot  uint64
	nodes []int
	cmds  []*command.Buffer
}

// schedule queues the release of deallocs and cmds behind the work
// submitted so far on stream.
func (g *Graph) schedule(stream *syncobj.Stream, deallocs []EngineNode, cmds []*command.Buffer) {
	if len(deallocs) == 0 && len(cmds) == 0 {
		return
	}
	r := release{cmds: cmds}
	for _, n := range deallocs {
		r.nodes = append(r.nodes, g.indexOf(n))
	}
	if len(r.nodes) > 0 {
		r.slot = stream.Reserve()
		r.ready = r.slot - 1
	} else {
		r.ready = stream.Value()
	}

	g.mu.Lock()
	prev := g.lastRelease
	g.mu.Unlock()

	// Go may run the task inline, so no lock is held here.
	task := g.rt.Workers.Go(func() error {
		return g.runRelease(stream, prev, r)
	})

	g.mu.Lock()
	g.lastRelease = task
	g.pending = append(g.pending, task)
	g.mu.Unlock()
}

func (g *Graph) indexOf(n EngineNode) int {
	for i, m := range g.nodes {
		if m == n {
			return i
		}
	}
	return -1
}

// runRelease waits for the stream, deallocates, signals the reserved slot
// and returns the command buffers. Entries run in the order they were
// scheduled.
func (g *Graph) runRelease(stream *syncobj.Stream, prev *parallel.Task, r release) error {
	if prev != nil {
		_ = prev.Wait()
	}
	if err := stream.Wait(r.ready); err != nil {
		err = fmt.Errorf("graph: release wait for %d: %w", r.ready, err)
		g.recordReleaseErr(err)
		return err
	}

	var errs []error
	for _, idx := range r.nodes {
		n := g.nodes[idx]
		n.Deallocate(g.newContext(idx, n, 0))
		logging.Logger().Debug("graph: output released", "node", g.names[idx], "timeline", r.ready)
	}
	if r.slot != 0 {
		if err := stream.Signal(r.slot); err != nil {
			errs = append(errs, fmt.Errorf("graph: release signal %d: %w", r.slot, err))
		}
	}
	for _, cb := range r.cmds {
		if err := cb.Release(); err != nil {
			errs = append(errs, err)
			continue
		}
		g.mu.Lock()
		delete(g.live, cb)
		g.mu.Unlock()
	}

	err := errors.Join(errs...)
	if err != nil {
		g.recordReleaseErr(err)
	}
	return err
}

func (g *Graph) recordReleaseErr(err error) {
	g.mu.Lock()
	g.releaseErrs = append(g.releaseErrs, err)
	g.mu.Unlock()
}
