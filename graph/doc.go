// Package graph implements the node graph of the engine: edit-time proxies,
// the bake step that turns them into running nodes, and the per-frame
// update and execute loop.
//
// A Builder holds FakeNode proxies. Bake instantiates each proxy through a
// Registry, wires inputs, sorts the nodes and initializes them:
//
//	b := graph.NewBuilder()
//	src := b.Add("photo", "hostimage")
//	out := b.Add("out", "readback")
//	_ = b.Connect(src.ID, out.ID)
//	g, err := b.Bake(rt, reg, nil)
//
// Each frame, Update reports whether anything is dirty and Execute records
// and submits the nodes on a stream. Node outputs are released as soon as
// every consumer has been submitted, after the stream has passed those
// consumers; the release runs on the runtime worker pool and holds a
// stream slot so later work waits for it.
package graph
