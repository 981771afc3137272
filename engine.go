package gpugraph

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/gogpu/gpugraph/backend"
	"github.com/gogpu/gpugraph/backend/software"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/graph"
	"github.com/gogpu/gpugraph/internal/logging"
	"github.com/gogpu/gpugraph/internal/parallel"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/memory"
	"github.com/gogpu/gpugraph/nodes"
	"github.com/gogpu/gpugraph/syncobj"
)

// ErrEngineClosed is returned when using a closed engine.
var ErrEngineClosed = errors.New("gpugraph: engine closed")

// Engine owns the shared services graphs run against: the submission
// queue, the memory pool, the CPU worker pool, the shader cache, the node
// registry and one stream.
//
// Graphs baked by an Engine must be closed before the Engine. An Engine is
// driven by one goroutine.
type Engine struct {
	cfg   Config
	dev   gpucore.Device
	owned bool

	counter *memory.Counter
	rt      *graph.Runtime
	reg     *graph.Registry
	stream  *syncobj.Stream

	closed bool
}

// Open opens the backend named by the configuration and creates an engine
// that closes the device with itself.
func Open(opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	dev, err := backend.Open(cfg.Backend)
	if err != nil {
		return nil, err
	}
	e, err := New(dev, WithConfig(cfg))
	if err != nil {
		dev.Close()
		return nil, err
	}
	e.owned = true
	return e, nil
}

// New creates an engine on dev. The caller keeps ownership of dev and
// closes it after the engine.
func New(dev gpucore.Device, opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if sw, ok := dev.(*software.Device); ok {
		nodes.InstallSoftwareShaders(sw)
	}

	var fsys fs.FS
	if cfg.ShaderDir != "" {
		fsys = os.DirFS(cfg.ShaderDir)
	}
	cache, err := kernel.NewShaderCache(dev, fsys, cfg.ShaderCacheSize)
	if err != nil {
		return nil, err
	}
	if err := nodes.RegisterShaders(cache); err != nil {
		cache.Close()
		return nil, fmt.Errorf("gpugraph: %w", err)
	}

	reg := graph.NewRegistry()
	if err := nodes.Register(reg); err != nil {
		cache.Close()
		return nil, fmt.Errorf("gpugraph: %w", err)
	}

	queue := syncobj.NewQueue(dev, cfg.waitPolicy())
	stream, err := syncobj.NewStream(queue, "gpugraph")
	if err != nil {
		cache.Close()
		return nil, err
	}

	counter := &memory.Counter{}
	e := &Engine{
		cfg:     cfg,
		dev:     dev,
		counter: counter,
		reg:     reg,
		stream:  stream,
		rt: &graph.Runtime{
			Device:        dev,
			Queue:         queue,
			Pool:          memory.NewPool(dev, counter, cfg.poolConfig()),
			Workers:       parallel.NewWorkerPool(cfg.Workers),
			Shaders:       cache,
			HighWaterMark: cfg.HighWaterMark,
		},
	}
	logging.Logger().Info("gpugraph: engine created",
		"device", dev.Name(),
		"workers", e.rt.Workers.Workers(),
		"high_water_mark", humanize.IBytes(cfg.HighWaterMark))
	return e, nil
}

// Config returns the configuration the engine was created with.
func (e *Engine) Config() Config { return e.cfg }

// Device returns the device.
func (e *Engine) Device() gpucore.Device { return e.dev }

// Runtime returns the shared services handed to nodes.
func (e *Engine) Runtime() *graph.Runtime { return e.rt }

// Registry returns the node registry. Custom node types may be added
// before baking.
func (e *Engine) Registry() *graph.Registry { return e.reg }

// Stream returns the stream frames are submitted on.
func (e *Engine) Stream() *syncobj.Stream { return e.stream }

// NewBuilder returns an empty graph builder.
func (e *Engine) NewBuilder() *graph.Builder { return graph.NewBuilder() }

// Bake instantiates, configures and sorts the nodes of b. sink may be nil.
func (e *Engine) Bake(b *graph.Builder, sink graph.UISink) (*graph.Graph, error) {
	if e.closed {
		return nil, ErrEngineClosed
	}
	return b.Bake(e.rt, e.reg, sink)
}

// RunFrame updates g and, when no node stopped the pass, executes it on
// the engine stream and waits for the frame and its releases to finish.
//
// A stopped pass is returned as the result without executing: Pending
// asks for a retry, Rebake for a new bake, and Unconfigured or Error name
// the failing node in the result error.
func (e *Engine) RunFrame(g *graph.Graph, mode graph.Mode, frame int) (graph.Result, error) {
	if e.closed {
		return graph.Failed(ErrEngineClosed), ErrEngineClosed
	}
	res := g.Update(mode, frame)
	if res.Stopped() {
		return res, nil
	}
	if err := g.Execute(mode, e.stream, frame); err != nil {
		return res, err
	}
	if err := e.stream.Flush(); err != nil {
		return res, err
	}
	return res, g.Drain()
}

// Stats describes the memory held by an engine.
type Stats struct {
	Pool memory.Stats

	// DeviceBytes and HostBytes are the bytes allocated from the device.
	DeviceBytes uint64
	HostBytes   uint64

	// PeakDeviceBytes is the highest device-local usage observed.
	PeakDeviceBytes uint64

	// Shaders is the number of cached shader modules.
	Shaders int
}

func (s Stats) String() string {
	return fmt.Sprintf("device %s (peak %s), host %s, %d shaders, %v",
		humanize.IBytes(s.DeviceBytes), humanize.IBytes(s.PeakDeviceBytes),
		humanize.IBytes(s.HostBytes), s.Shaders, s.Pool)
}

// Stats returns the current memory statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Pool:            e.rt.Pool.Stats(),
		DeviceBytes:     e.counter.Device(),
		HostBytes:       e.counter.Host(),
		PeakDeviceBytes: e.counter.PeakDevice(),
		Shaders:         e.rt.Shaders.Len(),
	}
}

// Close waits for the stream, then releases the engine services. The
// device is closed only if Open created it.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	err := e.stream.Flush()
	e.stream.Destroy()
	e.rt.Workers.Close()
	e.rt.Shaders.Close()
	e.rt.Pool.Close()
	if e.owned {
		e.dev.Close()
	}
	logging.Logger().Info("gpugraph: engine closed")
	return err
}
