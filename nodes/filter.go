package nodes

import (
	"fmt"
	"sort"

	"github.com/gogpu/gpugraph/command"
	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/graph"
	"github.com/gogpu/gpugraph/internal/logging"
	"github.com/gogpu/gpugraph/kernel"
	"github.com/gogpu/gpugraph/syncobj"
)

// sizeParams are set from the output image on every dispatch and are not
// exposed as node parameters.
var sizeParams = map[string]bool{"width": true, "height": true}

// Filter runs one kernel over its input images and writes an image of the
// same size. The last binding of the shader layout is the output; the
// bindings before it take the inputs in order. Parameters come from the
// layout and are grouped under the shader name.
type Filter struct {
	base     graph.Base
	shader   string
	bindings []uint32
	params   kernel.ParamGroups
	kern     *kernel.Kernel

	imageOutput
}

// NewFilter returns a filter node over the named shader.
func NewFilter(shader string, layout kernel.Layout, hash uint64) (*Filter, error) {
	if len(layout.Bindings) < 2 {
		return nil, fmt.Errorf("%w: %s needs an input and an output binding", kernel.ErrInvalidLayout, shader)
	}
	var descs []kernel.ParamDesc
	for _, d := range layout.Params {
		if !sizeParams[d.Name] {
			descs = append(descs, d)
		}
	}
	set, _, err := kernel.NewParamSet(descs)
	if err != nil {
		return nil, fmt.Errorf("nodes: %s: %w", shader, err)
	}
	bindings := make([]uint32, 0, len(layout.Bindings))
	for _, b := range layout.Bindings {
		bindings = append(bindings, b.Binding)
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i] < bindings[j] })

	return &Filter{
		base:     graph.NewBase(shader, hash),
		shader:   shader,
		bindings: bindings,
		params:   kernel.ParamGroups{shader: set},
	}, nil
}

// Inputs returns the number of inputs the filter takes.
func (f *Filter) Inputs() int { return len(f.bindings) - 1 }

func (f *Filter) Base() *graph.Base          { return &f.base }
func (f *Filter) Params() kernel.ParamGroups { return f.params }

// Clone returns a copy sharing the kernel of f.
func (f *Filter) Clone() graph.EngineNode {
	return &Filter{
		base:     graph.CloneBase(&f.base),
		shader:   f.shader,
		bindings: f.bindings,
		params:   f.params.Clone(),
		kern:     f.kern,
	}
}

func (f *Filter) Init(ctx *graph.Context) error {
	if ctx.Shaders() == nil {
		return ErrNoShaders
	}
	k, err := kernel.Open(ctx.Device(), ctx.Shaders(), f.shader)
	if err != nil {
		return err
	}
	f.kern = k
	return nil
}

func (f *Filter) Update(ctx *graph.Context, _ graph.Mode) graph.Result {
	if n := ctx.NumInputs(); n != f.Inputs() {
		return graph.Unconfigured(fmt.Errorf("%w: %s takes %d, has %d", ErrInputs, f.shader, f.Inputs(), n))
	}
	return graph.DirtyIf(graph.ParamChanged(f.base.Hash()))
}

// Allocate creates the output image with the size of the first input.
// Every input must have that size.
func (f *Filter) Allocate(ctx *graph.Context, _ *command.Recorder) error {
	first, err := inputImage(ctx, 0)
	if err != nil {
		return err
	}
	for i := 1; i < f.Inputs(); i++ {
		in, err := inputImage(ctx, i)
		if err != nil {
			return err
		}
		if in.Width() != first.Width() || in.Height() != first.Height() {
			return fmt.Errorf("%w: %dx%d and %dx%d", ErrSizeMismatch,
				first.Width(), first.Height(), in.Width(), in.Height())
		}
	}
	img, err := newImage(ctx, first.Width(), first.Height(), gpucore.MemoryDeviceLocal)
	if err != nil {
		return err
	}
	f.out = img
	return nil
}

func (f *Filter) Execute(ctx *graph.Context, _ graph.Mode, stream *syncobj.Stream) error {
	for i := range f.Inputs() {
		in, err := inputImage(ctx, i)
		if err != nil {
			return err
		}
		if err := f.kern.Bind(f.bindings[i], in); err != nil {
			return err
		}
	}
	if err := f.kern.Bind(f.bindings[f.Inputs()], f.out); err != nil {
		return err
	}

	f.kern.ApplyParams(f.params[f.shader])
	ext := f.out.Extent()
	if err := f.kern.SetParam("width", ext[0]); err != nil {
		return err
	}
	if err := f.kern.SetParam("height", ext[1]); err != nil {
		return err
	}

	cb, err := ctx.NewCommandBuffer(f.shader)
	if err != nil {
		return err
	}
	err = cb.Record(func(rec *command.Recorder) error {
		return f.kern.Dispatch(rec, ext[0], ext[1], ext[2])
	})
	if err != nil {
		return err
	}
	v, err := stream.Submit(cb)
	if err != nil {
		return err
	}
	logging.Logger().Debug("nodes: filter submitted", "node", ctx.Name(), "shader", f.shader, "timeline", v)
	return nil
}

func (f *Filter) Deallocate(*graph.Context) { f.release() }

// Close destroys the kernel. Clones share it and are never closed.
func (f *Filter) Close(*graph.Context) {
	if f.kern != nil {
		f.kern.Close()
		f.kern = nil
	}
}

// BlendMode selects how the layer of a blend node combines with the base.
type BlendMode int32

// Blend modes.
const (
	BlendNormal BlendMode = iota
	BlendMultiply
	BlendScreen
	BlendAdd
)

// String returns the string representation of BlendMode.
func (m BlendMode) String() string {
	switch m {
	case BlendNormal:
		return "Normal"
	case BlendMultiply:
		return "Multiply"
	case BlendScreen:
		return "Screen"
	case BlendAdd:
		return "Add"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(m))
	}
}

// NewBlend returns a two-input node compositing its second input over
// its first. The "mode" parameter takes a BlendMode and "opacity" mixes
// the result with the base.
func NewBlend(hash uint64) (*Filter, error) {
	layouts, err := builtinLayouts()
	if err != nil {
		return nil, err
	}
	return NewFilter(TypeBlend, layouts[TypeBlend], hash)
}
