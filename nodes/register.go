package nodes

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpugraph/graph"
)

// Built-in node type names.
const (
	TypeHostImage = "hostimage"
	TypeExposure  = "exposure"
	TypeInvert    = "invert"
	TypeBlend     = "blend"
	TypeReadback  = "readback"
)

// Register adds the built-in node types to reg. Every built-in shader
// becomes a Filter type of the same name.
func Register(reg *graph.Registry) error {
	layouts, err := builtinLayouts()
	if err != nil {
		return fmt.Errorf("nodes: %w", err)
	}

	errs := []error{
		reg.Register(TypeHostImage, func(hash uint64) (graph.EngineNode, error) {
			return NewHostImage(hash), nil
		}),
		reg.Register(TypeReadback, func(hash uint64) (graph.EngineNode, error) {
			return NewReadback(hash), nil
		}),
	}
	for _, name := range ShaderNames() {
		layout := layouts[name]
		errs = append(errs, reg.Register(name, func(hash uint64) (graph.EngineNode, error) {
			return NewFilter(name, layout, hash)
		}))
	}
	return errors.Join(errs...)
}
