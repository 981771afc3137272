package nodes

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/kernel"
)

//go:embed shaders/*.wgsl shaders/*.toml
var shaderFS embed.FS

// Shaders returns the built-in WGSL sources and their layouts as a file
// system laid out the way kernel.ShaderCache expects.
func Shaders() fs.FS {
	sub, err := fs.Sub(shaderFS, "shaders")
	if err != nil {
		panic(err) // embedded directory always exists
	}
	return sub
}

// builtinLayouts parses every embedded layout once.
var builtinLayouts = sync.OnceValues(func() (map[string]kernel.Layout, error) {
	entries, err := fs.Glob(shaderFS, "shaders/*.toml")
	if err != nil {
		return nil, err
	}
	out := make(map[string]kernel.Layout, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(path.Base(e), ".toml")
		data, err := shaderFS.ReadFile(e)
		if err != nil {
			return nil, err
		}
		layout, err := kernel.ParseLayout(name, data)
		if err != nil {
			return nil, err
		}
		out[name] = layout
	}
	return out, nil
})

// ShaderNames returns the names of the built-in shaders, sorted.
func ShaderNames() []string {
	layouts, err := builtinLayouts()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(layouts))
	for n := range layouts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterShaders makes the built-in shaders loadable from cache. Sources
// carry both the WGSL text and the host function name, so they load on
// GPU and software devices alike.
func RegisterShaders(cache *kernel.ShaderCache) error {
	layouts, err := builtinLayouts()
	if err != nil {
		return fmt.Errorf("nodes: %w", err)
	}
	for name, layout := range layouts {
		wgsl, err := shaderFS.ReadFile("shaders/" + name + ".wgsl")
		if err != nil {
			return fmt.Errorf("nodes: shader %q: %w", name, err)
		}
		src := gpucore.ShaderSource{WGSL: string(wgsl), Host: layout.Host}
		if err := cache.Register(name, src, layout); err != nil {
			return fmt.Errorf("nodes: %w", err)
		}
	}
	return nil
}
