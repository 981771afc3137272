package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/BurntSushi/toml"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/gogpu/gpugraph/gpucore"
	"github.com/gogpu/gpugraph/internal/logging"
	"github.com/gogpu/naga"
)

// Shader errors.
var (
	// ErrShaderNotFound is returned when neither a layout file nor a
	// registered source exists for a shader name.
	ErrShaderNotFound = errors.New("kernel: shader not found")

	// ErrInvalidLayout is returned for malformed shader layouts.
	ErrInvalidLayout = errors.New("kernel: invalid shader layout")

	// ErrCacheClosed is returned when loading from a closed cache.
	ErrCacheClosed = errors.New("kernel: shader cache closed")
)

// DefaultCacheSize is the default number of shaders kept loaded.
const DefaultCacheSize = 64

// BindingDesc declares a resource binding in a shader layout.
type BindingDesc struct {
	Binding uint32 `toml:"binding"`
	Name    string `toml:"name"`
	Type    string `toml:"type"`
}

// Layout is the reflected interface of a shader, read from the
// <name>.toml file next to the shader source:
//
//	entry = "main"
//	local_size = [16, 16, 1]
//
//	[[bindings]]
//	binding = 0
//	name = "src"
//	type = "readonly_buffer"
//
//	[[params]]
//	name = "exposure"
//	type = "float"
//	default = [0.0]
type Layout struct {
	Entry     string        `toml:"entry"`
	Host      string        `toml:"host"`
	LocalSize [3]uint32     `toml:"local_size"`
	Bindings  []BindingDesc `toml:"bindings"`
	Params    []ParamDesc   `toml:"params"`
}

// validate fills defaults and checks the layout.
func (l *Layout) validate(name string) error {
	if l.Entry == "" {
		l.Entry = "main"
	}
	if l.Host == "" {
		l.Host = name
	}
	for i, v := range l.LocalSize {
		if v == 0 {
			return fmt.Errorf("%w: %s: local_size[%d] is zero", ErrInvalidLayout, name, i)
		}
	}
	seen := make(map[uint32]bool, len(l.Bindings))
	for _, b := range l.Bindings {
		if seen[b.Binding] {
			return fmt.Errorf("%w: %s: binding %d declared twice", ErrInvalidLayout, name, b.Binding)
		}
		seen[b.Binding] = true
		if _, err := gpucore.ParseBindingType(b.Type); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidLayout, name, err)
		}
	}
	if _, _, err := NewParamSet(l.Params); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidLayout, name, err)
	}
	return nil
}

// ParseLayout decodes a TOML shader layout.
func ParseLayout(name string, data []byte) (Layout, error) {
	var l Layout
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&l); err != nil {
		return Layout{}, fmt.Errorf("%w: %s: %v", ErrInvalidLayout, name, err)
	}
	if err := l.validate(name); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Shader is a loaded shader module plus its layout. Shaders are shared
// and reference counted: each Kernel holds one reference.
type Shader struct {
	Name   string
	Layout Layout

	dev    gpucore.Device
	module gpucore.ShaderModuleID

	mu      sync.Mutex
	refs    int
	evicted bool
}

// Module returns the device shader module.
func (s *Shader) Module() gpucore.ShaderModuleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.module
}

func (s *Shader) acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Release drops a reference. The module is destroyed once the shader has
// left the cache and no kernel uses it.
func (s *Shader) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	s.destroyIfUnusedLocked()
}

func (s *Shader) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = true
	s.destroyIfUnusedLocked()
}

func (s *Shader) destroyIfUnusedLocked() {
	if s.evicted && s.refs == 0 && s.module != gpucore.InvalidID {
		s.dev.DestroyShaderModule(s.module)
		s.module = gpucore.InvalidID
	}
}

type registered struct {
	source gpucore.ShaderSource
	layout Layout
}

// ShaderCache loads shaders by name from a file system and keeps the most
// recently used ones resident.
//
// For a name n the cache reads n.toml (the Layout) and either n.wgsl,
// which is validated by compiling it with naga, or n.spv. Sources
// registered with Register take precedence over files. Concurrent loads
// of the same name share one compile.
//
// ShaderCache is safe for concurrent use.
type ShaderCache struct {
	dev  gpucore.Device
	fsys fs.FS

	mu      sync.Mutex
	cache   *lru.Cache[string, *Shader]
	sources map[string]registered
	closed  bool

	group singleflight.Group
}

// NewShaderCache creates a cache over fsys, which may be nil when all
// shaders are registered in memory. A size <= 0 uses DefaultCacheSize.
func NewShaderCache(dev gpucore.Device, fsys fs.FS, size int) (*ShaderCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.NewWithEvict[string, *Shader](size, func(name string, s *Shader) {
		logging.Logger().Debug("kernel: shader evicted", "shader", name)
		s.evict()
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: shader cache: %w", err)
	}
	return &ShaderCache{
		dev:     dev,
		fsys:    fsys,
		cache:   cache,
		sources: make(map[string]registered),
	}, nil
}

// Register makes an in-memory shader loadable under name.
func (c *ShaderCache) Register(name string, src gpucore.ShaderSource, layout Layout) error {
	if err := layout.validate(name); err != nil {
		return err
	}
	if src.Host == "" {
		src.Host = layout.Host
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = registered{source: src, layout: layout}
	return nil
}

// Load returns the named shader with one reference held for the caller,
// which must call Release when done.
func (c *ShaderCache) Load(name string) (*Shader, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrCacheClosed
		}
		if s, ok := c.cache.Get(name); ok {
			s.acquire()
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()

		_, err, _ := c.group.Do(name, func() (any, error) {
			c.mu.Lock()
			_, ok := c.cache.Get(name)
			c.mu.Unlock()
			if ok {
				return nil, nil
			}
			s, err := c.load(name)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed {
				s.evict()
				return nil, ErrCacheClosed
			}
			c.cache.Add(name, s)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		// Loaded; take the reference from the cache on the next pass. A
		// shader evicted in between is loaded again.
	}
}

// Len returns the number of resident shaders.
func (c *ShaderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

func (c *ShaderCache) load(name string) (*Shader, error) {
	src, layout, err := c.read(name)
	if err != nil {
		return nil, err
	}
	module, err := c.dev.CreateShaderModule(&gpucore.ShaderModuleDescriptor{Label: name, Source: src})
	if err != nil {
		return nil, gpucore.Check("CreateShaderModule", fmt.Errorf("shader %q: %w", name, err))
	}
	logging.Logger().Debug("kernel: shader loaded", "shader", name, "local_size", layout.LocalSize)
	return &Shader{Name: name, Layout: layout, dev: c.dev, module: module}, nil
}

// read resolves the source and layout of name.
func (c *ShaderCache) read(name string) (gpucore.ShaderSource, Layout, error) {
	c.mu.Lock()
	reg, ok := c.sources[name]
	c.mu.Unlock()
	if ok {
		if reg.source.WGSL != "" {
			if _, err := naga.Compile(reg.source.WGSL); err != nil {
				return gpucore.ShaderSource{}, Layout{}, fmt.Errorf("shader %q: %w", name, err)
			}
		}
		return reg.source, reg.layout, nil
	}

	if c.fsys == nil {
		return gpucore.ShaderSource{}, Layout{}, fmt.Errorf("%w: %q", ErrShaderNotFound, name)
	}
	data, err := fs.ReadFile(c.fsys, name+".toml")
	if err != nil {
		return gpucore.ShaderSource{}, Layout{}, fmt.Errorf("%w: %q: %v", ErrShaderNotFound, name, err)
	}
	layout, err := ParseLayout(name, data)
	if err != nil {
		return gpucore.ShaderSource{}, Layout{}, err
	}

	src := gpucore.ShaderSource{Host: layout.Host}
	if wgsl, err := fs.ReadFile(c.fsys, name+".wgsl"); err == nil {
		if _, err := naga.Compile(string(wgsl)); err != nil {
			return gpucore.ShaderSource{}, Layout{}, fmt.Errorf("shader %q: %w", name, err)
		}
		src.WGSL = string(wgsl)
	} else if spv, err := fs.ReadFile(c.fsys, name+".spv"); err == nil {
		if len(spv)%4 != 0 {
			return gpucore.ShaderSource{}, Layout{}, fmt.Errorf("shader %q: SPIR-V size %d not a multiple of 4", name, len(spv))
		}
		src.SPIRV = make([]uint32, len(spv)/4)
		for i := range src.SPIRV {
			src.SPIRV[i] = binary.LittleEndian.Uint32(spv[i*4:])
		}
	}
	return src, layout, nil
}

// Close evicts every shader. Modules still used by kernels are destroyed
// when the last kernel releases them.
func (c *ShaderCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cache.Purge()
}
