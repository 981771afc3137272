package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Parameter errors.
var (
	// ErrUnknownParam is returned when naming a parameter a kernel lacks.
	ErrUnknownParam = errors.New("kernel: unknown parameter")

	// ErrParamType is returned when a value does not fit a parameter.
	ErrParamType = errors.New("kernel: parameter type mismatch")
)

// OffsetSize is the size of the dispatch offset (an ivec4) at the start
// of every push-constant block.
const OffsetSize = 16

// ParamType is the shader type of a parameter.
type ParamType uint8

// Parameter types.
const (
	ParamFloat ParamType = iota
	ParamInt
	ParamUint
	ParamVec2
	ParamVec4
)

// String returns the type name used in layout files.
func (t ParamType) String() string {
	switch t {
	case ParamFloat:
		return "float"
	case ParamInt:
		return "int"
	case ParamUint:
		return "uint"
	case ParamVec2:
		return "vec2"
	case ParamVec4:
		return "vec4"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// ParseParamType converts a layout file type name into a ParamType.
func ParseParamType(s string) (ParamType, error) {
	for t := ParamFloat; t <= ParamVec4; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrParamType, s)
}

// Size returns the size in bytes; it is also the std430 alignment.
func (t ParamType) Size() uint32 {
	switch t {
	case ParamVec2:
		return 8
	case ParamVec4:
		return 16
	default:
		return 4
	}
}

func (t ParamType) components() int {
	return int(t.Size() / 4)
}

// Param is one named value of a kernel's push-constant block.
type Param struct {
	Name   string
	Type   ParamType
	Offset uint32

	raw [16]byte
}

// Bytes returns the encoded value.
func (p *Param) Bytes() []byte { return p.raw[:p.Type.Size()] }

// Set stores v. Accepted values are Go numbers, []float32, []float64,
// [2]float32, [4]float32 and []any of numbers, matching the component
// count of the parameter.
func (p *Param) Set(v any) error {
	comps, err := components(v)
	if err != nil {
		return fmt.Errorf("param %q: %w", p.Name, err)
	}
	if len(comps) != p.Type.components() {
		return fmt.Errorf("%w: param %q is %v, got %d components", ErrParamType, p.Name, p.Type, len(comps))
	}
	for i, c := range comps {
		var bits uint32
		switch p.Type {
		case ParamInt:
			if !(c >= math.MinInt32 && c <= math.MaxInt32) {
				return fmt.Errorf("%w: param %q is int, got %v", ErrParamType, p.Name, c)
			}
			bits = uint32(int32(c)) //nolint:gosec // two's complement encoding
		case ParamUint:
			if !(c >= 0 && c <= math.MaxUint32) {
				return fmt.Errorf("%w: param %q is uint, got %v", ErrParamType, p.Name, c)
			}
			bits = uint32(c)
		default:
			bits = math.Float32bits(float32(c))
		}
		binary.LittleEndian.PutUint32(p.raw[i*4:], bits)
	}
	return nil
}

// Value returns the value as float32, int32, uint32, [2]float32 or
// [4]float32.
func (p *Param) Value() any {
	f := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(p.raw[i*4:])) }
	switch p.Type {
	case ParamInt:
		return int32(binary.LittleEndian.Uint32(p.raw[:])) //nolint:gosec // two's complement decoding
	case ParamUint:
		return binary.LittleEndian.Uint32(p.raw[:])
	case ParamVec2:
		return [2]float32{f(0), f(1)}
	case ParamVec4:
		return [4]float32{f(0), f(1), f(2), f(3)}
	default:
		return f(0)
	}
}

// components flattens a value into float64 components.
func components(v any) ([]float64, error) {
	switch x := v.(type) {
	case float32:
		return []float64{float64(x)}, nil
	case float64:
		return []float64{x}, nil
	case int:
		return []float64{float64(x)}, nil
	case int32:
		return []float64{float64(x)}, nil
	case int64:
		return []float64{float64(x)}, nil
	case uint32:
		return []float64{float64(x)}, nil
	case uint:
		return []float64{float64(x)}, nil
	case [2]float32:
		return []float64{float64(x[0]), float64(x[1])}, nil
	case [4]float32:
		return []float64{float64(x[0]), float64(x[1]), float64(x[2]), float64(x[3])}, nil
	case []float32:
		out := make([]float64, len(x))
		for i, c := range x {
			out[i] = float64(c)
		}
		return out, nil
	case []float64:
		return x, nil
	case []any:
		out := make([]float64, 0, len(x))
		for _, c := range x {
			cs, err := components(c)
			if err != nil || len(cs) != 1 {
				return nil, fmt.Errorf("%w: element %v (%T)", ErrParamType, c, c)
			}
			out = append(out, cs[0])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value %v (%T)", ErrParamType, v, v)
	}
}

// ParamDesc declares a parameter in a shader layout.
type ParamDesc struct {
	Name    string    `toml:"name"`
	Type    string    `toml:"type"`
	Default []float64 `toml:"default"`
}

// ParamSet is the name to parameter map of one kernel.
type ParamSet map[string]*Param

// NewParamSet lays out descs after the dispatch offset with std430
// alignment and returns the set and the push-constant block size, rounded
// up to 16 bytes.
func NewParamSet(descs []ParamDesc) (ParamSet, uint32, error) {
	set := make(ParamSet, len(descs))
	offset := uint32(OffsetSize)
	for _, d := range descs {
		if d.Name == "" {
			return nil, 0, fmt.Errorf("%w: unnamed parameter", ErrParamType)
		}
		if _, dup := set[d.Name]; dup {
			return nil, 0, fmt.Errorf("kernel: duplicate parameter %q", d.Name)
		}
		t, err := ParseParamType(d.Type)
		if err != nil {
			return nil, 0, fmt.Errorf("param %q: %w", d.Name, err)
		}
		offset = alignUp(offset, t.Size())
		p := &Param{Name: d.Name, Type: t, Offset: offset}
		if len(d.Default) > 0 {
			if err := p.Set(d.Default); err != nil {
				return nil, 0, err
			}
		}
		set[d.Name] = p
		offset += t.Size()
	}
	return set, alignUp(offset, 16), nil
}

// Names returns the parameter names sorted by offset.
func (s ParamSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return s[names[i]].Offset < s[names[j]].Offset })
	return names
}

// Set stores a value by name.
func (s ParamSet) Set(name string, v any) error {
	p, ok := s[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	return p.Set(v)
}

// Get returns a value by name.
func (s ParamSet) Get(name string) (any, bool) {
	p, ok := s[name]
	if !ok {
		return nil, false
	}
	return p.Value(), true
}

// Encode writes every parameter at its offset into block.
func (s ParamSet) Encode(block []byte) {
	for _, p := range s {
		if int(p.Offset+p.Type.Size()) <= len(block) {
			copy(block[p.Offset:], p.Bytes())
		}
	}
}

// CopyFrom copies values of same-named, same-typed parameters from src.
func (s ParamSet) CopyFrom(src ParamSet) {
	for name, p := range s {
		if q, ok := src[name]; ok && q.Type == p.Type {
			p.raw = q.raw
		}
	}
}

// Clone returns a deep copy.
func (s ParamSet) Clone() ParamSet {
	out := make(ParamSet, len(s))
	for n, p := range s {
		cp := *p
		out[n] = &cp
	}
	return out
}

// ParamGroups maps a kernel name to its parameters.
type ParamGroups map[string]ParamSet

// Snapshot is a plain-value copy of ParamGroups exchanged with a UI.
type Snapshot map[string]map[string]any

// Snapshot returns the current values.
func (g ParamGroups) Snapshot() Snapshot {
	out := make(Snapshot, len(g))
	for group, set := range g {
		vals := make(map[string]any, len(set))
		for name, p := range set {
			vals[name] = p.Value()
		}
		out[group] = vals
	}
	return out
}

// Apply stores every value of snap. Unknown groups or parameters fail.
func (g ParamGroups) Apply(snap Snapshot) error {
	var errs []error
	for group, vals := range snap {
		set, ok := g[group]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: group %q", ErrUnknownParam, group))
			continue
		}
		for name, v := range vals {
			if err := set.Set(name, v); err != nil {
				errs = append(errs, fmt.Errorf("group %q: %w", group, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (g ParamGroups) Clone() ParamGroups {
	out := make(ParamGroups, len(g))
	for n, s := range g {
		out[n] = s.Clone()
	}
	return out
}
