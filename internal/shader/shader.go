// Package shader compiles WGSL shader modules and derives the resource
// layout a vertex/fragment pair requires.
//
// Binding declarations arrive with the shader source from the translation
// front end; this package only merges and validates them. The WGSL text
// itself goes through naga to produce SPIR-V for the device.
package shader

import (
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

var (
	// ErrConflict is returned when two stages declare incompatible
	// bindings at the same slot.
	ErrConflict = errors.New("shader: conflicting binding declarations")

	// ErrCompile is returned when WGSL translation fails.
	ErrCompile = errors.New("shader: compilation failed")
)

// Kind classifies a shader resource binding.
type Kind int

const (
	// KindTexture is a sampled texture binding.
	KindTexture Kind = iota

	// KindSampler is a sampler binding.
	KindSampler

	// KindUniformBuffer is a uniform buffer binding.
	KindUniformBuffer

	// KindStorageBuffer is a read-only storage buffer binding.
	KindStorageBuffer
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindTexture:
		return "Texture"
	case KindSampler:
		return "Sampler"
	case KindUniformBuffer:
		return "UniformBuffer"
	case KindStorageBuffer:
		return "StorageBuffer"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Binding is one declared shader resource slot.
type Binding struct {
	// Slot is the binding index within group 0.
	Slot uint32

	// Kind is the resource kind the shader expects at this slot.
	Kind Kind

	// Dimension is the required view dimension for texture bindings.
	// Ignored for other kinds.
	Dimension gputypes.TextureViewDimension

	// MinSize is the declared struct size in bytes for buffer bindings.
	// Zero means no minimum. Ignored for texture and sampler bindings.
	MinSize uint64
}

// Module is a compiled shader stage plus its declared bindings.
type Module struct {
	// Raw is the device shader module.
	Raw hal.ShaderModule

	// EntryPoint is the stage entry function name.
	EntryPoint string

	// Bindings are the slots this stage declares, as reported by the
	// translation front end.
	Bindings []Binding

	// Hash identifies the source text and entry point; identical
	// shaders hash identically and may be deduplicated by the caller.
	Hash uint64
}

// Hash computes the identity hash for a shader source and entry point.
// FNV-1a over both strings; used for module deduplication and as part
// of pipeline cache keys.
func Hash(source, entryPoint string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(entryPoint))
	return h.Sum64()
}

// Compile translates WGSL to SPIR-V and creates the device shader module.
func Compile(device hal.Device, label, source, entryPoint string, bindings []Binding) (*Module, error) {
	words, err := compileToSPIRV(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, label, err)
	}

	raw, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: label,
		Source: hal.ShaderSource{
			SPIRV: words,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, label, err)
	}

	return &Module{
		Raw:        raw,
		EntryPoint: entryPoint,
		Bindings:   append([]Binding(nil), bindings...),
		Hash:       Hash(source, entryPoint),
	}, nil
}

// compileToSPIRV runs WGSL through naga and packs the output into
// little-endian 32-bit words.
func compileToSPIRV(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, err
	}

	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// Destroy releases the device shader module.
func (m *Module) Destroy(device hal.Device) {
	if m.Raw != nil {
		device.DestroyShaderModule(m.Raw)
		m.Raw = nil
	}
}
