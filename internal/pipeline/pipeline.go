// Package pipeline compiles render pipelines and caches them by
// descriptor hash for the process lifetime.
//
// Every compiled pipeline carries a depth/stencil state, whether or not
// the caller asked for depth testing. "No depth test" compiles to
// compare-always with writes disabled, so any pipeline is attachment-
// compatible with any pass: the pass side always provisions a depth
// attachment of the same format.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bridge/internal/binding"
	"github.com/gogpu/bridge/internal/shader"
)

// Pipeline errors.
var (
	// ErrNilDescriptor is returned when compiling with a nil descriptor.
	ErrNilDescriptor = errors.New("pipeline: descriptor is nil")

	// ErrNilShader is returned when a descriptor lacks a shader stage.
	ErrNilShader = errors.New("pipeline: shader module is nil")

	// ErrCompileFailure is returned when the device rejects a pipeline
	// descriptor. The caller receives no usable record and must not draw.
	ErrCompileFailure = errors.New("pipeline: compilation failed")
)

// BlendState describes the color blending configuration.
// Nil in a descriptor means no blending (source replaces destination).
type BlendState struct {
	Color BlendComponent
	Alpha BlendComponent
}

// BlendComponent describes one blend component (color or alpha).
type BlendComponent struct {
	SrcFactor gputypes.BlendFactor
	DstFactor gputypes.BlendFactor
	Operation gputypes.BlendOperation
}

// VertexBufferLayout describes one vertex buffer slot.
type VertexBufferLayout struct {
	ArrayStride uint64
	StepMode    gputypes.VertexStepMode
	Attributes  []VertexAttribute
}

// VertexAttribute describes a single vertex attribute.
type VertexAttribute struct {
	ShaderLocation uint32
	Format         gputypes.VertexFormat
	Offset         uint64
}

// Descriptor is the full identity of a render pipeline: shaders, vertex
// layout, topology, depth configuration, blending and target format.
// Two descriptors with equal hashes share one compiled pipeline.
type Descriptor struct {
	// Label is an optional debug name.
	Label string

	// VertexShader is the vertex stage module.
	VertexShader *shader.Module

	// FragmentShader is the fragment stage module.
	FragmentShader *shader.Module

	// VertexLayouts describes the vertex buffer slots.
	VertexLayouts []VertexBufferLayout

	// Topology is the primitive type. Zero value is triangle list.
	Topology gputypes.PrimitiveTopology

	// CullMode selects face culling. Zero value is no culling.
	CullMode gputypes.CullMode

	// ColorFormat is the color attachment format.
	ColorFormat gputypes.TextureFormat

	// DepthTest enables depth comparison. When false the pipeline still
	// declares a depth attachment but compares always and never writes.
	DepthTest bool

	// DepthWrite enables depth buffer writes. Ignored unless DepthTest.
	DepthWrite bool

	// DepthCompare is the comparison function used when DepthTest is
	// set. Zero value means CompareFunctionLess.
	DepthCompare gputypes.CompareFunction

	// Blend is the blending configuration, nil for replace.
	Blend *BlendState

	// SampleCount is the MSAA sample count. Zero means 1.
	SampleCount uint32
}

// Record is a compiled pipeline with everything a draw needs to bind
// against it. Records are owned by the Cache and shared between callers;
// they must not be mutated.
type Record struct {
	// Pipeline is the compiled device pipeline. Nil marks an invalid
	// record that must never be drawn with.
	Pipeline hal.RenderPipeline

	// Layout is the merged resource layout of the shader pair.
	Layout shader.Layout

	// BindLayout is the bind group layout matching Layout.
	BindLayout hal.BindGroupLayout

	// PipeLayout is the pipeline layout wrapping BindLayout.
	PipeLayout hal.PipelineLayout

	// DepthFormat is the depth attachment format the pipeline declares.
	DepthFormat gputypes.TextureFormat

	// DepthWrite and DepthCompare mirror the compiled depth state.
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
}

// Valid reports whether the record holds a usable pipeline.
func (r *Record) Valid() bool {
	return r != nil && r.Pipeline != nil
}

// Cache compiles and caches render pipelines. It is an explicitly owned
// object, not a process global, so independent caches can coexist.
//
// Thread safe: double-check locking around the descriptor map, atomic
// hit/miss counters.
type Cache struct {
	mu      sync.RWMutex
	records map[uint64]*Record

	device       hal.Device
	depthFormat  gputypes.TextureFormat
	uniformLimit uint64

	hits   uint64
	misses uint64
}

// NewCache creates a pipeline cache for the given device.
// depthFormat is the depth attachment format every pipeline declares;
// uniformLimit is the device's maximum uniform-binding size, used to
// classify buffer slots.
func NewCache(device hal.Device, depthFormat gputypes.TextureFormat, uniformLimit uint64) *Cache {
	return &Cache{
		records:      make(map[uint64]*Record),
		device:       device,
		depthFormat:  depthFormat,
		uniformLimit: uniformLimit,
	}
}

// DepthFormat returns the depth format all cached pipelines declare.
func (c *Cache) DepthFormat() gputypes.TextureFormat { return c.depthFormat }

// UniformLimit returns the uniform-binding size limit the cache
// classifies against.
func (c *Cache) UniformLimit() uint64 { return c.uniformLimit }

// GetOrCompile returns the cached record for the descriptor, compiling
// it on first use. Identical descriptors always return the identical
// record pointer until Clear.
func (c *Cache) GetOrCompile(desc *Descriptor) (*Record, error) {
	if desc == nil {
		return nil, ErrNilDescriptor
	}

	key := hashDescriptor(desc)

	c.mu.RLock()
	if rec, ok := c.records[key]; ok {
		c.mu.RUnlock()
		atomic.AddUint64(&c.hits, 1)
		return rec, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[key]; ok {
		atomic.AddUint64(&c.hits, 1)
		return rec, nil
	}

	rec, err := c.compile(desc)
	if err != nil {
		return nil, err
	}

	c.records[key] = rec
	atomic.AddUint64(&c.misses, 1)
	return rec, nil
}

// Stats returns the hit and miss counts since creation or the last Clear.
func (c *Cache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

// Size returns the number of cached pipelines.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Clear destroys every cached pipeline and its layouts, then empties the
// cache. Records handed out earlier become invalid; recompiling the same
// descriptor afterwards yields a new, distinct record.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range c.records {
		c.destroyRecord(rec)
	}
	c.records = make(map[uint64]*Record)
	atomic.StoreUint64(&c.hits, 0)
	atomic.StoreUint64(&c.misses, 0)
}

func (c *Cache) destroyRecord(rec *Record) {
	if rec.Pipeline != nil {
		c.device.DestroyRenderPipeline(rec.Pipeline)
		rec.Pipeline = nil
	}
	if rec.PipeLayout != nil {
		c.device.DestroyPipelineLayout(rec.PipeLayout)
		rec.PipeLayout = nil
	}
	if rec.BindLayout != nil {
		c.device.DestroyBindGroupLayout(rec.BindLayout)
		rec.BindLayout = nil
	}
}

// compile reflects the shader pair and builds the device pipeline.
// Caller holds c.mu.
func (c *Cache) compile(desc *Descriptor) (*Record, error) {
	if desc.VertexShader == nil || desc.FragmentShader == nil {
		return nil, ErrNilShader
	}

	layout, err := shader.Reflect(desc.VertexShader, desc.FragmentShader)
	if err != nil {
		return nil, err
	}

	bglEntries := make([]gputypes.BindGroupLayoutEntry, 0, len(layout.Entries))
	for _, e := range layout.Entries {
		entry := gputypes.BindGroupLayoutEntry{
			Binding:    e.Slot,
			Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
		}
		switch e.Kind {
		case shader.KindTexture:
			dim := e.Dimension
			if dim == gputypes.TextureViewDimensionUndefined {
				dim = gputypes.TextureViewDimension2D
			}
			entry.Texture = &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: dim,
			}
		case shader.KindSampler:
			entry.Sampler = &gputypes.SamplerBindingLayout{
				Type: gputypes.SamplerBindingTypeFiltering,
			}
		case shader.KindUniformBuffer:
			bufType := gputypes.BufferBindingTypeUniform
			if binding.Classify(e.MinSize, c.uniformLimit) == binding.ClassReadOnlyStorage {
				bufType = gputypes.BufferBindingTypeReadOnlyStorage
			}
			entry.Buffer = &gputypes.BufferBindingLayout{
				Type:           bufType,
				MinBindingSize: e.MinSize,
			}
		case shader.KindStorageBuffer:
			entry.Buffer = &gputypes.BufferBindingLayout{
				Type:           gputypes.BufferBindingTypeReadOnlyStorage,
				MinBindingSize: e.MinSize,
			}
		}
		bglEntries = append(bglEntries, entry)
	}

	bindLayout, err := c.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label + "_bgl",
		Entries: bglEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bind group layout: %w", ErrCompileFailure, err)
	}

	pipeLayout, err := c.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + "_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		c.device.DestroyBindGroupLayout(bindLayout)
		return nil, fmt.Errorf("%w: pipeline layout: %w", ErrCompileFailure, err)
	}

	depthWrite, depthCompare := depthState(desc)

	sampleCount := desc.SampleCount
	if sampleCount == 0 {
		sampleCount = 1
	}

	raw, err := c.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: pipeLayout,
		Vertex: hal.VertexState{
			Module:     desc.VertexShader.Raw,
			EntryPoint: entryOr(desc.VertexShader.EntryPoint, "vs_main"),
			Buffers:    convertVertexLayouts(desc.VertexLayouts),
		},
		Fragment: &hal.FragmentState{
			Module:     desc.FragmentShader.Raw,
			EntryPoint: entryOr(desc.FragmentShader.EntryPoint, "fs_main"),
			Targets: []gputypes.ColorTargetState{
				{
					Format:    desc.ColorFormat,
					Blend:     convertBlend(desc.Blend),
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		DepthStencil: &hal.DepthStencilState{
			Format:            c.depthFormat,
			DepthWriteEnabled: depthWrite,
			DepthCompare:      depthCompare,
			StencilFront: hal.StencilFaceState{
				Compare:     gputypes.CompareFunctionAlways,
				FailOp:      hal.StencilOperationKeep,
				DepthFailOp: hal.StencilOperationKeep,
				PassOp:      hal.StencilOperationKeep,
			},
			StencilBack: hal.StencilFaceState{
				Compare:     gputypes.CompareFunctionAlways,
				FailOp:      hal.StencilOperationKeep,
				DepthFailOp: hal.StencilOperationKeep,
				PassOp:      hal.StencilOperationKeep,
			},
		},
		Multisample: gputypes.MultisampleState{
			Count: sampleCount,
			Mask:  0xFFFFFFFF,
		},
		Primitive: gputypes.PrimitiveState{
			Topology: desc.Topology,
			CullMode: desc.CullMode,
		},
	})
	if err != nil {
		c.device.DestroyPipelineLayout(pipeLayout)
		c.device.DestroyBindGroupLayout(bindLayout)
		return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailure, desc.Label, err)
	}

	return &Record{
		Pipeline:     raw,
		Layout:       layout,
		BindLayout:   bindLayout,
		PipeLayout:   pipeLayout,
		DepthFormat:  c.depthFormat,
		DepthWrite:   depthWrite,
		DepthCompare: depthCompare,
	}, nil
}

// depthState maps the host's depth flags to the always-attached model.
func depthState(desc *Descriptor) (write bool, compare gputypes.CompareFunction) {
	if !desc.DepthTest {
		return false, gputypes.CompareFunctionAlways
	}
	compare = desc.DepthCompare
	if compare == 0 {
		compare = gputypes.CompareFunctionLess
	}
	return desc.DepthWrite, compare
}

func entryOr(entry, fallback string) string {
	if entry == "" {
		return fallback
	}
	return entry
}

func convertVertexLayouts(layouts []VertexBufferLayout) []gputypes.VertexBufferLayout {
	out := make([]gputypes.VertexBufferLayout, len(layouts))
	for i, l := range layouts {
		attrs := make([]gputypes.VertexAttribute, len(l.Attributes))
		for j, a := range l.Attributes {
			attrs[j] = gputypes.VertexAttribute{
				Format:         a.Format,
				Offset:         a.Offset,
				ShaderLocation: a.ShaderLocation,
			}
		}
		out[i] = gputypes.VertexBufferLayout{
			ArrayStride: l.ArrayStride,
			StepMode:    l.StepMode,
			Attributes:  attrs,
		}
	}
	return out
}

func convertBlend(b *BlendState) *gputypes.BlendState {
	if b == nil {
		return nil
	}
	return &gputypes.BlendState{
		Color: gputypes.BlendComponent{
			SrcFactor: b.Color.SrcFactor,
			DstFactor: b.Color.DstFactor,
			Operation: b.Color.Operation,
		},
		Alpha: gputypes.BlendComponent{
			SrcFactor: b.Alpha.SrcFactor,
			DstFactor: b.Alpha.DstFactor,
			Operation: b.Alpha.Operation,
		},
	}
}

// hashDescriptor computes the FNV-1a cache key covering every field that
// affects the compiled pipeline.
func hashDescriptor(desc *Descriptor) uint64 {
	h := fnv.New64a()

	if desc.VertexShader != nil {
		writeUint64(h, desc.VertexShader.Hash)
	} else {
		writeUint64(h, 0)
	}
	if desc.FragmentShader != nil {
		writeUint64(h, desc.FragmentShader.Hash)
	} else {
		writeUint64(h, 0)
	}

	writeUint32(h, uint32(len(desc.VertexLayouts))) //nolint:gosec // slot count bounded by GPU limits
	for i := range desc.VertexLayouts {
		l := &desc.VertexLayouts[i]
		writeUint64(h, l.ArrayStride)
		writeUint32(h, uint32(l.StepMode))
		writeUint32(h, uint32(len(l.Attributes))) //nolint:gosec // attribute count bounded by GPU limits
		for j := range l.Attributes {
			a := &l.Attributes[j]
			writeUint32(h, a.ShaderLocation)
			writeUint32(h, uint32(a.Format))
			writeUint64(h, a.Offset)
		}
	}

	writeUint32(h, uint32(desc.Topology))
	writeUint32(h, uint32(desc.CullMode))
	writeUint32(h, uint32(desc.ColorFormat))

	writeBool(h, desc.DepthTest)
	writeBool(h, desc.DepthWrite)
	writeUint32(h, uint32(desc.DepthCompare))

	if desc.Blend != nil {
		writeBool(h, true)
		writeUint32(h, uint32(desc.Blend.Color.SrcFactor))
		writeUint32(h, uint32(desc.Blend.Color.DstFactor))
		writeUint32(h, uint32(desc.Blend.Color.Operation))
		writeUint32(h, uint32(desc.Blend.Alpha.SrcFactor))
		writeUint32(h, uint32(desc.Blend.Alpha.DstFactor))
		writeUint32(h, uint32(desc.Blend.Alpha.Operation))
	} else {
		writeBool(h, false)
	}

	writeUint32(h, desc.SampleCount)

	return h.Sum64()
}

func writeUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:])
}

func writeUint64(h hash.Hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

func writeBool(h hash.Hash64, v bool) {
	if v {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
}
