package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bridge/internal/binding"
	"github.com/gogpu/bridge/internal/cache"
	"github.com/gogpu/bridge/internal/depth"
	"github.com/gogpu/bridge/internal/pass"
	"github.com/gogpu/bridge/internal/pipeline"
	"github.com/gogpu/bridge/internal/registry"
	"github.com/gogpu/bridge/internal/shader"
)

// Device errors.
var (
	// ErrNoProvider is returned when NewFromProvider gets a provider
	// that does not expose HAL types.
	ErrNoProvider = errors.New("bridge: provider does not expose HAL types")

	// ErrUnknownHandle is returned when an operation references a
	// handle that does not resolve.
	ErrUnknownHandle = errors.New("bridge: unknown handle")

	// ErrNoPass is returned when pass commands arrive outside
	// BeginRenderPass/EndRenderPass.
	ErrNoPass = errors.New("bridge: no render pass in progress")

	// ErrPassInProgress is returned when BeginRenderPass is called
	// while a pass is already recording.
	ErrPassInProgress = errors.New("bridge: render pass already in progress")

	// ErrZeroDimensions is returned when a texture is created with a
	// zero width or height.
	ErrZeroDimensions = errors.New("bridge: zero texture dimensions")
)

// Handle identifies a bridge-owned resource. The zero value is never a
// valid handle. Handles are generation-tagged: destroying a resource
// and creating a new one in its place does not make old handles resolve
// again.
type Handle = registry.Handle

// InvalidHandle is the zero, never-valid handle.
const InvalidHandle = registry.Invalid

// Shader binding kinds, re-exported for pipeline descriptors.
const (
	BindTexture       = shader.KindTexture
	BindSampler       = shader.KindSampler
	BindUniformBuffer = shader.KindUniformBuffer
	BindStorageBuffer = shader.KindStorageBuffer
)

// ShaderBinding declares one resource slot of a shader stage.
type ShaderBinding = shader.Binding

// Vertex input types, re-exported for pipeline descriptors.
type (
	VertexBufferLayout = pipeline.VertexBufferLayout
	VertexAttribute    = pipeline.VertexAttribute
	BlendState         = pipeline.BlendState
	BlendComponent     = pipeline.BlendComponent
)

// PipelineDesc describes a render pipeline in host terms: shader
// handles plus fixed-function state. Equal descriptors share one
// compiled pipeline.
type PipelineDesc struct {
	Label string

	// VertexShader and FragmentShader are handles from CreateShader.
	VertexShader   Handle
	FragmentShader Handle

	VertexLayouts []VertexBufferLayout
	Topology      gputypes.PrimitiveTopology
	CullMode      gputypes.CullMode
	ColorFormat   gputypes.TextureFormat

	// DepthTest enables depth comparison. Disabled pipelines still
	// attach depth, comparing always and never writing, so they stay
	// compatible with the pass's mandatory depth attachment.
	DepthTest    bool
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction

	Blend       *BlendState
	SampleCount uint32
}

// Device is the host-facing entry point. It owns all GPU resources the
// host creates through it.
//
// Thread safe, though the expected caller is a single render thread.
type Device struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue
	opts   deviceOptions

	reg       *registry.Registry
	pipelines *pipeline.Cache
	depths    *depth.Cache
	named     *binding.Named

	// shaders live in their own handle table; deduplication by source
	// hash means compiling the same source twice yields the same handle.
	shaders   map[Handle]*shader.Module
	bySource  *cache.Cache[uint64, Handle]
	shaderSeq uint64

	session *pass.Session
	skipped uint64

	closed bool
}

// NewDevice creates a bridge device over an open HAL device and queue.
// The caller keeps ownership of both.
func NewDevice(device hal.Device, queue hal.Queue, opts ...Option) *Device {
	o := defaultDeviceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Device{
		device:    device,
		queue:     queue,
		opts:      o,
		reg:       registry.New(device),
		pipelines: pipeline.NewCache(device, o.depthFormat, o.uniformLimit),
		depths:    depth.NewCache(device, o.depthFormat),
		named:     binding.NewNamed(),
		shaders:   make(map[Handle]*shader.Module),
		bySource:  cache.New[uint64, Handle](0),
	}
}

// DeviceProvider is the host-side integration interface. GPU frameworks
// expose their shared device through it; implementations that also
// expose HalDevice() any and HalQueue() any can be handed straight to
// NewFromProvider.
type DeviceProvider = gpucontext.DeviceProvider

// NewFromProvider creates a device from anything exposing HalDevice()
// any and HalQueue() any returning hal.Device and hal.Queue.
func NewFromProvider(provider any, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoProvider)
	}
	return NewDevice(device, queue, opts...), nil
}

// --- Buffers ---

// CreateBuffer allocates a GPU buffer and returns its handle.
func (d *Device) CreateBuffer(label string, size uint64, usage gputypes.BufferUsage) (Handle, error) {
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return InvalidHandle, fmt.Errorf("bridge: create buffer %q: %w", label, err)
	}
	return d.reg.InsertBuffer(&registry.Buffer{
		Raw:   raw,
		Size:  size,
		Usage: usage,
		Label: label,
	}), nil
}

// WriteBuffer uploads data into a buffer at the given offset.
func (d *Device) WriteBuffer(h Handle, offset uint64, data []byte) error {
	buf, ok := d.reg.Buffer(h)
	if !ok {
		return fmt.Errorf("write buffer: %w: %#x", ErrUnknownHandle, uint64(h))
	}
	d.queue.WriteBuffer(buf.Raw, offset, data)
	return nil
}

// DestroyBuffer releases a buffer. Destroying an unknown or already
// destroyed handle is a no-op.
func (d *Device) DestroyBuffer(h Handle) { d.reg.DestroyBuffer(h) }

// ClassifyBuffer reports how a buffer of the given size binds: small
// buffers as uniforms, buffers over the uniform limit as read-only
// storage. Pure; no device interaction.
func (d *Device) ClassifyBuffer(size uint64) binding.Class {
	return binding.Classify(size, d.opts.uniformLimit)
}

// --- Textures ---

// CreateTexture allocates a 2D texture (layers > 1 for arrays and cube
// faces) and returns its handle.
func (d *Device) CreateTexture(label string, width, height, layers, mipLevels uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (Handle, error) {
	if width == 0 || height == 0 {
		return InvalidHandle, fmt.Errorf("bridge: create texture %q: %w", label, ErrZeroDimensions)
	}
	if layers == 0 {
		layers = 1
	}
	if mipLevels == 0 {
		mipLevels = 1
	}
	raw, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: layers},
		MipLevelCount: mipLevels,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         usage,
	})
	if err != nil {
		return InvalidHandle, fmt.Errorf("bridge: create texture %q: %w", label, err)
	}
	return d.reg.InsertTexture(&registry.Texture{
		Raw:       raw,
		Format:    format,
		Width:     width,
		Height:    height,
		Layers:    layers,
		MipLevels: mipLevels,
		Usage:     usage,
		Label:     label,
	}), nil
}

// WriteTexture uploads tightly packed pixel data to mip 0 of a texture.
// bytesPerRow 0 means width * 4 (the packing of the 8-bit RGBA-class
// formats the host uploads).
func (d *Device) WriteTexture(h Handle, data []byte, bytesPerRow uint32) error {
	tex, ok := d.reg.Texture(h)
	if !ok {
		return fmt.Errorf("write texture: %w: %#x", ErrUnknownHandle, uint64(h))
	}
	if bytesPerRow == 0 {
		bytesPerRow = tex.Width * 4
	}
	d.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  tex.Raw,
			MipLevel: 0,
		},
		data,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  bytesPerRow,
			RowsPerImage: tex.Height,
		},
		&hal.Extent3D{Width: tex.Width, Height: tex.Height, DepthOrArrayLayers: tex.Layers},
	)
	return nil
}

// DestroyTexture releases a texture and every view derived from it.
// Idempotent.
func (d *Device) DestroyTexture(h Handle) { d.reg.DestroyTexture(h) }

// CreateTextureView creates a view over the full texture. The view
// dimension is inferred from the layer count: 6 layers make a cube,
// more than one layer a 2D array, otherwise a plain 2D view.
func (d *Device) CreateTextureView(tex Handle) (Handle, error) {
	t, ok := d.reg.Texture(tex)
	if !ok {
		return InvalidHandle, fmt.Errorf("create view: %w: %#x", ErrUnknownHandle, uint64(tex))
	}
	dim := inferViewDimension(t.Layers)
	raw, err := d.device.CreateTextureView(t.Raw, &hal.TextureViewDescriptor{
		Label:     t.Label + "_view",
		Format:    t.Format,
		Dimension: dim,
		Aspect:    gputypes.TextureAspectAll,
	})
	if err != nil {
		return InvalidHandle, fmt.Errorf("create view: %w", err)
	}
	return d.reg.InsertView(&registry.View{
		Raw:       raw,
		Parent:    tex,
		Dimension: dim,
		Format:    t.Format,
	}), nil
}

// DestroyTextureView releases a view. Idempotent.
func (d *Device) DestroyTextureView(h Handle) { d.reg.DestroyView(h) }

// inferViewDimension maps a layer count to the view dimension the host
// protocol implies: 6 layers are a cube map, several layers an array.
func inferViewDimension(layers uint32) gputypes.TextureViewDimension {
	switch {
	case layers == 6:
		return gputypes.TextureViewDimensionCube
	case layers > 1:
		return gputypes.TextureViewDimension2DArray
	default:
		return gputypes.TextureViewDimension2D
	}
}

// --- Samplers ---

// CreateSampler creates a filtering sampler.
func (d *Device) CreateSampler(label string, addressMode gputypes.AddressMode, filter gputypes.FilterMode) (Handle, error) {
	raw, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        label,
		AddressModeU: addressMode,
		AddressModeV: addressMode,
		AddressModeW: addressMode,
		MagFilter:    filter,
		MinFilter:    filter,
		MipmapFilter: filter,
	})
	if err != nil {
		return InvalidHandle, fmt.Errorf("bridge: create sampler %q: %w", label, err)
	}
	return d.reg.InsertSampler(&registry.Sampler{Raw: raw, Label: label}), nil
}

// DestroySampler releases a sampler. Idempotent.
func (d *Device) DestroySampler(h Handle) { d.reg.DestroySampler(h) }

// --- Shaders ---

// CreateShader compiles a WGSL shader module. Modules are deduplicated
// by source and entry point: compiling identical source again returns
// the existing handle without touching the device.
//
// bindings declares the resource slots the stage uses; the declarations
// from both stages of a pipeline merge into its binding layout.
func (d *Device) CreateShader(label, source, entryPoint string, bindings []ShaderBinding) (Handle, error) {
	hash := shader.Hash(source, entryPoint)

	if h, ok := d.bySource.Get(hash); ok {
		return h, nil
	}

	mod, err := shader.Compile(d.device, label, source, entryPoint, bindings)
	if err != nil {
		return InvalidHandle, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.bySource.Get(hash); ok {
		mod.Destroy(d.device)
		return h, nil
	}
	d.shaderSeq++
	h := Handle(d.shaderSeq)
	d.shaders[h] = mod
	d.bySource.Set(hash, h)
	return h, nil
}

// DestroyShader releases a shader module. Idempotent. Pipelines already
// compiled from it keep working; only new compilations are affected.
func (d *Device) DestroyShader(h Handle) {
	d.mu.Lock()
	mod, ok := d.shaders[h]
	if ok {
		delete(d.shaders, h)
		d.bySource.Delete(mod.Hash)
	}
	d.mu.Unlock()
	if ok {
		mod.Destroy(d.device)
	}
}

func (d *Device) shaderModule(h Handle) (*shader.Module, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mod, ok := d.shaders[h]
	return mod, ok
}

// --- Named bindings ---

// SetTexture binds a texture under a name for subsequent draws. view
// and sampler may be InvalidHandle; a view is derived on demand, and a
// missing sampler only matters if the pipeline has a sampler slot.
func (d *Device) SetTexture(name string, tex, view, sampler Handle) {
	d.named.SetTexture(name, tex, view, sampler)
}

// SetBuffer binds a buffer range under a name for subsequent draws.
// size 0 means the rest of the buffer from offset.
func (d *Device) SetBuffer(name string, buf Handle, offset, size uint64) {
	d.named.SetBuffer(name, buf, offset, size)
}

// UnsetBinding removes one named binding.
func (d *Device) UnsetBinding(name string) { d.named.Unset(name) }

// ClearBindings removes all named bindings.
func (d *Device) ClearBindings() { d.named.Reset() }

// --- Render pass ---

// BeginRenderPass opens a pass rendering into the given texture view.
//
// depthTarget may be InvalidHandle. Hosts that manage their own depth
// attachment can pass it here for API compatibility, but the pass
// always attaches a cached depth texture matching the color target's
// extent: host depth attachments routinely disagree with the target
// size, and a mismatched attachment is a validation failure on the
// strict side.
func (d *Device) BeginRenderPass(target, depthTarget Handle, clear bool, clearColor uint32) error {
	view, ok := d.reg.View(target)
	if !ok {
		return fmt.Errorf("begin render pass: %w: %#x", ErrUnknownHandle, uint64(target))
	}
	if depthTarget != InvalidHandle {
		Logger().Debug("host depth attachment superseded by cached depth target",
			"depth_handle", uint64(depthTarget))
	}
	tex, ok := d.reg.Texture(view.Parent)
	if !ok {
		return fmt.Errorf("begin render pass: %w: view's texture is gone", ErrUnknownHandle)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil && d.session.State() != pass.StateEnded {
		return ErrPassInProgress
	}

	// The session is installed only once Begin succeeds; a failed begin
	// must not block the next pass.
	s := pass.NewSession(d.device, d.queue, d.reg, d.pipelines, d.depths, d.named)
	if err := s.Begin(pass.Target{
		View:       view.Raw,
		Width:      tex.Width,
		Height:     tex.Height,
		Clear:      clear,
		ClearColor: clearColor,
	}); err != nil {
		return err
	}
	d.session = s
	return nil
}

// SetPipeline resolves the descriptor's shader handles and binds the
// compiled pipeline in the current pass.
func (d *Device) SetPipeline(desc *PipelineDesc) error {
	s, err := d.currentSession()
	if err != nil {
		return err
	}
	vs, ok := d.shaderModule(desc.VertexShader)
	if !ok {
		return fmt.Errorf("set pipeline: vertex shader: %w: %#x", ErrUnknownHandle, uint64(desc.VertexShader))
	}
	fs, ok := d.shaderModule(desc.FragmentShader)
	if !ok {
		return fmt.Errorf("set pipeline: fragment shader: %w: %#x", ErrUnknownHandle, uint64(desc.FragmentShader))
	}
	return s.SetPipeline(&pipeline.Descriptor{
		Label:          desc.Label,
		VertexShader:   vs,
		FragmentShader: fs,
		VertexLayouts:  desc.VertexLayouts,
		Topology:       desc.Topology,
		CullMode:       desc.CullMode,
		ColorFormat:    desc.ColorFormat,
		DepthTest:      desc.DepthTest,
		DepthWrite:     desc.DepthWrite,
		DepthCompare:   desc.DepthCompare,
		Blend:          desc.Blend,
		SampleCount:    desc.SampleCount,
	})
}

// SetVertexBuffer binds a vertex buffer to a slot in the current pass.
func (d *Device) SetVertexBuffer(slot uint32, buf Handle, offset uint64) error {
	s, err := d.currentSession()
	if err != nil {
		return err
	}
	return s.SetVertexBuffer(slot, buf, offset)
}

// SetIndexBuffer binds the index buffer in the current pass.
func (d *Device) SetIndexBuffer(buf Handle, format gputypes.IndexFormat, offset uint64) error {
	s, err := d.currentSession()
	if err != nil {
		return err
	}
	return s.SetIndexBuffer(buf, format, offset)
}

// Draw encodes a draw in the current pass. Draws that cannot be
// satisfied by the named bindings are skipped and counted, not errors.
func (d *Device) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	s, err := d.currentSession()
	if err != nil {
		return err
	}
	return s.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}

// DrawIndexed encodes an indexed draw with the same skip semantics as
// Draw.
func (d *Device) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) error {
	s, err := d.currentSession()
	if err != nil {
		return err
	}
	return s.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
}

// EndRenderPass finalizes the current pass, submits it and waits for
// the GPU. Calling it with no pass in progress is an error; calling it
// twice is not (End is idempotent on the session).
func (d *Device) EndRenderPass() error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return ErrNoPass
	}
	err := s.End()
	d.mu.Lock()
	d.skipped += s.SkippedDraws()
	d.session = nil
	d.mu.Unlock()
	return err
}

func (d *Device) currentSession() (*pass.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, ErrNoPass
	}
	return d.session, nil
}

// --- Diagnostics and lifecycle ---

// Stats reports cache and resource diagnostics.
type Stats struct {
	PipelineHits   uint64
	PipelineMisses uint64
	Pipelines      int
	DepthTargets   int
	SkippedDraws   uint64

	Buffers    int
	Textures   int
	Views      int
	Samplers   int
	BindGroups int
	Shaders    int
}

// Stats returns current diagnostics. Skipped draws accumulate across
// passes.
func (d *Device) Stats() Stats {
	hits, misses := d.pipelines.Stats()
	buffers, textures, views, samplers, bindGroups := d.reg.Counts()

	d.mu.Lock()
	skipped := d.skipped
	if d.session != nil {
		skipped += d.session.SkippedDraws()
	}
	shaders := len(d.shaders)
	d.mu.Unlock()

	return Stats{
		PipelineHits:   hits,
		PipelineMisses: misses,
		Pipelines:      d.pipelines.Size(),
		DepthTargets:   d.depths.Len(),
		SkippedDraws:   skipped,
		Buffers:        buffers,
		Textures:       textures,
		Views:          views,
		Samplers:       samplers,
		BindGroups:     bindGroups,
		Shaders:        shaders,
	}
}

// ClearPipelineCache destroys every cached pipeline. The next
// SetPipeline recompiles. Must not be called while a pass is recording.
func (d *Device) ClearPipelineCache() {
	d.pipelines.Clear()
}

// Close releases everything the device owns: the render pass if one is
// somehow still open, all pipelines, depth attachments, shaders and
// registry resources. The HAL device itself stays open; the host owns
// it.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	s := d.session
	d.session = nil
	shaders := d.shaders
	d.shaders = make(map[Handle]*shader.Module)
	d.bySource.Clear()
	d.mu.Unlock()

	var err error
	if s != nil {
		err = s.End()
	}
	d.pipelines.Clear()
	d.depths.Clear()
	for _, mod := range shaders {
		mod.Destroy(d.device)
	}
	d.reg.Close()
	return err
}
