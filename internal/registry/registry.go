// Package registry owns GPU-side resources behind stable opaque handles.
//
// Handles cross the host boundary as plain integers. Each handle packs a
// slot index and a generation counter; the generation is bumped when a slot
// is freed, so a stale handle held by the host resolves to nothing instead
// of aliasing a recycled resource. Zero is the reserved invalid handle.
package registry

import (
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Handle identifies one owned resource. Zero is invalid.
//
// Layout: low 32 bits are the slot index plus one (so index 0 never
// produces handle 0), high 32 bits are the slot generation.
type Handle uint64

// Invalid is the reserved failure sentinel handle.
const Invalid Handle = 0

// IsValid reports whether the handle is non-zero. A valid-looking handle
// may still be stale; resolution decides that.
func (h Handle) IsValid() bool { return h != Invalid }

func (h Handle) index() uint32      { return uint32(h) - 1 }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

// slot is one arena cell. gen is bumped on free so stale handles miss.
type slot[T any] struct {
	value T
	gen   uint32
	live  bool
}

// arena is a generation-tagged slot arena. Not safe for concurrent use;
// Registry serializes access.
type arena[T any] struct {
	slots []slot[T]
	free  []uint32
}

func (a *arena[T]) insert(v T) Handle {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.value = v
		s.live = true
		return makeHandle(idx, s.gen)
	}
	a.slots = append(a.slots, slot[T]{value: v, gen: 1, live: true})
	return makeHandle(uint32(len(a.slots)-1), 1)
}

func (a *arena[T]) get(h Handle) (T, bool) {
	var zero T
	if h == Invalid {
		return zero, false
	}
	idx := h.index()
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.live || s.gen != h.generation() {
		return zero, false
	}
	return s.value, true
}

// remove frees the slot and returns the stored value. Removing an unknown
// or stale handle is a no-op returning false (idempotent destroy).
func (a *arena[T]) remove(h Handle) (T, bool) {
	var zero T
	if h == Invalid {
		return zero, false
	}
	idx := h.index()
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.live || s.gen != h.generation() {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.live = false
	s.gen++
	a.free = append(a.free, idx)
	return v, true
}

func (a *arena[T]) len() int {
	return len(a.slots) - len(a.free)
}

// each calls fn for every live slot.
func (a *arena[T]) each(fn func(Handle, T)) {
	for i := range a.slots {
		if a.slots[i].live {
			fn(makeHandle(uint32(i), a.slots[i].gen), a.slots[i].value)
		}
	}
}

// Buffer is an owned GPU buffer with the metadata binding decisions need.
type Buffer struct {
	Raw   hal.Buffer
	Size  uint64
	Usage gputypes.BufferUsage
	Label string
}

// Texture is an owned GPU texture.
type Texture struct {
	Raw       hal.Texture
	Format    gputypes.TextureFormat
	Width     uint32
	Height    uint32
	Layers    uint32
	MipLevels uint32
	Usage     gputypes.TextureUsage
	Label     string
}

// View is an owned texture view. Parent is the owning texture's handle;
// views never outlive their texture in the host protocol, but a stale
// Parent is tolerated (resolution just fails).
type View struct {
	Raw       hal.TextureView
	Parent    Handle
	Dimension gputypes.TextureViewDimension
	Format    gputypes.TextureFormat
}

// Sampler is an owned GPU sampler.
type Sampler struct {
	Raw   hal.Sampler
	Label string
}

// BindGroup is an owned GPU bind group, built per draw by the binder.
type BindGroup struct {
	Raw hal.BindGroup
}

// derivedKey identifies a re-derived view: same texture, forced dimension.
type derivedKey struct {
	tex Handle
	dim gputypes.TextureViewDimension
}

// Registry is the process-wide resource owner. All mutation goes through
// its mutex; the expected call pattern is a single render thread, but a
// multi-threaded host gets correct exclusion for free.
type Registry struct {
	mu sync.Mutex

	device hal.Device

	buffers    arena[*Buffer]
	textures   arena[*Texture]
	views      arena[*View]
	samplers   arena[*Sampler]
	bindGroups arena[*BindGroup]

	// derived memoizes dimension-reconciled views so per-draw view
	// re-derivation does not accumulate hal objects.
	derived map[derivedKey]Handle
}

// New creates a registry owning resources on the given device.
func New(device hal.Device) *Registry {
	return &Registry{
		device:  device,
		derived: make(map[derivedKey]Handle),
	}
}

// InsertBuffer takes ownership of a buffer and returns its handle.
func (r *Registry) InsertBuffer(b *Buffer) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers.insert(b)
}

// Buffer resolves a buffer handle.
func (r *Registry) Buffer(h Handle) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers.get(h)
}

// DestroyBuffer releases a buffer. Unknown or stale handles are ignored.
func (r *Registry) DestroyBuffer(h Handle) {
	r.mu.Lock()
	b, ok := r.buffers.remove(h)
	r.mu.Unlock()
	if ok && b.Raw != nil {
		r.device.DestroyBuffer(b.Raw)
	}
}

// InsertTexture takes ownership of a texture and returns its handle.
func (r *Registry) InsertTexture(t *Texture) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textures.insert(t)
}

// Texture resolves a texture handle.
func (r *Registry) Texture(h Handle) (*Texture, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textures.get(h)
}

// DestroyTexture releases a texture along with any views derived from it.
// Unknown or stale handles are ignored.
func (r *Registry) DestroyTexture(h Handle) {
	r.mu.Lock()
	t, ok := r.textures.remove(h)
	var derivedViews []*View
	if ok {
		for key, vh := range r.derived {
			if key.tex == h {
				if v, vok := r.views.remove(vh); vok {
					derivedViews = append(derivedViews, v)
				}
				delete(r.derived, key)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, v := range derivedViews {
		if v.Raw != nil {
			r.device.DestroyTextureView(v.Raw)
		}
	}
	if t.Raw != nil {
		r.device.DestroyTexture(t.Raw)
	}
}

// InsertView takes ownership of a texture view and returns its handle.
func (r *Registry) InsertView(v *View) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views.insert(v)
}

// View resolves a view handle.
func (r *Registry) View(h Handle) (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views.get(h)
}

// DestroyView releases a view. Unknown or stale handles are ignored.
func (r *Registry) DestroyView(h Handle) {
	r.mu.Lock()
	v, ok := r.views.remove(h)
	if ok {
		for key, vh := range r.derived {
			if vh == h {
				delete(r.derived, key)
			}
		}
	}
	r.mu.Unlock()
	if ok && v.Raw != nil {
		r.device.DestroyTextureView(v.Raw)
	}
}

// InsertSampler takes ownership of a sampler and returns its handle.
func (r *Registry) InsertSampler(s *Sampler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samplers.insert(s)
}

// Sampler resolves a sampler handle.
func (r *Registry) Sampler(h Handle) (*Sampler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samplers.get(h)
}

// DestroySampler releases a sampler. Unknown or stale handles are ignored.
func (r *Registry) DestroySampler(h Handle) {
	r.mu.Lock()
	s, ok := r.samplers.remove(h)
	r.mu.Unlock()
	if ok && s.Raw != nil {
		r.device.DestroySampler(s.Raw)
	}
}

// InsertBindGroup takes ownership of a bind group and returns its handle.
func (r *Registry) InsertBindGroup(bg *BindGroup) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindGroups.insert(bg)
}

// BindGroup resolves a bind group handle.
func (r *Registry) BindGroup(h Handle) (*BindGroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindGroups.get(h)
}

// DestroyBindGroup releases a bind group. Unknown or stale handles are ignored.
func (r *Registry) DestroyBindGroup(h Handle) {
	r.mu.Lock()
	bg, ok := r.bindGroups.remove(h)
	r.mu.Unlock()
	if ok && bg.Raw != nil {
		r.device.DestroyBindGroup(bg.Raw)
	}
}

// DerivedView returns a view over tex with the given dimension, creating
// and memoizing it on first use. The derived view spans the texture's full
// mip and layer range and inherits its format; no pixel data is copied.
func (r *Registry) DerivedView(tex Handle, dim gputypes.TextureViewDimension) (Handle, bool) {
	r.mu.Lock()
	key := derivedKey{tex: tex, dim: dim}
	if vh, ok := r.derived[key]; ok {
		r.mu.Unlock()
		return vh, true
	}
	t, ok := r.textures.get(tex)
	r.mu.Unlock()
	if !ok {
		return Invalid, false
	}

	raw, err := r.device.CreateTextureView(t.Raw, &hal.TextureViewDescriptor{
		Label:     t.Label + "_derived",
		Format:    t.Format,
		Dimension: dim,
		Aspect:    gputypes.TextureAspectAll,
	})
	if err != nil {
		return Invalid, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have derived it while the device call ran.
	if vh, ok := r.derived[key]; ok {
		r.device.DestroyTextureView(raw)
		return vh, true
	}
	vh := r.views.insert(&View{
		Raw:       raw,
		Parent:    tex,
		Dimension: dim,
		Format:    t.Format,
	})
	r.derived[key] = vh
	return vh, true
}

// Counts reports the number of live resources per kind.
func (r *Registry) Counts() (buffers, textures, views, samplers, bindGroups int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers.len(), r.textures.len(), r.views.len(), r.samplers.len(), r.bindGroups.len()
}

// Close destroys every live resource. Views are released before their
// textures; buffers and samplers last.
func (r *Registry) Close() {
	r.mu.Lock()
	var (
		views      []*View
		textures   []*Texture
		buffers    []*Buffer
		samplers   []*Sampler
		bindGroups []*BindGroup
	)
	r.bindGroups.each(func(_ Handle, bg *BindGroup) { bindGroups = append(bindGroups, bg) })
	r.views.each(func(_ Handle, v *View) { views = append(views, v) })
	r.textures.each(func(_ Handle, t *Texture) { textures = append(textures, t) })
	r.buffers.each(func(_ Handle, b *Buffer) { buffers = append(buffers, b) })
	r.samplers.each(func(_ Handle, s *Sampler) { samplers = append(samplers, s) })
	r.buffers = arena[*Buffer]{}
	r.textures = arena[*Texture]{}
	r.views = arena[*View]{}
	r.samplers = arena[*Sampler]{}
	r.bindGroups = arena[*BindGroup]{}
	r.derived = make(map[derivedKey]Handle)
	r.mu.Unlock()

	for _, bg := range bindGroups {
		if bg.Raw != nil {
			r.device.DestroyBindGroup(bg.Raw)
		}
	}
	for _, v := range views {
		if v.Raw != nil {
			r.device.DestroyTextureView(v.Raw)
		}
	}
	for _, t := range textures {
		if t.Raw != nil {
			r.device.DestroyTexture(t.Raw)
		}
	}
	for _, b := range buffers {
		if b.Raw != nil {
			r.device.DestroyBuffer(b.Raw)
		}
	}
	for _, s := range samplers {
		if s.Raw != nil {
			r.device.DestroySampler(s.Raw)
		}
	}
}
