package binding

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bridge/internal/registry"
	"github.com/gogpu/bridge/internal/shader"
)

// ErrIncomplete is returned when the named bindings cannot satisfy the
// pipeline's layout. The draw that needed the bind group is skipped; the
// host keeps running.
var ErrIncomplete = errors.New("binding: incomplete bind group")

type textureBinding struct {
	texture registry.Handle
	view    registry.Handle
	sampler registry.Handle
	seq     uint64
}

type bufferBinding struct {
	buffer registry.Handle
	offset uint64
	size   uint64
	seq    uint64
}

// Named holds the host's name-keyed binding state. The host sets
// bindings by name at any time; at draw they are matched against the
// active pipeline's layout by kind, in slot order. When more bindings
// of a kind exist than the layout has slots, the most recently set
// ones win.
//
// Thread safe.
type Named struct {
	mu       sync.Mutex
	seq      uint64
	textures map[string]*textureBinding
	buffers  map[string]*bufferBinding
	dirty    bool
}

// NewNamed creates an empty named binding table.
func NewNamed() *Named {
	return &Named{
		textures: make(map[string]*textureBinding),
		buffers:  make(map[string]*bufferBinding),
	}
}

// SetTexture binds a texture under name. view may be Invalid, in which
// case a view is derived from the texture at build time. sampler may be
// Invalid if the pipeline has no sampler slot. Re-setting a name moves
// it to the front of the recency order.
func (n *Named) SetTexture(name string, texture, view, sampler registry.Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	n.textures[name] = &textureBinding{
		texture: texture,
		view:    view,
		sampler: sampler,
		seq:     n.seq,
	}
	n.dirty = true
}

// SetBuffer binds a buffer range under name. size 0 means the rest of
// the buffer from offset.
func (n *Named) SetBuffer(name string, buffer registry.Handle, offset, size uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	n.buffers[name] = &bufferBinding{
		buffer: buffer,
		offset: offset,
		size:   size,
		seq:    n.seq,
	}
	n.dirty = true
}

// Unset removes a named binding of either kind.
func (n *Named) Unset(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.textures[name]; ok {
		delete(n.textures, name)
		n.dirty = true
	}
	if _, ok := n.buffers[name]; ok {
		delete(n.buffers, name)
		n.dirty = true
	}
}

// Reset clears all named bindings.
func (n *Named) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.textures = make(map[string]*textureBinding)
	n.buffers = make(map[string]*bufferBinding)
	n.dirty = true
}

// Dirty reports whether bindings changed since the last MarkClean.
func (n *Named) Dirty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dirty
}

// MarkClean clears the dirty flag after a successful bind group build.
func (n *Named) MarkClean() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dirty = false
}

// snapshot returns the current bindings of each kind ordered by
// recency, oldest first.
func (n *Named) snapshot() (textures []*textureBinding, buffers []*bufferBinding) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, tb := range n.textures {
		textures = append(textures, tb)
	}
	for _, bb := range n.buffers {
		buffers = append(buffers, bb)
	}
	sort.Slice(textures, func(i, j int) bool { return textures[i].seq < textures[j].seq })
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].seq < buffers[j].seq })
	return textures, buffers
}

// Build matches the named bindings against a pipeline's layout and
// creates the bind group. The returned handle owns the group through
// the registry.
//
// Any mismatch short of a match, a stale handle, an undersized buffer
// or a uniform/storage classification conflict returns ErrIncomplete:
// the caller skips the draw instead of submitting invalid GPU work.
func Build(device hal.Device, reg *registry.Registry, layout shader.Layout, bgl hal.BindGroupLayout, uniformLimit uint64, named *Named) (registry.Handle, error) {
	texCands, bufCands := named.snapshot()

	var texSlots, bufSlots, samplerSlots []shader.Binding
	for _, e := range layout.Entries {
		switch e.Kind {
		case shader.KindTexture:
			texSlots = append(texSlots, e)
		case shader.KindSampler:
			samplerSlots = append(samplerSlots, e)
		case shader.KindUniformBuffer, shader.KindStorageBuffer:
			bufSlots = append(bufSlots, e)
		}
	}

	if len(texCands) < len(texSlots) {
		return registry.Invalid, fmt.Errorf("%w: %d texture bindings set, pipeline needs %d", ErrIncomplete, len(texCands), len(texSlots))
	}
	if len(texCands) > len(texSlots) {
		texCands = texCands[len(texCands)-len(texSlots):]
	}
	if len(samplerSlots) > 0 && len(texCands) == 0 {
		return registry.Invalid, fmt.Errorf("%w: %d sampler slots with no texture bindings to pair with", ErrIncomplete, len(samplerSlots))
	}
	if len(bufCands) < len(bufSlots) {
		return registry.Invalid, fmt.Errorf("%w: %d buffer bindings set, pipeline needs %d", ErrIncomplete, len(bufCands), len(bufSlots))
	}
	if len(bufCands) > len(bufSlots) {
		bufCands = bufCands[len(bufCands)-len(bufSlots):]
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(layout.Entries))

	for i, slot := range texSlots {
		view, err := resolveView(reg, texCands[i], slot)
		if err != nil {
			return registry.Invalid, err
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  slot.Slot,
			Resource: gputypes.TextureViewBinding{TextureView: view.Raw.NativeHandle()},
		})
	}

	// A sampler slot belongs to the texture declared just before it in
	// slot order, so it takes that texture binding's sampler.
	for _, slot := range samplerSlots {
		j := 0
		for k := range texSlots {
			if texSlots[k].Slot < slot.Slot {
				j = k
			}
		}
		sh := texCands[j].sampler
		samp, ok := reg.Sampler(sh)
		if !ok {
			return registry.Invalid, fmt.Errorf("%w: slot %d (sampler): no sampler on texture binding", ErrIncomplete, slot.Slot)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  slot.Slot,
			Resource: gputypes.SamplerBinding{Sampler: samp.Raw.NativeHandle()},
		})
	}

	for i, slot := range bufSlots {
		bb := bufCands[i]
		buf, ok := reg.Buffer(bb.buffer)
		if !ok {
			return registry.Invalid, fmt.Errorf("%w: slot %d (%s): stale buffer handle", ErrIncomplete, slot.Slot, slot.Kind)
		}
		size := bb.size
		if size == 0 {
			if bb.offset > buf.Size {
				return registry.Invalid, fmt.Errorf("%w: slot %d (%s): offset %d past end of %d-byte buffer", ErrIncomplete, slot.Slot, slot.Kind, bb.offset, buf.Size)
			}
			size = buf.Size - bb.offset
		}
		if size < slot.MinSize {
			return registry.Invalid, fmt.Errorf("%w: slot %d (%s): bound %d bytes, shader needs %d", ErrIncomplete, slot.Slot, slot.Kind, size, slot.MinSize)
		}
		if slot.Kind == shader.KindUniformBuffer {
			want := Classify(slot.MinSize, uniformLimit)
			if got := Classify(size, uniformLimit); got != want {
				return registry.Invalid, fmt.Errorf("%w: slot %d: layout is %s, bound %d bytes classifies as %s", ErrIncomplete, slot.Slot, want, size, got)
			}
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: slot.Slot,
			Resource: gputypes.BufferBinding{
				Buffer: buf.Raw.NativeHandle(),
				Offset: bb.offset,
				Size:   size,
			},
		})
	}

	raw, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "bridge_bind_group",
		Layout:  bgl,
		Entries: entries,
	})
	if err != nil {
		return registry.Invalid, fmt.Errorf("binding: create bind group: %w", err)
	}

	return reg.InsertBindGroup(&registry.BindGroup{Raw: raw}), nil
}

// resolveView picks the view for a texture slot, re-deriving one when
// the bound view's dimension does not match what the shader declares.
func resolveView(reg *registry.Registry, tb *textureBinding, slot shader.Binding) (*registry.View, error) {
	wantDim := slot.Dimension
	if wantDim == gputypes.TextureViewDimensionUndefined {
		wantDim = gputypes.TextureViewDimension2D
	}

	if tb.view.IsValid() {
		view, ok := reg.View(tb.view)
		if !ok {
			return nil, fmt.Errorf("%w: slot %d (texture): stale view handle", ErrIncomplete, slot.Slot)
		}
		if view.Dimension == wantDim {
			return view, nil
		}
	}

	vh, ok := reg.DerivedView(tb.texture, wantDim)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d (texture): stale texture handle", ErrIncomplete, slot.Slot)
	}
	view, ok := reg.View(vh)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d (texture): derived view vanished", ErrIncomplete, slot.Slot)
	}
	return view, nil
}
