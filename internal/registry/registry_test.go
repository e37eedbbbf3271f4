package registry

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// createNoopDevice creates a noop device for testing.
// Returns the device and a cleanup function.
func createNoopDevice(t *testing.T) (hal.Device, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, cleanup
}

func createTestBuffer(t *testing.T, device hal.Device, size uint64) hal.Buffer {
	t.Helper()
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "test_buffer",
		Size:  size,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	return buf
}

func createTestTexture(t *testing.T, device hal.Device, w, h, layers uint32) hal.Texture {
	t.Helper()
	tex, err := device.CreateTexture(&hal.TextureDescriptor{
		Label:         "test_texture",
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: layers},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateTexture failed: %v", err)
	}
	return tex
}

func TestHandleZeroIsInvalid(t *testing.T) {
	if Invalid.IsValid() {
		t.Error("Invalid.IsValid() = true")
	}

	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	if _, ok := r.Buffer(Invalid); ok {
		t.Error("resolved the invalid handle")
	}
}

func TestInsertResolve(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	h := r.InsertBuffer(&Buffer{Raw: createTestBuffer(t, device, 64), Size: 64})
	if !h.IsValid() {
		t.Fatal("InsertBuffer returned the invalid handle")
	}

	b, ok := r.Buffer(h)
	if !ok {
		t.Fatal("Buffer(h) failed for a live handle")
	}
	if b.Size != 64 {
		t.Errorf("Size = %d, want 64", b.Size)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	h := r.InsertBuffer(&Buffer{Raw: createTestBuffer(t, device, 16), Size: 16})
	r.DestroyBuffer(h)
	r.DestroyBuffer(h) // Second destroy must be a no-op.
	r.DestroyBuffer(Invalid)
	r.DestroyBuffer(Handle(0xdeadbeef)) // Unknown handle.

	if _, ok := r.Buffer(h); ok {
		t.Error("destroyed handle still resolves")
	}
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	h1 := r.InsertBuffer(&Buffer{Raw: createTestBuffer(t, device, 16), Size: 16})
	r.DestroyBuffer(h1)

	// Reuses h1's slot with a bumped generation.
	h2 := r.InsertBuffer(&Buffer{Raw: createTestBuffer(t, device, 32), Size: 32})

	if h1 == h2 {
		t.Fatal("recycled slot produced an identical handle")
	}
	if _, ok := r.Buffer(h1); ok {
		t.Error("stale handle resolved after slot reuse")
	}
	if b, ok := r.Buffer(h2); !ok || b.Size != 32 {
		t.Error("fresh handle did not resolve to the new buffer")
	}
}

func TestHandlesAreDistinct(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	seen := make(map[Handle]bool)
	for i := 0; i < 100; i++ {
		h := r.InsertBuffer(&Buffer{Raw: createTestBuffer(t, device, 4), Size: 4})
		if seen[h] {
			t.Fatalf("duplicate handle %v at iteration %d", h, i)
		}
		seen[h] = true
	}
}

func TestDerivedViewMemoized(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	tex := r.InsertTexture(&Texture{
		Raw:    createTestTexture(t, device, 64, 64, 6),
		Format: gputypes.TextureFormatRGBA8Unorm,
		Width:  64, Height: 64, Layers: 6, MipLevels: 1,
	})

	v1, ok := r.DerivedView(tex, gputypes.TextureViewDimensionCube)
	if !ok || !v1.IsValid() {
		t.Fatal("DerivedView failed")
	}
	v2, ok := r.DerivedView(tex, gputypes.TextureViewDimensionCube)
	if !ok {
		t.Fatal("second DerivedView failed")
	}
	if v1 != v2 {
		t.Error("same (texture, dimension) produced distinct derived views")
	}

	v3, ok := r.DerivedView(tex, gputypes.TextureViewDimension2DArray)
	if !ok {
		t.Fatal("DerivedView with different dimension failed")
	}
	if v3 == v1 {
		t.Error("different dimensions share a derived view")
	}

	view, ok := r.View(v1)
	if !ok {
		t.Fatal("derived view handle did not resolve")
	}
	if view.Dimension != gputypes.TextureViewDimensionCube {
		t.Errorf("Dimension = %v, want Cube", view.Dimension)
	}
	if view.Parent != tex {
		t.Error("derived view does not reference its parent texture")
	}
}

func TestDerivedViewUnknownTexture(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	if _, ok := r.DerivedView(Handle(42), gputypes.TextureViewDimension2D); ok {
		t.Error("DerivedView succeeded for an unknown texture")
	}
}

func TestDestroyTextureReleasesDerivedViews(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	tex := r.InsertTexture(&Texture{
		Raw:    createTestTexture(t, device, 32, 32, 1),
		Format: gputypes.TextureFormatRGBA8Unorm,
		Width:  32, Height: 32, Layers: 1, MipLevels: 1,
	})
	v, _ := r.DerivedView(tex, gputypes.TextureViewDimension2DArray)

	r.DestroyTexture(tex)

	if _, ok := r.View(v); ok {
		t.Error("derived view survived its texture")
	}
	if _, ok := r.Texture(tex); ok {
		t.Error("destroyed texture still resolves")
	}
}

func TestCounts(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	r.InsertBuffer(&Buffer{Raw: createTestBuffer(t, device, 8), Size: 8})
	h := r.InsertBuffer(&Buffer{Raw: createTestBuffer(t, device, 8), Size: 8})
	r.InsertTexture(&Texture{Raw: createTestTexture(t, device, 8, 8, 1), Width: 8, Height: 8})
	r.DestroyBuffer(h)

	buffers, textures, _, _, _ := r.Counts()
	if buffers != 1 {
		t.Errorf("buffers = %d, want 1", buffers)
	}
	if textures != 1 {
		t.Errorf("textures = %d, want 1", textures)
	}
}

func TestClose(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()
	r := New(device)

	bh := r.InsertBuffer(&Buffer{Raw: createTestBuffer(t, device, 8), Size: 8})
	th := r.InsertTexture(&Texture{Raw: createTestTexture(t, device, 8, 8, 1), Width: 8, Height: 8})
	r.Close()

	if _, ok := r.Buffer(bh); ok {
		t.Error("buffer survived Close")
	}
	if _, ok := r.Texture(th); ok {
		t.Error("texture survived Close")
	}
	buffers, textures, views, samplers, bindGroups := r.Counts()
	if buffers+textures+views+samplers+bindGroups != 0 {
		t.Error("Close left live resources")
	}
}
