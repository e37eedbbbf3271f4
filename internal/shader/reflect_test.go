package shader

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func mod(bindings ...Binding) *Module {
	return &Module{Bindings: bindings}
}

func TestReflectUnion(t *testing.T) {
	vs := mod(
		Binding{Slot: 4, Kind: KindUniformBuffer, MinSize: 64},
	)
	fs := mod(
		Binding{Slot: 0, Kind: KindTexture, Dimension: gputypes.TextureViewDimension2D},
		Binding{Slot: 1, Kind: KindSampler},
	)

	layout, err := Reflect(vs, fs)
	if err != nil {
		t.Fatalf("Reflect failed: %v", err)
	}

	want := []Binding{
		{Slot: 0, Kind: KindTexture, Dimension: gputypes.TextureViewDimension2D},
		{Slot: 1, Kind: KindSampler},
		{Slot: 4, Kind: KindUniformBuffer, MinSize: 64},
	}
	if len(layout.Entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(layout.Entries), len(want))
	}
	for i, e := range layout.Entries {
		if e != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, e, want[i])
		}
	}
}

func TestReflectDedupSharedSlot(t *testing.T) {
	// Both stages see the same uniform at slot 0.
	vs := mod(Binding{Slot: 0, Kind: KindUniformBuffer, MinSize: 16})
	fs := mod(Binding{Slot: 0, Kind: KindUniformBuffer, MinSize: 32})

	layout, err := Reflect(vs, fs)
	if err != nil {
		t.Fatalf("Reflect failed: %v", err)
	}
	if len(layout.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(layout.Entries))
	}
	// The larger declared size governs.
	if layout.Entries[0].MinSize != 32 {
		t.Errorf("MinSize = %d, want 32", layout.Entries[0].MinSize)
	}
}

func TestReflectKindConflict(t *testing.T) {
	vs := mod(Binding{Slot: 2, Kind: KindUniformBuffer})
	fs := mod(Binding{Slot: 2, Kind: KindTexture, Dimension: gputypes.TextureViewDimension2D})

	_, err := Reflect(vs, fs)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestReflectDimensionConflict(t *testing.T) {
	vs := mod(Binding{Slot: 0, Kind: KindTexture, Dimension: gputypes.TextureViewDimension2D})
	fs := mod(Binding{Slot: 0, Kind: KindTexture, Dimension: gputypes.TextureViewDimensionCube})

	_, err := Reflect(vs, fs)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestReflectDeterministic(t *testing.T) {
	vs := mod(
		Binding{Slot: 5, Kind: KindUniformBuffer, MinSize: 160},
		Binding{Slot: 0, Kind: KindTexture, Dimension: gputypes.TextureViewDimension2D},
	)
	fs := mod(
		Binding{Slot: 1, Kind: KindSampler},
		Binding{Slot: 3, Kind: KindStorageBuffer},
	)

	a, err := Reflect(vs, fs)
	if err != nil {
		t.Fatalf("Reflect failed: %v", err)
	}
	b, err := Reflect(vs, fs)
	if err != nil {
		t.Fatalf("second Reflect failed: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical modules produced different fingerprints")
	}

	// Entries come out in ascending slot order regardless of declaration order.
	for i := 1; i < len(a.Entries); i++ {
		if a.Entries[i-1].Slot >= a.Entries[i].Slot {
			t.Fatalf("entries not sorted: %+v", a.Entries)
		}
	}
}

func TestReflectNilStages(t *testing.T) {
	layout, err := Reflect(nil, nil)
	if err != nil {
		t.Fatalf("Reflect(nil, nil) failed: %v", err)
	}
	if len(layout.Entries) != 0 {
		t.Errorf("got %d entries, want 0", len(layout.Entries))
	}
}

func TestHashIdentity(t *testing.T) {
	a := Hash("fn main() {}", "vs_main")
	b := Hash("fn main() {}", "vs_main")
	c := Hash("fn main() {}", "fs_main")
	d := Hash("fn other() {}", "vs_main")

	if a != b {
		t.Error("identical inputs hashed differently")
	}
	if a == c || a == d {
		t.Error("distinct inputs collided")
	}
}

func TestCountKind(t *testing.T) {
	l := Layout{Entries: []Binding{
		{Slot: 0, Kind: KindTexture},
		{Slot: 1, Kind: KindSampler},
		{Slot: 2, Kind: KindTexture},
	}}
	if n := l.CountKind(KindTexture); n != 2 {
		t.Errorf("CountKind(Texture) = %d, want 2", n)
	}
	if n := l.CountKind(KindUniformBuffer); n != 0 {
		t.Errorf("CountKind(UniformBuffer) = %d, want 0", n)
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindTexture, "Texture"},
		{KindSampler, "Sampler"},
		{KindUniformBuffer, "UniformBuffer"},
		{KindStorageBuffer, "StorageBuffer"},
		{Kind(99), "Unknown(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}
