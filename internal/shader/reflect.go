package shader

import (
	"fmt"
	"sort"
	"strings"
)

// Layout is the ordered set of resource slots a pipeline requires,
// merged across its vertex and fragment stages. Entries are sorted by
// slot and immutable once derived.
type Layout struct {
	Entries []Binding
}

// Reflect merges the declared bindings of a vertex/fragment pair into a
// single layout. Bindings are deduplicated by slot; a slot declared by
// both stages must agree on kind (and, for textures, on dimension) or
// reflection fails and no pipeline can be built from the pair.
//
// Identical module pairs always produce an identical layout, which makes
// the layout fingerprint usable as part of a pipeline cache key.
func Reflect(vs, fs *Module) (Layout, error) {
	bySlot := make(map[uint32]Binding)

	merge := func(stage string, bindings []Binding) error {
		for _, b := range bindings {
			prev, ok := bySlot[b.Slot]
			if !ok {
				bySlot[b.Slot] = b
				continue
			}
			if prev.Kind != b.Kind {
				return fmt.Errorf("%w: slot %d declared as %s and %s (%s stage)",
					ErrConflict, b.Slot, prev.Kind, b.Kind, stage)
			}
			if b.Kind == KindTexture && prev.Dimension != b.Dimension {
				return fmt.Errorf("%w: slot %d texture dimension %d vs %d (%s stage)",
					ErrConflict, b.Slot, prev.Dimension, b.Dimension, stage)
			}
			// Stages may disagree on declared struct size when one
			// only reads a prefix; the larger requirement governs.
			if b.MinSize > prev.MinSize {
				prev.MinSize = b.MinSize
				bySlot[b.Slot] = prev
			}
		}
		return nil
	}

	if vs != nil {
		if err := merge("vertex", vs.Bindings); err != nil {
			return Layout{}, err
		}
	}
	if fs != nil {
		if err := merge("fragment", fs.Bindings); err != nil {
			return Layout{}, err
		}
	}

	entries := make([]Binding, 0, len(bySlot))
	for _, b := range bySlot {
		entries = append(entries, b)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slot < entries[j].Slot })

	return Layout{Entries: entries}, nil
}

// Fingerprint returns a canonical string form of the layout.
func (l Layout) Fingerprint() string {
	var sb strings.Builder
	for _, e := range l.Entries {
		fmt.Fprintf(&sb, "%d:%d:%d:%d;", e.Slot, int(e.Kind), int(e.Dimension), e.MinSize)
	}
	return sb.String()
}

// CountKind returns how many entries have the given kind.
func (l Layout) CountKind(k Kind) int {
	n := 0
	for _, e := range l.Entries {
		if e.Kind == k {
			n++
		}
	}
	return n
}
