// Package binding assembles bind groups from loosely tracked per-name
// resource bindings, reconciling view dimensions and buffer classes so
// that only complete, layout-exact bind groups reach the device.
package binding

// Class is how a buffer is bound to a shader slot.
type Class int

const (
	// ClassUniform binds the buffer as a uniform buffer.
	ClassUniform Class = iota

	// ClassReadOnlyStorage binds the buffer as read-only storage.
	// Chosen when the buffer exceeds the device uniform-binding limit.
	// Never write-enabled: buffers routed here come from host uploads,
	// not compute outputs.
	ClassReadOnlyStorage
)

// String returns the string representation of Class.
func (c Class) String() string {
	if c == ClassUniform {
		return "Uniform"
	}
	return "ReadOnlyStorage"
}

// Classify decides how a buffer of the given size is bound, against the
// device's reported maximum uniform-binding size. Pure function: sizes at
// or below the limit bind as uniform, larger ones as read-only storage.
func Classify(size, uniformLimit uint64) Class {
	if size <= uniformLimit {
		return ClassUniform
	}
	return ClassReadOnlyStorage
}
