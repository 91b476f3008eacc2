//go:build !safety_checks

package memutil

import "unsafe"

const (
	// SafetyChecksEnabled reports whether this build carries the redundant
	// allocator bookkeeping enabled by the safety_checks build tag
	SafetyChecksEnabled = false

	// DebugMargin is the number of bytes of debug data placed between
	// allocations in blocks managed by the heap allocator
	DebugMargin int = 0
)

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still
// present. It returns true if the value is still present and false otherwise.
// This method always returns true unless the safety_checks build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at the
// provided pointer and offset. This method no-ops unless the safety_checks build tag
// is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// PoisonRange overwrites size bytes at ptr with a recognizable fill pattern.
// This method no-ops unless the safety_checks build tag is present.
func PoisonRange(ptr unsafe.Pointer, size int) {
}

// DebugValidate will call Validate on the provided object and panics if any errors
// are returned. This method no-ops unless the safety_checks build tag is present.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two,
// and panics if it is not. This method no-ops unless the safety_checks build tag
// is present.
func DebugCheckPow2[T Number](value T, name string) {
}
