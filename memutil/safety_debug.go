//go:build safety_checks

package memutil

import "unsafe"

const (
	// SafetyChecksEnabled reports whether this build carries the redundant
	// allocator bookkeeping enabled by the safety_checks build tag
	SafetyChecksEnabled = true

	// DebugMargin is the number of bytes of debug data placed between
	// allocations in blocks managed by the heap allocator
	DebugMargin int = 16

	// poisonByte is written over freed or reset memory so that stale reads are
	// easy to spot in a debugger
	poisonByte byte = 0xDD

	// corruptionDetectionMagicValue is a 4-byte pattern copied into the debug
	// margin that follows every heap allocation
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at the
// provided pointer and offset. This method no-ops unless the safety_checks build tag
// is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
	dest := unsafe.Add(data, offset)
	marginSize := DebugMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		*(*uint32)(dest) = corruptionDetectionMagicValue
		dest = unsafe.Add(dest, unsafe.Sizeof(uint32(0)))
	}
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still
// present. It returns true if the value is still present and false otherwise.
// This method always returns true unless the safety_checks build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	source := unsafe.Add(data, offset)
	marginSize := DebugMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		value := (*uint32)(source)
		if *value != corruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, unsafe.Sizeof(uint32(0)))
	}

	return true
}

// PoisonRange overwrites size bytes at ptr with a recognizable fill pattern.
// This method no-ops unless the safety_checks build tag is present.
func PoisonRange(ptr unsafe.Pointer, size int) {
	fill := unsafe.Slice((*byte)(ptr), size)
	for i := range fill {
		fill[i] = poisonByte
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors
// are returned. This method no-ops unless the safety_checks build tag is present.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two,
// and panics if it is not. This method no-ops unless the safety_checks build tag
// is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
