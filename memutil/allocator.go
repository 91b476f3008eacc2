package memutil

import "unsafe"

// zeroSentinel is the byte whose address stands in for every zero-size
// allocation. It is never dereferenced.
var zeroSentinel byte

// ZeroSizePtr returns the shared sentinel pointer handed out for zero-size
// allocations. The pointer is valid and non-nil but must never be read from
// or written to.
func ZeroSizePtr() unsafe.Pointer {
	return unsafe.Pointer(&zeroSentinel)
}

// Allocator is the capability contract shared by every allocator in this
// module. Generic containers hold a single Allocator value and route all of
// their allocation traffic through it; the value is a capability reference
// bound to exactly one allocator instance, not an owner of that instance.
//
// Alignment arguments are always powers of two. A size of zero is legal:
// Allocate returns the shared sentinel from ZeroSizePtr, and the caller must
// pass size zero back to Deallocate for that pointer.
type Allocator interface {
	// Allocate returns a pointer to at least size bytes aligned to at least
	// alignment, or an error from the memutil taxonomy. It never returns a nil
	// pointer alongside a nil error.
	Allocate(size int, alignment uint) (unsafe.Pointer, error)
	// Deallocate releases an allocation made through this allocator. The size
	// and alignment must be exactly the values used at allocation time; the
	// interface promises no bookkeeping on the caller's behalf, and a
	// mismatched or repeated free is undefined behavior unless the
	// safety_checks build tag turns it into a detected fault.
	Deallocate(ptr unsafe.Pointer, size int, alignment uint)
}
