package memutil

import "github.com/pkg/errors"

var (
	// ErrOutOfAddressSpace is the error returned when the operating system cannot
	// reserve a requested range of virtual address space
	ErrOutOfAddressSpace error = errors.New("out of address space")
	// ErrOutOfMemory is the error returned when committing reserved memory or
	// satisfying an allocation fails because no backing storage is available
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrUnsupported is the error returned when a protection mode or optional
	// feature is unavailable on the current platform
	ErrUnsupported error = errors.New("unsupported on this platform")
	// ErrSafetyViolation is the error used to report double frees, mismatched
	// frees and use-after-reset. It is only ever produced in builds with the
	// safety_checks build tag
	ErrSafetyViolation error = errors.New("allocator safety violation")

	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number
	// being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")
)
