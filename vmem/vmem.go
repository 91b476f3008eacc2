// Package vmem is a thin, platform-abstracted wrapper around the operating
// system's virtual memory primitives. It deals in page-granular address
// ranges that are reserved first and committed to physical storage later,
// which lets the allocators built on top of it claim large contiguous ranges
// cheaply and grow their committed footprint incrementally.
package vmem

import (
	"os"
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/substrate-rt/substrate/memutil"
)

// Protection describes the access mode of a committed range of memory.
type Protection uint32

const (
	// ProtectNone makes the range inaccessible; reads and writes fault
	ProtectNone Protection = iota
	// ProtectRead makes the range read-only
	ProtectRead
	// ProtectReadWrite makes the range readable and writable
	ProtectReadWrite
	// ProtectReadExec makes the range readable and executable
	ProtectReadExec
)

var protectionMapping = map[Protection]string{
	ProtectNone:      "ProtectNone",
	ProtectRead:      "ProtectRead",
	ProtectReadWrite: "ProtectReadWrite",
	ProtectReadExec:  "ProtectReadExec",
}

func (p Protection) String() string {
	return protectionMapping[p]
}

// Region is a single reserved range of the process address space. A Region is
// owned exclusively by whichever allocator reserved it until Release is
// called; the committed prefix never exceeds the reserved size and the base
// address is always page-aligned. Protection changes only go through Protect.
type Region struct {
	data []byte
	// mapping is the slice the OS handed out. It equals data except for
	// reservations with an alignment above the page size, where data is an
	// aligned view into a larger mapping.
	mapping   []byte
	committed int
	prot      Protection
}

// Base returns a pointer to the first byte of the reserved range.
func (r *Region) Base() unsafe.Pointer {
	return unsafe.Pointer(&r.data[0])
}

// ReservedSize returns the page-rounded number of reserved bytes.
func (r *Region) ReservedSize() int {
	return len(r.data)
}

// CommittedSize returns the number of bytes currently backed by physical or
// swap storage, measured from the base of the region.
func (r *Region) CommittedSize() int {
	return r.committed
}

// Protection returns the current protection mode of the committed prefix.
func (r *Region) Protection() Protection {
	return r.prot
}

// Bytes returns a view of a sub-range of the committed prefix. The caller
// must not retain the slice across a Release of the region. Requesting bytes
// outside the committed prefix is a caller bug and panics.
func (r *Region) Bytes(offset, size int) []byte {
	if offset < 0 || size < 0 || offset+size > r.committed {
		panic("vmem: byte range outside the committed prefix of the region")
	}
	return r.data[offset : offset+size]
}

var (
	pageSizeOnce sync.Once
	pageSize     int
)

// PageSize returns the host page size. The value is loaded once and cached.
func PageSize() int {
	pageSizeOnce.Do(func() {
		pageSize = os.Getpagesize()
	})
	return pageSize
}

// Reserve claims a page-rounded range of the process address space without
// committing any physical storage. alignment must be a power of two; requests
// above the page size are honored by over-reserving and exposing an aligned
// view. Fails with memutil.ErrOutOfAddressSpace when the operating system
// cannot supply the range.
func Reserve(size int, alignment uint) (*Region, error) {
	if size < 1 {
		return nil, cerrors.Newf("invalid reservation size: %d", size)
	}
	err := memutil.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	page := PageSize()
	size = memutil.AlignUp(size, uint(page))
	if alignment < uint(page) {
		alignment = uint(page)
	}

	data, mapping, err := nativeReserve(size, alignment)
	if err != nil {
		return nil, cerrors.Wrapf(memutil.ErrOutOfAddressSpace, "reserving %d bytes: %v", size, err)
	}

	return &Region{
		data:    data,
		mapping: mapping,
		prot:    ProtectNone,
	}, nil
}

// Commit backs a sub-range of a reserved region with physical storage. The
// range is widened to page boundaries and must lie within the reserved
// bounds. The committed prefix only grows contiguously: a range that would
// leave an uncommitted gap below it is rejected, so every byte under
// CommittedSize is always backed. Committed memory is zero-filled by the
// operating system. Fails with memutil.ErrOutOfMemory when backing storage
// cannot be supplied.
func Commit(r *Region, offset, size int) error {
	if offset < 0 || size < 1 || offset+size > len(r.data) {
		return cerrors.Newf("commit range [%d, %d) lies outside the reserved bounds [0, %d)", offset, offset+size, len(r.data))
	}

	page := uint(PageSize())
	start := memutil.AlignDown(offset, page)
	end := memutil.AlignUp(offset+size, page)

	if start > r.committed {
		return cerrors.Newf("commit range [%d, %d) leaves an uncommitted gap above the committed prefix [0, %d)", start, end, r.committed)
	}

	err := nativeCommit(r.data[start:end])
	if err != nil {
		return cerrors.Wrapf(memutil.ErrOutOfMemory, "committing %d bytes at offset %d: %v", end-start, start, err)
	}

	if end > r.committed {
		r.committed = end
	}
	r.prot = ProtectReadWrite
	return nil
}

// Protect changes the protection mode of the region's committed prefix.
// Modes the platform cannot express fail with memutil.ErrUnsupported and the
// region keeps its previous protection.
func Protect(r *Region, mode Protection) error {
	if r.committed == 0 {
		return cerrors.Wrapf(memutil.ErrUnsupported, "region has no committed memory to protect")
	}

	err := nativeProtect(r.data[:r.committed], mode)
	if err != nil {
		return err
	}

	r.prot = mode
	return nil
}

// Release unmaps the entire region, reserved and committed alike. All
// pointers derived from the region become invalid. Calling Release twice on
// the same region is undefined behavior; ownership must be tracked by the
// caller.
func Release(r *Region) error {
	err := nativeRelease(r.mapping)
	r.data = nil
	r.mapping = nil
	r.committed = 0
	return err
}
