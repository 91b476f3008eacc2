//go:build unix

package vmem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/substrate-rt/substrate/memutil"
	"golang.org/x/sys/unix"
)

// nativeReserve claims size bytes of address space with no access rights and
// no physical backing. Oversized alignments are satisfied by over-reserving
// and returning an aligned view into the mapping; Munmap only accepts the
// exact slice Mmap returned, so the surrounding slack stays reserved until
// the whole mapping is released. Reserved-but-never-committed pages cost
// address space only.
func nativeReserve(size int, alignment uint) (view []byte, mapping []byte, err error) {
	page := uint(PageSize())
	if alignment <= page {
		mapping, err = unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
		return mapping, mapping, err
	}

	mapping, err = unix.Mmap(-1, 0, size+int(alignment), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}

	base := uintptr(unsafe.Pointer(&mapping[0]))
	head := memutil.AlignUp(int(base), alignment) - int(base)
	return mapping[head : head+size : head+size], mapping, nil
}

func nativeCommit(data []byte) error {
	// MAP_ANON pages are already zeroed; committing is just granting access.
	// First-touch faults in the physical pages.
	return unix.Mprotect(data, unix.PROT_READ|unix.PROT_WRITE)
}

func nativeProtect(data []byte, mode Protection) error {
	var prot int
	switch mode {
	case ProtectNone:
		prot = unix.PROT_NONE
	case ProtectRead:
		prot = unix.PROT_READ
	case ProtectReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	case ProtectReadExec:
		prot = unix.PROT_READ | unix.PROT_EXEC
	default:
		return cerrors.Wrapf(memutil.ErrUnsupported, "unknown protection mode %d", mode)
	}

	err := unix.Mprotect(data, prot)
	if err != nil {
		return cerrors.Wrapf(memutil.ErrUnsupported, "mprotect to %s: %v", mode, err)
	}
	return nil
}

func nativeRelease(data []byte) error {
	return unix.Munmap(data)
}
