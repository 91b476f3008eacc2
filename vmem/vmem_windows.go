//go:build windows

package vmem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/substrate-rt/substrate/memutil"
	"golang.org/x/sys/windows"
)

// reserveAttempts bounds the aligned-reservation retry loop. VirtualAlloc
// cannot trim a reservation, so oversized alignments are satisfied by
// probing with an over-reservation and re-reserving at the aligned address.
const reserveAttempts = 8

func nativeReserve(size int, alignment uint) (view []byte, mapping []byte, err error) {
	page := uint(PageSize())
	if alignment <= page {
		addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
		if err != nil {
			return nil, nil, err
		}
		mapping = unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
		return mapping, mapping, nil
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		probe, err := windows.VirtualAlloc(0, uintptr(size+int(alignment)), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
		if err != nil {
			return nil, nil, err
		}

		aligned := uintptr(memutil.AlignUp(int(probe), alignment))
		if err := windows.VirtualFree(probe, 0, windows.MEM_RELEASE); err != nil {
			return nil, nil, err
		}

		addr, err := windows.VirtualAlloc(aligned, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
		if err == nil {
			mapping = unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
			return mapping, mapping, nil
		}
		// Another thread took the range between the free and the re-reserve.
	}

	return nil, nil, cerrors.Newf("could not place an aligned reservation after %d attempts", reserveAttempts)
}

func nativeCommit(data []byte) error {
	_, err := windows.VirtualAlloc(
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		windows.MEM_COMMIT,
		windows.PAGE_READWRITE,
	)
	return err
}

func nativeProtect(data []byte, mode Protection) error {
	var prot uint32
	switch mode {
	case ProtectNone:
		prot = windows.PAGE_NOACCESS
	case ProtectRead:
		prot = windows.PAGE_READONLY
	case ProtectReadWrite:
		prot = windows.PAGE_READWRITE
	case ProtectReadExec:
		prot = windows.PAGE_EXECUTE_READ
	default:
		return cerrors.Wrapf(memutil.ErrUnsupported, "unknown protection mode %d", mode)
	}

	var oldProt uint32
	err := windows.VirtualProtect(
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		prot,
		&oldProt,
	)
	if err != nil {
		return cerrors.Wrapf(memutil.ErrUnsupported, "VirtualProtect to %s: %v", mode, err)
	}
	return nil
}

func nativeRelease(data []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&data[0])), 0, windows.MEM_RELEASE)
}
