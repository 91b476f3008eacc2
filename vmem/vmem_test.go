package vmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/substrate-rt/substrate/memutil"
	"github.com/substrate-rt/substrate/vmem"
)

func TestPageSize(t *testing.T) {
	pageSize := vmem.PageSize()
	require.Greater(t, pageSize, 0)
	require.NoError(t, memutil.CheckPow2(uint(pageSize), "page size"))
}

func TestReserveCommitRoundTrip(t *testing.T) {
	region, err := vmem.Reserve(vmem.PageSize()*4, 1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vmem.Release(region))
	}()

	require.Equal(t, vmem.PageSize()*4, region.ReservedSize())
	require.Equal(t, 0, region.CommittedSize())
	require.Equal(t, vmem.ProtectNone, region.Protection())

	err = vmem.Commit(region, 0, vmem.PageSize()*2)
	require.NoError(t, err)
	require.Equal(t, vmem.PageSize()*2, region.CommittedSize())
	require.Equal(t, vmem.ProtectReadWrite, region.Protection())

	// Committed memory is zeroed and usable.
	data := region.Bytes(0, vmem.PageSize()*2)
	for i := 0; i < len(data); i += vmem.PageSize() / 2 {
		require.Zero(t, data[i])
	}

	data[0] = 0xAB
	data[len(data)-1] = 0xCD
	again := region.Bytes(0, vmem.PageSize()*2)
	require.Equal(t, byte(0xAB), again[0])
	require.Equal(t, byte(0xCD), again[len(again)-1])
}

func TestReservePageRounding(t *testing.T) {
	region, err := vmem.Reserve(1, 1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vmem.Release(region))
	}()

	require.Equal(t, vmem.PageSize(), region.ReservedSize())
}

func TestReserveAligned(t *testing.T) {
	alignment := uint(vmem.PageSize() * 4)

	region, err := vmem.Reserve(vmem.PageSize(), alignment)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vmem.Release(region))
	}()

	require.Zero(t, uintptr(region.Base())%uintptr(alignment))
}

func TestReserveRejectsBadArguments(t *testing.T) {
	_, err := vmem.Reserve(0, 1)
	require.Error(t, err)

	_, err = vmem.Reserve(vmem.PageSize(), 3)
	require.Error(t, err)
}

func TestCommitGrowsIncrementally(t *testing.T) {
	region, err := vmem.Reserve(vmem.PageSize()*8, 1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vmem.Release(region))
	}()

	err = vmem.Commit(region, 0, vmem.PageSize())
	require.NoError(t, err)
	require.Equal(t, vmem.PageSize(), region.CommittedSize())

	err = vmem.Commit(region, vmem.PageSize(), vmem.PageSize()*3)
	require.NoError(t, err)
	require.Equal(t, vmem.PageSize()*4, region.CommittedSize())

	// Committing past the reservation fails.
	err = vmem.Commit(region, 0, vmem.PageSize()*16)
	require.Error(t, err)
}

func TestCommitRejectsGaps(t *testing.T) {
	region, err := vmem.Reserve(vmem.PageSize()*8, 1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vmem.Release(region))
	}()

	// A commit that would leave unbacked pages below it must fail, or the
	// committed prefix would cover pages that still fault on access.
	err = vmem.Commit(region, vmem.PageSize()*4, vmem.PageSize())
	require.Error(t, err)
	require.Equal(t, 0, region.CommittedSize())

	err = vmem.Commit(region, 0, vmem.PageSize()*2)
	require.NoError(t, err)

	err = vmem.Commit(region, vmem.PageSize()*4, vmem.PageSize())
	require.Error(t, err)
	require.Equal(t, vmem.PageSize()*2, region.CommittedSize())

	// Overlapping the committed prefix is fine; every byte under
	// CommittedSize stays backed.
	err = vmem.Commit(region, vmem.PageSize(), vmem.PageSize()*2)
	require.NoError(t, err)
	require.Equal(t, vmem.PageSize()*3, region.CommittedSize())

	data := region.Bytes(0, vmem.PageSize()*3)
	data[vmem.PageSize()*3-1] = 0x55
	require.Equal(t, byte(0x55), region.Bytes(0, vmem.PageSize()*3)[vmem.PageSize()*3-1])
}

func TestProtectToggle(t *testing.T) {
	region, err := vmem.Reserve(vmem.PageSize(), 1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vmem.Release(region))
	}()

	// Protecting an uncommitted region has nothing to protect.
	err = vmem.Protect(region, vmem.ProtectRead)
	require.ErrorIs(t, err, memutil.ErrUnsupported)

	err = vmem.Commit(region, 0, vmem.PageSize())
	require.NoError(t, err)

	data := region.Bytes(0, 8)
	data[0] = 0x42

	err = vmem.Protect(region, vmem.ProtectRead)
	require.NoError(t, err)
	require.Equal(t, vmem.ProtectRead, region.Protection())

	// Reads still work while read-only. A faulting write is not observable
	// in-process without crashing the test binary, so only the read path and
	// the round-trip back to writable are verified here.
	require.Equal(t, byte(0x42), region.Bytes(0, 8)[0])

	err = vmem.Protect(region, vmem.ProtectReadWrite)
	require.NoError(t, err)

	data[1] = 0x43
	require.Equal(t, byte(0x43), region.Bytes(0, 8)[1])
}

func TestBytesOutOfCommittedRangePanics(t *testing.T) {
	region, err := vmem.Reserve(vmem.PageSize()*2, 1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vmem.Release(region))
	}()

	err = vmem.Commit(region, 0, vmem.PageSize())
	require.NoError(t, err)

	require.Panics(t, func() {
		region.Bytes(0, vmem.PageSize()+1)
	})
}
