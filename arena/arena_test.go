package arena_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/substrate-rt/substrate/arena"
	"github.com/substrate-rt/substrate/memutil"
	"github.com/substrate-rt/substrate/vmem"
)

type allocation struct {
	start uintptr
	size  int
}

func requireNoOverlap(t *testing.T, allocations []allocation) {
	t.Helper()

	for i := 0; i < len(allocations); i++ {
		for j := i + 1; j < len(allocations); j++ {
			a, b := allocations[i], allocations[j]
			if a.start < b.start+uintptr(b.size) && b.start < a.start+uintptr(a.size) {
				t.Fatalf("allocations overlap: [%#x, %#x) and [%#x, %#x)",
					a.start, a.start+uintptr(a.size), b.start, b.start+uintptr(b.size))
			}
		}
	}
}

func TestArenaSequentialAllocations(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	sizes := []int{1, 7, 64, 129, 4096, 3, 512}
	alignments := []uint{1, 8, 16, 64, 4096, 2, 32}

	var live []allocation
	var firstPtr unsafe.Pointer
	for i := range sizes {
		ptr, err := a.Allocate(sizes[i], alignments[i])
		require.NoError(t, err)
		require.NotNil(t, ptr)
		require.Zero(t, uintptr(ptr)%uintptr(alignments[i]),
			"allocation %d is not aligned to %d", i, alignments[i])

		// Every byte is writable without touching a neighbor.
		data := unsafe.Slice((*byte)(ptr), sizes[i])
		for j := range data {
			data[j] = byte(i)
		}

		if i == 0 {
			firstPtr = ptr
		}
		live = append(live, allocation{start: uintptr(ptr), size: sizes[i]})
	}

	requireNoOverlap(t, live)
	require.Equal(t, len(sizes), a.AllocationCount())

	// The data written first is still intact after later allocations.
	first := unsafe.Slice((*byte)(firstPtr), live[0].size)
	for _, b := range first {
		require.Equal(t, byte(0), b)
	}
}

func TestArenaZeroSize(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	ptr, err := a.Allocate(0, 1)
	require.NoError(t, err)
	require.Equal(t, memutil.ZeroSizePtr(), ptr)

	a.Deallocate(ptr, 0, 1)
}

func TestArenaRejectsBadAlignment(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	_, err := a.Allocate(16, 0)
	require.Error(t, err)

	_, err = a.Allocate(16, 3)
	require.Error(t, err)

	_, err = a.Allocate(-1, 1)
	require.Error(t, err)
}

func TestArenaHonorsAlignmentsAbovePageSize(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	// Region bases are only page-aligned by themselves, so an alignment above
	// the page size has to be satisfied against the absolute address.
	alignment := uint(1 << 21)
	ptr, err := a.Allocate(64, alignment)
	require.NoError(t, err)
	require.Zero(t, uintptr(ptr)%uintptr(alignment))

	// Interleave an unaligned bump, then ask again.
	_, err = a.Allocate(3, 1)
	require.NoError(t, err)

	ptr2, err := a.Allocate(64, alignment)
	require.NoError(t, err)
	require.Zero(t, uintptr(ptr2)%uintptr(alignment))
	require.NotEqual(t, ptr, ptr2)

	requireNoOverlap(t, []allocation{
		{start: uintptr(ptr), size: 64},
		{start: uintptr(ptr2), size: 64},
	})
}

func TestArenaResetDeterminism(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	record := func() []uintptr {
		var ptrs []uintptr
		for i := 0; i < 100; i++ {
			ptr, err := a.Allocate(48, 16)
			require.NoError(t, err)
			ptrs = append(ptrs, uintptr(ptr))
		}
		return ptrs
	}

	before := record()
	a.Reset()
	require.Zero(t, a.AllocationCount())
	after := record()

	// Identical request sequences after a reset produce identical offsets.
	require.Equal(t, before, after)
}

func TestArenaGrowsAcrossRegions(t *testing.T) {
	reserveSize := vmem.PageSize() * 2
	a := arena.New(reserveSize)
	defer a.Destroy()

	var live []allocation
	for i := 0; i < 64; i++ {
		ptr, err := a.Allocate(vmem.PageSize()/4, 8)
		require.NoError(t, err)
		live = append(live, allocation{start: uintptr(ptr), size: vmem.PageSize() / 4})
	}

	requireNoOverlap(t, live)
}

func TestArenaOversizedRequest(t *testing.T) {
	a := arena.New(vmem.PageSize())
	defer a.Destroy()

	// Larger than the region reservation: a dedicated region is chained on.
	big := vmem.PageSize() * 32
	ptr, err := a.Allocate(big, 8)
	require.NoError(t, err)

	data := unsafe.Slice((*byte)(ptr), big)
	data[0] = 1
	data[big-1] = 1
}

func TestArenaCheckpointRestore(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	ptr1, err := a.Allocate(100, 8)
	require.NoError(t, err)

	cp := a.Checkpoint()

	ptr2, err := a.Allocate(100, 8)
	require.NoError(t, err)

	a.Restore(cp)

	// The cursor rolled back: the next allocation reuses ptr2's space, while
	// ptr1 stays untouched.
	ptr3, err := a.Allocate(100, 8)
	require.NoError(t, err)
	require.Equal(t, uintptr(ptr2), uintptr(ptr3))
	require.NotEqual(t, uintptr(ptr1), uintptr(ptr3))
}

func TestArenaWithScope(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	_, err := a.Allocate(64, 8)
	require.NoError(t, err)
	cursorBefore := a.Checkpoint()

	var scoped unsafe.Pointer
	a.WithScope(func() {
		var err error
		scoped, err = a.Allocate(256, 8)
		require.NoError(t, err)
	})

	require.Equal(t, cursorBefore, a.Checkpoint())

	// The scope's memory is reused by the next allocation.
	next, err := a.Allocate(256, 8)
	require.NoError(t, err)
	require.Equal(t, uintptr(scoped), uintptr(next))
}

func TestArenaFreezeThaw(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	ptr, err := a.Allocate(64, 8)
	require.NoError(t, err)
	data := unsafe.Slice((*byte)(ptr), 64)
	data[0] = 0x7F

	require.NoError(t, a.Freeze())

	// Frozen arenas refuse new allocations but stay readable.
	_, err = a.Allocate(16, 8)
	require.Error(t, err)
	require.Equal(t, byte(0x7F), data[0])

	require.NoError(t, a.Thaw())

	_, err = a.Allocate(16, 8)
	require.NoError(t, err)
	data[1] = 0x11
}

func TestArenaLockedVariant(t *testing.T) {
	a := arena.NewLocked(0)
	defer a.Destroy()

	done := make(chan []allocation, 8)
	for g := 0; g < 8; g++ {
		go func() {
			var local []allocation
			for i := 0; i < 200; i++ {
				ptr, err := a.Allocate(32, 8)
				if err != nil {
					t.Error(err)
					break
				}
				local = append(local, allocation{start: uintptr(ptr), size: 32})
			}
			done <- local
		}()
	}

	var all []allocation
	for g := 0; g < 8; g++ {
		all = append(all, <-done...)
	}

	requireNoOverlap(t, all)
	require.Equal(t, 1600, a.AllocationCount())
}

func TestArenaStatistics(t *testing.T) {
	a := arena.New(0)
	defer a.Destroy()

	_, err := a.Allocate(100, 4)
	require.NoError(t, err)
	_, err = a.Allocate(100, 4)
	require.NoError(t, err)

	var stats memutil.Statistics
	a.AddStatistics(&stats)

	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 2, stats.AllocationCount)
	require.GreaterOrEqual(t, stats.AllocationBytes, 200)
}
