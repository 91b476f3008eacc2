// Package arena provides a bump allocator that serves memory from reserved
// virtual memory regions and reclaims it only in bulk. Allocations are
// append-only across a chain of regions: previously returned memory never
// moves, and individual frees are no-ops.
package arena

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/substrate-rt/substrate/internal/utils"
	"github.com/substrate-rt/substrate/memutil"
	"github.com/substrate-rt/substrate/vmem"
)

const (
	// DefaultReserveSize is the address space reserved for the first region
	// when the consumer does not ask for a specific amount.
	DefaultReserveSize = 64 * 1024 * 1024

	// commitChunkSize is the granularity at which reserved memory is committed
	// as the cursor advances, to keep the commit syscall off the hot path.
	commitChunkSize = 64 * 1024
)

// Checkpoint is a snapshot of the arena cursor that the arena can later be
// rolled back to. Rolling back assumes every allocation made after the
// checkpoint is dead; the arena does not track outstanding references, so
// that is a caller obligation.
type Checkpoint struct {
	regionIndex int
	offset      int
}

// Arena is a bump allocator over a chain of vmem regions. The zero value is
// not usable; construct one with New or NewLocked.
//
// An Arena is single-owner by default: it must be confined to one goroutine
// or synchronized externally. NewLocked returns a variant that locks its
// cursor updates internally.
type Arena struct {
	regions     []*vmem.Region
	offset      int
	reserveSize int
	allocCount  int
	frozen      bool

	mutex utils.OptionalMutex
}

var _ memutil.Allocator = &Arena{}

// New creates an arena that will reserve reserveSize bytes of address space
// for its first region. The reservation itself is lazy: no address space is
// claimed until the first allocation. Pass 0 for DefaultReserveSize.
func New(reserveSize int) *Arena {
	if reserveSize <= 0 {
		reserveSize = DefaultReserveSize
	}
	return &Arena{
		reserveSize: reserveSize,
	}
}

// NewLocked creates an arena whose cursor updates are protected by an
// internal mutex, for arenas shared between goroutines. Pointers returned
// from it carry the same lifetime rules as the single-owner variant.
func NewLocked(reserveSize int) *Arena {
	a := New(reserveSize)
	a.mutex.UseMutex = true
	return a
}

// Allocate bumps the cursor to the next offset satisfying alignment and
// returns a pointer to size bytes. If the current region lacks room, more of
// the region is committed when reserved space remains; otherwise a new region
// at least twice the previous reservation (and at least size) is chained on.
// The arena never partially allocates and never moves existing data.
func (a *Arena) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, cerrors.Newf("invalid allocation size: %d", size)
	}
	if size == 0 {
		return memutil.ZeroSizePtr(), nil
	}
	err := memutil.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.frozen {
		return nil, cerrors.New("arena is frozen")
	}

	if len(a.regions) == 0 {
		err := a.pushRegion(a.reserveSize, size, alignment)
		if err != nil {
			return nil, err
		}
	}

	current := a.regions[len(a.regions)-1]
	aligned := a.alignedCursor(current, alignment)

	if aligned+size > current.ReservedSize() {
		err := a.pushRegion(current.ReservedSize()*2, size, alignment)
		if err != nil {
			return nil, err
		}
		current = a.regions[len(a.regions)-1]
		aligned = a.alignedCursor(current, alignment)
	}

	if aligned+size > current.CommittedSize() {
		commitEnd := memutil.AlignUp(aligned+size, commitChunkSize)
		if commitEnd > current.ReservedSize() {
			commitEnd = current.ReservedSize()
		}
		err := vmem.Commit(current, current.CommittedSize(), commitEnd-current.CommittedSize())
		if err != nil {
			return nil, err
		}
	}

	a.offset = aligned + size
	a.allocCount++
	return unsafe.Add(current.Base(), aligned), nil
}

// Deallocate is a no-op: arena memory is reclaimed only in bulk through
// Reset, Restore or Destroy. It exists to satisfy the memutil.Allocator
// contract.
func (a *Arena) Deallocate(ptr unsafe.Pointer, size int, alignment uint) {
}

// alignedCursor returns the cursor bumped to the next offset whose absolute
// address satisfies alignment. Region bases are only guaranteed page-aligned,
// so the alignment is applied to the address, not the offset.
func (a *Arena) alignedCursor(current *vmem.Region, alignment uint) int {
	base := int(uintptr(current.Base()))
	return memutil.AlignUp(base+a.offset, alignment) - base
}

// pushRegion reserves a new region of at least minSize bytes with an
// alignment-satisfying base and makes it the current region. Caller holds the
// mutex.
func (a *Arena) pushRegion(reserveSize, minSize int, alignment uint) error {
	if reserveSize < minSize {
		reserveSize = memutil.AlignUp(minSize, uint(vmem.PageSize()))
	}

	region, err := vmem.Reserve(reserveSize, alignment)
	if err != nil {
		return err
	}

	a.regions = append(a.regions, region)
	a.offset = 0
	return nil
}

// Reset rolls the cursor back to the start of the first region and drops the
// region chain back to one region. Every pointer previously returned from the
// arena becomes invalid. The first region stays reserved and committed for
// reuse; no zeroing is performed unless the safety_checks build tag poisons
// the reclaimed range.
func (a *Arena) Reset() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.restoreLocked(Checkpoint{})
	a.allocCount = 0
}

// Checkpoint snapshots the current cursor position.
func (a *Arena) Checkpoint() Checkpoint {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(a.regions) == 0 {
		return Checkpoint{}
	}
	return Checkpoint{
		regionIndex: len(a.regions) - 1,
		offset:      a.offset,
	}
}

// Restore rolls the cursor back to a checkpoint taken earlier, releasing any
// regions chained on after it. Allocations made after the checkpoint are
// invalid once Restore returns.
func (a *Arena) Restore(cp Checkpoint) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.restoreLocked(cp)
}

func (a *Arena) restoreLocked(cp Checkpoint) {
	if len(a.regions) == 0 {
		return
	}
	if cp.regionIndex >= len(a.regions) {
		panic("arena: restoring to a checkpoint taken after the current cursor")
	}

	for i := len(a.regions) - 1; i > cp.regionIndex; i-- {
		if err := vmem.Release(a.regions[i]); err != nil {
			panic(err)
		}
		a.regions[i] = nil
	}
	a.regions = a.regions[:cp.regionIndex+1]

	current := a.regions[cp.regionIndex]
	if reclaimed := current.CommittedSize() - cp.offset; reclaimed > 0 {
		memutil.PoisonRange(unsafe.Add(current.Base(), cp.offset), reclaimed)
	}
	a.offset = cp.offset
}

// WithScope snapshots the cursor, runs fn, and restores the cursor
// afterward, the moral equivalent of a stack frame. Any allocation that
// survives past the scope end is invalid as soon as fn returns; nothing
// enforces this, it is caller discipline.
func (a *Arena) WithScope(fn func()) {
	cp := a.Checkpoint()
	defer a.Restore(cp)
	fn()
}

// Freeze makes every committed byte of the arena read-only. Further
// allocation fails until Thaw is called. Platforms that cannot express the
// protection change surface memutil.ErrUnsupported; the error is never
// silently swallowed.
func (a *Arena) Freeze() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, region := range a.regions {
		if region.CommittedSize() == 0 {
			continue
		}
		err := vmem.Protect(region, vmem.ProtectRead)
		if err != nil {
			return err
		}
	}
	a.frozen = true
	return nil
}

// Thaw undoes Freeze, making the arena writable and allocatable again.
func (a *Arena) Thaw() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, region := range a.regions {
		if region.CommittedSize() == 0 {
			continue
		}
		err := vmem.Protect(region, vmem.ProtectReadWrite)
		if err != nil {
			return err
		}
	}
	a.frozen = false
	return nil
}

// AllocationCount returns the number of live allocations bump-allocated since
// the last Reset.
func (a *Arena) AllocationCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.allocCount
}

// AddStatistics sums this arena's region and allocation figures into stats.
func (a *Arena) AddStatistics(stats *memutil.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for i, region := range a.regions {
		stats.BlockCount++
		stats.BlockBytes += region.ReservedSize()
		if i == len(a.regions)-1 {
			stats.AllocationBytes += a.offset
		} else {
			stats.AllocationBytes += region.CommittedSize()
		}
	}
	stats.AllocationCount += a.allocCount
}

// Destroy releases every region owned by the arena. All pointers derived
// from the arena are invalid afterward. The arena must not be used again.
func (a *Arena) Destroy() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for i, region := range a.regions {
		if err := vmem.Release(region); err != nil {
			panic(err)
		}
		a.regions[i] = nil
	}
	a.regions = nil
	a.offset = 0
	a.allocCount = 0
	a.frozen = false
}
