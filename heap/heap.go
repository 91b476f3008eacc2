// Package heap provides a general-purpose allocator for arbitrary-lifetime,
// arbitrary-size allocations. Backing storage comes from fully committed vmem
// regions carved up by two-level segregated fit metadata; the structure is
// protected by a single internal lock, so concurrent allocate and free calls
// from multiple goroutines need no external synchronization.
package heap

import (
	"io"
	"strconv"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/substrate-rt/substrate/internal/utils"
	"github.com/substrate-rt/substrate/memutil"
	"github.com/substrate-rt/substrate/vmem"
	"golang.org/x/exp/slog"
)

const (
	// DefaultPreferredBlockSize is the committed size of new heap blocks when
	// CreateOptions does not override it.
	DefaultPreferredBlockSize = 1024 * 1024

	// maxBlockSize caps the doubling of block sizes as the heap grows.
	maxBlockSize = 64 * 1024 * 1024
)

// CreateOptions adjusts the behavior of a new Heap.
type CreateOptions struct {
	// PreferredBlockSize is the committed size of the blocks backing ordinary
	// allocations. 0 means DefaultPreferredBlockSize. Requests too large for a
	// preferred-size block get a dedicated block of their own.
	PreferredBlockSize int
	// Logger receives leak reports and diagnostic output. nil discards logs.
	Logger *slog.Logger
	// DisableInternalLocking removes the internal mutex for consumers that
	// confine the heap to a single goroutine. The default (false) is safe for
	// concurrent use.
	DisableInternalLocking bool
}

// liveAllocation records everything the heap needs to route a Deallocate
// call back to the owning block, plus the size and alignment the caller is
// contractually required to repeat.
type liveAllocation struct {
	block     *memoryBlock
	handle    AllocationHandle
	size      int
	alignment uint
}

// Heap is a thread-safe general-purpose allocator. It owns every block it
// hands out until a matched Deallocate call; Destroy reports anything still
// live as a leak.
type Heap struct {
	logger             *slog.Logger
	preferredBlockSize int
	nextBlockSize      int

	mutex       utils.OptionalRWMutex
	blocks      []*memoryBlock
	nextBlockID int
	live        *swiss.Map[uintptr, liveAllocation]
}

var _ memutil.Allocator = &Heap{}

// New creates an empty heap. No memory is reserved until the first
// allocation.
func New(options CreateOptions) (*Heap, error) {
	blockSize := options.PreferredBlockSize
	if blockSize == 0 {
		blockSize = DefaultPreferredBlockSize
	}
	if blockSize < vmem.PageSize() {
		return nil, cerrors.Newf("preferred block size %d is smaller than the page size %d", blockSize, vmem.PageSize())
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	return &Heap{
		logger:             logger,
		preferredBlockSize: blockSize,
		nextBlockSize:      blockSize,
		live:               swiss.NewMap[uintptr, liveAllocation](42),
		mutex: utils.OptionalRWMutex{
			UseMutex: !options.DisableInternalLocking,
		},
	}, nil
}

// Allocate returns a pointer to size bytes aligned to alignment. It walks the
// existing blocks for a fitting free region; when none fits it chains on a
// new block, sized by a doubling schedule or dedicated to the request if the
// request is oversized. Fails with memutil.ErrOutOfMemory or
// memutil.ErrOutOfAddressSpace when the operating system cannot back a new
// block.
func (h *Heap) Allocate(size int, alignment uint) (unsafe.Pointer, error) {
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

	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.allocateLocked(size, alignment)
}

func (h *Heap) allocateLocked(size int, alignment uint) (unsafe.Pointer, error) {
	for _, block := range h.blocks {
		// Offsets are aligned relative to the block base, so a base that is
		// not itself aligned to the request can never produce an aligned
		// pointer. Only matters above the page size.
		if uintptr(block.region.Base())%uintptr(alignment) != 0 {
			continue
		}
		success, request, err := block.metadata.createAllocationRequest(size, alignment)
		if err != nil {
			return nil, err
		}
		if success {
			return h.commitRequest(block, request, alignment)
		}
	}

	// No existing block can take the request, chain on a new one.
	required := size + 2*memutil.DebugMargin + int(alignment)
	blockSize := h.nextBlockSize
	if required > blockSize {
		// Dedicated block for an oversized request.
		blockSize = required
	} else if h.nextBlockSize < maxBlockSize {
		h.nextBlockSize *= 2
	}

	block, err := newMemoryBlock(h.logger, h.nextBlockID, blockSize, alignment)
	if err != nil {
		return nil, err
	}
	h.nextBlockID++
	h.blocks = append(h.blocks, block)

	success, request, err := block.metadata.createAllocationRequest(size, alignment)
	if err != nil {
		return nil, err
	}
	if !success {
		panic("a freshly created block rejected the allocation it was sized for")
	}

	return h.commitRequest(block, request, alignment)
}

func (h *Heap) commitRequest(block *memoryBlock, request allocRequest, alignment uint) (unsafe.Pointer, error) {
	err := block.metadata.alloc(request)
	if err != nil {
		return nil, err
	}

	ptr := block.ptrAt(request.alignedOffset)
	h.live.Put(uintptr(ptr), liveAllocation{
		block:     block,
		handle:    request.handle,
		size:      request.size,
		alignment: alignment,
	})

	if memutil.DebugMargin > 0 {
		memutil.WriteMagicValue(block.region.Base(), request.alignedOffset+request.size)
	}

	return ptr, nil
}

// Deallocate releases an allocation. size and alignment must exactly match
// the values the allocation was made with; in safety_checks builds a
// mismatch, a double free, or a trampled debug margin panics with
// memutil.ErrSafetyViolation.
func (h *Heap) Deallocate(ptr unsafe.Pointer, size int, alignment uint) {
	if ptr == memutil.ZeroSizePtr() {
		if memutil.SafetyChecksEnabled && size != 0 {
			panic(cerrors.Wrapf(memutil.ErrSafetyViolation, "zero-size sentinel freed with size %d", size))
		}
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.deallocateLocked(ptr, size, alignment)
}

func (h *Heap) deallocateLocked(ptr unsafe.Pointer, size int, alignment uint) {
	info, ok := h.live.Get(uintptr(ptr))
	if !ok {
		panic(cerrors.Wrapf(memutil.ErrSafetyViolation, "freeing %p, which is not a live allocation of this heap (double free or foreign pointer)", ptr))
	}

	if memutil.SafetyChecksEnabled {
		if size != info.size {
			panic(cerrors.Wrapf(memutil.ErrSafetyViolation, "freeing %p with size %d, but it was allocated with size %d", ptr, size, info.size))
		}
		if alignment != info.alignment {
			panic(cerrors.Wrapf(memutil.ErrSafetyViolation, "freeing %p with alignment %d, but it was allocated with alignment %d", ptr, alignment, info.alignment))
		}
		offset, err := info.block.metadata.allocationOffset(info.handle)
		if err != nil {
			panic(err)
		}
		if !memutil.ValidateMagicValue(info.block.region.Base(), offset+info.size) {
			panic(cerrors.Wrapf(memutil.ErrSafetyViolation, "memory corruption detected after allocation %p", ptr))
		}
	}

	memutil.PoisonRange(ptr, info.size)

	err := info.block.metadata.free(info.handle)
	if err != nil {
		panic(err)
	}
	h.live.Delete(uintptr(ptr))

	// Return fully empty blocks to the OS, keeping one around for reuse.
	if info.block.metadata.IsEmpty() && len(h.blocks) > 1 {
		h.removeBlock(info.block)
	}
}

func (h *Heap) removeBlock(block *memoryBlock) {
	for i, candidate := range h.blocks {
		if candidate == block {
			h.blocks = append(h.blocks[:i], h.blocks[i+1:]...)
			err := block.destroy()
			if err != nil {
				panic(err)
			}
			return
		}
	}

	panic("attempting to remove a block that is not part of this heap")
}

// Grow resizes an allocation upward. The returned pointer may differ from
// ptr; the heap copies the surviving oldSize bytes itself before releasing
// the old range, so callers only need to adopt the new pointer. In-place
// growth is not guaranteed for any size class.
func (h *Heap) Grow(ptr unsafe.Pointer, oldSize int, oldAlignment uint, newSize int) (unsafe.Pointer, error) {
	if newSize < oldSize {
		return nil, cerrors.Newf("grow called with a shrinking size: %d -> %d", oldSize, newSize)
	}

	return h.relocate(ptr, oldSize, oldAlignment, newSize, oldSize)
}

// Shrink resizes an allocation downward, releasing the excess. The returned
// pointer may differ from ptr; the first newSize bytes survive the move.
// Shrinking to zero releases the allocation and returns the zero-size
// sentinel.
func (h *Heap) Shrink(ptr unsafe.Pointer, oldSize int, oldAlignment uint, newSize int) (unsafe.Pointer, error) {
	if newSize > oldSize {
		return nil, cerrors.Newf("shrink called with a growing size: %d -> %d", oldSize, newSize)
	}

	return h.relocate(ptr, oldSize, oldAlignment, newSize, newSize)
}

func (h *Heap) relocate(ptr unsafe.Pointer, oldSize int, oldAlignment uint, newSize int, copySize int) (unsafe.Pointer, error) {
	if newSize == oldSize {
		return ptr, nil
	}

	if oldSize == 0 {
		return h.Allocate(newSize, oldAlignment)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if newSize == 0 {
		h.deallocateLocked(ptr, oldSize, oldAlignment)
		return memutil.ZeroSizePtr(), nil
	}

	newPtr, err := h.allocateLocked(newSize, oldAlignment)
	if err != nil {
		return nil, err
	}

	copy(
		unsafe.Slice((*byte)(newPtr), copySize),
		unsafe.Slice((*byte)(ptr), copySize),
	)

	h.deallocateLocked(ptr, oldSize, oldAlignment)
	return newPtr, nil
}

// AllocationCount returns the number of live allocations across all blocks.
func (h *Heap) AllocationCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.live.Count()
}

// Validate runs consistency checks across every block.
func (h *Heap) Validate() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, block := range h.blocks {
		err := block.validate()
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckCorruption verifies the debug margins of every live allocation. Only
// meaningful in safety_checks builds; without the tag it cannot fail.
func (h *Heap) CheckCorruption() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, block := range h.blocks {
		err := block.checkCorruption()
		if err != nil {
			return err
		}
	}
	return nil
}

// AddStatistics sums the heap's block and allocation figures into stats.
func (h *Heap) AddStatistics(stats *memutil.Statistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, block := range h.blocks {
		block.metadata.addStatistics(stats)
	}
}

// AddDetailedStatistics sums the heap's per-region figures into stats.
func (h *Heap) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, block := range h.blocks {
		block.metadata.addDetailedStatistics(stats)
	}
}

// BuildStatsString renders a JSON description of every block and
// suballocation in the heap, for diagnostics.
func (h *Heap) BuildStatsString() ([]byte, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	var stats memutil.DetailedStatistics
	stats.Clear()
	for _, block := range h.blocks {
		block.metadata.addDetailedStatistics(&stats)
	}

	general := objState.Name("General").Object()
	general.Name("BlockCount").Int(stats.BlockCount)
	general.Name("BlockBytes").Int(stats.BlockBytes)
	general.Name("AllocationCount").Int(stats.AllocationCount)
	general.Name("AllocationBytes").Int(stats.AllocationBytes)
	general.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	general.End()

	blocksObj := objState.Name("Blocks").Object()
	for _, block := range h.blocks {
		blockObj := blocksObj.Name(strconv.Itoa(block.id)).Object()
		blockObj.Name("TotalBytes").Int(block.metadata.Size())
		blockObj.Name("UnusedBytes").Int(block.metadata.SumFreeSize())
		blockObj.Name("Allocations").Int(block.metadata.AllocationCount())

		arrayState := blockObj.Name("Suballocations").Array()
		_ = block.metadata.visitAllRegions(func(handle AllocationHandle, offset int, size int, free bool) error {
			suballoc := arrayState.Object()
			suballoc.Name("Offset").Int(offset)
			suballoc.Name("Size").Int(size)
			suballoc.Name("Free").Bool(free)
			suballoc.End()
			return nil
		})
		arrayState.End()

		blockObj.End()
	}
	blocksObj.End()

	objState.End()
	return writer.Bytes(), writer.Error()
}

// Destroy logs every leaked allocation, releases all blocks, and returns an
// error if any allocation was still live. The heap must not be used again.
func (h *Heap) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var leakErr error
	for _, block := range h.blocks {
		err := block.destroy()
		if err != nil && leakErr == nil {
			leakErr = err
		}
	}

	h.blocks = nil
	h.live = swiss.NewMap[uintptr, liveAllocation](42)
	h.nextBlockSize = h.preferredBlockSize
	return leakErr
}
