package heap

import (
	"context"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/substrate-rt/substrate/vmem"
	"golang.org/x/exp/slog"
)

// memoryBlock is one vmem region carved up by TLSF metadata. Blocks are
// created fully committed; the incremental reserve/commit dance is the
// arena's concern, while the heap trades a larger committed footprint for
// constant-time access to any offset.
type memoryBlock struct {
	id       int
	region   *vmem.Region
	metadata *tlsfMetadata
	logger   *slog.Logger
}

// newMemoryBlock reserves and fully commits a block. alignment is the largest
// allocation alignment the block must serve; TLSF aligns offsets relative to
// the block base, so an aligned base is what makes the absolute pointers
// aligned too.
func newMemoryBlock(logger *slog.Logger, id int, size int, alignment uint) (*memoryBlock, error) {
	region, err := vmem.Reserve(size, alignment)
	if err != nil {
		return nil, err
	}

	err = vmem.Commit(region, 0, region.ReservedSize())
	if err != nil {
		releaseErr := vmem.Release(region)
		if releaseErr != nil {
			panic(releaseErr)
		}
		return nil, err
	}

	return &memoryBlock{
		id:       id,
		region:   region,
		metadata: newTLSFMetadata(region.CommittedSize()),
		logger:   logger,
	}, nil
}

func (b *memoryBlock) ptrAt(offset int) unsafe.Pointer {
	return unsafe.Add(b.region.Base(), offset)
}

// destroy logs every allocation still live in the block, then releases the
// backing region either way. It returns an error when live allocations were
// found, since that means the consumer leaked memory.
func (b *memoryBlock) destroy() error {
	var leaked bool
	if !b.metadata.IsEmpty() {
		leaked = true
		err := b.metadata.visitAllRegions(func(handle AllocationHandle, offset int, size int, free bool) error {
			if free {
				return nil
			}

			b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Int("block", b.id),
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}
	}

	if b.region == nil {
		panic("attempting to destroy a memory block that has no backing region")
	}

	err := vmem.Release(b.region)
	b.region = nil
	b.metadata = nil
	if err != nil {
		return err
	}

	if leaked {
		return errors.Errorf("some allocations were not freed before the destruction of memory block %d", b.id)
	}
	return nil
}

func (b *memoryBlock) validate() error {
	if b.region == nil {
		return errors.New("no valid region for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}
	if b.metadata.Size() != b.region.CommittedSize() {
		return errors.Errorf("metadata manages %d bytes but the region has %d bytes committed", b.metadata.Size(), b.region.CommittedSize())
	}

	return b.metadata.Validate()
}

func (b *memoryBlock) checkCorruption() error {
	return b.metadata.checkCorruption(b.region.Base())
}
