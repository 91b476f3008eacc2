package heap

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/substrate-rt/substrate/memutil"
)

const (
	smallBufferSize        = 256
	secondLevelIndex uint8 = 5
	memoryClassShift       = 7
	maxMemoryClasses       = 65 - memoryClassShift
)

// AllocationHandle identifies a single live suballocation within a block's
// metadata. Handles are never reused within a block.
type AllocationHandle uint64

// NoAllocation is the handle value returned when no allocation exists.
const NoAllocation AllocationHandle = math.MaxUint64

// allocRequest describes where the metadata intends to place an allocation.
// It is produced by createAllocationRequest and committed with alloc.
type allocRequest struct {
	handle        AllocationHandle
	size          int
	alignedOffset int
}

var nodeAllocator = sync.Pool{
	New: func() any {
		return &tlsfNode{}
	},
}

// tlsfNode is one region of a block, allocated or free. Nodes form a doubly
// linked physical chain ordered by offset, and free nodes additionally sit in
// a segregated free list.
type tlsfNode struct {
	offset       int
	size         int
	prevPhysical *tlsfNode
	nextPhysical *tlsfNode

	prevFree *tlsfNode
	nextFree *tlsfNode

	handle AllocationHandle
}

func (n *tlsfNode) MarkFree() {
	n.prevFree = nil
}

func (n *tlsfNode) MarkTaken() {
	n.prevFree = n
}

func (n *tlsfNode) IsFree() bool {
	return n.prevFree != n
}

// tlsfMetadata tracks the suballocations of a single memory block with a
// two-level segregated fit structure: free nodes are bucketed by a coarse
// memory class (power of two) and a finer second-level index, with bitmaps
// over both levels making the search for a fitting free node constant time.
type tlsfMetadata struct {
	size int

	allocCount        int
	nodesFreeCount    int
	nodesFreeSize     int
	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [maxMemoryClasses]uint32

	nextAllocationHandle AllocationHandle
	handleKey            *swiss.Map[AllocationHandle, *tlsfNode]
	freeList             []*tlsfNode
	nullNode             *tlsfNode
	tailNode             *tlsfNode
}

var _ memutil.Validatable = &tlsfMetadata{}

// newTLSFMetadata creates metadata managing a block of size bytes.
func newTLSFMetadata(size int) *tlsfMetadata {
	m := &tlsfMetadata{
		size:      size,
		handleKey: swiss.NewMap[AllocationHandle, *tlsfNode](42),
	}

	m.nullNode = m.allocateNode()
	m.nullNode.size = size
	m.nullNode.MarkFree()
	m.tailNode = m.nullNode

	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << secondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]*tlsfNode, listSize)

	return m
}

func (m *tlsfMetadata) allocateNode() *tlsfNode {
	n := nodeAllocator.Get().(*tlsfNode)
	n.offset = 0
	n.size = 0
	n.prevPhysical = nil
	n.nextPhysical = nil
	n.nextFree = nil
	n.prevFree = nil
	n.handle = AllocationHandle(atomic.AddUint64((*uint64)(&m.nextAllocationHandle), 1))
	m.handleKey.Put(n.handle, n)
	return n
}

func (m *tlsfMetadata) freeNode(n *tlsfNode) {
	m.handleKey.Delete(n.handle)
	nodeAllocator.Put(n)
}

func (m *tlsfMetadata) getNode(handle AllocationHandle) (*tlsfNode, error) {
	node, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return node, nil
}

func (m *tlsfMetadata) Size() int {
	return m.size
}

func (m *tlsfMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *tlsfMetadata) SumFreeSize() int {
	return m.nodesFreeSize + m.nullNode.size
}

func (m *tlsfMetadata) IsEmpty() bool {
	return m.nullNode.offset == 0
}

func (m *tlsfMetadata) sizeToMemoryClass(size int) uint8 {
	if size > smallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - memoryClassShift
	}

	return 0
}

func (m *tlsfMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << secondLevelIndex
		indexVal := uint(size) >> (memoryClass + memoryClassShift - secondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (m *tlsfMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *tlsfMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<secondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

// Validate performs internal consistency checks on the metadata. When the
// implementation is functioning correctly it cannot return an error, but it
// is useful while diagnosing allocator issues and runs on every operation in
// safety_checks builds.
func (m *tlsfMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	calculatedSize := m.nullNode.size
	calculatedFreeSize := m.nullNode.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		node := m.freeList[listIndex]
		if node == nil {
			continue
		}

		if !node.IsFree() {
			return errors.Errorf("node at offset %d is in the free list but is not free", node.offset)
		}

		if node.prevFree != nil {
			return errors.Errorf("node at offset %d is the head of a free list but has a previous node", node.offset)
		}

		freeListCount++
		for node.nextFree != nil {
			if !node.nextFree.IsFree() {
				return errors.Errorf("node at offset %d is in the free list but it is not free", node.nextFree.offset)
			}
			if node.nextFree.prevFree != node {
				return errors.Errorf("node at offset %d lists the node at offset %d as its next node, but the reverse reference is broken", node.offset, node.nextFree.offset)
			}

			freeListCount++
			node = node.nextFree
		}
	}

	if m.nullNode.nextPhysical != nil {
		return errors.New("null node must be the tail of its physical chain")
	}

	if m.nullNode.prevPhysical != nil && m.nullNode.prevPhysical.nextPhysical != m.nullNode {
		return errors.New("null node has a physical node before it in its chain, but the reverse reference is broken")
	}

	nextOffset := m.nullNode.offset

	for prev := m.nullNode.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical node at offset %d does not end at the next node's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.IsFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("node at offset %d has a previous physical node, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free nodes in the physical list and the number of nodes in the free list do not match! free list size: %d, physical list free nodes: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical node should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the nodes only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free nodes only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken nodes only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.nodesFreeCount {
		return errors.Errorf("the free node count of the metadata is %d, but there were only %d free nodes", m.nodesFreeCount, freeCount)
	}

	return nil
}

func (m *tlsfMetadata) addDetailedStatistics(stats *memutil.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	if m.nullNode.size > 0 {
		stats.AddUnusedRange(m.nullNode.size)
	}

	for node := m.nullNode.prevPhysical; node != nil; node = node.prevPhysical {
		if node.IsFree() {
			stats.AddUnusedRange(node.size)
		} else {
			stats.AddAllocation(node.size)
		}
	}
}

func (m *tlsfMetadata) addStatistics(stats *memutil.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

// createAllocationRequest finds a free region that can hold allocSize bytes
// at allocAlignment and returns a request describing the placement. It
// searches a larger size bucket first for a guaranteed fast fit, falls back
// to the trailing null node, then the exact bucket, then a full scan of the
// larger buckets.
func (m *tlsfMetadata) createAllocationRequest(allocSize int, allocAlignment uint) (bool, allocRequest, error) {
	var request allocRequest

	if allocSize < 1 {
		return false, request, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	memutil.DebugValidate(m)

	allocSize += memutil.DebugMargin

	// Is the block big enough at all?
	if allocSize > m.SumFreeSize() {
		return false, request, nil
	}

	// Any free nodes to check?
	if m.nodesFreeCount == 0 {
		success := m.checkNode(m.nullNode, len(m.freeList), allocSize, allocAlignment, &request)
		return success, request, nil
	}

	// Round up to the next bucket so the first fit is guaranteed to be big enough
	sizeForNextList := allocSize

	smallSizeStep := smallBufferSize / 4
	if allocSize > smallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(secondLevelIndex)))
	} else if allocSize > smallBufferSize-smallSizeStep {
		sizeForNextList = smallBufferSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	doFullSearch := false

	nextListNode, nextListIndex := m.findFreeNode(sizeForNextList)
	for nextListNode != nil {
		doFullSearch = true
		found := m.checkNode(nextListNode, nextListIndex, allocSize, allocAlignment, &request)
		if found {
			return found, request, nil
		}

		nextListNode = nextListNode.nextFree
	}

	// If that failed, check the null node
	found := m.checkNode(m.nullNode, len(m.freeList), allocSize, allocAlignment, &request)
	if found {
		return found, request, nil
	}

	// Check the best fit bucket
	prevListNode, prevListIndex := m.findFreeNode(allocSize)
	for prevListNode != nil {
		found = m.checkNode(prevListNode, prevListIndex, allocSize, allocAlignment, &request)
		if found {
			return found, request, nil
		}

		prevListNode = prevListNode.nextFree
	}

	if !doFullSearch {
		return false, request, nil
	}

	// Worst case, walk every larger bucket
	for nextListIndex++; nextListIndex < len(m.freeList); nextListIndex++ {
		nextListNode = m.freeList[nextListIndex]
		for nextListNode != nil {
			found = m.checkNode(nextListNode, nextListIndex, allocSize, allocAlignment, &request)
			if found {
				return found, request, nil
			}

			nextListNode = nextListNode.nextFree
		}
	}

	return false, request, nil
}

func (m *tlsfMetadata) checkNode(
	node *tlsfNode,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	request *allocRequest,
) bool {
	if !node.IsFree() {
		panic(fmt.Sprintf("node at offset %d is already taken", node.offset))
	}

	alignedOffset := memutil.AlignUp(node.offset, allocAlignment)

	if node.size < allocSize+alignedOffset-node.offset {
		return false
	}

	request.handle = node.handle
	request.size = allocSize - memutil.DebugMargin
	request.alignedOffset = alignedOffset

	// Place the node at the start of its list if it's a normal node
	if listIndex != len(m.freeList) && node.prevFree != nil {
		node.prevFree.nextFree = node.nextFree
		if node.nextFree != nil {
			node.nextFree.prevFree = node.prevFree
		}

		node.prevFree = nil
		node.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = node
		if node.nextFree != nil {
			node.nextFree.prevFree = node
		}
	}

	return true
}

func (m *tlsfMetadata) findFreeNode(size int) (*tlsfNode, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available nodes
		freeMap := m.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Find lowest free region
		memoryClass = uint8(bits.TrailingZeros64(uint64(freeMap)))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subregion
	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros64(uint64(innerFreeMap))))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free nodes, but no nodes were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

// alloc commits a request produced by createAllocationRequest, splitting the
// chosen free node around the aligned range and bookkeeping the remainder.
func (m *tlsfMetadata) alloc(request allocRequest) error {
	currentNode, err := m.getNode(request.handle)
	if err != nil {
		return err
	}

	offset := request.alignedOffset
	if currentNode.offset > offset {
		return errors.New("allocation request had a node that was incompatible with the requested offset")
	}

	if currentNode != m.nullNode {
		m.removeFreeNode(currentNode)
	}

	missingAlignment := offset - currentNode.offset

	// Append the missing alignment to the previous node or create a new one
	if missingAlignment != 0 {
		prevNode := currentNode.prevPhysical

		if prevNode == nil {
			return errors.New("somehow had missing alignment at offset 0")
		}

		if prevNode.IsFree() && prevNode.size != memutil.DebugMargin {
			oldListIndex := m.getListIndexFromSize(prevNode.size)
			prevNode.size += missingAlignment

			// If the new node size moves the node around
			if oldListIndex != m.getListIndexFromSize(prevNode.size) {
				prevNode.size -= missingAlignment
				m.removeFreeNode(prevNode)

				prevNode.size += missingAlignment
				m.insertFreeNode(prevNode)
			} else {
				m.nodesFreeSize += missingAlignment
			}
		} else {
			newNode := m.allocateNode()
			currentNode.prevPhysical = newNode
			prevNode.nextPhysical = newNode
			newNode.prevPhysical = prevNode
			newNode.nextPhysical = currentNode
			newNode.size = missingAlignment
			newNode.offset = currentNode.offset
			newNode.MarkTaken()

			m.insertFreeNode(newNode)
		}

		currentNode.size -= missingAlignment
		currentNode.offset += missingAlignment
	}

	size := request.size + memutil.DebugMargin
	if currentNode.size == size {
		if currentNode == m.nullNode {
			// Set up a new null node
			m.nullNode = m.allocateNode()
			m.nullNode.size = 0
			m.nullNode.offset = currentNode.offset + size
			m.nullNode.prevPhysical = currentNode
			m.nullNode.nextPhysical = nil
			m.nullNode.MarkFree()
			m.nullNode.prevFree = nil
			m.nullNode.nextFree = nil
			currentNode.nextPhysical = m.nullNode
			currentNode.MarkTaken()
		}
	} else if currentNode.size < size {
		return errors.New("allocation request had a node too small for the request")
	} else {
		// Split off a new free node
		newNode := m.allocateNode()
		newNode.size = currentNode.size - size
		newNode.offset = currentNode.offset + size
		newNode.prevPhysical = currentNode
		newNode.nextPhysical = currentNode.nextPhysical
		currentNode.nextPhysical = newNode
		currentNode.size = size

		if currentNode == m.nullNode {
			m.nullNode = newNode
			m.nullNode.MarkFree()
			m.nullNode.nextFree = nil
			m.nullNode.prevFree = nil
			currentNode.MarkTaken()
		} else {
			newNode.nextPhysical.prevPhysical = newNode
			newNode.MarkTaken()
			m.insertFreeNode(newNode)
		}
	}

	if memutil.DebugMargin > 0 {
		currentNode.size -= memutil.DebugMargin
		newNode := m.allocateNode()
		newNode.size = memutil.DebugMargin
		newNode.offset = currentNode.offset + currentNode.size
		newNode.prevPhysical = currentNode
		newNode.nextPhysical = currentNode.nextPhysical
		newNode.MarkTaken()
		currentNode.nextPhysical.prevPhysical = newNode
		currentNode.nextPhysical = newNode
		m.insertFreeNode(newNode)
	}

	m.allocCount++

	return nil
}

// free releases a suballocation, merging the freed node with any free
// physical neighbors.
func (m *tlsfMetadata) free(handle AllocationHandle) error {
	node, err := m.getNode(handle)
	if err != nil {
		return err
	}
	if node.IsFree() {
		return errors.New("node is already free")
	}

	next := node.nextPhysical
	m.allocCount--

	if memutil.DebugMargin > 0 {
		m.removeFreeNode(next)

		m.mergeNode(next, node)

		node = next
		next = next.nextPhysical
	}

	// Try merging
	prev := node.prevPhysical
	if prev != nil && prev.IsFree() && prev.size != memutil.DebugMargin {
		m.removeFreeNode(prev)
		m.mergeNode(node, prev)
	}

	if !next.IsFree() {
		m.insertFreeNode(node)
	} else if next == m.nullNode {
		m.mergeNode(m.nullNode, node)
	} else {
		m.removeFreeNode(next)
		m.mergeNode(next, node)

		m.insertFreeNode(next)
	}

	return nil
}

func (m *tlsfMetadata) removeFreeNode(node *tlsfNode) {
	if node == m.nullNode {
		panic("cannot remove the null node")
	}
	if !node.IsFree() {
		panic("provided node is not free")
	}

	// Remove from the free list chain
	if node.nextFree != nil {
		node.nextFree.prevFree = node.prevFree
	}
	if node.prevFree != nil {
		node.prevFree.nextFree = node.nextFree
	} else {
		memClass := m.sizeToMemoryClass(node.size)
		secondIndex := m.sizeToSecondIndex(node.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != node {
			panic("node was not in the free list at the expected location")
		}
		m.freeList[index] = node.nextFree
		if node.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(1 << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(1 << memClass)
			}
		}
	}

	// Set up the node for use
	node.MarkTaken()
	m.nodesFreeCount--
	m.nodesFreeSize -= node.size
}

func (m *tlsfMetadata) insertFreeNode(node *tlsfNode) {
	if node == m.nullNode {
		panic("cannot insert the null node")
	}

	if node.IsFree() {
		panic("node is already free")
	}

	memClass := m.sizeToMemoryClass(node.size)
	secondIndex := m.sizeToSecondIndex(node.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for node")
	}

	node.prevFree = nil
	node.nextFree = m.freeList[index]
	m.freeList[index] = node
	if node.nextFree != nil {
		node.nextFree.prevFree = node
	} else {
		m.innerIsFreeBitmap[memClass] |= 1 << secondIndex
		m.isFreeBitmap |= 1 << memClass
	}
	m.nodesFreeCount++
	m.nodesFreeSize += node.size
}

func (m *tlsfMetadata) mergeNode(node *tlsfNode, prev *tlsfNode) {
	if node.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.IsFree() {
		panic("cannot merge a node that belongs to the free list")
	}

	node.offset = prev.offset
	node.size += prev.size
	node.prevPhysical = prev.prevPhysical
	if node.prevPhysical != nil {
		node.prevPhysical.nextPhysical = node
	} else {
		m.tailNode = node
	}

	m.freeNode(prev)
}

// visitAllRegions calls fn once for each allocated and free region in the
// block, walking the physical chain from the start of the block, so regions
// are visited in ascending offset order.
func (m *tlsfMetadata) visitAllRegions(fn func(handle AllocationHandle, offset int, size int, free bool) error) error {
	for node := m.tailNode; node != nil; node = node.nextPhysical {
		err := fn(node.handle, node.offset, node.size, node.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

// allocationOffset returns the offset in bytes within the block of a live
// region of memory.
func (m *tlsfMetadata) allocationOffset(handle AllocationHandle) (int, error) {
	node, err := m.getNode(handle)
	if err != nil {
		return 0, err
	}

	return node.offset, nil
}

// checkCorruption verifies the magic values written after every live
// allocation in safety_checks builds. blockData is the base pointer of the
// memory the metadata manages.
func (m *tlsfMetadata) checkCorruption(blockData unsafe.Pointer) error {
	for node := m.nullNode.prevPhysical; node != nil; node = node.prevPhysical {
		if !node.IsFree() {
			if !memutil.ValidateMagicValue(blockData, node.offset+node.size) {
				return errors.New("memory corruption detected after validated allocation")
			}
		}
	}

	return nil
}
