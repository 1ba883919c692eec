// Package strata is a memory heap registry for GPU-style device memory: it
// ranks the device's memory types against the caller's intended usage,
// sub-allocates through a per-type strategy table, and tracks per-heap byte
// budgets. Deferred, fence-driven reclamation lives in the reclaim package.
package strata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/strata/allocator"
	"github.com/vkngwrapper/strata/driver"
	"github.com/vkngwrapper/strata/memutils"
	"golang.org/x/exp/slog"
)

// errBudgetExceeded is treated exactly like device out-of-memory by the
// allocate loop: the type's heap cannot cover the reservation, so the next
// candidate type gets a try.
var errBudgetExceeded = errors.New("heap budget exceeded")

// Config selects the sub-allocation strategies available to one memory type.
// The dedicated strategy is always present; arena and dynamic are attached
// only when configured. A nil Arena on a host-visible type simply means
// uploads on that type go through dedicated allocations.
type Config struct {
	Arena   *allocator.ArenaConfig
	Dynamic *allocator.DynamicConfig
}

// TypeConfig describes one memory type of the device.
type TypeConfig struct {
	// Properties are the type's capability flags
	Properties memutils.Properties
	// HeapIndex is the heap this type draws from. Several types may share a heap.
	HeapIndex int
	// Config selects the type's sub-allocation strategies
	Config Config
}

type heap struct {
	size int
	used int
}

type memoryType struct {
	index      uint32
	heapIndex  int
	properties memutils.Properties

	dedicated *allocator.DedicatedAllocator
	arena     *allocator.ArenaAllocator
	dynamic   *allocator.DynamicAllocator
}

// Heaps is the registry front door: one immutable set of memory-type
// descriptors, one sub-allocator table per type, and per-heap usage
// accounting. It is not internally synchronized; a single logical owner
// must serialize calls.
type Heaps struct {
	logger *slog.Logger
	device driver.Device

	types []*memoryType
	heaps []heap
}

// NewHeaps builds a registry from the device's heap sizes and memory-type
// descriptors. The descriptors are immutable afterwards. Types are addressed
// by their index in typeConfigs, which is also their bit in allocation masks,
// so at most 32 types are supported.
func NewHeaps(logger *slog.Logger, device driver.Device, heapSizes []int, typeConfigs []TypeConfig) (*Heaps, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, cerrors.New("a device is required")
	}
	if len(heapSizes) < 1 || len(typeConfigs) < 1 {
		return nil, cerrors.New("at least one heap and one memory type are required")
	}
	if len(typeConfigs) > 32 {
		return nil, cerrors.Newf("at most 32 memory types are supported, got %d", len(typeConfigs))
	}

	heaps := make([]heap, len(heapSizes))
	for i, size := range heapSizes {
		if size < 1 {
			return nil, cerrors.Newf("heap %d has non-positive size %d", i, size)
		}
		heaps[i].size = size
	}

	types := make([]*memoryType, len(typeConfigs))
	for i, config := range typeConfigs {
		if config.HeapIndex < 0 || config.HeapIndex >= len(heapSizes) {
			return nil, cerrors.Newf("memory type %d names heap %d, but only %d heaps exist", i, config.HeapIndex, len(heapSizes))
		}

		memType := &memoryType{
			index:      uint32(i),
			heapIndex:  config.HeapIndex,
			properties: config.Properties,
			dedicated:  allocator.NewDedicatedAllocator(uint32(i), config.Properties),
		}

		if config.Config.Arena != nil {
			arena, err := allocator.NewArenaAllocator(uint32(i), config.Properties, *config.Config.Arena)
			if err != nil {
				return nil, cerrors.Wrapf(err, "building the arena allocator for memory type %d", i)
			}
			memType.arena = arena
		}
		if config.Config.Dynamic != nil {
			dynamic, err := allocator.NewDynamicAllocator(uint32(i), config.Properties, *config.Config.Dynamic)
			if err != nil {
				return nil, cerrors.Wrapf(err, "building the dynamic allocator for memory type %d", i)
			}
			memType.dynamic = dynamic
		}

		types[i] = memType
	}

	return &Heaps{
		logger: logger,
		device: device,
		types:  types,
		heaps:  heaps,
	}, nil
}

// Allocate selects the best-fitting memory type allowed by typeMask, routes
// the request through the type's strategy table, and returns the resulting
// block. Types that fail with out-of-memory or a blown heap budget are
// struck from the candidate set and selection repeats; when candidates
// existed but all failed, the error matches ErrHeapsExhausted. When no type
// in the mask can serve the usage at all, the error is a
// *NoSuitableMemoryError.
//
// align must be a power of two; zero means no alignment requirement.
func (h *Heaps) Allocate(typeMask uint32, usage memutils.Usage, size, align int) (*MemoryBlock, error) {
	if size < 1 {
		return nil, cerrors.Newf("allocation size must be positive, got %d", size)
	}
	if align < 1 {
		align = 1
	}
	memutils.DebugCheckPow2(uint(align), "align")

	remaining := typeMask
	var lastErr error

	for {
		memType, ok := h.bestFit(remaining, usage)
		if !ok {
			if lastErr == nil {
				return nil, cerrors.WithStack(&NoSuitableMemoryError{TypeMask: typeMask, Usage: usage})
			}
			// Keep the last failure in the chain so callers can still match
			// the device-level cause
			return nil, fmt.Errorf("no memory type in mask %#x could serve a %d-byte %s request: %w: %w", typeMask, size, usage, ErrHeapsExhausted, lastErr)
		}

		block, err := h.allocateFromType(memType, usage, size, align)
		if err == nil {
			h.logger.Debug("allocated memory block",
				slog.Uint64("memoryType", uint64(memType.index)),
				slog.String("usage", usage.String()),
				slog.Int("size", size),
			)
			return block, nil
		}

		if errors.Is(err, driver.ErrOutOfDeviceMemory) || errors.Is(err, driver.ErrOutOfHostMemory) || errors.Is(err, errBudgetExceeded) {
			h.logger.Debug("memory type exhausted, retrying with the next candidate",
				slog.Uint64("memoryType", uint64(memType.index)),
				slog.String("cause", err.Error()),
			)
			remaining &^= 1 << memType.index
			lastErr = err
			continue
		}

		return nil, err
	}
}

// bestFit returns the most suitable memory type allowed by mask. Strictly
// greater fitness replaces the running best, so ties keep the lowest type
// index.
func (h *Heaps) bestFit(mask uint32, usage memutils.Usage) (*memoryType, bool) {
	var best *memoryType
	var bestFitness uint8

	for _, memType := range h.types {
		if mask&(1<<memType.index) == 0 {
			continue
		}

		fitness, suitable := usage.MemoryFitness(memType.properties)
		if !suitable {
			continue
		}

		if best == nil || fitness > bestFitness {
			best = memType
			bestFitness = fitness
		}
	}

	return best, best != nil
}

func (h *Heaps) allocateFromType(memType *memoryType, usage memutils.Usage, size, align int) (*MemoryBlock, error) {
	typeHeap := &h.heaps[memType.heapIndex]

	needed := memType.reserveNeeded(usage, size, align)
	if typeHeap.used+needed > typeHeap.size {
		return nil, cerrors.Wrapf(errBudgetExceeded, "heap %d has %d of %d bytes reserved and cannot cover %d more", memType.heapIndex, typeHeap.used, typeHeap.size, needed)
	}

	block, reserved, err := memType.allocate(h.device, usage, size, align)
	if err != nil {
		return nil, err
	}

	typeHeap.used += reserved
	return block, nil
}

// Free routes a block back to the allocator that produced it and credits any
// released bytes to the owning heap.
func (h *Heaps) Free(block *MemoryBlock) {
	memType := h.types[block.typeIndex]
	released := memType.free(h.device, block)

	typeHeap := &h.heaps[memType.heapIndex]
	typeHeap.used -= released
	if typeHeap.used < 0 {
		panic(fmt.Sprintf("heap %d released more bytes than it had reserved", memType.heapIndex))
	}

	h.logger.Debug("freed memory block",
		slog.Uint64("memoryType", uint64(block.typeIndex)),
		slog.String("flavor", block.flavor.String()),
		slog.Int("released", released),
	)
}

// HeapCount returns the number of heaps.
func (h *Heaps) HeapCount() int {
	return len(h.heaps)
}

// HeapBudget returns the total size of a heap and the bytes currently
// reserved from it.
func (h *Heaps) HeapBudget(heapIndex int) (size, used int) {
	return h.heaps[heapIndex].size, h.heaps[heapIndex].used
}

// AllocationCount returns the number of outstanding blocks across every
// memory type.
func (h *Heaps) AllocationCount() int {
	total := 0
	for _, memType := range h.types {
		total += memType.allocationCount()
	}
	return total
}

// AddDetailedStatistics sums every memory type's usage into stats.
func (h *Heaps) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, memType := range h.types {
		memType.addDetailedStatistics(stats)
	}
}

// Validate checks every sub-allocator's bookkeeping invariants.
func (h *Heaps) Validate() error {
	for _, memType := range h.types {
		err := memType.validate()
		if err != nil {
			return cerrors.Wrapf(err, "memory type %d", memType.index)
		}
	}
	return nil
}

// Dispose tears down every sub-allocator. All blocks must have been freed
// first; unreleased blocks are logged at error level and then cause a panic,
// since leaking device memory is a caller programming error.
func (h *Heaps) Dispose() {
	for _, memType := range h.types {
		count := memType.allocationCount()
		if count != 0 {
			h.logger.Error("memory type disposed with unreleased blocks",
				slog.Uint64("memoryType", uint64(memType.index)),
				slog.Int("outstanding", count),
			)
		}
	}

	for _, memType := range h.types {
		released := memType.dispose(h.device)
		h.heaps[memType.heapIndex].used -= released
	}

	for i := range h.heaps {
		if h.heaps[i].used != 0 {
			panic(fmt.Sprintf("heap %d still has %d bytes reserved after dispose", i, h.heaps[i].used))
		}
	}

	h.types = nil
}

// strategyFor picks the sub-allocator for a request. Upload and download
// traffic is short-lived staging, which suits the arena ring; data and
// dynamic traffic frees in arbitrary order, which needs the free-list
// allocator. Requests above a strategy's max, or on types without the
// strategy, fall through to dedicated.
func (t *memoryType) strategyFor(usage memutils.Usage, size int) blockFlavor {
	switch usage {
	case memutils.UsageUpload, memutils.UsageDownload:
		if t.arena != nil && size <= t.arena.MaxAllocation() {
			return flavorArena
		}
	case memutils.UsageData, memutils.UsageDynamic:
		if t.dynamic != nil && size <= t.dynamic.MaxAllocation() {
			return flavorDynamic
		}
	}
	return flavorDedicated
}

// reserveNeeded returns the worst-case bytes a request would newly take from
// the heap, so budget checks can run before touching the device.
func (t *memoryType) reserveNeeded(usage memutils.Usage, size, align int) int {
	switch t.strategyFor(usage, size) {
	case flavorArena:
		if t.arena.FitsExistingChunk(size, align) {
			return 0
		}
		return t.arena.ChunkSize()
	case flavorDynamic:
		if t.dynamic.FitsExistingChunk(size, align) {
			return 0
		}
		return t.dynamic.ChunkSize()
	default:
		return size
	}
}

func (t *memoryType) allocate(device driver.Device, usage memutils.Usage, size, align int) (*MemoryBlock, int, error) {
	switch t.strategyFor(usage, size) {
	case flavorArena:
		block, reserved, err := t.arena.Alloc(device, size, align)
		if err != nil {
			return nil, 0, err
		}
		return &MemoryBlock{typeIndex: t.index, flavor: flavorArena, arena: block}, reserved, nil
	case flavorDynamic:
		block, reserved, err := t.dynamic.Alloc(device, size, align)
		if err != nil {
			return nil, 0, err
		}
		return &MemoryBlock{typeIndex: t.index, flavor: flavorDynamic, dynamic: block}, reserved, nil
	default:
		block, reserved, err := t.dedicated.Alloc(device, size, align)
		if err != nil {
			return nil, 0, err
		}
		return &MemoryBlock{typeIndex: t.index, flavor: flavorDedicated, dedicated: block}, reserved, nil
	}
}

func (t *memoryType) free(device driver.Device, block *MemoryBlock) int {
	switch block.flavor {
	case flavorDedicated:
		return t.dedicated.Free(device, block.dedicated)
	case flavorArena:
		return t.arena.Free(device, block.arena)
	case flavorDynamic:
		return t.dynamic.Free(device, block.dynamic)
	default:
		panic(fmt.Sprintf("memory block has invalid flavor %d", block.flavor))
	}
}

func (t *memoryType) allocationCount() int {
	total := t.dedicated.AllocationCount()
	if t.arena != nil {
		total += t.arena.AllocationCount()
	}
	if t.dynamic != nil {
		total += t.dynamic.AllocationCount()
	}
	return total
}

func (t *memoryType) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	t.dedicated.AddDetailedStatistics(stats)
	if t.arena != nil {
		t.arena.AddDetailedStatistics(stats)
	}
	if t.dynamic != nil {
		t.dynamic.AddDetailedStatistics(stats)
	}
}

func (t *memoryType) validate() error {
	err := t.dedicated.Validate()
	if err == nil && t.arena != nil {
		err = t.arena.Validate()
	}
	if err == nil && t.dynamic != nil {
		err = t.dynamic.Validate()
	}
	return err
}

func (t *memoryType) dispose(device driver.Device) int {
	released := t.dedicated.Dispose(device)
	if t.arena != nil {
		released += t.arena.Dispose(device)
	}
	if t.dynamic != nil {
		released += t.dynamic.Dispose(device)
	}
	return released
}
