// Package driver declares the device capability this module consumes. The
// real implementation is supplied by whatever binding owns the physical
// device; this module only allocates, maps, and polls through it.
package driver

import (
	"time"
	"unsafe"
)

// DeviceMemory is an opaque handle to one backing memory object allocated
// from the device.
type DeviceMemory interface {
	// Size returns the byte size this memory object was allocated with
	Size() int
}

// Fence is an opaque handle to a device-signalled synchronization primitive.
// The driver package attaches no state to it; fence lifecycle is tracked by
// package reclaim.
type Fence interface{}

// Device is the function table the allocator and reclamation layers call
// into. Implementations hand out a single immutable value that every holder
// shares; holders keep it alive for as long as they need it, so it must
// never be torn down while queues or allocators still reference it.
type Device interface {
	// AllocateMemory allocates a single memory object of the given size from
	// the memory type at typeIndex. On failure the error matches
	// ErrOutOfHostMemory or ErrOutOfDeviceMemory.
	AllocateMemory(typeIndex uint32, size int) (DeviceMemory, error)
	// FreeMemory releases a memory object. The caller must guarantee the
	// device no longer uses it.
	FreeMemory(memory DeviceMemory)

	// MapMemory maps a byte range of a host-visible memory object into host
	// address space and returns a pointer to the start of the range. A memory
	// object supports at most one device-level mapping at a time.
	MapMemory(memory DeviceMemory, offset, size int) (unsafe.Pointer, error)
	// UnmapMemory undoes MapMemory.
	UnmapMemory(memory DeviceMemory)

	// WaitForFences blocks until the fences are signalled or the timeout
	// expires. With waitAll set, it returns Success only when every fence is
	// signalled; otherwise a single signalled fence suffices. A zero timeout
	// polls; a negative timeout waits without bound. Timeout is reported via
	// the Result, not the error. Device loss is reported as ErrDeviceLost.
	WaitForFences(fences []Fence, waitAll bool, timeout time.Duration) (Result, error)
	// GetFenceStatus polls a single fence without blocking, returning Success
	// or NotReady.
	GetFenceStatus(fence Fence) (Result, error)
}
