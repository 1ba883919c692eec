// Package mocks provides a software stand-in for the device capability, so
// the allocator and reclamation layers can be tested without real hardware.
// Memory objects are byte-slice backed and mappings hand out real pointers,
// so map round-trips move actual bytes.
package mocks

import (
	"fmt"
	"time"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/strata/driver"
)

// Memory is a byte-slice-backed memory object.
type Memory struct {
	data      []byte
	typeIndex uint32
	mapped    bool
	freed     bool
}

func (m *Memory) Size() int {
	return len(m.data)
}

// TypeIndex returns the memory type this object was allocated from.
func (m *Memory) TypeIndex() uint32 {
	return m.typeIndex
}

// Bytes exposes the backing storage directly, bypassing the mapping
// machinery, so tests can assert on written contents.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Fence is a manually signalled fence. Tests drive it with Signal and Reset.
type Fence struct {
	signalled bool
}

func NewFence() *Fence {
	return &Fence{}
}

func (f *Fence) Signal() {
	f.signalled = true
}

func (f *Fence) Reset() {
	f.signalled = false
}

func (f *Fence) Signalled() bool {
	return f.signalled
}

// Device implements driver.Device in software. Invalid usage that a real
// driver would turn into undefined behavior (double free, mapping freed
// memory, out-of-bounds maps) panics instead, so tests catch it immediately.
//
// Waits never block: the wait condition is evaluated against the fences'
// current state and unmet conditions report Timeout regardless of the
// requested timeout. Tests signal fences between calls.
type Device struct {
	outstanding int
	allocations int

	typeErrors map[uint32]error
	lost       bool
}

var _ driver.Device = (*Device)(nil)

func NewDevice() *Device {
	return &Device{
		typeErrors: map[uint32]error{},
	}
}

// FailAllocationsFor makes every subsequent allocation from the given memory
// type fail with err, until ClearAllocationFailures is called. Use
// driver.ErrOutOfDeviceMemory or driver.ErrOutOfHostMemory for realistic
// failures.
func (d *Device) FailAllocationsFor(typeIndex uint32, err error) {
	d.typeErrors[typeIndex] = err
}

func (d *Device) ClearAllocationFailures() {
	d.typeErrors = map[uint32]error{}
}

// SetLost puts the device into the lost state; every subsequent call fails
// with driver.ErrDeviceLost.
func (d *Device) SetLost() {
	d.lost = true
}

// OutstandingAllocations returns the number of memory objects allocated but
// not yet freed. Leak assertions check this is zero after teardown.
func (d *Device) OutstandingAllocations() int {
	return d.outstanding
}

// TotalAllocations returns the number of AllocateMemory calls that
// succeeded, freed or not.
func (d *Device) TotalAllocations() int {
	return d.allocations
}

func (d *Device) AllocateMemory(typeIndex uint32, size int) (driver.DeviceMemory, error) {
	if d.lost {
		return nil, cerrors.WithStack(driver.ErrDeviceLost)
	}
	if err, ok := d.typeErrors[typeIndex]; ok {
		return nil, cerrors.WithStack(err)
	}
	if size < 1 {
		panic(fmt.Sprintf("allocation of %d bytes requested from memory type %d", size, typeIndex))
	}

	d.outstanding++
	d.allocations++
	return &Memory{
		data:      make([]byte, size),
		typeIndex: typeIndex,
	}, nil
}

func (d *Device) FreeMemory(memory driver.DeviceMemory) {
	m := memory.(*Memory)
	if m.freed {
		panic("memory object freed twice")
	}
	if m.mapped {
		panic("memory object freed while mapped")
	}

	m.freed = true
	d.outstanding--
}

func (d *Device) MapMemory(memory driver.DeviceMemory, offset, size int) (unsafe.Pointer, error) {
	if d.lost {
		return nil, cerrors.WithStack(driver.ErrDeviceLost)
	}

	m := memory.(*Memory)
	if m.freed {
		panic("mapped a freed memory object")
	}
	if offset < 0 || size < 1 || offset+size > len(m.data) {
		panic(fmt.Sprintf("map of [%d, %d) requested on a %d-byte memory object", offset, offset+size, len(m.data)))
	}
	if m.mapped {
		return nil, cerrors.WithStack(driver.ErrMapFailed)
	}

	m.mapped = true
	return unsafe.Pointer(&m.data[offset]), nil
}

func (d *Device) UnmapMemory(memory driver.DeviceMemory) {
	m := memory.(*Memory)
	if !m.mapped {
		panic("unmapped a memory object with no active mapping")
	}
	m.mapped = false
}

func (d *Device) WaitForFences(fences []driver.Fence, waitAll bool, timeout time.Duration) (driver.Result, error) {
	if d.lost {
		return driver.Timeout, cerrors.WithStack(driver.ErrDeviceLost)
	}

	signalled := 0
	for _, fence := range fences {
		if fence.(*Fence).signalled {
			signalled++
		}
	}

	if waitAll {
		if signalled == len(fences) {
			return driver.Success, nil
		}
		return driver.Timeout, nil
	}

	if signalled > 0 {
		return driver.Success, nil
	}
	return driver.Timeout, nil
}

func (d *Device) GetFenceStatus(fence driver.Fence) (driver.Result, error) {
	if d.lost {
		return driver.NotReady, cerrors.WithStack(driver.ErrDeviceLost)
	}

	if fence.(*Fence).signalled {
		return driver.Success, nil
	}
	return driver.NotReady, nil
}
