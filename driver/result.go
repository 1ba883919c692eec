package driver

import "github.com/cockroachdb/errors"

// Result is the non-error outcome of a device call. Failures travel through
// the error return instead.
type Result int

const (
	// Success indicates the call completed
	Success Result = iota
	// NotReady indicates a polled fence has not signalled yet
	NotReady
	// Timeout indicates a wait expired before its condition was met
	Timeout
)

var resultMapping = map[Result]string{
	Success:  "Success",
	NotReady: "NotReady",
	Timeout:  "Timeout",
}

func (r Result) String() string {
	return resultMapping[r]
}

var (
	// ErrOutOfHostMemory indicates the device could not serve an allocation
	// from host-side memory
	ErrOutOfHostMemory = errors.New("out of host memory")
	// ErrOutOfDeviceMemory indicates the device could not serve an allocation
	// from device-side memory
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrDeviceLost indicates the device has been lost. Every subsequent
	// operation on it is undefined; callers surface this error and stop.
	ErrDeviceLost = errors.New("device lost")
	// ErrMapFailed indicates the device could not map a memory object into
	// host address space
	ErrMapFailed = errors.New("memory map failed")
)
