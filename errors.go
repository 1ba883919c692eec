package strata

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/strata/memutils"
)

// ErrHeapsExhausted is returned from Heaps.Allocate when candidate memory
// types existed for the request but every one of them failed to allocate,
// either because the device reported out-of-memory or because the owning
// heap's budget could not cover the reservation.
var ErrHeapsExhausted = errors.New("every suitable memory type is exhausted")

// NoSuitableMemoryError is returned from Heaps.Allocate when no memory type
// in the caller's mask can serve the usage at all. This is a request-shape
// problem rather than a capacity problem; retrying will not help.
type NoSuitableMemoryError struct {
	TypeMask uint32
	Usage    memutils.Usage
}

func (e *NoSuitableMemoryError) Error() string {
	return fmt.Sprintf("no memory type in mask %#x is suitable for %s", e.TypeMask, e.Usage)
}
