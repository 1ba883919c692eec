package memutils

import "strings"

// Properties is the set of access-pattern flags a memory type advertises. The
// flags are reported by the device at registry construction and never change
// afterward.
type Properties uint32

const (
	// PropertyDeviceLocal indicates memory that lives on the device and is fastest
	// for device access
	PropertyDeviceLocal Properties = 1 << iota
	// PropertyHostVisible indicates memory that can be mapped into host address space
	PropertyHostVisible
	// PropertyHostCoherent indicates host-visible memory that does not require
	// explicit flush/invalidate around host access
	PropertyHostCoherent
	// PropertyHostCached indicates host-visible memory backed by a host-side cache,
	// making host reads fast
	PropertyHostCached
	// PropertyLazilyAllocated indicates memory whose backing is committed lazily
	// by the device and which can never be mapped
	PropertyLazilyAllocated
)

var propertiesMapping = map[Properties]string{
	PropertyDeviceLocal:     "PropertyDeviceLocal",
	PropertyHostVisible:     "PropertyHostVisible",
	PropertyHostCoherent:    "PropertyHostCoherent",
	PropertyHostCached:      "PropertyHostCached",
	PropertyLazilyAllocated: "PropertyLazilyAllocated",
}

// Contains returns true if every flag set in other is also set in p.
func (p Properties) Contains(other Properties) bool {
	return p&other == other
}

func (p Properties) String() string {
	if p == 0 {
		return "None"
	}

	var parts []string
	for flag := PropertyDeviceLocal; flag <= PropertyLazilyAllocated; flag <<= 1 {
		if p&flag != 0 {
			parts = append(parts, propertiesMapping[flag])
		}
	}

	return strings.Join(parts, "|")
}
