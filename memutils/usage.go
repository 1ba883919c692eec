package memutils

// Usage describes what the caller intends to do with an allocation. The
// registry uses it both to rank candidate memory types and to pick a
// sub-allocation strategy.
type Usage uint32

const (
	// UsageData is for long-lived resources the device reads and writes: textures,
	// vertex data, attachments. Requires device-local memory.
	UsageData Usage = iota
	// UsageDynamic is for buffers the host updates frequently and the device reads:
	// uniforms, per-frame data. Requires host-visible memory.
	UsageDynamic
	// UsageUpload is for short-lived staging memory the host writes and the device
	// copies from. Requires host-visible memory.
	UsageUpload
	// UsageDownload is for readback memory the device writes and the host reads.
	// Requires host-visible memory.
	UsageDownload
)

var usageMapping = map[Usage]string{
	UsageData:     "UsageData",
	UsageDynamic:  "UsageDynamic",
	UsageUpload:   "UsageUpload",
	UsageDownload: "UsageDownload",
}

func (u Usage) String() string {
	return usageMapping[u]
}

// MemoryFitness scores how well a memory type with the given properties suits
// this usage. It returns false if the type cannot serve the usage at all.
// Higher scores are better. The score is a fixed bit-weighted heuristic, so
// ranking is deterministic for any given property set.
func (u Usage) MemoryFitness(properties Properties) (uint8, bool) {
	if properties.Contains(PropertyLazilyAllocated) && u != UsageData {
		return 0, false
	}

	deviceLocal := properties.Contains(PropertyDeviceLocal)
	hostVisible := properties.Contains(PropertyHostVisible)
	hostCoherent := properties.Contains(PropertyHostCoherent)
	hostCached := properties.Contains(PropertyHostCached)

	var fitness uint8
	switch u {
	case UsageData:
		if !deviceLocal {
			return 0, false
		}
		// Keep host-visible types free for staging
		if !hostVisible {
			fitness |= 1 << 0
		}
	case UsageDynamic:
		if !hostVisible {
			return 0, false
		}
		if deviceLocal {
			fitness |= 1 << 2
		}
		if hostCoherent {
			fitness |= 1 << 1
		}
		if !hostCached {
			fitness |= 1 << 0
		}
	case UsageUpload:
		if !hostVisible {
			return 0, false
		}
		// Leave device-local budget for resources that need it
		if !deviceLocal {
			fitness |= 1 << 2
		}
		if hostCoherent {
			fitness |= 1 << 1
		}
		if !hostCached {
			fitness |= 1 << 0
		}
	case UsageDownload:
		if !hostVisible {
			return 0, false
		}
		if !deviceLocal {
			fitness |= 1 << 2
		}
		if hostCached {
			fitness |= 1 << 1
		}
		if hostCoherent {
			fitness |= 1 << 0
		}
	default:
		return 0, false
	}

	return fitness, true
}
