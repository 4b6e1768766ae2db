package chunk

import "runtime"

// MemoryMonitor samples the process's resident heap against a configured
// limit, grounded on the memory-pressure chunk-size adaptation in
// other_examples' streamingParser (ShouldReduceChunkSize / ForceGC +
// chunkSize/2 pattern), adapted to the halve/grow rule in spec.md §4.7
// step 5.
type MemoryMonitor struct {
	limitBytes int64
}

func NewMemoryMonitor(limitBytes int64) *MemoryMonitor {
	return &MemoryMonitor{limitBytes: limitBytes}
}

// UsageRatio returns resident heap bytes over the configured limit.
func (m *MemoryMonitor) UsageRatio() float64 {
	if m.limitBytes <= 0 {
		return 0
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / float64(m.limitBytes)
}

// AdjustChunkSize applies spec.md §4.7 step 5: halve (floor 10) above
// 80% of the memory limit; grow 1.5× (cap 500) below 30% when under 500.
func AdjustChunkSize(current int, usageRatio float64, min, max int) int {
	switch {
	case usageRatio > 0.80:
		next := current / 2
		if next < min {
			next = min
		}
		return next
	case usageRatio < 0.30 && current < max:
		next := int(float64(current) * 1.5)
		if next > max {
			next = max
		}
		if next <= current {
			next = current + 1
		}
		return next
	default:
		return current
	}
}
