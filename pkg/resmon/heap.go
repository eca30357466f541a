package resmon

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/mem"
)

// HeapSample is one reading of managed-heap usage in bytes.
type HeapSample struct {
	Used  uint64 `json:"used_bytes"`
	Total uint64 `json:"total_bytes"`
	Limit uint64 `json:"limit_bytes"`
}

// HeapReader reports heap usage. ok is false when the host cannot
// introspect its heap; callers must treat that as unknown, not as zero.
type HeapReader interface {
	ReadHeap() (sample HeapSample, ok bool)
}

// HeapFunc adapts a function to HeapReader.
type HeapFunc func() (HeapSample, bool)

// ReadHeap calls f.
func (f HeapFunc) ReadHeap() (HeapSample, bool) { return f() }

// NoHeap is a HeapReader for hosts without heap introspection.
type NoHeap struct{}

// ReadHeap always reports unavailable.
func (NoHeap) ReadHeap() (HeapSample, bool) { return HeapSample{}, false }

// RuntimeHeap reads the Go runtime's heap statistics. The limit is the
// soft memory limit (GOMEMLIMIT) when one is set, otherwise the machine's
// physical memory.
type RuntimeHeap struct {
	// SystemLimit overrides the physical-memory lookup. Nil uses gopsutil.
	SystemLimit func() (uint64, error)
}

// ReadHeap samples runtime.MemStats. It reports unavailable only when no
// limit can be established, since a percentage is meaningless without one.
func (r RuntimeHeap) ReadHeap() (HeapSample, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := softMemoryLimit()
	if limit == 0 {
		lookup := r.SystemLimit
		if lookup == nil {
			lookup = physicalMemory
		}
		v, err := lookup()
		if err != nil || v == 0 {
			return HeapSample{}, false
		}
		limit = v
	}

	return HeapSample{
		Used:  ms.HeapAlloc,
		Total: ms.HeapSys,
		Limit: limit,
	}, true
}

// softMemoryLimit returns the runtime memory limit, or 0 when unset.
func softMemoryLimit() uint64 {
	l := debug.SetMemoryLimit(-1)
	if l <= 0 || l == math.MaxInt64 {
		return 0
	}
	return uint64(l)
}

func physicalMemory() (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(context.Background())
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}
