package pmm

import (
	"io"
	"sort"

	"kboot/loader"
	"kboot/loader/kfmt"
	"kboot/loader/mem"
)

// AllocFlag alters the behaviour of Manager.Alloc.
type AllocFlag uint8

const (
	// AllocHigh makes Alloc return the highest address satisfying the
	// allocation constraints instead of the lowest.
	AllocHigh AllocFlag = 1 << iota

	// AllocCanFail makes a failed allocation return ErrOutOfMemory
	// instead of aborting the loader.
	AllocCanFail
)

var errAllocFailed = &loader.Error{Module: "pmm", Message: "physical memory allocation failed"}

// Manager maintains the loader's view of physical memory as a list of typed
// ranges. The list is kept sorted by ascending start address, its entries are
// pairwise disjoint, and adjacent entries of identical type are coalesced.
//
// A Manager is owned by the boot orchestrator; there are no package-level
// instances.
type Manager struct {
	ranges []Range

	// mapper converts allocated physical ranges into loader-accessible
	// byte slices. It may be nil for bookkeeping-only use, in which case
	// Alloc returns nil slices.
	mapper mem.PhysMapper

	finalized bool
}

// NewManager returns an empty Manager whose allocations are made accessible
// through the supplied mapper.
func NewManager(mapper mem.PhysMapper) *Manager {
	return &Manager{mapper: mapper}
}

// Add records the physical range [start, start+size) with the given type.
// Sub-page fragments at either end are truncated; a range that truncates to
// nothing is ignored. When the new range overlaps existing ranges, each
// overlap is resolved by type precedence: the existing range yields if the
// new type ranks higher, otherwise the existing range wins and the newcomer
// keeps only the uncovered pieces.
func (m *Manager) Add(start, size uint64, rtype RangeType) {
	m.checkMutable()

	end := mem.PageAlignDown(start + size)
	start = mem.PageAlignUp(start)
	if end <= start {
		return
	}

	m.insert(Range{Start: start, Size: end - start, Type: rtype})
}

// Protect marks the region [start, start+size) as loader-internal so that no
// allocation can hand it out and it never shows up in the final memory map.
// Unlike Add, the region may be arbitrarily aligned; it is expanded outward
// to page boundaries.
func (m *Manager) Protect(start, size uint64) {
	m.checkMutable()

	end := mem.PageAlignUp(start + size)
	start = mem.PageAlignDown(start)
	if end <= start {
		return
	}

	m.insert(Range{Start: start, Size: end - start, Type: RangeInternal})
}

// Remove erases all coverage of [start, start+size) from the range list. The
// region is expanded outward to page boundaries. Removed memory is not
// tracked at all; it will not appear in the final map even as internal.
func (m *Manager) Remove(start, size uint64) {
	m.checkMutable()

	end := mem.PageAlignUp(start + size)
	start = mem.PageAlignDown(start)
	if end <= start {
		return
	}

	var out []Range
	for _, r := range m.ranges {
		out = append(out, r.minus(start, end)...)
	}

	m.ranges = out
	m.canonicalize()
}

// Free returns the range [addr, addr+size) to the free list. The range must
// be page aligned.
func (m *Manager) Free(addr, size uint64) {
	m.checkMutable()

	if !mem.IsPageAligned(addr) || !mem.IsPageAligned(size) || size == 0 {
		panic("pmm: Free called with unaligned or empty range")
	}

	var out []Range
	for _, r := range m.ranges {
		out = append(out, r.minus(addr, addr+size)...)
	}

	out = append(out, Range{Start: addr, Size: size, Type: RangeFree})
	m.ranges = out
	m.canonicalize()
}

// Alloc carves a range of exactly size bytes out of free memory and records
// it with the requested type. The returned address is aligned to align (0
// means page alignment) and the whole range lies inside [min, max); a max of
// 0 leaves the window unbounded above. By default the lowest satisfying
// address is picked; AllocHigh picks the highest. On exhaustion the loader
// aborts unless AllocCanFail is set, in which case ErrOutOfMemory is
// returned.
//
// Alongside the physical address, Alloc returns a byte slice through which
// the loader can access the new range.
func (m *Manager) Alloc(size, align, min, max uint64, rtype RangeType, flags AllocFlag) (uint64, []byte, *loader.Error) {
	m.checkMutable()

	if align == 0 {
		align = mem.PageSize
	}
	if max == 0 {
		max = ^uint64(0) &^ (mem.PageSize - 1)
	}

	if size == 0 || !mem.IsPageAligned(size) || !mem.IsPageAligned(align) ||
		!mem.IsPageAligned(min) || !mem.IsPageAligned(max) || align&(align-1) != 0 {
		panic("pmm: Alloc called with unaligned size, alignment or window")
	}

	var (
		best    uint64
		haveFit bool
	)

	for _, r := range m.ranges {
		if r.Type != RangeFree || !r.overlaps(min, max) {
			continue
		}

		lo, hi := r.Start, r.End()
		if lo < min {
			lo = min
		}
		if hi > max {
			hi = max
		}

		if flags&AllocHigh == 0 {
			candidate := mem.AlignUp(lo, align)
			if candidate >= lo && candidate+size <= hi {
				// Ranges are sorted, so the first fit is the
				// lowest one.
				best, haveFit = candidate, true
				break
			}
		} else {
			if hi < size {
				continue
			}
			candidate := mem.AlignDown(hi-size, align)
			if candidate >= lo && candidate+size <= hi {
				// Keep scanning; a later range ends higher.
				best, haveFit = candidate, true
			}
		}
	}

	if !haveFit {
		if flags&AllocCanFail != 0 {
			return 0, nil, loader.ErrOutOfMemory
		}

		kfmt.Printf("[pmm] unable to allocate %x bytes (align: %x, window: [%x, %x))\n", size, align, min, max)
		panic(errAllocFailed)
	}

	m.insert(Range{Start: best, Size: size, Type: rtype})

	return best, m.slice(best, size), nil
}

// Finalize produces the memory map snapshot handed to the kernel and seals
// the manager: any further mutation panics. Internal ranges are dropped from
// the snapshot; reclaimable ranges remain distinguishable from allocated
// ones.
func (m *Manager) Finalize() []Range {
	m.checkMutable()
	m.finalized = true

	var snapshot []Range
	for _, r := range m.ranges {
		if r.Type == RangeInternal {
			continue
		}
		snapshot = append(snapshot, r)
	}

	return snapshot
}

// Ranges returns a copy of the current range list.
func (m *Manager) Ranges() []Range {
	out := make([]Range, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Slice exposes the loader-accessible bytes backing the physical range
// [addr, addr+size). It returns nil when the manager has no mapper.
func (m *Manager) Slice(addr, size uint64) []byte {
	return m.slice(addr, size)
}

// Dump writes the current memory map to w, one line per range.
func (m *Manager) Dump(w io.Writer) {
	var total uint64
	for _, r := range m.ranges {
		kfmt.Fprintf(w, "[pmm] [0x%10x - 0x%10x] %s\n", r.Start, r.End(), r.Type.String())
		if r.Type == RangeFree {
			total += r.Size
		}
	}
	kfmt.Fprintf(w, "[pmm] free memory: %dKB\n", total/1024)
}

func (m *Manager) slice(addr, size uint64) []byte {
	if m.mapper == nil {
		return nil
	}

	return m.mapper.Slice(addr, size)
}

func (m *Manager) checkMutable() {
	if m.finalized {
		panic("pmm: mutation after Finalize")
	}
}

// insert merges the page-aligned newcomer into the range list, resolving
// overlaps by type precedence, then canonicalizes the list.
func (m *Manager) insert(newcomer Range) {
	var (
		out    []Range
		pieces = []Range{newcomer}
	)

	for _, existing := range m.ranges {
		if !existing.overlaps(newcomer.Start, newcomer.End()) {
			out = append(out, existing)
			continue
		}

		if newcomer.Type.precedence() > existing.Type.precedence() {
			// The newcomer claims the overlap; keep whatever
			// sticks out of it.
			out = append(out, existing.minus(newcomer.Start, newcomer.End())...)
			continue
		}

		// The existing range wins; carve it out of every surviving
		// piece of the newcomer.
		out = append(out, existing)

		var remaining []Range
		for _, p := range pieces {
			remaining = append(remaining, p.minus(existing.Start, existing.End())...)
		}
		pieces = remaining
	}

	m.ranges = append(out, pieces...)
	m.canonicalize()
}

// canonicalize sorts the range list by ascending start address and merges
// adjacent ranges of identical type.
func (m *Manager) canonicalize() {
	sort.Slice(m.ranges, func(i, j int) bool {
		return m.ranges[i].Start < m.ranges[j].Start
	})

	var out []Range
	for _, r := range m.ranges {
		if n := len(out); n > 0 && out[n-1].Type == r.Type && out[n-1].End() == r.Start {
			out[n-1].Size += r.Size
			continue
		}
		out = append(out, r)
	}

	m.ranges = out
}
