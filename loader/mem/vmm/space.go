package vmm

import (
	"sort"

	"kboot/loader"
	"kboot/loader/mem"
)

var errVirtExhausted = &loader.Error{Module: "vmm", Message: "virtual address space exhausted"}

// regionKind distinguishes the two flavours of tracked virtual ranges.
type regionKind uint8

const (
	// regionReserved marks an opaque hole the allocator must keep away
	// from; nothing is recorded about what it maps to.
	regionReserved regionKind = iota

	// regionAllocated marks a range handed out or registered by the image
	// loader; its physical backing is recorded by the caller.
	regionAllocated
)

type region struct {
	start, size uint64
	kind        regionKind
}

func (r region) end() uint64 {
	return r.start + r.size
}

// Space is a virtual address allocator over the window
// [Base(), Base()+Size()). Each kernel image being loaded owns one Space;
// it tracks the virtual ranges the image occupies so that boot tags, the
// trampoline and module mappings can be placed without colliding with it.
type Space struct {
	start, size uint64
	regions     []region
}

// NewSpace returns an empty allocator over [start, start+size).
func NewSpace(start, size uint64) *Space {
	if !mem.IsPageAligned(start) || !mem.IsPageAligned(size) || size == 0 {
		panic("vmm: NewSpace called with unaligned window")
	}

	return &Space{start: start, size: size}
}

// Base returns the first address of the allocator window.
func (s *Space) Base() uint64 {
	return s.start
}

// Size returns the window size in bytes.
func (s *Space) Size() uint64 {
	return s.size
}

// End returns the address one past the allocator window. A window that runs
// to the top of the address space wraps to 0.
func (s *Space) End() uint64 {
	return s.start + s.size
}

// Reserve marks [addr, addr+size) as unavailable without recording what it
// maps to. Reservations may overlap anything already tracked; overlapping
// pieces are absorbed.
func (s *Space) Reserve(addr, size uint64) {
	s.checkRange(addr, size)

	// Clip against existing regions so the list stays disjoint.
	pieces := []region{{start: addr, size: size, kind: regionReserved}}
	for _, existing := range s.regions {
		var remaining []region
		for _, p := range pieces {
			remaining = append(remaining, p.minus(existing)...)
		}
		pieces = remaining
	}

	s.regions = append(s.regions, pieces...)
	s.sortRegions()
}

// Insert records that the caller placed an allocation exactly at
// [addr, addr+size). Overlapping an existing range is a programmer error and
// panics.
func (s *Space) Insert(addr, size uint64) {
	s.checkRange(addr, size)

	for _, existing := range s.regions {
		newEnd, exEnd := addr+size, existing.end()
		if (newEnd == 0 || existing.start < newEnd) && (exEnd == 0 || addr < exEnd) {
			panic("vmm: Insert overlaps an existing range")
		}
	}

	s.regions = append(s.regions, region{start: addr, size: size, kind: regionAllocated})
	s.sortRegions()
}

// Alloc finds the lowest free sub-range of exactly size bytes aligned to
// align (0 means page alignment), records it as allocated and returns its
// address.
func (s *Space) Alloc(size, align uint64) (uint64, *loader.Error) {
	if align == 0 {
		align = mem.PageSize
	}
	if size == 0 || !mem.IsPageAligned(size) || !mem.IsPageAligned(align) || align&(align-1) != 0 {
		panic("vmm: Alloc called with unaligned size or alignment")
	}

	// Offsets from the window base avoid wraparound when the window runs
	// to the top of the address space.
	candidate := mem.AlignUp(s.start, align)
	for _, r := range s.regions {
		if candidate-s.start+size <= r.start-s.start {
			break
		}

		if r.end()-s.start > candidate-s.start {
			candidate = mem.AlignUp(r.end(), align)
		}
	}

	if candidate < s.start || size > s.size || candidate-s.start > s.size-size {
		return 0, errVirtExhausted
	}

	s.regions = append(s.regions, region{start: candidate, size: size, kind: regionAllocated})
	s.sortRegions()

	return candidate, nil
}

func (s *Space) checkRange(addr, size uint64) {
	if !mem.IsPageAligned(addr) || !mem.IsPageAligned(size) || size == 0 {
		panic("vmm: unaligned or empty range")
	}
	if addr < s.start || size > s.size || addr-s.start > s.size-size {
		panic("vmm: range outside allocator window")
	}
}

func (s *Space) sortRegions() {
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].start < s.regions[j].start
	})
}

// minus returns the parts of r not covered by other. A region end of 0
// means the region runs to the top of the address space.
func (r region) minus(other region) []region {
	rEnd, oEnd := r.start+r.size, other.start+other.size

	if (rEnd != 0 && rEnd <= other.start) || (oEnd != 0 && oEnd <= r.start) {
		return []region{r}
	}

	var out []region
	if r.start < other.start {
		out = append(out, region{start: r.start, size: other.start - r.start, kind: r.kind})
	}
	if oEnd != 0 && (rEnd == 0 || oEnd < rEnd) {
		// rEnd-oEnd is correct even when rEnd wrapped to 0.
		out = append(out, region{start: oEnd, size: rEnd - oEnd, kind: r.kind})
	}

	return out
}
