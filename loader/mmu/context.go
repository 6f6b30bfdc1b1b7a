package mmu

import (
	"encoding/binary"

	"kboot/loader/mem"
	"kboot/loader/mem/pmm"
)

// Kind selects the page-table format a Context builds.
type Kind uint8

const (
	// KindX86 builds 2-level 32-bit x86 page tables.
	KindX86 Kind = iota

	// KindX86PAE builds 3-level x86 PAE page tables.
	KindX86PAE

	// KindX86_64 builds 4-level x86-64 page tables.
	KindX86_64

	// KindARM64 builds 4-level ARM64 (4KiB granule, 48-bit VA) page
	// tables with separate lower- and upper-half root tables.
	KindARM64
)

// Flag describes the attributes applied to a leaf mapping. The zero value
// maps read-only, non-executable, normal write-back cacheable memory.
type Flag uint8

const (
	// FlagWrite makes the mapping writable.
	FlagWrite Flag = 1 << iota

	// FlagExec makes the mapping executable.
	FlagExec

	// FlagWriteThrough selects normal write-through cacheability.
	FlagWriteThrough

	// FlagDevice selects device/uncached memory. It takes priority over
	// FlagWriteThrough.
	FlagDevice
)

// geometry describes the translation structure for one Kind.
type geometry struct {
	// levels is the number of translation levels.
	levels int

	// entrySize is the size in bytes of one table entry.
	entrySize int

	// shifts holds the virtual address shift per level, root first.
	shifts []uint

	// bits holds the index width per level, root first.
	bits []uint

	// largeLevel is the level at which large-page leaves may be placed.
	largeLevel int

	// largeSize is the large page size in bytes.
	largeSize uint64
}

var geometries = map[Kind]geometry{
	KindX86: {
		levels: 2, entrySize: 4,
		shifts: []uint{22, 12}, bits: []uint{10, 10},
		largeLevel: 0, largeSize: 4 << 20,
	},
	KindX86PAE: {
		levels: 3, entrySize: 8,
		shifts: []uint{30, 21, 12}, bits: []uint{2, 9, 9},
		largeLevel: 1, largeSize: 2 << 20,
	},
	KindX86_64: {
		levels: 4, entrySize: 8,
		shifts: []uint{39, 30, 21, 12}, bits: []uint{9, 9, 9, 9},
		largeLevel: 2, largeSize: 2 << 20,
	},
	KindARM64: {
		levels: 4, entrySize: 8,
		shifts: []uint{39, 30, 21, 12}, bits: []uint{9, 9, 9, 9},
		largeLevel: 2, largeSize: 2 << 20,
	},
}

// Context represents a page-table hierarchy under construction for the
// kernel. Table pages are allocated out of the supplied physical memory
// manager with the configured range type so that they are reported to the
// kernel accordingly, and are never freed: the builder has no unmap.
type Context struct {
	kind Kind
	geo  geometry
	pm   *pmm.Manager

	// tableType is the range type used for table page allocations.
	tableType pmm.RangeType

	// root holds the physical address of the top-level table; on ARM64 it
	// covers the lower half of the address space only.
	root uint64

	// rootUpper holds the ARM64 upper-half top-level table.
	rootUpper uint64

	finalized bool
}

// New creates a Context of the given kind. Table pages are allocated from pm
// with the supplied range type (conventionally pmm.RangePageTables) and are
// zeroed before use.
func New(kind Kind, pm *pmm.Manager, tableType pmm.RangeType) *Context {
	geo, ok := geometries[kind]
	if !ok {
		panic("mmu: unknown context kind")
	}

	c := &Context{kind: kind, geo: geo, pm: pm, tableType: tableType}
	c.root = c.allocTable()
	if kind == KindARM64 {
		c.rootUpper = c.allocTable()
	}

	return c
}

// Kind returns the page-table format this context builds.
func (c *Context) Kind() Kind {
	return c.kind
}

// RootPhys returns the physical address of the top-level table (the lower
// half table on ARM64). This is the value loaded into CR3 or TTBR0_EL1.
func (c *Context) RootPhys() uint64 {
	return c.root
}

// RootUpperPhys returns the physical address of the ARM64 upper-half table
// (TTBR1_EL1). It is zero for x86 contexts.
func (c *Context) RootUpperPhys() uint64 {
	return c.rootUpper
}

// LargePageSize returns the large page size for this context's format.
func (c *Context) LargePageSize() uint64 {
	return c.geo.largeSize
}

// Finalize seals the context. Mapping or writing through a finalized context
// is a programmer error and panics.
func (c *Context) Finalize() {
	c.finalized = true
}

// Map establishes leaf entries translating [virt, virt+size) to
// [phys, phys+size) with the given flags. All inputs must be page aligned.
// It returns false when the virtual range is not valid for the target
// address space; the tables are untouched in that case.
//
// Runs where virt and phys share the same offset modulo the large page size
// are mapped with large pages; leading and trailing sub-large runs use
// normal pages.
func (c *Context) Map(virt, phys, size uint64, flags Flag) bool {
	c.checkMutable()

	if !mem.IsPageAligned(virt) || !mem.IsPageAligned(phys) || !mem.IsPageAligned(size) || size == 0 {
		panic("mmu: Map called with unaligned arguments")
	}

	if !c.validRange(virt, size) {
		return false
	}

	large := c.geo.largeSize
	for size > 0 {
		if virt%large == phys%large && virt%large == 0 && size >= large {
			c.mapOne(virt, phys, c.geo.largeLevel, true, flags)
			virt, phys, size = virt+large, phys+large, size-large
			continue
		}

		c.mapOne(virt, phys, c.geo.levels-1, false, flags)
		virt, phys, size = virt+mem.PageSize, phys+mem.PageSize, size-mem.PageSize
	}

	return true
}

// mapOne installs a single leaf at the given level, allocating intermediate
// tables on demand.
func (c *Context) mapOne(virt, phys uint64, leafLevel int, isLarge bool, flags Flag) {
	table := c.rootFor(virt)

	for level := 0; level < leafLevel; level++ {
		idx := c.index(virt, level)
		entry := c.readEntry(table, idx)

		if !c.entryPresent(entry) {
			next := c.allocTable()
			c.writeEntry(table, idx, c.makeTableEntry(next, level))
			table = next
			continue
		}

		if c.entryIsLeaf(entry, level) {
			panic("mmu: mapping overlaps an existing large page")
		}

		table = c.entryPhys(entry)
	}

	c.writeEntry(table, c.index(virt, leafLevel), c.makeLeafEntry(phys, leafLevel, isLarge, flags))
}

// lookup translates a mapped virtual address to its backing physical
// address. It reports false when any table level on the path is missing.
func (c *Context) lookup(virt uint64) (uint64, bool) {
	page := virt &^ (mem.PageSize - 1)
	table := c.rootFor(page)

	for level := 0; level < c.geo.levels; level++ {
		entry := c.readEntry(table, c.index(page, level))
		if !c.entryPresent(entry) {
			return 0, false
		}

		if c.entryIsLeaf(entry, level) {
			// A leaf at an intermediate level is a large page;
			// add the offset of the page within the block.
			blockSize := uint64(1) << c.geo.shifts[level]
			return c.entryPhys(entry) + (virt & (blockSize - 1)), true
		}

		table = c.entryPhys(entry)
	}

	// The loop always terminates at a leaf on the last level.
	return 0, false
}

// index extracts the table index for virt at the given level.
func (c *Context) index(virt uint64, level int) int {
	return int((virt >> c.geo.shifts[level]) & ((1 << c.geo.bits[level]) - 1))
}

// rootFor returns the top-level table covering virt. Only ARM64 splits the
// address space between two roots.
func (c *Context) rootFor(virt uint64) uint64 {
	if c.kind == KindARM64 && virt >= arm64UpperBase {
		return c.rootUpper
	}

	return c.root
}

// allocTable allocates and zeroes one table page.
func (c *Context) allocTable() uint64 {
	addr, buf, err := c.pm.Alloc(mem.PageSize, mem.PageSize, 0, 0, c.tableType, 0)
	if err != nil {
		panic(err)
	}

	for i := range buf {
		buf[i] = 0
	}

	return addr
}

func (c *Context) readEntry(tablePhys uint64, idx int) uint64 {
	tbl := c.pm.Slice(tablePhys, mem.PageSize)
	off := idx * c.geo.entrySize

	if c.geo.entrySize == 4 {
		return uint64(binary.LittleEndian.Uint32(tbl[off:]))
	}

	return binary.LittleEndian.Uint64(tbl[off:])
}

func (c *Context) writeEntry(tablePhys uint64, idx int, entry uint64) {
	tbl := c.pm.Slice(tablePhys, mem.PageSize)
	off := idx * c.geo.entrySize

	if c.geo.entrySize == 4 {
		binary.LittleEndian.PutUint32(tbl[off:], uint32(entry))
		return
	}

	binary.LittleEndian.PutUint64(tbl[off:], entry)
}

func (c *Context) checkMutable() {
	if c.finalized {
		panic("mmu: mutation after Finalize")
	}
}

// validRange reports whether [virt, virt+size) is a legal virtual range for
// the target address space.
func (c *Context) validRange(virt, size uint64) bool {
	end := virt + size
	if end < virt && end != 0 {
		return false
	}

	switch c.kind {
	case KindX86, KindX86PAE:
		limit := uint64(1) << 32
		return virt < limit && end <= limit && end != 0

	case KindX86_64:
		// The range must sit entirely within one canonical half.
		if virt < x86LowerLimit {
			return end <= x86LowerLimit && end != 0
		}
		return virt >= x86UpperBase

	case KindARM64:
		if virt < arm64LowerLimit {
			return end <= arm64LowerLimit && end != 0
		}
		return virt >= arm64UpperBase
	}

	return false
}

// Entry construction and decoding dispatch on the context kind; the
// architecture-specific encodings live in x86.go and arm64.go.

func (c *Context) makeTableEntry(phys uint64, level int) uint64 {
	if c.kind == KindARM64 {
		return arm64TableEntry(phys)
	}

	return x86TableEntry(c.kind, phys, level)
}

func (c *Context) makeLeafEntry(phys uint64, level int, isLarge bool, flags Flag) uint64 {
	if c.kind == KindARM64 {
		return arm64LeafEntry(phys, level, isLarge, flags)
	}

	return x86LeafEntry(c.kind, phys, isLarge, flags)
}

func (c *Context) entryPresent(entry uint64) bool {
	return entry&1 != 0
}

func (c *Context) entryIsLeaf(entry uint64, level int) bool {
	if level == c.geo.levels-1 {
		return true
	}

	if c.kind == KindARM64 {
		return arm64EntryIsBlock(entry)
	}

	return x86EntryIsLarge(entry)
}

func (c *Context) entryPhys(entry uint64) uint64 {
	if c.kind == KindARM64 {
		return entry & arm64PhysMask
	}
	if c.kind == KindX86 {
		return entry & x86PhysMask32
	}

	return entry & x86PhysMask
}
