package elf

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"sort"

	"kboot/loader"
	"kboot/loader/mem"
	"kboot/loader/mem/pmm"
	"kboot/loader/mem/vmm"
	"kboot/loader/mmu"
)

var (
	errOverlappingSegments = &loader.Error{Module: "elf", Message: "image has overlapping load segments"}
	errEntryNotExecutable  = &loader.Error{Module: "elf", Message: "image entry point is not inside an executable segment"}
	errBadRelocation       = &loader.Error{Module: "elf", Message: "image contains an unsupported relocation type"}
	errFixedRangeBusy      = &loader.Error{Module: "elf", Message: "physical range demanded by fixed image is unavailable"}
	errShortRead           = &loader.Error{Module: "elf", Message: "short read while loading image segment"}
)

// Relocation types applied by the loader. Relocatable kernels only need the
// relative relocation of their architecture at this stage; anything else in
// a RELA table is fatal.
const (
	relX86_64Relative  = uint32(elf.R_X86_64_RELATIVE)
	relAarch64Relative = uint32(elf.R_AARCH64_RELATIVE)
)

// Dynamic section tags consumed when locating the RELA table.
const (
	dtNull   = 0
	dtRela   = 7
	dtRelaSz = 8
)

// Segment records one PT_LOAD segment after placement.
type Segment struct {
	// Virt is the page-aligned start of the segment's virtual range.
	Virt uint64

	// Phys is the physical address backing Virt.
	Phys uint64

	// Size is the page-rounded length of the mapped range.
	Size uint64

	// Flags are the mapping permissions derived from the segment flags.
	Flags mmu.Flag
}

// Note is an ELF note entry attached to the image.
type Note struct {
	Name string
	Type uint32
	Desc []byte
}

// Image describes a kernel image materialised into physical memory and
// mapped into an MMU context.
type Image struct {
	// Class is the image's ELF class (32 or 64 bit).
	Class elf.Class

	// Entry is the virtual entry point after relocation adjustment.
	Entry uint64

	// VirtBase and VirtSize describe the page-rounded virtual span
	// covered by the image.
	VirtBase, VirtSize uint64

	// PhysBase is the start of the contiguous physical allocation
	// backing the image.
	PhysBase uint64

	// Relocatable is true if the image carried a RELA table and was
	// placed by the loader rather than at a demanded physical address.
	Relocatable bool

	// Delta is the difference between the chosen physical base and the
	// image's preferred base. It is zero for fixed images.
	Delta uint64

	Segments []Segment
	Notes    []Note
}

// machineFor maps an MMU context kind to the ELF machine an image must carry
// to run on it.
func machineFor(kind mmu.Kind) elf.Machine {
	switch kind {
	case mmu.KindX86, mmu.KindX86PAE:
		return elf.EM_386
	case mmu.KindX86_64:
		return elf.EM_X86_64
	case mmu.KindARM64:
		return elf.EM_AARCH64
	default:
		return elf.EM_NONE
	}
}

// Load reads the ELF image from r, allocates contiguous physical backing for
// it, copies the segment contents, establishes its mappings in ctx and
// applies relative relocations when the image is relocatable. The image's
// virtual span is registered in space.
func Load(r io.ReaderAt, pm *pmm.Manager, space *vmm.Space, ctx *mmu.Context) (*Image, *loader.Error) {
	// Classify before handing the file to debug/elf: a file without the
	// ELF magic or with an unknown class is a different kind of failure
	// than a recognised image that is broken.
	var ident [16]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, loader.ErrUnknownImage
	}
	if ident[0] != 0x7f || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return nil, loader.ErrUnknownImage
	}
	if c := elf.Class(ident[elf.EI_CLASS]); c != elf.ELFCLASS32 && c != elf.ELFCLASS64 {
		return nil, loader.ErrUnknownImage
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, loader.ErrMalformedImage
	}

	if f.Machine != machineFor(ctx.Kind()) || f.Data != elf.ELFDATA2LSB {
		return nil, loader.ErrMalformedImage
	}

	var load []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Memsz > 0 {
			load = append(load, p)
		}
	}
	if len(load) == 0 {
		return nil, loader.ErrMalformedImage
	}

	sort.Slice(load, func(i, j int) bool { return load[i].Vaddr < load[j].Vaddr })
	for i := 1; i < len(load); i++ {
		if load[i-1].Vaddr+load[i-1].Memsz > load[i].Vaddr {
			return nil, errOverlappingSegments
		}
	}

	img := &Image{Class: elf.Class(ident[elf.EI_CLASS])}
	img.VirtBase = mem.PageAlignDown(load[0].Vaddr)
	img.VirtSize = mem.PageAlignUp(load[len(load)-1].Vaddr+load[len(load)-1].Memsz) - img.VirtBase

	relaVaddr, relaSize, hasRela := findRelaTable(f)

	// Placement policy: an image that pins its physical address gets it
	// or the load fails; otherwise a relocatable image is placed in the
	// highest free range that satisfies its alignment.
	preferred := mem.PageAlignDown(load[0].Paddr)
	fixed := load[0].Paddr != 0 || !hasRela

	if fixed {
		addr, _, allocErr := pm.Alloc(img.VirtSize, mem.PageSize, preferred, preferred+img.VirtSize, pmm.RangeAllocated, pmm.AllocCanFail)
		if allocErr != nil {
			return nil, errFixedRangeBusy
		}
		img.PhysBase = addr
	} else {
		align := mem.PageSize
		for _, p := range load {
			if p.Align > align {
				align = p.Align
			}
		}

		addr, _, allocErr := pm.Alloc(img.VirtSize, align, 0, 0, pmm.RangeAllocated, pmm.AllocHigh|pmm.AllocCanFail)
		if allocErr != nil {
			return nil, loader.ErrOutOfMemory
		}

		img.PhysBase = addr
		img.Relocatable = true
		img.Delta = addr - preferred
	}

	space.Insert(img.VirtBase, img.VirtSize)

	// Copy segment contents and zero the BSS tails, then establish the
	// mappings with the permissions the segment flags imply.
	for _, p := range load {
		segPhys := img.PhysBase + (p.Vaddr - img.VirtBase)
		buf := pm.Slice(segPhys, p.Memsz)

		if p.Filesz > 0 {
			if n, _ := r.ReadAt(buf[:p.Filesz], int64(p.Off)); uint64(n) < p.Filesz {
				return nil, errShortRead
			}
		}
		for i := p.Filesz; i < p.Memsz; i++ {
			buf[i] = 0
		}

		seg := Segment{
			Virt:  mem.PageAlignDown(p.Vaddr),
			Size:  mem.PageAlignUp(p.Vaddr+p.Memsz) - mem.PageAlignDown(p.Vaddr),
			Flags: segmentFlags(p.Flags),
		}
		seg.Phys = img.PhysBase + (seg.Virt - img.VirtBase)

		if !ctx.Map(seg.Virt, seg.Phys, seg.Size, seg.Flags) {
			return nil, loader.ErrMalformedImage
		}

		img.Segments = append(img.Segments, seg)
	}

	if img.Relocatable && relaSize > 0 {
		if relErr := applyRelocations(f.Machine, img, pm, relaVaddr, relaSize); relErr != nil {
			return nil, relErr
		}
	}

	img.Entry = f.Entry + img.Delta
	if !entryExecutable(img, f.Entry) {
		return nil, errEntryNotExecutable
	}

	img.Notes = collectNotes(f)

	return img, nil
}

// segmentFlags converts ELF segment permissions to mapping flags.
func segmentFlags(pf elf.ProgFlag) mmu.Flag {
	var flags mmu.Flag
	if pf&elf.PF_W != 0 {
		flags |= mmu.FlagWrite
	}
	if pf&elf.PF_X != 0 {
		flags |= mmu.FlagExec
	}

	return flags
}

// entryExecutable reports whether the file entry point falls inside a
// mapped executable segment.
func entryExecutable(img *Image, fileEntry uint64) bool {
	for _, seg := range img.Segments {
		if seg.Flags&mmu.FlagExec == 0 {
			continue
		}
		if fileEntry >= seg.Virt && fileEntry < seg.Virt+seg.Size {
			return true
		}
	}

	return false
}

// findRelaTable locates the RELA table advertised by the image's dynamic
// segment. It returns the table's virtual address and byte size.
func findRelaTable(f *elf.File) (vaddr, size uint64, ok bool) {
	var dyn *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_DYNAMIC {
			dyn = p
			break
		}
	}
	if dyn == nil || f.Class != elf.ELFCLASS64 {
		return 0, 0, false
	}

	data := make([]byte, dyn.Filesz)
	if n, _ := dyn.ReadAt(data, 0); uint64(n) < dyn.Filesz {
		return 0, 0, false
	}

	for off := 0; off+16 <= len(data); off += 16 {
		tag := binary.LittleEndian.Uint64(data[off:])
		val := binary.LittleEndian.Uint64(data[off+8:])

		switch tag {
		case dtNull:
			return vaddr, size, vaddr != 0 && size != 0
		case dtRela:
			vaddr = val
		case dtRelaSz:
			size = val
		}
	}

	return vaddr, size, vaddr != 0 && size != 0
}

// applyRelocations walks the RELA table inside the already-copied image and
// applies the relative relocations of the running architecture. Any other
// relocation type is fatal.
func applyRelocations(machine elf.Machine, img *Image, pm *pmm.Manager, relaVaddr, relaSize uint64) *loader.Error {
	relative := relX86_64Relative
	if machine == elf.EM_AARCH64 {
		relative = relAarch64Relative
	}

	table := pm.Slice(img.PhysBase+(normalizeVaddr(img, relaVaddr)-img.VirtBase), relaSize)

	for off := uint64(0); off+24 <= relaSize; off += 24 {
		target := binary.LittleEndian.Uint64(table[off:])
		info := binary.LittleEndian.Uint64(table[off+8:])
		addend := binary.LittleEndian.Uint64(table[off+16:])

		if uint32(info) != relative {
			return errBadRelocation
		}

		dest := pm.Slice(img.PhysBase+(normalizeVaddr(img, target)-img.VirtBase), 8)
		binary.LittleEndian.PutUint64(dest, img.Delta+addend)
	}

	return nil
}

// normalizeVaddr maps an address found in image metadata into the image's
// virtual span; some images express dynamic metadata as offsets from the
// segment base rather than absolute addresses.
func normalizeVaddr(img *Image, addr uint64) uint64 {
	if addr < img.VirtBase {
		return img.VirtBase + addr
	}

	return addr
}

// collectNotes gathers the entries of all SHT_NOTE sections. Each note entry
// carries a namesz/descsz/type header followed by 4-byte padded name and
// descriptor blocks.
func collectNotes(f *elf.File) []Note {
	var notes []Note

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			continue
		}

		for off := 0; off+12 <= len(data); {
			namesz := binary.LittleEndian.Uint32(data[off:])
			descsz := binary.LittleEndian.Uint32(data[off+4:])
			ntype := binary.LittleEndian.Uint32(data[off+8:])
			off += 12

			nameEnd := off + int(namesz)
			if nameEnd > len(data) {
				break
			}
			name := string(data[off:nameEnd])
			if namesz > 0 && name[len(name)-1] == 0 {
				name = name[:len(name)-1]
			}
			off = alignNote(nameEnd)

			descEnd := off + int(descsz)
			if descEnd > len(data) {
				break
			}
			desc := make([]byte, descsz)
			copy(desc, data[off:descEnd])
			off = alignNote(descEnd)

			notes = append(notes, Note{Name: name, Type: ntype, Desc: desc})
		}
	}

	return notes
}

func alignNote(off int) int {
	return (off + 3) &^ 3
}
