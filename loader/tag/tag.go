package tag

import (
	"encoding/binary"

	"kboot/loader/mem/pmm"
)

// Tag types understood by kernels booted with the kboot protocol. The
// stream handed to the kernel is a sequence of (type, size) headed records,
// 8-byte aligned, terminated by TagNone.
const (
	TagNone           = uint32(0)
	TagCore           = uint32(1)
	TagOption         = uint32(2)
	TagMemory         = uint32(3)
	TagVideo          = uint32(4)
	TagBootdev        = uint32(5)
	TagModules        = uint32(6)
	TagLog            = uint32(7)
	TagPageTables     = uint32(8)
	TagSerial         = uint32(9)
	TagBiosE820       = uint32(10)
	TagEfiSystemTable = uint32(11)
	TagFDT            = uint32(12)
)

// headerSize is the size of the {type: u32, size: u32} record header. The
// size field counts the header and payload but not the alignment padding.
const headerSize = 8

// Memory range types reported through TagMemory entries.
const (
	MemoryFree        = uint8(0)
	MemoryAllocated   = uint8(1)
	MemoryReclaimable = uint8(2)
	MemoryPageTables  = uint8(3)
	MemoryStack       = uint8(4)
	MemoryModules     = uint8(5)
)

// Builder assembles a kboot tag stream. Records are appended through typed
// helpers; the builder maintains the 8-byte alignment invariant internally
// and Finish seals the stream with the terminator tag.
type Builder struct {
	buf []byte
}

// Append adds a raw record with the given type and payload.
func (b *Builder) Append(tagType uint32, payload []byte) {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:], tagType)
	binary.LittleEndian.PutUint32(header[4:], uint32(headerSize+len(payload)))

	b.buf = append(b.buf, header[:]...)
	b.buf = append(b.buf, payload...)

	for len(b.buf)%8 != 0 {
		b.buf = append(b.buf, 0)
	}
}

// Size returns the current stream size in bytes, excluding the terminator.
func (b *Builder) Size() int {
	return len(b.buf)
}

// Finish appends the terminator and returns the completed stream.
func (b *Builder) Finish() []byte {
	b.Append(TagNone, nil)
	return b.buf
}

// Core describes the payload of the mandatory first tag: where the kernel
// finds the tag stream and what was loaded where.
type Core struct {
	// TagsVirt is the virtual address the stream is mapped at.
	TagsVirt uint64

	// TagsPhys is the physical address of the stream.
	TagsPhys uint64

	// KernelEntry is the kernel's virtual entry point.
	KernelEntry uint64

	// KernelVirtBase and KernelVirtSize describe the kernel image's
	// virtual span.
	KernelVirtBase uint64
	KernelVirtSize uint64

	// KernelPhysBase is the physical base the image was loaded at.
	KernelPhysBase uint64
}

// AppendCore appends the core tag.
func (b *Builder) AppendCore(c Core) {
	payload := make([]byte, 48)
	le := binary.LittleEndian
	le.PutUint64(payload[0:], c.TagsVirt)
	le.PutUint64(payload[8:], c.TagsPhys)
	le.PutUint64(payload[16:], c.KernelEntry)
	le.PutUint64(payload[24:], c.KernelVirtBase)
	le.PutUint64(payload[32:], c.KernelVirtSize)
	le.PutUint64(payload[40:], c.KernelPhysBase)

	b.Append(TagCore, payload)
}

// memoryTagType converts a physical range type to its tag encoding.
// Internal ranges must have been dropped by the memory finalize step before
// the stream is built.
func memoryTagType(t pmm.RangeType) uint8 {
	switch t {
	case pmm.RangeFree:
		return MemoryFree
	case pmm.RangeReclaimable:
		return MemoryReclaimable
	case pmm.RangePageTables:
		return MemoryPageTables
	case pmm.RangeStack:
		return MemoryStack
	case pmm.RangeModules:
		return MemoryModules
	default:
		return MemoryAllocated
	}
}

// AppendMemory appends the memory map tag: one {start, size, type} entry per
// range, each entry padded to 8 bytes.
func (b *Builder) AppendMemory(ranges []pmm.Range) {
	payload := make([]byte, 24*len(ranges))
	le := binary.LittleEndian

	for i, r := range ranges {
		off := i * 24
		le.PutUint64(payload[off:], r.Start)
		le.PutUint64(payload[off+8:], r.Size)
		payload[off+16] = memoryTagType(r.Type)
	}

	b.Append(TagMemory, payload)
}

// PageTables describes where the constructed page tables live.
type PageTables struct {
	// RootPhys is the physical address of the top-level table (CR3 /
	// TTBR0_EL1).
	RootPhys uint64

	// RootUpperPhys is the ARM64 upper-half table (TTBR1_EL1); zero on
	// x86.
	RootUpperPhys uint64

	// TrampolineVirt is the virtual address of the trampoline page.
	TrampolineVirt uint64
}

// AppendPageTables appends the page tables tag.
func (b *Builder) AppendPageTables(p PageTables) {
	payload := make([]byte, 24)
	le := binary.LittleEndian
	le.PutUint64(payload[0:], p.RootPhys)
	le.PutUint64(payload[8:], p.RootUpperPhys)
	le.PutUint64(payload[16:], p.TrampolineVirt)

	b.Append(TagPageTables, payload)
}

// Module describes one boot module loaded for the kernel.
type Module struct {
	// Start and Size locate the module's contiguous physical range.
	Start uint64
	Size  uint64

	// Name is the module's file name.
	Name string
}

// AppendModules appends the modules tag: each entry is {start, size,
// name length} followed by the name bytes padded to 8 bytes.
func (b *Builder) AppendModules(mods []Module) {
	var payload []byte
	le := binary.LittleEndian

	for _, m := range mods {
		entry := make([]byte, 24+pad8(len(m.Name)))
		le.PutUint64(entry[0:], m.Start)
		le.PutUint64(entry[8:], m.Size)
		le.PutUint32(entry[16:], uint32(len(m.Name)))
		copy(entry[24:], m.Name)
		payload = append(payload, entry...)
	}

	b.Append(TagModules, payload)
}

// Boot device methods reported through the bootdev tag.
const (
	BootdevFilesystem = uint32(1)
	BootdevNetwork    = uint32(2)
	BootdevOther      = uint32(3)
)

// AppendBootdev appends the boot device tag: the transport method and the
// device's registry name.
func (b *Builder) AppendBootdev(method uint32, name string) {
	payload := make([]byte, 8+pad8(len(name)))
	le := binary.LittleEndian
	le.PutUint32(payload[0:], method)
	le.PutUint32(payload[4:], uint32(len(name)))
	copy(payload[8:], name)

	b.Append(TagBootdev, payload)
}

// AppendLog appends the debug log tag carrying the loader's ring buffer
// contents.
func (b *Builder) AppendLog(log []byte) {
	payload := make([]byte, 8+pad8(len(log)))
	binary.LittleEndian.PutUint32(payload[0:], uint32(len(log)))
	copy(payload[8:], log)

	b.Append(TagLog, payload)
}

// Video describes a video mode handed to the kernel.
type Video struct {
	// Width and Height are in pixels, or characters for text modes.
	Width, Height uint32

	// Bpp is bits per pixel; zero for text modes.
	Bpp uint32

	// PhysAddr is the framebuffer physical address; zero for text modes.
	PhysAddr uint64
}

// AppendVideo appends the video mode tag.
func (b *Builder) AppendVideo(v Video) {
	payload := make([]byte, 24)
	le := binary.LittleEndian
	le.PutUint32(payload[0:], v.Width)
	le.PutUint32(payload[4:], v.Height)
	le.PutUint32(payload[8:], v.Bpp)
	le.PutUint64(payload[16:], v.PhysAddr)

	b.Append(TagVideo, payload)
}

// AppendOption appends an option tag echoing a per-image configuration value
// back to the kernel as a name/value string pair.
func (b *Builder) AppendOption(name, value string) {
	payload := make([]byte, 8+pad8(len(name))+pad8(len(value)))
	le := binary.LittleEndian
	le.PutUint32(payload[0:], uint32(len(name)))
	le.PutUint32(payload[4:], uint32(len(value)))
	copy(payload[8:], name)
	copy(payload[8+pad8(len(name)):], value)

	b.Append(TagOption, payload)
}

func pad8(n int) int {
	return (n + 7) &^ 7
}
