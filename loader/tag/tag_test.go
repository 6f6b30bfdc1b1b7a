package tag

import (
	"encoding/binary"
	"testing"

	"kboot/loader/mem/pmm"
)

// walkStream decodes the (type, size) headers of a finished stream,
// returning the tag types in order and checking the alignment invariant.
func walkStream(t *testing.T, stream []byte) []uint32 {
	t.Helper()

	var types []uint32
	le := binary.LittleEndian

	off := 0
	for {
		if off%8 != 0 {
			t.Fatalf("tag at offset %d is not 8-byte aligned", off)
		}
		if off+headerSize > len(stream) {
			t.Fatal("stream ended without a terminator tag")
		}

		tagType := le.Uint32(stream[off:])
		size := int(le.Uint32(stream[off+4:]))

		types = append(types, tagType)
		if tagType == TagNone {
			return types
		}

		if size < headerSize {
			t.Fatalf("tag %d has undersized record: %d", tagType, size)
		}

		off += (size + 7) &^ 7
	}
}

func TestStreamLayoutAndTermination(t *testing.T) {
	var b Builder

	b.AppendCore(Core{TagsVirt: 0xffffffff90000000, KernelEntry: 0xffffffff80100000})
	b.Append(TagSerial, []byte{1, 2, 3}) // deliberately unpadded payload
	b.AppendLog([]byte("boot log"))

	stream := b.Finish()
	types := walkStream(t, stream)

	exp := []uint32{TagCore, TagSerial, TagLog, TagNone}
	if len(types) != len(exp) {
		t.Fatalf("expected %d tags; got %v", len(exp), types)
	}
	for i := range exp {
		if types[i] != exp[i] {
			t.Errorf("tag %d: expected type %d; got %d", i, exp[i], types[i])
		}
	}

	if len(stream)%8 != 0 {
		t.Errorf("expected the finished stream size to be 8-byte aligned; got %d", len(stream))
	}
}

func TestCorePayload(t *testing.T) {
	var b Builder
	b.AppendCore(Core{
		TagsVirt:       0x1000,
		TagsPhys:       0x2000,
		KernelEntry:    0x3000,
		KernelVirtBase: 0x4000,
		KernelVirtSize: 0x5000,
		KernelPhysBase: 0x6000,
	})

	stream := b.Finish()
	le := binary.LittleEndian

	if got := le.Uint32(stream[4:]); got != 8+48 {
		t.Fatalf("expected core record size %d; got %d", 8+48, got)
	}

	for i, exp := range []uint64{0x1000, 0x2000, 0x3000, 0x4000, 0x5000, 0x6000} {
		if got := le.Uint64(stream[8+i*8:]); got != exp {
			t.Errorf("core field %d: expected 0x%x; got 0x%x", i, exp, got)
		}
	}
}

func TestMemoryPayloadKeepsReclaimableDistinct(t *testing.T) {
	var b Builder
	b.AppendMemory([]pmm.Range{
		{Start: 0x0, Size: 0x1000, Type: pmm.RangeFree},
		{Start: 0x1000, Size: 0x2000, Type: pmm.RangeReclaimable},
		{Start: 0x3000, Size: 0x1000, Type: pmm.RangePageTables},
		{Start: 0x4000, Size: 0x1000, Type: pmm.RangeAllocated},
	})

	stream := b.Finish()
	le := binary.LittleEndian

	expTypes := []uint8{MemoryFree, MemoryReclaimable, MemoryPageTables, MemoryAllocated}
	for i, exp := range expTypes {
		if got := stream[8+i*24+16]; got != exp {
			t.Errorf("entry %d: expected type %d; got %d", i, exp, got)
		}
	}

	starts := []uint64{0x0, 0x1000, 0x3000, 0x4000}
	for i, exp := range starts {
		if got := le.Uint64(stream[8+i*24:]); got != exp {
			t.Errorf("entry %d: expected start 0x%x; got 0x%x", i, exp, got)
		}
	}
}

func TestModulesPayload(t *testing.T) {
	var b Builder
	b.AppendModules([]Module{
		{Start: 0x100000, Size: 0x2000, Name: "net.ko"},
		{Start: 0x102000, Size: 0x1000, Name: "fs.ko"},
	})

	stream := b.Finish()
	le := binary.LittleEndian

	// First entry: 24-byte header plus "net.ko" padded to 8.
	if got := le.Uint64(stream[8:]); got != 0x100000 {
		t.Errorf("expected first module start 0x100000; got 0x%x", got)
	}
	if got := le.Uint32(stream[8+16:]); got != uint32(len("net.ko")) {
		t.Errorf("expected name length %d; got %d", len("net.ko"), got)
	}
	if got := string(stream[8+24 : 8+24+6]); got != "net.ko" {
		t.Errorf("expected first module name %q; got %q", "net.ko", got)
	}

	second := 8 + 24 + 8 // entry header + padded name
	if got := le.Uint64(stream[second:]); got != 0x102000 {
		t.Errorf("expected second module start 0x102000; got 0x%x", got)
	}
}

func TestBootdevAndOptionPayloads(t *testing.T) {
	var b Builder
	b.AppendBootdev(BootdevFilesystem, "disk0")
	b.AppendOption("timeout", "5")

	stream := b.Finish()
	le := binary.LittleEndian

	if got := le.Uint32(stream[8:]); got != BootdevFilesystem {
		t.Errorf("expected bootdev method %d; got %d", BootdevFilesystem, got)
	}
	if got := string(stream[16 : 16+5]); got != "disk0" {
		t.Errorf("expected device name %q; got %q", "disk0", got)
	}

	// The bootdev record is 8+8+8 bytes, already aligned.
	optOff := 24
	if got := le.Uint32(stream[optOff:]); got != TagOption {
		t.Fatalf("expected option tag at offset %d; got type %d", optOff, got)
	}
	nameLen := le.Uint32(stream[optOff+8:])
	valueLen := le.Uint32(stream[optOff+12:])
	if nameLen != 7 || valueLen != 1 {
		t.Fatalf("unexpected option lengths: %d %d", nameLen, valueLen)
	}
	if got := string(stream[optOff+16 : optOff+16+7]); got != "timeout" {
		t.Errorf("expected option name %q; got %q", "timeout", got)
	}
	if got := string(stream[optOff+16+8 : optOff+16+8+1]); got != "5" {
		t.Errorf("expected option value %q; got %q", "5", got)
	}
}
