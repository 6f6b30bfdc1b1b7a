package kmain

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"kboot/loader/config"
	"kboot/loader/device"
	"kboot/loader/fs"
	"kboot/loader/fs/fsmem"
	"kboot/loader/kboot"
	"kboot/loader/mem"
	"kboot/loader/mem/pmm"
	"kboot/loader/tag"
)

// memDevice is a byte-slice backed block device.
type memDevice struct {
	name string
	data []byte
}

func (d *memDevice) DeviceName() string { return d.name }
func (d *memDevice) Identify() string   { return "test memory device" }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}

	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// buildKernel64 assembles a minimal fixed-placement x86-64 kernel image.
func buildKernel64(vaddr, paddr, entry uint64) []byte {
	buf := make([]byte, 0x2000)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), 1})

	le := binary.LittleEndian
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], 64)
	le.PutUint16(buf[52:], 64)
	le.PutUint16(buf[54:], 56)
	le.PutUint16(buf[56:], 1)

	// One RWX PT_LOAD segment with a small BSS tail.
	le.PutUint32(buf[64:], uint32(elf.PT_LOAD))
	le.PutUint32(buf[68:], uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	le.PutUint64(buf[72:], 0x1000)
	le.PutUint64(buf[80:], vaddr)
	le.PutUint64(buf[88:], paddr)
	le.PutUint64(buf[96:], 0x200)
	le.PutUint64(buf[104:], 0x1000)
	le.PutUint64(buf[112:], 0x1000)

	for i := 0; i < 0x200; i++ {
		buf[0x1000+i] = byte(i)
	}

	return buf
}

// testBootSetup wires a session against an arena, a memory device and an
// in-memory boot filesystem.
func testBootSetup(t *testing.T, files map[string][]byte) (*Session, *fsmem.FS, *bytes.Buffer) {
	t.Helper()

	arena := mem.NewArena(0x100000, 0x800000)
	fsys := fsmem.New("boot", files)

	devices := &device.Registry{}
	devices.Register(&memDevice{name: "disk0", data: []byte("raw")})

	filesystems := &fs.Registry{}
	filesystems.Register(func(_ device.Device) fs.Mount { return fsys })

	var out bytes.Buffer
	s := NewSession(Options{
		Mapper: arena,
		Firmware: func(visit func(FirmwareRegion) bool) {
			visit(FirmwareRegion{Start: 0x100000, Length: 0x800000, Type: RegionAvailable})
		},
		Devices:          devices,
		Filesystems:      filesystems,
		LoaderImageStart: 0x100000,
		LoaderImageSize:  0x10000,
		Out:              &out,
	})

	return s, fsys, &out
}

// walkTags decodes a finished tag stream into its tag types.
func walkTags(t *testing.T, stream []byte) []uint32 {
	t.Helper()

	var types []uint32
	le := binary.LittleEndian

	off := 0
	for {
		if off+8 > len(stream) {
			t.Fatal("tag stream ended without a terminator")
		}

		tagType := le.Uint32(stream[off:])
		size := int(le.Uint32(stream[off+4:]))
		types = append(types, tagType)

		if tagType == tag.TagNone {
			return types
		}

		off += (size + 7) &^ 7
	}
}

func TestBootEndToEnd(t *testing.T) {
	const (
		kernelVirt  = uint64(0xffffffff80000000)
		kernelPhys  = uint64(0x200000)
		kernelEntry = kernelVirt + 0x10
	)

	s, fsys, _ := testBootSetup(t, map[string][]byte{
		"/kboot.cfg": []byte("timeout 5\nentry \"test\" { kboot \"/kernel\" [ \"/mod.ko\" ] }\n"),
		"/kernel":    buildKernel64(kernelVirt, kernelPhys, kernelEntry),
		"/mod.ko":    bytes.Repeat([]byte{0x4d}, 100),
	})

	if err := s.LoadConfig(""); err != nil {
		t.Fatalf("unexpected LoadConfig error: %v", err)
	}
	if s.State() != StateParsed {
		t.Fatalf("expected StateParsed; got %d", s.State())
	}
	if s.Timeout() != 5 {
		t.Errorf("expected timeout 5; got %d", s.Timeout())
	}

	entry, err := s.SelectEntry()
	if err != nil {
		t.Fatalf("unexpected SelectEntry error: %v", err)
	}
	if entry.Name != "test" {
		t.Errorf("expected the sole entry to be auto-picked; got %q", entry.Name)
	}

	var entered *kboot.Handoff
	s.Enter = func(h *kboot.Handoff) { entered = h }

	handoff, err := s.Boot(entry)
	if err != nil {
		t.Fatalf("unexpected Boot error: %v", err)
	}

	if s.State() != StateEntered {
		t.Errorf("expected StateEntered; got %d", s.State())
	}
	if entered != handoff {
		t.Error("expected the Enter hook to receive the handoff")
	}
	if handoff.Entry != kernelEntry {
		t.Errorf("expected entry 0x%x; got 0x%x", kernelEntry, handoff.Entry)
	}
	if handoff.RootPhys == 0 {
		t.Error("expected a page-table root")
	}
	if handoff.TrampolineVirt == 0 || handoff.TrampolinePhys == 0 {
		t.Error("expected a trampoline placement")
	}

	// The final memory map must carry no internal ranges and must track
	// the module and the reclaimable boot data.
	var haveModules, haveReclaimable bool
	for _, r := range handoff.MemoryMap {
		switch r.Type {
		case pmm.RangeInternal:
			t.Errorf("internal range %+v leaked into the kernel map", r)
		case pmm.RangeModules:
			haveModules = true
		case pmm.RangeReclaimable:
			haveReclaimable = true
		}
	}
	if !haveModules || !haveReclaimable {
		t.Error("expected modules and reclaimable ranges in the kernel map")
	}

	// The tag stream lives where the handoff says and is well formed.
	stream := s.PM().Slice(handoff.TagsPhys, 0x1000)
	types := walkTags(t, stream)

	expect := map[uint32]bool{
		tag.TagCore: false, tag.TagMemory: false, tag.TagPageTables: false,
		tag.TagModules: false, tag.TagBootdev: false, tag.TagLog: false,
	}
	for _, tp := range types {
		if _, ok := expect[tp]; ok {
			expect[tp] = true
		}
	}
	for tp, seen := range expect {
		if !seen {
			t.Errorf("expected tag type %d in the stream", tp)
		}
	}
	if types[0] != tag.TagCore {
		t.Errorf("expected the core tag first; got %d", types[0])
	}

	// Core tag echoes the stream's own virtual address.
	if got := binary.LittleEndian.Uint64(stream[8:]); got != handoff.TagsVirt {
		t.Errorf("expected core TagsVirt 0x%x; got 0x%x", handoff.TagsVirt, got)
	}

	// Every file handle opened during the boot was released.
	if fsys.OpenCount() != 0 {
		t.Errorf("expected all handles to be closed; %d still open", fsys.OpenCount())
	}

	// The session is committed; booting again is refused.
	if _, err := s.Boot(entry); err != errAlreadyBooting {
		t.Errorf("expected errAlreadyBooting; got %v", err)
	}
}

func TestConfigPopulatesRootAndEntryState(t *testing.T) {
	s, _, _ := testBootSetup(t, map[string][]byte{
		"/kboot.cfg": []byte("set \"timeout\" 5\nentry \"A\" { kboot \"/k\" [ \"/m\" ] }\n"),
	})

	if err := s.LoadConfig(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v, ok := s.RootEnv().Lookup("timeout"); !ok || !v.Equals(config.IntegerVal(5)) {
		t.Errorf("expected root timeout=5; got (%+v, %t)", v, ok)
	}

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Name != "A" {
		t.Fatalf("expected one entry named A; got %+v", entries)
	}

	ldr, ok := entries[0].Env.Loader().(*kboot.Loader)
	if !ok {
		t.Fatalf("expected a kboot loader; got %T", entries[0].Env.Loader())
	}
	if ldr.Path != "/k" || len(ldr.Modules) != 1 || ldr.Modules[0] != "/m" {
		t.Errorf("unexpected loader state: %+v", ldr)
	}
}

func TestEntryErrorIsCapturedNotFatal(t *testing.T) {
	s, _, out := testBootSetup(t, map[string][]byte{
		"/kboot.cfg": []byte("entry \"bad\" { bogus-command }\nentry \"good\" { kboot \"/k\" }\n"),
	})

	if err := s.LoadConfig(""); err != nil {
		t.Fatalf("expected entry errors to be captured, not fatal; got %v", err)
	}

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected both entries to be declared; got %d", len(entries))
	}
	if entries[0].Err == nil || entries[0].FailedCmd != "bogus-command" {
		t.Errorf("expected the first entry to capture its failure; got %+v", entries[0])
	}
	if entries[1].Err != nil {
		t.Errorf("expected the second entry to be clean; got %v", entries[1].Err)
	}

	// Choosing the broken entry reports the captured error and recovers.
	entry, err := s.SelectEntry()
	if err != nil {
		t.Fatalf("unexpected SelectEntry error: %v", err)
	}
	if _, err = s.Boot(entry); err != errEntryBroken {
		t.Fatalf("expected errEntryBroken; got %v", err)
	}
	if s.State() != StateParsed {
		t.Errorf("expected recovery to StateParsed; got %d", s.State())
	}
	if out.Len() == 0 {
		t.Error("expected a diagnostic on the console")
	}
}

func TestDefaultSelection(t *testing.T) {
	cfg := "default %s\nentry \"A\" { kboot \"/k\" }\nentry \"B\" { kboot \"/k\" }\n"

	specs := []struct {
		selector string
		exp      string
	}{
		{"1", "B"},
		{"\"B\"", "B"},
		{"\"missing\"", "A"},
		// An index one past the end silently selects the first entry.
		{"2", "A"},
	}

	for specIndex, spec := range specs {
		s, _, _ := testBootSetup(t, map[string][]byte{
			"/kboot.cfg": []byte(replaceFirst(cfg, "%s", spec.selector)),
		})

		if err := s.LoadConfig(""); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		entry, err := s.SelectEntry()
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}
		if entry.Name != spec.exp {
			t.Errorf("[spec %d] expected entry %q; got %q", specIndex, spec.exp, entry.Name)
		}
	}
}

func replaceFirst(s, old, new string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}

	return s
}

func TestIncludeExecutesNestedFile(t *testing.T) {
	s, fsys, _ := testBootSetup(t, map[string][]byte{
		"/kboot.cfg":   []byte("include \"/extra.cfg\"\n"),
		"/extra.cfg":   []byte("set \"from-include\" true\n"),
		"/ignored.cfg": []byte("bogus\n"),
	})

	if err := s.LoadConfig(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v, ok := s.RootEnv().Lookup("from-include"); !ok || !v.Equals(config.BooleanVal(true)) {
		t.Errorf("expected the included file to execute; got (%+v, %t)", v, ok)
	}
	if fsys.OpenCount() != 0 {
		t.Errorf("expected include to release its handle; %d still open", fsys.OpenCount())
	}
}

func TestRootLoaderWithoutEntries(t *testing.T) {
	s, _, _ := testBootSetup(t, map[string][]byte{
		"/kboot.cfg": []byte("kboot \"/kernel\"\n"),
	})

	if err := s.LoadConfig(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, err := s.SelectEntry()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Env != s.RootEnv() {
		t.Error("expected the root environment to be bootable when no entries exist")
	}
}

func TestNothingToBoot(t *testing.T) {
	s, _, _ := testBootSetup(t, map[string][]byte{
		"/kboot.cfg": []byte("timeout 1\n"),
	})

	if err := s.LoadConfig(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.SelectEntry(); err != errNoEntry {
		t.Errorf("expected errNoEntry; got %v", err)
	}
}
