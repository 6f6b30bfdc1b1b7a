package kboot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"kboot/loader"
	"kboot/loader/config"
	"kboot/loader/fs/fsmem"
	"kboot/loader/mem"
	"kboot/loader/mem/pmm"
	"kboot/loader/tag"
)

// kernelImage assembles an x86-64 kernel image with one RWX load segment
// and, optionally, a "KBoot" note section.
func kernelImage(vaddr, paddr, entry uint64, notes []byte) []byte {
	const (
		loadOff  = uint64(0x1000)
		noteOff  = uint64(0x1800)
		strOff   = uint64(0x1900)
		shOff    = uint64(0x1a00)
		fileSize = 0x2000
	)

	buf := make([]byte, fileSize)
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

	le.PutUint32(buf[64:], uint32(elf.PT_LOAD))
	le.PutUint32(buf[68:], uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	le.PutUint64(buf[72:], loadOff)
	le.PutUint64(buf[80:], vaddr)
	le.PutUint64(buf[88:], paddr)
	le.PutUint64(buf[96:], 0x200)
	le.PutUint64(buf[104:], 0x800)
	le.PutUint64(buf[112:], 0x1000)

	if notes != nil {
		copy(buf[noteOff:], notes)

		// Section string table: "" / ".note" / ".shstrtab".
		strtab := []byte("\x00.note\x00.shstrtab\x00")
		copy(buf[strOff:], strtab)

		le.PutUint64(buf[40:], shOff) // e_shoff
		le.PutUint16(buf[58:], 64)    // e_shentsize
		le.PutUint16(buf[60:], 3)     // e_shnum
		le.PutUint16(buf[62:], 2)     // e_shstrndx

		// Section 1: the note section.
		sh := shOff + 64
		le.PutUint32(buf[sh:], 1) // name ".note"
		le.PutUint32(buf[sh+4:], uint32(elf.SHT_NOTE))
		le.PutUint64(buf[sh+24:], noteOff)
		le.PutUint64(buf[sh+32:], uint64(len(notes)))
		le.PutUint64(buf[sh+48:], 4)

		// Section 2: the string table.
		sh = shOff + 128
		le.PutUint32(buf[sh:], 7) // name ".shstrtab"
		le.PutUint32(buf[sh+4:], uint32(elf.SHT_STRTAB))
		le.PutUint64(buf[sh+24:], strOff)
		le.PutUint64(buf[sh+32:], uint64(len(strtab)))
		le.PutUint64(buf[sh+48:], 1)
	}

	return buf
}

// kbootNote encodes one ELF note in the KBoot namespace.
func kbootNote(ntype uint32, desc []byte) []byte {
	name := []byte("KBoot\x00")

	out := make([]byte, 12+8+((len(desc)+3)&^3))
	le := binary.LittleEndian
	le.PutUint32(out[0:], uint32(len(name)))
	le.PutUint32(out[4:], uint32(len(desc)))
	le.PutUint32(out[8:], ntype)
	copy(out[12:], name)
	copy(out[20:], desc)

	return out
}

func testLoadContext(files map[string][]byte) (*LoadContext, *fsmem.FS) {
	arena := mem.NewArena(0x100000, 0x800000)
	pm := pmm.NewManager(arena)
	pm.Add(0x100000, 0x800000, pmm.RangeFree)

	fsys := fsmem.New("boot", files)

	return &LoadContext{
		PM:          pm,
		Mount:       fsys,
		Env:         config.NewEnvironment(nil),
		BootDevName: "disk0",
		Out:         &bytes.Buffer{},
	}, fsys
}

func TestLoadActsOnImageNotes(t *testing.T) {
	const (
		kernelVirt = uint64(0xffffffff80000000)
		kernelPhys = uint64(0x200000)
	)

	// A mapping note asking for an extra device mapping and an option
	// note requesting the "cmdline" option echo.
	mapping := make([]byte, 24)
	le := binary.LittleEndian
	le.PutUint64(mapping[0:], 0xffffffffa0000000)
	le.PutUint64(mapping[8:], 0x300000)
	le.PutUint64(mapping[16:], 0x2000)

	video := make([]byte, 12)
	le.PutUint32(video[0:], 1024)
	le.PutUint32(video[4:], 768)
	le.PutUint32(video[8:], 32)

	var notes []byte
	notes = append(notes, kbootNote(noteMapping, mapping)...)
	notes = append(notes, kbootNote(noteOption, []byte("cmdline\x00"))...)
	notes = append(notes, kbootNote(noteVideo, video)...)

	lc, fsys := testLoadContext(map[string][]byte{
		"/kernel": kernelImage(kernelVirt, kernelPhys, kernelVirt+0x10, notes),
	})
	lc.Env.Set("cmdline", config.StringVal("console=ttyS0"))

	l := &Loader{Path: "/kernel"}
	handoff, err := l.Load(lc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The stream must echo the option value and carry the video request.
	stream := lc.PM.Slice(handoff.TagsPhys, 0x1000)
	var (
		haveOption bool
		haveVideo  bool
	)

	off := 0
	for {
		tagType := le.Uint32(stream[off:])
		size := int(le.Uint32(stream[off+4:]))
		if tagType == tag.TagNone {
			break
		}

		switch tagType {
		case tag.TagOption:
			nameLen := le.Uint32(stream[off+8:])
			valueLen := le.Uint32(stream[off+12:])
			name := string(stream[off+16 : off+16+int(nameLen)])
			valOff := off + 16 + int((nameLen+7)&^7)
			value := string(stream[valOff : valOff+int(valueLen)])

			if name == "cmdline" && value == "console=ttyS0" {
				haveOption = true
			}

		case tag.TagVideo:
			if le.Uint32(stream[off+8:]) == 1024 && le.Uint32(stream[off+12:]) == 768 {
				haveVideo = true
			}
		}

		off += (size + 7) &^ 7
	}

	if !haveOption {
		t.Error("expected the option note to be echoed with its environment value")
	}
	if !haveVideo {
		t.Error("expected the video note to produce a video tag")
	}

	if fsys.OpenCount() != 0 {
		t.Errorf("expected the kernel handle to be released; %d still open", fsys.OpenCount())
	}
}

func TestLoadWithoutKernelPath(t *testing.T) {
	lc, _ := testLoadContext(nil)

	if _, err := (&Loader{}).Load(lc); err != errNoKernel {
		t.Errorf("expected errNoKernel; got %v", err)
	}
}

func TestLoadMissingModuleReleasesHandles(t *testing.T) {
	const (
		kernelVirt = uint64(0xffffffff80000000)
		kernelPhys = uint64(0x200000)
	)

	lc, fsys := testLoadContext(map[string][]byte{
		"/kernel": kernelImage(kernelVirt, kernelPhys, kernelVirt+0x10, nil),
	})

	l := &Loader{Path: "/kernel", Modules: []string{"/missing.ko"}}
	if _, err := l.Load(lc); err != loader.ErrNotFound {
		t.Fatalf("expected ErrNotFound; got %v", err)
	}

	if fsys.OpenCount() != 0 {
		t.Errorf("expected all handles to be released on the error path; %d still open", fsys.OpenCount())
	}
}

func TestTrampolineIsDoubleMapped(t *testing.T) {
	const (
		kernelVirt = uint64(0xffffffff80000000)
		kernelPhys = uint64(0x200000)
	)

	lc, _ := testLoadContext(map[string][]byte{
		"/kernel": kernelImage(kernelVirt, kernelPhys, kernelVirt+0x10, nil),
	})

	handoff, err := (&Loader{Path: "/kernel"}).Load(lc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if handoff.TrampolineVirt < kernelVirt {
		t.Errorf("expected the trampoline virtual address inside the kernel window; got 0x%x", handoff.TrampolineVirt)
	}
	if handoff.TrampolinePhys == 0 || handoff.TrampolinePhys == handoff.TrampolineVirt {
		t.Errorf("expected a distinct physical trampoline page; got 0x%x", handoff.TrampolinePhys)
	}
}
