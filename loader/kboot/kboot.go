package kboot

import (
	"encoding/binary"
	"io"

	"kboot/loader"
	"kboot/loader/config"
	"kboot/loader/elf"
	"kboot/loader/fs"
	"kboot/loader/kfmt"
	"kboot/loader/mem"
	"kboot/loader/mem/pmm"
	"kboot/loader/mem/vmm"
	"kboot/loader/mmu"
	"kboot/loader/tag"
)

var (
	errNoKernel      = &loader.Error{Module: "kboot", Message: "kernel image path is not set"}
	errBadNote       = &loader.Error{Module: "kboot", Message: "kernel image carries a malformed kboot note"}
	errTagOverflow   = &loader.Error{Module: "kboot", Message: "boot tag stream exceeded its allocation"}
	errUnknownKernel = &loader.Error{Module: "kboot", Message: "kernel bitness is not supported"}
)

// Note types in the "KBoot" ELF note namespace. A kernel image uses these to
// describe what it needs from the loader.
const (
	noteImage   = 0
	noteLoad    = 1
	noteOption  = 2
	noteMapping = 3
	noteVideo   = 4
)

// noteNamespace is the ELF note name kboot kernels tag their image notes
// with.
const noteNamespace = "KBoot"

// tagAreaSlack is extra room left in the tag-stream allocation for memory
// ranges created after the area itself is carved out.
const tagAreaSlack = 16 * 24

// Virtual address windows the kernel image and its companions are placed in,
// per page-table format.
func kernelWindow(kind mmu.Kind) (uint64, uint64) {
	switch kind {
	case mmu.KindX86, mmu.KindX86PAE:
		return 0xc0000000, 0x40000000
	default:
		return 0xffffffff80000000, 0x80000000
	}
}

// OSLoader is the boot-method contract the orchestrator dispatches on: a
// config.Loader that can materialise its kernel and produce a Handoff.
type OSLoader interface {
	config.Loader

	// Load performs the boot method's load sequence using the
	// orchestrator-owned resources in lc.
	Load(lc *LoadContext) (*Handoff, *loader.Error)
}

// LoadContext carries the orchestrator-owned resources a loader needs.
type LoadContext struct {
	// PM is the loader's physical memory manager.
	PM *pmm.Manager

	// Mount is the filesystem of the boot device.
	Mount fs.Mount

	// Env is the environment of the entry being booted.
	Env *config.Environment

	// BootDevName is the registry name of the boot device.
	BootDevName string

	// Video is the video mode requested through configuration, if any.
	Video *tag.Video

	// Out receives progress and diagnostics.
	Out io.Writer
}

// Handoff is the record the trampoline consumes to enter the kernel: the
// page-table roots, the tag-stream location and the entry point. Producing a
// Handoff commits the boot; the memory manager is sealed by then.
type Handoff struct {
	Kind mmu.Kind

	// RootPhys and RootUpperPhys are the page-table roots.
	RootPhys      uint64
	RootUpperPhys uint64

	// Entry is the kernel's virtual entry point.
	Entry uint64

	// TagsVirt and TagsPhys locate the boot tag stream.
	TagsVirt uint64
	TagsPhys uint64

	// TrampolineVirt and TrampolinePhys locate the trampoline page,
	// which is mapped at both addresses so execution survives the MMU
	// switch.
	TrampolineVirt uint64
	TrampolinePhys uint64

	// MemoryMap is the finalized memory map handed to the kernel.
	MemoryMap []pmm.Range
}

// Loader boots a kernel using the kboot protocol. The kboot command
// constructs one and stores it in the entry's environment.
type Loader struct {
	// Path is the kernel image path.
	Path string

	// Modules are the module paths loaded alongside the kernel.
	Modules []string
}

// LoaderName implements config.Loader.
func (l *Loader) LoaderName() string {
	return "kboot"
}

// Load implements OSLoader. The sequence is: create the MMU context and
// virtual allocator for the kernel's bitness, load the ELF image, act on the
// image's kboot notes, load modules, place the trampoline and tag stream,
// finalize memory and emit the tag stream.
func (l *Loader) Load(lc *LoadContext) (*Handoff, *loader.Error) {
	if l.Path == "" {
		return nil, errNoKernel
	}

	kernel, err := lc.Mount.Open(l.Path, nil)
	if err != nil {
		return nil, err
	}
	defer kernel.Close()

	kind, err := contextKind(kernel)
	if err != nil {
		return nil, err
	}

	ctx := mmu.New(kind, lc.PM, pmm.RangePageTables)
	winBase, winSize := kernelWindow(kind)
	space := vmm.NewSpace(winBase, winSize)

	img, err := elf.Load(kernel, lc.PM, space, ctx)
	if err != nil {
		return nil, err
	}

	kfmt.Fprintf(lc.Out, "[kboot] loaded '%s' at 0x%x (entry 0x%x)\n", l.Path, img.PhysBase, img.Entry)

	options, video, err := l.applyImageNotes(lc, ctx, space, img)
	if err != nil {
		return nil, err
	}
	if video == nil {
		video = lc.Video
	}

	modules, err := l.loadModules(lc)
	if err != nil {
		return nil, err
	}

	// The trampoline page is mapped both at its physical address and at
	// a kernel virtual address so the CPU can keep fetching instructions
	// across the MMU enable.
	trampPhys, _, err := lc.PM.Alloc(mem.PageSize, 0, 0, 0, pmm.RangeReclaimable, pmm.AllocCanFail)
	if err != nil {
		return nil, err
	}
	trampVirt, err := space.Alloc(mem.PageSize, 0)
	if err != nil {
		return nil, err
	}
	if !ctx.Map(trampVirt, trampPhys, mem.PageSize, mmu.FlagExec) ||
		!ctx.Map(trampPhys, trampPhys, mem.PageSize, mmu.FlagExec) {
		return nil, loader.ErrSystemError
	}

	// Size the tag area before the memory map is final: every range the
	// finalize step can still produce fits in the slack.
	areaSize := mem.PageAlignUp(uint64(l.estimateTagSize(lc, options, modules, video)) + tagAreaSlack)

	tagsPhys, _, err := lc.PM.Alloc(areaSize, 0, 0, 0, pmm.RangeReclaimable, pmm.AllocCanFail)
	if err != nil {
		return nil, err
	}
	tagsVirt, err := space.Alloc(areaSize, 0)
	if err != nil {
		return nil, err
	}
	if !ctx.Map(tagsVirt, tagsPhys, areaSize, 0) {
		return nil, loader.ErrSystemError
	}

	// No further allocation happens beyond this point.
	finalMap := lc.PM.Finalize()

	stream := l.buildTags(lc, tagStreamInfo{
		img:      img,
		ctx:      ctx,
		tagsVirt: tagsVirt,
		tagsPhys: tagsPhys,
		tramp:    trampVirt,
		options:  options,
		modules:  modules,
		video:    video,
		memory:   finalMap,
	})
	if uint64(len(stream)) > areaSize {
		return nil, errTagOverflow
	}
	copy(lc.PM.Slice(tagsPhys, areaSize), stream)

	ctx.Finalize()

	return &Handoff{
		Kind:           kind,
		RootPhys:       ctx.RootPhys(),
		RootUpperPhys:  ctx.RootUpperPhys(),
		Entry:          img.Entry,
		TagsVirt:       tagsVirt,
		TagsPhys:       tagsPhys,
		TrampolineVirt: trampVirt,
		TrampolinePhys: trampPhys,
		MemoryMap:      finalMap,
	}, nil
}

// contextKind inspects the image header to pick the page-table format for
// the kernel.
func contextKind(r io.ReaderAt) (mmu.Kind, *loader.Error) {
	var head [20]byte
	if n, _ := r.ReadAt(head[:], 0); n < len(head) {
		return 0, loader.ErrUnknownImage
	}

	machine := binary.LittleEndian.Uint16(head[18:])
	switch machine {
	case 0x3e: // EM_X86_64
		return mmu.KindX86_64, nil
	case 0xb7: // EM_AARCH64
		return mmu.KindARM64, nil
	case 0x03: // EM_386
		return mmu.KindX86PAE, nil
	default:
		return 0, errUnknownKernel
	}
}

// optionEcho is an image option echoed back to the kernel through the tag
// stream.
type optionEcho struct {
	name  string
	value string
}

// applyImageNotes walks the image's kboot notes and performs their actions:
// extra virtual mappings, option collection and video requests.
func (l *Loader) applyImageNotes(lc *LoadContext, ctx *mmu.Context, space *vmm.Space, img *elf.Image) ([]optionEcho, *tag.Video, *loader.Error) {
	var (
		options []optionEcho
		video   *tag.Video
	)

	for _, note := range img.Notes {
		if note.Name != noteNamespace {
			continue
		}

		switch note.Type {
		case noteImage, noteLoad:
			// Version and load-parameter notes carry no actions at
			// this stage.

		case noteOption:
			name := noteString(note.Desc)
			if name == "" {
				return nil, nil, errBadNote
			}
			options = append(options, optionEcho{name: name, value: l.optionValue(lc.Env, name)})

		case noteMapping:
			if len(note.Desc) < 24 {
				return nil, nil, errBadNote
			}
			virt := binary.LittleEndian.Uint64(note.Desc[0:])
			phys := binary.LittleEndian.Uint64(note.Desc[8:])
			size := binary.LittleEndian.Uint64(note.Desc[16:])

			if !mem.IsPageAligned(virt) || !mem.IsPageAligned(phys) || !mem.IsPageAligned(size) || size == 0 {
				return nil, nil, errBadNote
			}

			if virt >= space.Base() && size <= space.Size() && virt-space.Base() <= space.Size()-size {
				space.Reserve(virt, size)
			}
			if !ctx.Map(virt, phys, size, mmu.FlagWrite) {
				return nil, nil, errBadNote
			}

		case noteVideo:
			if len(note.Desc) < 12 {
				return nil, nil, errBadNote
			}
			video = &tag.Video{
				Width:  binary.LittleEndian.Uint32(note.Desc[0:]),
				Height: binary.LittleEndian.Uint32(note.Desc[4:]),
				Bpp:    binary.LittleEndian.Uint32(note.Desc[8:]),
			}

		default:
			return nil, nil, errBadNote
		}
	}

	return options, video, nil
}

// optionValue renders the environment's value for an image option, falling
// back to an empty string when the option is unset.
func (l *Loader) optionValue(env *config.Environment, name string) string {
	if env == nil {
		return ""
	}

	v, ok := env.Lookup(name)
	if !ok {
		return ""
	}

	return config.FormatValue(v)
}

// loadModules reads each module into its own contiguous physical range.
func (l *Loader) loadModules(lc *LoadContext) ([]tag.Module, *loader.Error) {
	var modules []tag.Module

	for _, path := range l.Modules {
		mod, err := l.loadModule(lc, path)
		if err != nil {
			return nil, err
		}
		modules = append(modules, mod)
	}

	return modules, nil
}

func (l *Loader) loadModule(lc *LoadContext, path string) (tag.Module, *loader.Error) {
	h, err := lc.Mount.Open(path, nil)
	if err != nil {
		return tag.Module{}, err
	}
	defer h.Close()

	size := h.Size()
	alloc := mem.PageAlignUp(size)
	if alloc == 0 {
		alloc = mem.PageSize
	}

	addr, buf, err := lc.PM.Alloc(alloc, 0, 0, 0, pmm.RangeModules, pmm.AllocCanFail)
	if err != nil {
		return tag.Module{}, err
	}

	if size > 0 {
		if n, _ := h.ReadAt(buf[:size], 0); uint64(n) < size {
			return tag.Module{}, loader.ErrDeviceError
		}
	}

	kfmt.Fprintf(lc.Out, "[kboot] loaded module '%s' (%d bytes)\n", path, size)

	return tag.Module{Start: addr, Size: size, Name: baseName(path)}, nil
}

type tagStreamInfo struct {
	img      *elf.Image
	ctx      *mmu.Context
	tagsVirt uint64
	tagsPhys uint64
	tramp    uint64
	options  []optionEcho
	modules  []tag.Module
	video    *tag.Video
	memory   []pmm.Range
}

// buildTags assembles the stream in the required order: Core first, then
// Option, Memory, PageTables, Modules, Bootdev, the optional Video tag and
// the debug log.
func (l *Loader) buildTags(lc *LoadContext, info tagStreamInfo) []byte {
	var b tag.Builder

	b.AppendCore(tag.Core{
		TagsVirt:       info.tagsVirt,
		TagsPhys:       info.tagsPhys,
		KernelEntry:    info.img.Entry,
		KernelVirtBase: info.img.VirtBase,
		KernelVirtSize: info.img.VirtSize,
		KernelPhysBase: info.img.PhysBase,
	})

	for _, opt := range info.options {
		b.AppendOption(opt.name, opt.value)
	}

	b.AppendMemory(info.memory)

	b.AppendPageTables(tag.PageTables{
		RootPhys:       info.ctx.RootPhys(),
		RootUpperPhys:  info.ctx.RootUpperPhys(),
		TrampolineVirt: info.tramp,
	})

	b.AppendModules(info.modules)
	b.AppendBootdev(tag.BootdevFilesystem, lc.BootDevName)

	if info.video != nil {
		b.AppendVideo(*info.video)
	}

	logBuf := make([]byte, kfmt.DebugLogSize())
	b.AppendLog(logBuf[:kfmt.DebugLogSnapshot(logBuf)])

	return b.Finish()
}

// estimateTagSize sizes the stream before the final memory map exists; the
// caller adds slack for ranges the remaining allocations create.
func (l *Loader) estimateTagSize(lc *LoadContext, options []optionEcho, modules []tag.Module, video *tag.Video) int {
	var b tag.Builder

	b.AppendCore(tag.Core{})
	for _, opt := range options {
		b.AppendOption(opt.name, opt.value)
	}
	b.AppendMemory(lc.PM.Ranges())
	b.AppendPageTables(tag.PageTables{})
	b.AppendModules(modules)
	b.AppendBootdev(tag.BootdevFilesystem, lc.BootDevName)
	if video != nil {
		b.AppendVideo(*video)
	}

	logBuf := make([]byte, kfmt.DebugLogSize())
	b.AppendLog(logBuf[:kfmt.DebugLogSnapshot(logBuf)])

	return len(b.Finish())
}

// noteString extracts a NUL-terminated string from a note descriptor.
func noteString(desc []byte) string {
	for i, b := range desc {
		if b == 0 {
			return string(desc[:i])
		}
	}

	return string(desc)
}

func baseName(path string) string {
	last := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			last = i + 1
		}
	}

	return path[last:]
}
