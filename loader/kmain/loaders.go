package kmain

import (
	"kboot/loader"
	"kboot/loader/device"
	"kboot/loader/elf"
	"kboot/loader/kboot"
	"kboot/loader/kfmt"
	"kboot/loader/mem"
	"kboot/loader/mem/pmm"
	"kboot/loader/mem/vmm"
	"kboot/loader/mmu"
)

var (
	errNoBootSector = &loader.Error{Module: "chain", Message: "target has no boot sector"}
	errLowMemBusy   = &loader.Error{Module: "chain", Message: "low memory for the boot sector is unavailable"}
)

// linuxLoader boots a Linux kernel: the kernel image is placed at the 1MiB
// protected-mode address and the initrd is loaded high as a module range.
// The command line is only echoed in the load output; no tag or boot
// parameter block is built from it.
type linuxLoader struct {
	path    string
	initrd  string
	cmdline string
}

func (l *linuxLoader) LoaderName() string { return "linux" }

// linuxLoadAddr is the protected-mode kernel load address.
const linuxLoadAddr = 0x100000

// Load implements kboot.OSLoader.
func (l *linuxLoader) Load(lc *kboot.LoadContext) (*kboot.Handoff, *loader.Error) {
	kernelSize, err := loadFlatFile(lc, l.path, linuxLoadAddr, pmm.RangeAllocated)
	if err != nil {
		return nil, err
	}

	handoff := &kboot.Handoff{Kind: mmu.KindX86, Entry: linuxLoadAddr}

	if l.initrd != "" {
		h, openErr := lc.Mount.Open(l.initrd, nil)
		if openErr != nil {
			return nil, openErr
		}
		defer h.Close()

		size := mem.PageAlignUp(h.Size())
		addr, buf, allocErr := lc.PM.Alloc(size, 0, 0, 0, pmm.RangeModules, pmm.AllocHigh|pmm.AllocCanFail)
		if allocErr != nil {
			return nil, allocErr
		}
		if n, _ := h.ReadAt(buf[:h.Size()], 0); uint64(n) < h.Size() {
			return nil, loader.ErrDeviceError
		}

		kfmt.Fprintf(lc.Out, "[linux] loaded initrd '%s' at 0x%x\n", l.initrd, addr)
	}

	kfmt.Fprintf(lc.Out, "[linux] loaded '%s' (%d bytes), cmdline: '%s'\n", l.path, kernelSize, l.cmdline)

	handoff.MemoryMap = lc.PM.Finalize()
	return handoff, nil
}

// multibootLoader boots a multiboot kernel: the image is loaded through the
// ELF loader and its modules are placed as contiguous physical ranges.
type multibootLoader struct {
	path    string
	modules []string
}

func (l *multibootLoader) LoaderName() string { return "multiboot" }

// Load implements kboot.OSLoader.
func (l *multibootLoader) Load(lc *kboot.LoadContext) (*kboot.Handoff, *loader.Error) {
	h, err := lc.Mount.Open(l.path, nil)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	ctx := mmu.New(mmu.KindX86PAE, lc.PM, pmm.RangePageTables)
	space := vmm.NewSpace(0xc0000000, 0x40000000)

	img, err := elf.Load(h, lc.PM, space, ctx)
	if err != nil {
		return nil, err
	}

	for _, modPath := range l.modules {
		modHandle, openErr := lc.Mount.Open(modPath, nil)
		if openErr != nil {
			return nil, openErr
		}

		size := mem.PageAlignUp(modHandle.Size())
		if size == 0 {
			size = mem.PageSize
		}

		addr, buf, allocErr := lc.PM.Alloc(size, 0, 0, 0, pmm.RangeModules, pmm.AllocCanFail)
		if allocErr != nil {
			modHandle.Close()
			return nil, allocErr
		}
		if n, _ := modHandle.ReadAt(buf[:modHandle.Size()], 0); uint64(n) < modHandle.Size() {
			modHandle.Close()
			return nil, loader.ErrDeviceError
		}

		kfmt.Fprintf(lc.Out, "[multiboot] loaded module '%s' at 0x%x\n", modPath, addr)
		modHandle.Close()
	}

	ctx.Finalize()

	handoff := &kboot.Handoff{
		Kind:     mmu.KindX86PAE,
		RootPhys: ctx.RootPhys(),
		Entry:    img.Entry,
	}
	handoff.MemoryMap = lc.PM.Finalize()

	return handoff, nil
}

// chainLoader hands control to another boot loader by loading a boot sector
// into a page of low memory.
type chainLoader struct {
	devices *device.Registry
	path    string
}

func (l *chainLoader) LoaderName() string { return "chain" }

// chainLoadAddr is the start of the low-memory page the boot sector is
// copied to.
const chainLoadAddr = 0x7000

// Load implements kboot.OSLoader. With a path the boot sector is read from
// a file; without one it is read from the start of the boot device.
func (l *chainLoader) Load(lc *kboot.LoadContext) (*kboot.Handoff, *loader.Error) {
	sector := make([]byte, 512)

	if l.path != "" {
		h, err := lc.Mount.Open(l.path, nil)
		if err != nil {
			return nil, err
		}
		if n, _ := h.ReadAt(sector, 0); n < len(sector) {
			h.Close()
			return nil, errNoBootSector
		}
		h.Close()
	} else {
		boot := l.devices.Boot()
		if boot == nil {
			return nil, loader.ErrNotFound
		}
		if n, _ := boot.ReadAt(sector, 0); n < len(sector) {
			return nil, errNoBootSector
		}
	}

	if sector[510] != 0x55 || sector[511] != 0xaa {
		return nil, errNoBootSector
	}

	// The sector is placed in a page of low memory; the platform's
	// real-mode thunk jumps to it.
	addr, buf, err := lc.PM.Alloc(mem.PageSize, 0, chainLoadAddr, chainLoadAddr+mem.PageSize, pmm.RangeAllocated, pmm.AllocCanFail)
	if err != nil {
		return nil, errLowMemBusy
	}
	copy(buf, sector)

	handoff := &kboot.Handoff{Kind: mmu.KindX86, Entry: addr}
	handoff.MemoryMap = lc.PM.Finalize()

	return handoff, nil
}

// loadFlatFile reads a whole file into a fresh allocation at a demanded
// physical address.
func loadFlatFile(lc *kboot.LoadContext, path string, addr uint64, rtype pmm.RangeType) (uint64, *loader.Error) {
	h, err := lc.Mount.Open(path, nil)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	size := mem.PageAlignUp(h.Size())
	if size == 0 {
		return 0, loader.ErrMalformedImage
	}

	_, buf, err := lc.PM.Alloc(size, 0, addr, addr+size, rtype, pmm.AllocCanFail)
	if err != nil {
		return 0, err
	}
	if n, _ := h.ReadAt(buf[:h.Size()], 0); uint64(n) < h.Size() {
		return 0, loader.ErrDeviceError
	}

	return h.Size(), nil
}
