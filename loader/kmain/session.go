package kmain

import (
	"io"

	"kboot/loader"
	"kboot/loader/config"
	"kboot/loader/device"
	"kboot/loader/fs"
	"kboot/loader/kboot"
	"kboot/loader/kfmt"
	"kboot/loader/mem"
	"kboot/loader/mem/pmm"
	"kboot/loader/tag"
)

// DefaultConfigPath is where the loader looks for its configuration on the
// boot device.
const DefaultConfigPath = "/kboot.cfg"

var (
	errNoConfig       = &loader.Error{Module: "kmain", Message: "no usable configuration found"}
	errNoLoader       = &loader.Error{Module: "kmain", Message: "selected entry does not configure a boot method"}
	errNoEntry        = &loader.Error{Module: "kmain", Message: "configuration declares nothing to boot"}
	errEntryBroken    = &loader.Error{Module: "kmain", Message: "selected entry failed during configuration"}
	errAlreadyBooting = &loader.Error{Module: "kmain", Message: "boot already committed"}
)

// State tracks a boot session's progress. Transitions are one-way except
// that a failure before StateFinalised drops the session back to StateParsed
// so the shell can retry.
type State uint8

const (
	StateUnconfigured State = iota
	StateParsed
	StateLoaderSelected
	StateLoaded
	StateFinalised
	StateEntered
)

// FirmwareRegionType classifies a firmware-reported memory region.
type FirmwareRegionType uint8

const (
	// RegionAvailable is normal RAM the loader may use.
	RegionAvailable FirmwareRegionType = iota

	// RegionReclaimable holds firmware data the OS can reclaim.
	RegionReclaimable

	// RegionReserved must not be touched.
	RegionReserved
)

// FirmwareRegion is one entry of the firmware-provided memory map.
type FirmwareRegion struct {
	Start  uint64
	Length uint64
	Type   FirmwareRegionType
}

// MemoryMapProvider feeds the firmware memory map to the session. The
// visitor returns false to stop the scan.
type MemoryMapProvider func(visit func(FirmwareRegion) bool)

// MenuEntry is one bootable menu item: its title, its environment and the
// error captured if its configuration block failed.
type MenuEntry struct {
	Name string
	Env  *config.Environment

	// Err and FailedCmd record a failure that occurred while the entry's
	// block executed; it is reported when the entry is chosen, not when
	// it is declared.
	Err       *loader.Error
	FailedCmd string
}

// Options configures a boot session.
type Options struct {
	// Mapper supplies the platform's phys-to-virt conversion.
	Mapper mem.PhysMapper

	// Firmware yields the firmware memory map.
	Firmware MemoryMapProvider

	// Devices and Filesystems are the platform's registries.
	Devices     *device.Registry
	Filesystems *fs.Registry

	// LoaderImageStart and LoaderImageSize describe the loader's own
	// footprint, protected against allocation.
	LoaderImageStart, LoaderImageSize uint64

	// Out is the console writer.
	Out io.Writer
}

// Session is the top-level boot orchestrator: it owns the physical memory
// manager, the root environment and the command registry for the lifetime
// of one boot.
type Session struct {
	state State

	pm          *pmm.Manager
	devices     *device.Registry
	filesystems *fs.Registry
	out         io.Writer

	reg     *config.Registry
	ec      *config.ExecContext
	rootEnv *config.Environment
	mount   fs.Mount

	entries    []*MenuEntry
	defaultSel config.Value
	timeout    uint64
	hidden     bool
	videoMode  *tag.Video
	menuStyle  config.CommandList

	// Enter is invoked with the completed handoff; platforms install the
	// trampoline jump here. Tests capture the handoff instead.
	Enter func(*kboot.Handoff)
}

// NewSession populates the physical memory manager from the firmware map,
// protects the loader's own image and assembles the command registry.
func NewSession(opts Options) *Session {
	s := &Session{
		state:       StateUnconfigured,
		pm:          pmm.NewManager(opts.Mapper),
		devices:     opts.Devices,
		filesystems: opts.Filesystems,
		out:         opts.Out,
		rootEnv:     config.NewEnvironment(nil),
	}

	if opts.Firmware != nil {
		opts.Firmware(func(r FirmwareRegion) bool {
			switch r.Type {
			case RegionAvailable:
				s.pm.Add(r.Start, r.Length, pmm.RangeFree)
			case RegionReclaimable:
				s.pm.Add(r.Start, r.Length, pmm.RangeReclaimable)
			}
			return true
		})
	}

	if opts.LoaderImageSize > 0 {
		s.pm.Protect(opts.LoaderImageStart, opts.LoaderImageSize)
	}

	s.reg = s.buildRegistry()
	s.ec = config.NewExecContext(s.reg, s.out)

	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	return s.state
}

// PM exposes the session's physical memory manager.
func (s *Session) PM() *pmm.Manager {
	return s.pm
}

// RootEnv returns the root environment.
func (s *Session) RootEnv() *config.Environment {
	return s.rootEnv
}

// Entries returns the menu entries declared by the configuration.
func (s *Session) Entries() []*MenuEntry {
	return s.entries
}

// Timeout returns the menu timeout in seconds (0 means wait forever).
func (s *Session) Timeout() uint64 {
	return s.timeout
}

// Hidden returns true when the menu is configured to stay hidden.
func (s *Session) Hidden() bool {
	return s.hidden
}

// LoadConfig mounts the boot device, reads the configuration at path (or
// DefaultConfigPath when empty) and executes it against the root
// environment.
func (s *Session) LoadConfig(path string) *loader.Error {
	if s.state != StateUnconfigured {
		panic("kmain: LoadConfig on a configured session")
	}

	if path == "" {
		path = DefaultConfigPath
	}

	boot := s.devices.Boot()
	if boot == nil {
		return errNoConfig
	}

	mount, err := s.filesystems.Mount(boot)
	if err != nil {
		return err
	}
	s.mount = mount
	s.rootEnv.Device = boot.DeviceName()
	s.rootEnv.Directory = "/"

	list, err := s.parseFile(path)
	if err != nil {
		return err
	}

	if err = s.ec.Execute(list, s.rootEnv); err != nil {
		return err
	}

	s.state = StateParsed
	return nil
}

// parseFile reads and parses one configuration file off the boot
// filesystem. The handle is released on every path out.
func (s *Session) parseFile(path string) (config.CommandList, *loader.Error) {
	h, err := s.mount.Open(path, nil)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	data := make([]byte, h.Size())
	if len(data) > 0 {
		if n, _ := h.ReadAt(data, 0); uint64(n) < h.Size() {
			return nil, loader.ErrDeviceError
		}
	}

	return config.NewParser(s.out).Parse(config.BytesSource(data))
}

// SelectEntry picks the menu entry to boot: the `default` directive when it
// matches, otherwise the sole or first entry. A configuration without
// `entry` commands boots the root environment when a loader was selected at
// top level.
func (s *Session) SelectEntry() (*MenuEntry, *loader.Error) {
	if s.state != StateParsed {
		panic("kmain: SelectEntry out of order")
	}

	if len(s.entries) == 0 {
		if s.rootEnv.Loader() == nil {
			return nil, errNoEntry
		}

		entry := &MenuEntry{Name: "root", Env: s.rootEnv}
		s.state = StateLoaderSelected
		return entry, nil
	}

	entry := s.entries[0]
	switch s.defaultSel.Kind() {
	case config.IntegerValue:
		// An out-of-range index silently falls back to the first
		// entry.
		if idx := s.defaultSel.Integer(); idx < uint64(len(s.entries)) {
			entry = s.entries[idx]
		}
	case config.StringValue:
		for _, e := range s.entries {
			if e.Name == s.defaultSel.String() {
				entry = e
				break
			}
		}
	}

	s.state = StateLoaderSelected
	return entry, nil
}

// Boot runs the selected entry's loader and, on success, commits: the
// memory map is final, the tag stream is built and the platform Enter hook
// receives the handoff. Failures before commit print a diagnostic and drop
// the session back to StateParsed for the shell.
func (s *Session) Boot(entry *MenuEntry) (*kboot.Handoff, *loader.Error) {
	if s.state != StateLoaderSelected {
		if s.state >= StateFinalised {
			return nil, errAlreadyBooting
		}
		panic("kmain: Boot out of order")
	}

	handoff, err := s.loadEntry(entry)
	if err != nil {
		kfmt.Fprintf(s.out, "[kmain] boot failed: %s\n", err.Message)
		s.state = StateParsed
		return nil, err
	}

	s.state = StateFinalised

	if s.Enter != nil {
		s.Enter(handoff)
	}
	s.state = StateEntered

	return handoff, nil
}

func (s *Session) loadEntry(entry *MenuEntry) (*kboot.Handoff, *loader.Error) {
	if entry.Err != nil {
		kfmt.Fprintf(s.out, "[kmain] entry '%s': command '%s' failed: %s\n", entry.Name, entry.FailedCmd, entry.Err.Message)
		return nil, errEntryBroken
	}

	ldr := entry.Env.Loader()
	if ldr == nil {
		return nil, errNoLoader
	}

	osLoader, ok := ldr.(kboot.OSLoader)
	if !ok {
		return nil, loader.ErrNotSupported
	}

	lc := &kboot.LoadContext{
		PM:          s.pm,
		Mount:       s.mount,
		Env:         entry.Env,
		BootDevName: entry.Env.Device,
		Video:       s.videoMode,
		Out:         s.out,
	}

	handoff, err := osLoader.Load(lc)
	if err != nil {
		return nil, err
	}
	s.state = StateLoaded

	return handoff, nil
}
