package fs

import (
	"kboot/loader"
	"kboot/loader/device"
)

// Handle is an open filesystem object. Handles are reference counted by
// their filesystem; the core must release every handle it opens, on every
// exit path, via Close.
type Handle interface {
	// ReadAt reads len(p) bytes at the given offset within the file.
	ReadAt(p []byte, off int64) (int, error)

	// Size returns the file size in bytes.
	Size() uint64

	// IsDir returns true if the handle refers to a directory.
	IsDir() bool

	// Iterate invokes cb for each entry of a directory handle until cb
	// returns false or the entries are exhausted.
	Iterate(cb func(name string) bool) *loader.Error

	// Close drops the caller's reference to the handle.
	Close()
}

// Mount is a filesystem instance bound to a device.
type Mount interface {
	// Label returns the volume label, which may be empty.
	Label() string

	// Open resolves path to a handle. A relative path is resolved
	// against from when it is non-nil, otherwise against the root.
	Open(path string, from Handle) (Handle, *loader.Error)
}

// Probe is implemented by filesystem drivers: it inspects a device and
// returns a Mount if it recognises the contents, or nil.
type Probe func(d device.Device) Mount

// Registry holds the filesystem drivers known to the loader and is owned by
// the boot orchestrator.
type Registry struct {
	probes []Probe
}

// Register adds a filesystem driver probe.
func (r *Registry) Register(p Probe) {
	r.probes = append(r.probes, p)
}

// Mount asks each registered driver to probe the device, returning the first
// match. ErrUnknownFilesystem is returned when no driver recognises the
// contents.
func (r *Registry) Mount(d device.Device) (Mount, *loader.Error) {
	for _, probe := range r.probes {
		if m := probe(d); m != nil {
			return m, nil
		}
	}

	return nil, loader.ErrUnknownFilesystem
}
