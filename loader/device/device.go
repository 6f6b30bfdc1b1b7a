package device

import "kboot/loader"

// Device is the interface the loader core uses to talk to block-capable
// devices. Concrete implementations (disks, partitions, network targets)
// live in the platform's driver layer.
type Device interface {
	// DeviceName returns the registry name of the device, e.g. "disk0,1".
	DeviceName() string

	// Identify returns a human-readable description used by device
	// listings.
	Identify() string

	// ReadAt reads len(p) bytes at the given byte offset. It returns the
	// number of bytes read and an error if the read is short or the
	// device fails.
	ReadAt(p []byte, off int64) (int, error)
}

// Registry tracks the devices discovered by the platform's driver layer. It
// is owned by the boot orchestrator; the core never consults a process-wide
// list.
type Registry struct {
	devices []Device
	boot    Device
}

// Register adds a device to the registry. The first registered device
// becomes the boot device unless SetBoot overrides it.
func (r *Registry) Register(d Device) {
	r.devices = append(r.devices, d)
	if r.boot == nil {
		r.boot = d
	}
}

// Lookup returns the device with the given registry name.
func (r *Registry) Lookup(name string) (Device, *loader.Error) {
	for _, d := range r.devices {
		if d.DeviceName() == name {
			return d, nil
		}
	}

	return nil, loader.ErrNotFound
}

// Boot returns the device the loader was booted from.
func (r *Registry) Boot() Device {
	return r.boot
}

// SetBoot marks the device with the given name as the boot device.
func (r *Registry) SetBoot(name string) *loader.Error {
	d, err := r.Lookup(name)
	if err != nil {
		return err
	}

	r.boot = d
	return nil
}

// List returns the registered devices in registration order.
func (r *Registry) List() []Device {
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}
