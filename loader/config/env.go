package config

// Loader is implemented by the boot methods a config file can select (kboot,
// linux, multiboot, chain). The orchestrator type-asserts the stored value
// to its richer loading interface at boot time; the environment only needs
// the name.
type Loader interface {
	// LoaderName returns the name of the boot method.
	LoaderName() string
}

type envEntry struct {
	name  string
	value Value
}

// Environment is an ordered name-to-value mapping plus the per-scope boot
// state: the current device, the current directory and the selected loader.
// Environments chain to a parent for lookups; writes always target the
// environment they are invoked on. A nested scope (such as a menu entry)
// gets its own environment and the root environment lives until kernel
// entry.
type Environment struct {
	parent  *Environment
	entries []envEntry

	// Device is the name of the device paths are resolved against.
	Device string

	// Directory is the directory relative paths are resolved against.
	Directory string

	ldr Loader
}

// NewEnvironment returns an environment chained to parent; parent may be nil
// for the root. The device and directory slots are inherited from the
// parent.
func NewEnvironment(parent *Environment) *Environment {
	env := &Environment{parent: parent}
	if parent != nil {
		env.Device = parent.Device
		env.Directory = parent.Directory
	}

	return env
}

// Lookup resolves name against this environment and then its parents. The
// returned value is shared, not copied.
func (e *Environment) Lookup(name string) (Value, bool) {
	for env := e; env != nil; env = env.parent {
		for i := range env.entries {
			if env.entries[i].name == name {
				return env.entries[i].value, true
			}
		}
	}

	return Value{}, false
}

// Set binds name to value in this environment, replacing any binding of the
// same name here. Bindings in parent environments are shadowed, not
// modified.
func (e *Environment) Set(name string, value Value) {
	for i := range e.entries {
		if e.entries[i].name == name {
			e.entries[i].value = value
			return
		}
	}

	e.entries = append(e.entries, envEntry{name: name, value: value})
}

// Unset removes the binding for name from this environment. Parent bindings
// are untouched.
func (e *Environment) Unset(name string) {
	for i := range e.entries {
		if e.entries[i].name == name {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			return
		}
	}
}

// SetLoader stores the selected boot method. Selecting a loader twice within
// one scope replaces the previous selection.
func (e *Environment) SetLoader(l Loader) {
	e.ldr = l
}

// Loader returns the boot method selected in this environment, without
// consulting the parent chain: a menu entry that selects no loader is not
// bootable.
func (e *Environment) Loader() Loader {
	return e.ldr
}
