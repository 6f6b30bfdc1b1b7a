package kmain

import (
	"kboot/loader"
	"kboot/loader/config"
	"kboot/loader/kboot"
	"kboot/loader/kfmt"
	"kboot/loader/tag"
)

var (
	errBadArguments = &loader.Error{Module: "kmain", Message: "invalid command arguments"}
	errBadVideoMode = &loader.Error{Module: "kmain", Message: "unrecognised video mode"}
)

// buildRegistry assembles the command set. The registry is owned by the
// session; handlers close over it rather than consulting global state.
func (s *Session) buildRegistry() *config.Registry {
	reg := &config.Registry{}

	reg.Register("set", s.cmdSet)
	reg.Register("unset", s.cmdUnset)
	reg.Register("include", s.cmdInclude)
	reg.Register("device", s.cmdDevice)
	reg.Register("entry", s.cmdEntry)
	reg.Register("kboot", s.cmdKBoot)
	reg.Register("linux", s.cmdLinux)
	reg.Register("multiboot", s.cmdMultiboot)
	reg.Register("chain", s.cmdChain)
	reg.Register("video", s.cmdVideo)
	reg.Register("menu-style", s.cmdMenuStyle)
	reg.Register("timeout", s.cmdTimeout)
	reg.Register("hidden", s.cmdHidden)
	reg.Register("default", s.cmdDefault)
	reg.Register("lsmemory", s.cmdLsMemory)
	reg.Register("help", s.cmdHelp)

	return reg
}

// cmdSet binds a value to a name in the current environment:
// set "name" VALUE.
func (s *Session) cmdSet(_ *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 2 || args[0].Kind() != config.StringValue {
		return errBadArguments
	}

	env.Set(args[0].String(), args[1])
	return nil
}

// cmdUnset removes a binding from the current environment: unset "name".
func (s *Session) cmdUnset(_ *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 1 || args[0].Kind() != config.StringValue {
		return errBadArguments
	}

	env.Unset(args[0].String())
	return nil
}

// cmdInclude parses and executes another configuration file in the current
// environment: include "path".
func (s *Session) cmdInclude(ec *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 1 || args[0].Kind() != config.StringValue {
		return errBadArguments
	}

	list, err := s.parseFile(args[0].String())
	if err != nil {
		return err
	}

	return ec.Execute(list, env)
}

// cmdDevice switches the device paths are resolved against: device "name".
func (s *Session) cmdDevice(_ *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 1 || args[0].Kind() != config.StringValue {
		return errBadArguments
	}

	name := args[0].String()
	if err := s.devices.SetBoot(name); err != nil {
		return err
	}

	mount, err := s.filesystems.Mount(s.devices.Boot())
	if err != nil {
		return err
	}

	s.mount = mount
	env.Device = name
	env.Directory = "/"

	return nil
}

// cmdEntry declares a menu entry: entry "name" { ... }. The block executes
// immediately in a fresh child environment; a failure inside it is recorded
// against the entry and reported when the entry is chosen.
func (s *Session) cmdEntry(ec *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 2 || args[0].Kind() != config.StringValue || args[1].Kind() != config.CommandListValue {
		return errBadArguments
	}

	entry := &MenuEntry{
		Name: args[0].String(),
		Env:  config.NewEnvironment(env),
	}

	ec.PushErrorHandler(func(cmdName string, err *loader.Error) {
		if entry.Err == nil {
			entry.FailedCmd, entry.Err = cmdName, err
		}
	})
	defer ec.PopErrorHandler()

	ec.Execute(args[1].Commands(), entry.Env)

	s.entries = append(s.entries, entry)
	return nil
}

// stringList converts a list argument into a string slice.
func stringList(v config.Value) ([]string, bool) {
	if v.Kind() != config.ListValue {
		return nil, false
	}

	out := make([]string, len(v.List()))
	for i, elem := range v.List() {
		if elem.Kind() != config.StringValue {
			return nil, false
		}
		out[i] = elem.String()
	}

	return out, true
}

// cmdKBoot selects the kboot protocol loader: kboot "path" [modules].
func (s *Session) cmdKBoot(_ *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	if len(args) < 1 || len(args) > 2 || args[0].Kind() != config.StringValue {
		return errBadArguments
	}

	l := &kboot.Loader{Path: args[0].String()}
	if len(args) == 2 {
		mods, ok := stringList(args[1])
		if !ok {
			return errBadArguments
		}
		l.Modules = mods
	}

	env.SetLoader(l)
	return nil
}

// cmdLinux selects the Linux loader: linux "path" ["initrd"] ["cmdline"].
func (s *Session) cmdLinux(_ *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	if len(args) < 1 || len(args) > 3 || args[0].Kind() != config.StringValue {
		return errBadArguments
	}

	l := &linuxLoader{path: args[0].String()}
	if len(args) >= 2 {
		if args[1].Kind() != config.StringValue {
			return errBadArguments
		}
		l.initrd = args[1].String()
	}
	if len(args) == 3 {
		if args[2].Kind() != config.StringValue {
			return errBadArguments
		}
		l.cmdline = args[2].String()
	}

	env.SetLoader(l)
	return nil
}

// cmdMultiboot selects the multiboot loader: multiboot "path" [modules].
func (s *Session) cmdMultiboot(_ *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	if len(args) < 1 || len(args) > 2 || args[0].Kind() != config.StringValue {
		return errBadArguments
	}

	l := &multibootLoader{path: args[0].String()}
	if len(args) == 2 {
		mods, ok := stringList(args[1])
		if !ok {
			return errBadArguments
		}
		l.modules = mods
	}

	env.SetLoader(l)
	return nil
}

// cmdChain selects the chain loader: chain ["path"]. Without a path the
// boot device's boot sector is chain-loaded.
func (s *Session) cmdChain(_ *config.ExecContext, env *config.Environment, args []config.Value) *loader.Error {
	l := &chainLoader{devices: s.devices}

	if len(args) > 1 {
		return errBadArguments
	}
	if len(args) == 1 {
		if args[0].Kind() != config.StringValue {
			return errBadArguments
		}
		l.path = args[0].String()
	}

	env.SetLoader(l)
	return nil
}

// cmdVideo records the requested video mode: video "WIDTHxHEIGHTxBPP" or
// video "text".
func (s *Session) cmdVideo(_ *config.ExecContext, _ *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 1 || args[0].Kind() != config.StringValue {
		return errBadArguments
	}

	mode, ok := parseVideoMode(args[0].String())
	if !ok {
		return errBadVideoMode
	}

	s.videoMode = mode
	return nil
}

// parseVideoMode parses "WIDTHxHEIGHTxBPP" ("text" yields an 80x25 text
// mode).
func parseVideoMode(spec string) (*tag.Video, bool) {
	if spec == "text" {
		return &tag.Video{Width: 80, Height: 25}, true
	}

	var (
		parts   [3]uint32
		cur     uint32
		idx     int
		haveAny bool
	)

	for i := 0; i < len(spec); i++ {
		ch := spec[i]
		switch {
		case ch >= '0' && ch <= '9':
			cur = cur*10 + uint32(ch-'0')
			haveAny = true
		case ch == 'x' && haveAny && idx < 2:
			parts[idx] = cur
			cur, haveAny = 0, false
			idx++
		default:
			return nil, false
		}
	}
	if !haveAny || idx != 2 {
		return nil, false
	}
	parts[2] = cur

	return &tag.Video{Width: parts[0], Height: parts[1], Bpp: parts[2]}, true
}

// cmdMenuStyle stores the menu styling block for the UI layer:
// menu-style { ... }.
func (s *Session) cmdMenuStyle(_ *config.ExecContext, _ *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 1 || args[0].Kind() != config.CommandListValue {
		return errBadArguments
	}

	s.menuStyle = args[0].Commands()
	return nil
}

// cmdTimeout sets the menu timeout in seconds: timeout 5.
func (s *Session) cmdTimeout(_ *config.ExecContext, _ *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 1 || args[0].Kind() != config.IntegerValue {
		return errBadArguments
	}

	s.timeout = args[0].Integer()
	return nil
}

// cmdHidden controls whether the menu is shown: hidden true.
func (s *Session) cmdHidden(_ *config.ExecContext, _ *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 1 || args[0].Kind() != config.BooleanValue {
		return errBadArguments
	}

	s.hidden = args[0].Boolean()
	return nil
}

// cmdDefault selects the default menu entry by name or index: default 1 or
// default "name".
func (s *Session) cmdDefault(_ *config.ExecContext, _ *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 1 || (args[0].Kind() != config.StringValue && args[0].Kind() != config.IntegerValue) {
		return errBadArguments
	}

	s.defaultSel = args[0]
	return nil
}

// cmdLsMemory dumps the current physical memory map.
func (s *Session) cmdLsMemory(ec *config.ExecContext, _ *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 0 {
		return errBadArguments
	}

	s.pm.Dump(ec.Out)
	return nil
}

// cmdHelp lists the registered commands.
func (s *Session) cmdHelp(ec *config.ExecContext, _ *config.Environment, args []config.Value) *loader.Error {
	if len(args) != 0 {
		return errBadArguments
	}

	for _, name := range s.reg.Names() {
		kfmt.Fprintf(ec.Out, "%s\n", name)
	}

	return nil
}
