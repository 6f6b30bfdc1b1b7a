package config

import (
	"io"

	"kboot/loader"
	"kboot/loader/kfmt"
)

var (
	errUnknownCommand  = &loader.Error{Module: "config", Message: "unknown command"}
	errUnknownVariable = &loader.Error{Module: "config", Message: "reference to undefined variable"}
)

// Handler executes one command against the current environment.
type Handler func(ec *ExecContext, env *Environment, args []Value) *loader.Error

// ErrorHandler is invoked when a command fails. Nested scopes install their
// own handler so that, for example, an error inside a menu entry is recorded
// against the entry instead of aborting the whole file.
type ErrorHandler func(cmdName string, err *loader.Error)

type registryEntry struct {
	name    string
	handler Handler
}

// Registry is the set of commands known to the loader. It is assembled once
// by the orchestrator at startup; there is no global command list.
type Registry struct {
	entries []registryEntry
}

// Register adds a command to the registry. Registering a name twice replaces
// the earlier handler.
func (r *Registry) Register(name string, handler Handler) {
	for i := range r.entries {
		if r.entries[i].name == name {
			r.entries[i].handler = handler
			return
		}
	}

	r.entries = append(r.entries, registryEntry{name: name, handler: handler})
}

// Names returns the registered command names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i := range r.entries {
		names[i] = r.entries[i].name
	}

	return names
}

func (r *Registry) lookup(name string) (Handler, bool) {
	for i := range r.entries {
		if r.entries[i].name == name {
			return r.entries[i].handler, true
		}
	}

	return nil, false
}

// ExecContext carries the state shared by all commands during execution of a
// configuration: the command registry, the console writer and the
// error-handler stack.
type ExecContext struct {
	Registry *Registry

	// Out receives command output and error reports.
	Out io.Writer

	handlers []ErrorHandler
}

// NewExecContext returns an execution context with the default error handler
// installed, which reports the failure on out.
func NewExecContext(reg *Registry, out io.Writer) *ExecContext {
	ec := &ExecContext{Registry: reg, Out: out}
	ec.PushErrorHandler(func(cmdName string, err *loader.Error) {
		kfmt.Fprintf(out, "config: command '%s' failed: %s\n", cmdName, err.Message)
	})

	return ec
}

// PushErrorHandler installs h as the current error handler.
func (ec *ExecContext) PushErrorHandler(h ErrorHandler) {
	ec.handlers = append(ec.handlers, h)
}

// PopErrorHandler removes the most recently installed error handler.
func (ec *ExecContext) PopErrorHandler() {
	if len(ec.handlers) <= 1 {
		panic("config: popped the default error handler")
	}

	ec.handlers = ec.handlers[:len(ec.handlers)-1]
}

// Execute runs a command list against env. Each command is looked up in the
// registry and its reference arguments are resolved against the environment
// chain before its handler runs. The first failure invokes the current error
// handler and aborts the list.
func (ec *ExecContext) Execute(list CommandList, env *Environment) *loader.Error {
	for _, cmd := range list {
		handler, ok := ec.Registry.lookup(cmd.Name)
		if !ok {
			kfmt.Fprintf(ec.Out, "config: line %d: unknown command '%s'\n", cmd.Line, cmd.Name)
			ec.reportError(cmd.Name, errUnknownCommand)
			return errUnknownCommand
		}

		args, err := ec.resolveArgs(cmd.Args, env)
		if err == nil {
			err = handler(ec, env, args)
		}

		if err != nil {
			ec.reportError(cmd.Name, err)
			return err
		}
	}

	return nil
}

func (ec *ExecContext) reportError(cmdName string, err *loader.Error) {
	ec.handlers[len(ec.handlers)-1](cmdName, err)
}

// resolveArgs deep-copies the argument list, replacing variable references
// with copies of the referenced values. References inside lists are resolved
// recursively; command blocks are left for their handler to execute.
func (ec *ExecContext) resolveArgs(args []Value, env *Environment) ([]Value, *loader.Error) {
	out := make([]Value, len(args))

	for i, arg := range args {
		resolved, err := ec.resolveValue(arg, env)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}

	return out, nil
}

func (ec *ExecContext) resolveValue(v Value, env *Environment) (Value, *loader.Error) {
	switch v.Kind() {
	case ReferenceValue:
		target, ok := env.Lookup(v.Reference())
		if !ok {
			kfmt.Fprintf(ec.Out, "config: undefined variable '%s'\n", v.Reference())
			return Value{}, errUnknownVariable
		}
		return target.Copy(), nil

	case ListValue:
		elems := make([]Value, len(v.List()))
		for i, elem := range v.List() {
			resolved, err := ec.resolveValue(elem, env)
			if err != nil {
				return Value{}, err
			}
			elems[i] = resolved
		}
		return ListVal(elems...), nil

	default:
		return v.Copy(), nil
	}
}
