package cmd

import (
	"context"
	"fmt"
	"sort"
)

// UsageError reports a command invoked with bad arguments.
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s %s", e.Command, e.Usage)
}

// UnknownCommandError is returned by Run for names nobody registered.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// Registry stores commands by name.
type Registry struct {
	commands map[string]Command
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command, replacing any with the same name.
func (r *Registry) Register(c Command, mws ...Middleware) {
	r.commands[c.Name()] = Apply(c, mws...)
}

// Get returns the command with the given name, or nil.
func (r *Registry) Get(name string) Command {
	return r.commands[name]
}

// GetAll returns all registered commands, sorted by name.
func (r *Registry) GetAll() []Command {
	list := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})
	return list
}

// Run looks up name and runs it with inv.
func (r *Registry) Run(ctx context.Context, name string, inv *Invocation) error {
	c := r.Get(name)
	if c == nil {
		return &UnknownCommandError{Name: name}
	}
	if inv == nil {
		inv = &Invocation{}
	}
	return c.Run(ctx, inv)
}
