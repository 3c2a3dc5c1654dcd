// Package cmd is a small command core shared by the operator tools. A command
// has a name, a usage line and Run(ctx, invocation); the adapter decides where
// arguments come from.
package cmd

import (
	"context"
	"io"
)

// Invocation carries the positional arguments of one command run and where
// its output goes.
type Invocation struct {
	Args []string
	Out  io.Writer
}

// Arg returns the i-th argument or "" when it is missing.
func (inv *Invocation) Arg(i int) string {
	if inv == nil || i < 0 || i >= len(inv.Args) {
		return ""
	}
	return inv.Args[i]
}

// Writer returns Out, or io.Discard when nothing listens.
func (inv *Invocation) Writer() io.Writer {
	if inv == nil || inv.Out == nil {
		return io.Discard
	}
	return inv.Out
}

// Command is identity plus execution.
type Command interface {
	Name() string
	Usage() string
	Run(ctx context.Context, inv *Invocation) error
}

// Func adapts a function to Command.
type Func struct {
	CmdName  string
	CmdUsage string
	RunFunc  func(ctx context.Context, inv *Invocation) error
}

func (f Func) Name() string  { return f.CmdName }
func (f Func) Usage() string { return f.CmdUsage }

func (f Func) Run(ctx context.Context, inv *Invocation) error {
	return f.RunFunc(ctx, inv)
}
