package cmd

import "context"

// Middleware wraps a command (logging, argument checks).
type Middleware func(Command) Command

// Apply applies middlewares in order; the first in the list is the outermost.
func Apply(c Command, mws ...Middleware) Command {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// Wrap returns a command that runs run instead of c.Run and keeps c's name
// and usage.
func Wrap(c Command, run func(ctx context.Context, inv *Invocation) error) Command {
	return Func{CmdName: c.Name(), CmdUsage: c.Usage(), RunFunc: run}
}

// MinArgs rejects invocations with fewer than n arguments.
func MinArgs(n int) Middleware {
	return func(c Command) Command {
		return Wrap(c, func(ctx context.Context, inv *Invocation) error {
			if inv == nil || len(inv.Args) < n {
				return &UsageError{Command: c.Name(), Usage: c.Usage()}
			}
			return c.Run(ctx, inv)
		})
	}
}
