// Package confirm gates the execution of tools that require user approval.
//
// The set of tools needing approval is built once from server configuration
// and handed to a Gate; the Gate consults a Confirmer for each call. A
// declined call behaves as if the tool had never been requested.
package confirm

import (
	"context"
	"errors"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// ErrNotInteractive is returned by confirmers that cannot prompt anyone.
var ErrNotInteractive = errors.New("confirmation requires an interactive terminal")

// Confirmer asks whether a tool may run.
type Confirmer interface {
	Confirm(ctx context.Context, tool string) (bool, error)
}

// ConfirmFunc adapts a function to the Confirmer interface.
type ConfirmFunc func(ctx context.Context, tool string) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, tool string) (bool, error) {
	return f(ctx, tool)
}

// Always approves every tool.
var Always Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

// Never declines every tool.
var Never Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return false, nil })

// GateOptions configures a Gate.
type GateOptions struct {
	// Waived skips confirmation entirely (the --yes flag).
	Waived bool
	Logger logging.Logger
}

// Gate decides per tool call whether execution may proceed. A nil Gate
// approves everything.
type Gate struct {
	required  core.NameSet
	confirmer Confirmer
	opts      GateOptions
}

// NewGate creates a gate for the tools in required. A nil confirmer declines
// every tool that requires approval.
func NewGate(required core.NameSet, confirmer Confirmer, optFns ...func(o *GateOptions)) *Gate {
	var opts GateOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Gate{
		required:  required.Clone(),
		confirmer: confirmer,
		opts:      opts,
	}
}

// Requires reports whether name needs approval before it runs.
func (g *Gate) Requires(name string) bool {
	if g == nil || g.opts.Waived {
		return false
	}
	return g.required.Has(name)
}

// Approve returns true when name may run. Confirmer errors count as a decline.
func (g *Gate) Approve(ctx context.Context, name string) bool {
	if !g.Requires(name) {
		return true
	}
	if g.confirmer == nil {
		g.opts.Logger.Warn("confirm.no_confirmer", "tool", name)
		return false
	}

	ok, err := g.confirmer.Confirm(ctx, name)
	if err != nil {
		g.opts.Logger.Warn("confirm.failed", "tool", name, "error", err.Error())
		return false
	}
	if !ok {
		g.opts.Logger.Info("confirm.declined", "tool", name)
	}
	return ok
}
