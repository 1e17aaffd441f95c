// Package unit defines the dispatchable work units: their configuration
// descriptors, the Executable contract and the name-keyed Registry.
package unit

import (
	"context"
	"time"

	"svcdispatch/internal/schedule"
)

// Executable is the behavior behind a unit name.
//
// Execute runs to completion and returns its failure, if any. It should return
// promptly once ctx is done.
type Executable interface {
	Execute(ctx context.Context) error
}

// Func adapts a plain function to Executable.
type Func func(ctx context.Context) error

func (f Func) Execute(ctx context.Context) error { return f(ctx) }

// Descriptor is the immutable configuration of one unit.
type Descriptor struct {
	Name   string
	Active bool
	// Delay is slept after the unit is handled, before the next one in the cycle.
	Delay time.Duration
	// Timeout bounds one execution. Zero means no bound.
	Timeout time.Duration
	// Window restricts dispatch to a time of day. Nil means always.
	Window *schedule.Window
}

// Eligible reports whether d should be dispatched at now.
func (d Descriptor) Eligible(now time.Time) bool {
	if !d.Active {
		return false
	}
	return d.Window == nil || d.Window.Contains(now)
}
