package app

import (
	"context"
	"errors"
	"time"

	"svcdispatch/internal/config"
	"svcdispatch/internal/dispatch"
	logx "svcdispatch/pkg/logx"
)

// runningLoop is the loop currently dispatching and the means to stop it.
type runningLoop struct {
	loop   *dispatch.Loop
	cancel context.CancelFunc
	done   chan struct{}
}

// buildLoop derives an immutable descriptor set from cfg. It does not start
// anything, so a failure leaves the running loop untouched.
func (a *App) buildLoop(cfg *config.Config) (*dispatch.Loop, error) {
	ds, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}
	poll, err := cfg.PollIntervalOrDefault()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return dispatch.New(ds, a.reg, a.bus,
		dispatch.WithPollInterval(poll),
		dispatch.WithLocation(loc),
		dispatch.WithLogger(a.log.With(logx.String("comp", "dispatch"))),
	), nil
}

func (a *App) runLoop(l *dispatch.Loop) error {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.loop != nil {
		return errors.New("dispatch loop already running")
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	rl := &runningLoop{loop: l, cancel: cancel, done: make(chan struct{})}
	a.loop = rl
	a.sup.Go("dispatch.loop", func(context.Context) error {
		defer close(rl.done)
		defer cancel()
		return l.Run(ctx)
	})
	return nil
}

// stopLoop cancels the running loop and waits for it, bounded by ctx.
// The unit being executed sees its context cancelled.
func (a *App) stopLoop(ctx context.Context) error {
	a.loopMu.Lock()
	rl := a.loop
	a.loop = nil
	a.loopMu.Unlock()
	if rl == nil {
		return nil
	}
	rl.cancel()

	slow := time.NewTimer(2 * time.Second)
	defer slow.Stop()
	for {
		select {
		case <-rl.done:
			return nil
		case <-slow.C:
			a.log.Warn("waiting for running unit to return")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// restartLoop swaps the running loop for one built from cfg. The old loop is
// fully stopped first so at most one unit ever executes.
func (a *App) restartLoop(ctx context.Context, cfg *config.Config) error {
	l, err := a.buildLoop(cfg)
	if err != nil {
		return err
	}
	if err := a.stopLoop(ctx); err != nil {
		return err
	}
	return a.runLoop(l)
}

// Loop returns the loop currently dispatching, or nil.
func (a *App) Loop() *dispatch.Loop {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.loop == nil {
		return nil
	}
	return a.loop.loop
}
