package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"svcdispatch/internal/eventbus"
	"svcdispatch/internal/unit"
	logx "svcdispatch/pkg/logx"
)

// DefaultPollInterval is slept after a cycle with no eligible unit.
const DefaultPollInterval = 5 * time.Second

// Stats are best-effort counters for one loop.
type Stats struct {
	Cycles      uint64
	EmptyCycles uint64
	Dispatched  uint64
	Failed      uint64
	Cancelled   uint64
	NotFound    uint64
}

type Option func(*Loop)

// WithPollInterval sets the sleep after an empty cycle. Non-positive values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithClock overrides the wall clock used for window evaluation.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLocation evaluates windows in loc instead of the clock's own location.
func WithLocation(loc *time.Location) Option {
	return func(l *Loop) { l.loc = loc }
}

func WithLogger(log logx.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// Loop dispatches a fixed descriptor set until its context is cancelled.
type Loop struct {
	units []unit.Descriptor
	reg   unit.Resolver
	pub   eventbus.Publisher
	log   logx.Logger

	poll time.Duration
	now  func() time.Time
	loc  *time.Location

	cycles      atomic.Uint64
	emptyCycles atomic.Uint64
	dispatched  atomic.Uint64
	failed      atomic.Uint64
	cancelled   atomic.Uint64
	notFound    atomic.Uint64
}

// New builds a loop over units. The slice is copied; later changes by the
// caller do not affect a running loop.
func New(units []unit.Descriptor, reg unit.Resolver, pub eventbus.Publisher, opts ...Option) *Loop {
	l := &Loop{
		units: append([]unit.Descriptor(nil), units...),
		reg:   reg,
		pub:   pub,
		poll:  DefaultPollInterval,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l
}

// Units returns a copy of the descriptor set.
func (l *Loop) Units() []unit.Descriptor { return append([]unit.Descriptor(nil), l.units...) }

func (l *Loop) Stats() Stats {
	return Stats{
		Cycles:      l.cycles.Load(),
		EmptyCycles: l.emptyCycles.Load(),
		Dispatched:  l.dispatched.Load(),
		Failed:      l.failed.Load(),
		Cancelled:   l.cancelled.Load(),
		NotFound:    l.notFound.Load(),
	}
}

func (l *Loop) clock() time.Time {
	now := l.now()
	if l.loc != nil {
		now = now.In(l.loc)
	}
	return now
}

// Eligible returns the descriptors eligible at now, in configuration order.
func (l *Loop) Eligible(now time.Time) []unit.Descriptor {
	if l.loc != nil {
		now = now.In(l.loc)
	}
	var out []unit.Descriptor
	for _, d := range l.units {
		if d.Eligible(now) {
			out = append(out, d)
		}
	}
	return out
}

// Run executes cycles until ctx is done. Cancellation is not an error.
func (l *Loop) Run(ctx context.Context) error {
	if l.reg == nil {
		return fmt.Errorf("dispatch: nil resolver")
	}
	active := 0
	for _, d := range l.units {
		if d.Active {
			active++
		}
	}
	l.publish(EventLoopStarted, LoopEvent{Units: len(l.units), Active: active})
	defer func() {
		l.publish(EventLoopStopped, LoopEvent{Units: len(l.units), Active: active, Stats: l.Stats()})
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		cycle := l.cycles.Add(1)
		now := l.clock()
		eligible := l.Eligible(now)
		l.log.Trace("cycle evaluated", logx.Uint64("cycle", cycle), logx.Int("eligible", len(eligible)))

		if len(eligible) == 0 {
			l.emptyCycles.Add(1)
			l.publish(EventCycleEmpty, CycleEvent{Cycle: cycle})
			if !sleep(ctx, l.poll) {
				return nil
			}
			continue
		}

		for _, d := range eligible {
			l.dispatch(ctx, cycle, d)
			if !sleep(ctx, d.Delay) {
				return nil
			}
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, cycle uint64, d unit.Descriptor) {
	exec, err := l.reg.Resolve(d.Name)
	if err != nil {
		l.notFound.Add(1)
		l.publish(EventUnitNotFound, UnitEvent{Unit: d.Name, Cycle: cycle, Err: err})
		return
	}

	startedAt := l.clock()
	l.dispatched.Add(1)
	l.publish(EventUnitStarted, UnitEvent{Unit: d.Name, Cycle: cycle, StartedAt: startedAt})

	start := time.Now()
	err = l.execute(ctx, d, exec)
	ev := UnitEvent{Unit: d.Name, Cycle: cycle, StartedAt: startedAt, Took: time.Since(start)}
	switch {
	case err == nil:
		l.publish(EventUnitFinished, ev)
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Stopping the loop is not a unit failure.
		l.cancelled.Add(1)
		ev.Err = err
		l.publish(EventUnitCancelled, ev)
	default:
		l.failed.Add(1)
		ev.Err = err
		l.publish(EventUnitFailed, ev)
	}
}

// execute runs one unit with its timeout and converts panics to errors.
func (l *Loop) execute(ctx context.Context, d unit.Descriptor, exec unit.Executable) (err error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Unit: d.Name, Err: fmt.Errorf("%v", r), Panic: true, Stack: string(debug.Stack())}
		}
	}()
	if err := exec.Execute(ctx); err != nil {
		return &ExecutionError{Unit: d.Name, Err: err}
	}
	return nil
}

func (l *Loop) publish(typ string, data any) {
	if l.pub == nil {
		return
	}
	l.pub.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// sleep waits d or until ctx is done. It reports false when ctx ended first.
// A zero duration does not pause but still observes cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
