package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"svcdispatch/internal/dispatch"
	"svcdispatch/internal/eventbus"
	logx "svcdispatch/pkg/logx"
)

// Recorder appends one Run per terminal unit event.
//
// A unit that is active but unregistered is reported on every cycle, so
// not_found is recorded once per unit per loop run; loop_started resets it.
type Recorder struct {
	store    Store
	log      logx.Logger
	newID    func() string
	notFound map[string]bool
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, newID: uuid.NewString, notFound: make(map[string]bool)}
}

// Events lists the event types a Recorder consumes.
var Events = []string{
	dispatch.EventLoopStarted,
	dispatch.EventUnitFinished,
	dispatch.EventUnitFailed,
	dispatch.EventUnitCancelled,
	dispatch.EventUnitNotFound,
}

// Consume records runs from a subscription until ctx is done or ch is
// closed. It is not safe to call Consume concurrently on one Recorder.
func (r *Recorder) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			run, ok := r.accept(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.store.AppendRun(wctx, run); err != nil {
				r.log.Warn("history append failed", logx.String("unit", run.Unit), logx.Err(err))
			}
			cancel()
		}
	}
}

// accept reports whether e should be persisted, tracking repeated
// not_found reports within a loop run.
func (r *Recorder) accept(e eventbus.Event) (Run, bool) {
	if e.Type == dispatch.EventLoopStarted {
		clear(r.notFound)
		return Run{}, false
	}
	run, ok := r.RunFromEvent(e)
	if !ok {
		return Run{}, false
	}
	if run.Status == StatusNotFound {
		if r.notFound[run.Unit] {
			return Run{}, false
		}
		r.notFound[run.Unit] = true
	}
	return run, true
}

// RunFromEvent converts a unit event into a Run. ok is false for other events.
func (r *Recorder) RunFromEvent(e eventbus.Event) (Run, bool) {
	ue, ok := e.Data.(dispatch.UnitEvent)
	if !ok {
		return Run{}, false
	}
	run := Run{
		ID:         r.newID(),
		Unit:       ue.Unit,
		Cycle:      ue.Cycle,
		StartedAt:  ue.StartedAt,
		FinishedAt: e.Time,
		TookMS:     ue.Took.Milliseconds(),
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	switch e.Type {
	case dispatch.EventUnitFinished:
		run.Status = StatusFinished
	case dispatch.EventUnitFailed:
		run.Status = StatusFailed
	case dispatch.EventUnitCancelled:
		run.Status = StatusCancelled
	case dispatch.EventUnitNotFound:
		run.Status = StatusNotFound
	default:
		return Run{}, false
	}
	if ue.Err != nil {
		run.Error = ue.Err.Error()
		var ee *dispatch.ExecutionError
		if errors.As(ue.Err, &ee) && ee.Err != nil {
			run.Error = ee.Err.Error()
			if ee.Panic {
				run.Error = "panic: " + run.Error
			}
		}
	}
	return run, true
}
