package app

import (
	"context"
	"errors"
	"time"

	"svcdispatch/internal/dispatch"
	"svcdispatch/internal/eventbus"
	logx "svcdispatch/pkg/logx"
)

// eventLogger turns dispatch events into log lines.
type eventLogger struct {
	log logx.Logger
	// A unit that is configured but never registered fails every cycle;
	// one warning per unit per minute is enough.
	notFound *logx.Throttle
}

func newEventLogger(log logx.Logger) *eventLogger {
	return &eventLogger{log: log, notFound: logx.NewThrottle(time.Minute, 1)}
}

// Reset forgets throttled keys so a reload warns again right away.
func (l *eventLogger) Reset() { l.notFound.Reset() }

func (l *eventLogger) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			l.handle(e)
		}
	}
}

func (l *eventLogger) handle(e eventbus.Event) {
	switch e.Type {
	case dispatch.EventLoopStarted:
		le, _ := e.Data.(dispatch.LoopEvent)
		l.log.Info("dispatch loop started", logx.Int("units", le.Units), logx.Int("active", le.Active))
	case dispatch.EventLoopStopped:
		le, _ := e.Data.(dispatch.LoopEvent)
		l.log.Info("dispatch loop stopped",
			logx.Uint64("cycles", le.Stats.Cycles),
			logx.Uint64("dispatched", le.Stats.Dispatched),
			logx.Uint64("failed", le.Stats.Failed),
			logx.Uint64("cancelled", le.Stats.Cancelled),
			logx.Uint64("not_found", le.Stats.NotFound),
		)
	case dispatch.EventCycleEmpty:
		ce, _ := e.Data.(dispatch.CycleEvent)
		l.log.Debug("no eligible unit", logx.Uint64("cycle", ce.Cycle))
	default:
		ue, ok := e.Data.(dispatch.UnitEvent)
		if !ok {
			l.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			return
		}
		l.unit(e.Type, ue)
	}
}

func (l *eventLogger) unit(typ string, ue dispatch.UnitEvent) {
	log := l.log.With(logx.String("unit", ue.Unit), logx.Uint64("cycle", ue.Cycle))
	switch typ {
	case dispatch.EventUnitNotFound:
		allowed, suppressed := l.notFound.Allow(ue.Unit)
		if !allowed {
			return
		}
		fields := []logx.Field{logx.Err(ue.Err)}
		if suppressed > 0 {
			fields = append(fields, logx.Int("suppressed", suppressed))
		}
		log.Warn("unit not registered", fields...)
	case dispatch.EventUnitStarted:
		log.Debug("unit started")
	case dispatch.EventUnitFinished:
		log.Info("unit finished", logx.Duration("took", ue.Took))
	case dispatch.EventUnitCancelled:
		log.Info("unit cancelled", logx.Duration("took", ue.Took))
	case dispatch.EventUnitFailed:
		var ee *dispatch.ExecutionError
		if errors.As(ue.Err, &ee) && ee.Panic {
			log.Error("unit panicked", logx.Duration("took", ue.Took), logx.Err(ee.Err))
			log.Debug("unit panic stack", logx.String("stack", ee.Stack))
			return
		}
		if errors.Is(ue.Err, context.DeadlineExceeded) {
			log.Error("unit timed out", logx.Duration("took", ue.Took), logx.Err(ue.Err))
			return
		}
		log.Error("unit failed", logx.Duration("took", ue.Took), logx.Err(ue.Err))
	default:
		log.Debug("event", logx.String("type", typ))
	}
}
