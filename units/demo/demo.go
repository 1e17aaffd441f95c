// Package demo provides the reference unit kinds ServiceA, ServiceB and
// ServiceC. Each one logs that it is executing and then works for a fixed
// duration, returning early when its context is cancelled.
package demo

import (
	"context"
	"time"

	"svcdispatch/internal/unit"
	logx "svcdispatch/pkg/logx"
)

// DefaultWork is how long a demo unit pretends to work.
const DefaultWork = time.Second

// Names lists the unit names registered by Register, in registration order.
var Names = []string{"ServiceA", "ServiceB", "ServiceC"}

// Service is one demo unit.
type Service struct {
	name string
	work time.Duration
	log  logx.Logger
}

func New(name string, work time.Duration, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{name: name, work: work, log: log.With(logx.String("unit", name))}
}

func (s *Service) Name() string { return s.name }

func (s *Service) Execute(ctx context.Context) error {
	s.log.Info("executing " + s.name)
	if s.work <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.work)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register adds the three demo units to reg. work <= 0 selects DefaultWork.
func Register(reg *unit.Registry, work time.Duration, log logx.Logger) error {
	if work <= 0 {
		work = DefaultWork
	}
	for _, name := range Names {
		if err := reg.Register(name, New(name, work, log)); err != nil {
			return err
		}
	}
	return nil
}
