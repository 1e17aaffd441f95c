package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "svcdispatch/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a prune schedule: 5 or 6 fields, or a descriptor
// such as "@hourly" or "@every 30m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(spec))
}

// Pruner deletes runs older than the retention on a cron schedule.
type Pruner struct {
	store     Store
	retention time.Duration
	spec      string
	loc       *time.Location
	log       logx.Logger
	now       func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

// NewPruner returns a pruner. A non-positive retention keeps every run and
// Start becomes a no-op.
func NewPruner(store Store, retention time.Duration, spec string, loc *time.Location, log logx.Logger) *Pruner {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{store: store, retention: retention, spec: strings.TrimSpace(spec), loc: loc, log: log, now: time.Now}
}

// Start registers the prune job and starts triggering.
func (p *Pruner) Start() error {
	if p.store == nil || p.retention <= 0 {
		p.log.Debug("history pruning disabled", logx.Duration("retention", p.retention))
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(p.loc))
	if _, err := c.AddFunc(p.spec, func() { _, _ = p.PruneNow(context.Background()) }); err != nil {
		return fmt.Errorf("history prune schedule %q: %w", p.spec, err)
	}
	c.Start()
	p.c = c
	p.log.Info("history pruner started", logx.String("schedule", p.spec), logx.Duration("retention", p.retention))
	return nil
}

// Stop stops triggering and waits for a running prune, bounded by ctx.
func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// PruneNow deletes runs that finished more than the retention ago.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	if p.store == nil || p.retention <= 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.log.Warn("history prune failed", logx.Err(err))
		return n, err
	}
	if n > 0 {
		p.log.Info("history pruned", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}
