package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"svcdispatch/internal/dispatch"
	"svcdispatch/internal/eventbus"
	"svcdispatch/internal/history"
	"svcdispatch/internal/runtime/supervisor"
	"svcdispatch/internal/schedule"
	"svcdispatch/internal/unit"
	logx "svcdispatch/pkg/logx"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func appConfig(dir string, alphaActive, betaActive bool) string {
	return fmt.Sprintf(`
log_level: Warning
poll_interval: 20ms
units:
  - name: Alpha
    active: %t
    delay_ms: 10
  - name: Ghost
    active: true
  - name: Beta
    active: %t
    delay_ms: 10
history:
  driver: file
  path: %s
  retention: 0s
`, alphaActive, betaActive, filepath.Join(dir, "runs.jsonl"))
}

func countingRegistry(alpha, beta *atomic.Int32) *unit.Registry {
	reg := unit.NewRegistry()
	reg.MustRegister("Alpha", unit.Func(func(context.Context) error { alpha.Add(1); return nil }))
	reg.MustRegister("Beta", unit.Func(func(context.Context) error { beta.Add(1); return nil }))
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	if _, err := New(Options{ConfigPath: "config.yaml"}); err == nil {
		t.Fatal("expected error without registry")
	}
}

func TestNewRejectsInvertedWindow(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeConfig(t, p, `
units:
  - name: Alpha
    active: true
    window: { start: "18:00", end: "08:00" }
`)
	_, err := New(Options{ConfigPath: p, Registry: unit.NewRegistry()})
	if !errors.Is(err, schedule.ErrInvertedWindow) {
		t.Fatalf("want ErrInvertedWindow, got %v", err)
	}
	var pe *schedule.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want *schedule.ParseError in chain, got %T", err)
	}
}

func TestAppRunsReloadsAndRecords(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeConfig(t, p, appConfig(dir, true, false))

	var alpha, beta atomic.Int32
	a, err := New(Options{ConfigPath: p, Registry: countingRegistry(&alpha, &beta)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "Alpha runs", func() bool { return alpha.Load() >= 2 })
	if beta.Load() != 0 {
		t.Fatal("inactive Beta was dispatched")
	}
	first := a.Loop()

	// Swap which unit is active; the loop is rebuilt from the new record.
	writeConfig(t, p, appConfig(dir, false, true))
	waitFor(t, "loop restart", func() bool {
		l := a.Loop()
		return l != nil && l != first && l.Units()[2].Active
	})
	before := alpha.Load()
	waitFor(t, "Beta runs", func() bool { return beta.Load() >= 2 })
	if got := alpha.Load(); got != before {
		t.Fatalf("Alpha ran after being deactivated: %d -> %d", before, got)
	}

	// An invalid edit is rejected and the running loop is kept.
	current := a.Loop()
	writeConfig(t, p, `units: [{ name: Alpha, active: true, window: { start: "25:00", end: "26:00" } }]`)
	time.Sleep(500 * time.Millisecond)
	if a.Loop() != current {
		t.Fatal("invalid config replaced the running loop")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Loop() != nil {
		t.Fatal("loop still registered after stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("unexpected app error: %v", err)
	}

	store, err := history.Open(history.Config{Driver: "file", Path: filepath.Join(dir, "runs.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.RecentRuns(context.Background(), history.Query{Unit: "Alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) < 2 || runs[0].Status != history.StatusFinished {
		t.Fatalf("Alpha history: %+v", runs)
	}
	ghosts, err := store.RecentRuns(context.Background(), history.Query{Unit: "Ghost", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(ghosts) != 1 || ghosts[0].Status != history.StatusNotFound {
		t.Fatalf("Ghost history: %+v", ghosts)
	}
}

func TestStopCancelsRunningUnit(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeConfig(t, p, `
log_level: Warning
units:
  - name: Slow
    active: true
`)
	started := make(chan struct{})
	var once sync.Once
	reg := unit.NewRegistry()
	reg.MustRegister("Slow", unit.Func(func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}))

	a, err := New(Options{ConfigPath: p, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("unit never started")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	_ = a.Stop(stopCtx, StopSignal)
	if took := time.Since(begin); took > 3*time.Second {
		t.Fatalf("stop took %v", took)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after stop")
	}
	// A second Stop is a no-op.
	_ = a.Stop(stopCtx, StopSignal)
}

func TestSummarize(t *testing.T) {
	w, err := schedule.ParseWindow("08:00", "18:00")
	if err != nil {
		t.Fatal(err)
	}
	ds := []unit.Descriptor{
		{Name: "ServiceA", Active: true, Delay: time.Second, Window: &w},
		{Name: "ServiceB", Active: false, Delay: 500 * time.Millisecond},
		{Name: "Nobody", Active: true, Timeout: 2 * time.Second},
	}
	reg := unit.NewRegistry()
	reg.MustRegister("ServiceA", unit.Func(func(context.Context) error { return nil }))
	reg.MustRegister("ServiceB", unit.Func(func(context.Context) error { return nil }))

	s := Summarize("Production", ds, reg)
	if s.Total != 3 || s.Active != 2 || s.Inactive != 1 {
		t.Fatalf("counts: %+v", s)
	}
	if len(s.Missing) != 1 || s.Missing[0] != "Nobody" {
		t.Fatalf("missing: %v", s.Missing)
	}
	if s.Units[0].Window != "08:00:00-18:00:00" || s.Units[0].DelayMS != 1000 || !s.Units[0].Registered {
		t.Fatalf("ServiceA: %+v", s.Units[0])
	}
	if s.Units[1].Window != "" || s.Units[1].DelayMS != 500 {
		t.Fatalf("ServiceB: %+v", s.Units[1])
	}
	if s.Units[2].Registered || s.Units[2].TimeoutMS != 2000 {
		t.Fatalf("Nobody: %+v", s.Units[2])
	}

	if got := Summarize("", nil, nil); got.Total != 0 || got.Units == nil {
		t.Fatalf("empty summary: %+v", got)
	}
}

func TestEventLoggerThrottlesNotFound(t *testing.T) {
	var buf bytes.Buffer
	l := newEventLogger(logx.NewWriter(&buf, "debug"))
	nf := eventbus.Event{Type: dispatch.EventUnitNotFound, Time: time.Now(), Data: dispatch.UnitEvent{Unit: "Ghost", Cycle: 1, Err: unit.ErrNotFound}}

	for i := 0; i < 5; i++ {
		l.handle(nf)
	}
	if n := strings.Count(buf.String(), "unit not registered"); n != 1 {
		t.Fatalf("want 1 warning, got %d:\n%s", n, buf.String())
	}

	l.Reset()
	l.handle(nf)
	if n := strings.Count(buf.String(), "unit not registered"); n != 2 {
		t.Fatalf("reset should allow a new warning, got %d", n)
	}
}

func TestEventLoggerFailures(t *testing.T) {
	var buf bytes.Buffer
	l := newEventLogger(logx.NewWriter(&buf, "debug"))

	l.handle(eventbus.Event{Type: dispatch.EventUnitFailed, Data: dispatch.UnitEvent{
		Unit: "A", Err: &dispatch.ExecutionError{Unit: "A", Err: errors.New("boom"), Panic: true, Stack: "stack"},
	}})
	l.handle(eventbus.Event{Type: dispatch.EventUnitFailed, Data: dispatch.UnitEvent{
		Unit: "B", Err: &dispatch.ExecutionError{Unit: "B", Err: context.DeadlineExceeded},
	}})
	l.handle(eventbus.Event{Type: dispatch.EventUnitFailed, Data: dispatch.UnitEvent{
		Unit: "C", Err: &dispatch.ExecutionError{Unit: "C", Err: errors.New("bad input")},
	}})
	l.handle(eventbus.Event{Type: dispatch.EventUnitFinished, Data: dispatch.UnitEvent{Unit: "D", Took: time.Second}})
	l.handle(eventbus.Event{Type: dispatch.EventCycleEmpty, Data: dispatch.CycleEvent{Cycle: 9}})

	out := buf.String()
	for _, want := range []string{"unit panicked", "unit timed out", "unit failed", "unit finished", "no eligible unit", `"unit":"C"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestEventLoggerCancelledIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	l := newEventLogger(logx.NewWriter(&buf, "debug"))

	l.handle(eventbus.Event{Type: dispatch.EventUnitCancelled, Data: dispatch.UnitEvent{
		Unit: "Slow", Took: time.Second, Err: &dispatch.ExecutionError{Unit: "Slow", Err: context.Canceled},
	}})

	out := buf.String()
	if !strings.Contains(out, "unit cancelled") || !strings.Contains(out, `"level":"info"`) {
		t.Fatalf("want info-level cancel line, got:\n%s", out)
	}
	if strings.Contains(out, `"level":"error"`) {
		t.Fatalf("cancellation logged as error:\n%s", out)
	}
}

func TestNotifierStates(t *testing.T) {
	var sent []string
	n := newNotifier(logx.Nop())
	n.send = func(_ bool, state string) (bool, error) {
		sent = append(sent, state)
		return true, nil
	}
	n.Ready()
	n.Status("dispatching 2 units")
	n.Reloading()
	n.Stopping()

	want := []string{"READY=1", "STATUS=dispatching 2 units", "RELOADING=1", "STOPPING=1"}
	if strings.Join(sent, "|") != strings.Join(want, "|") {
		t.Fatalf("sent=%v", sent)
	}

	n.send = func(bool, string) (bool, error) { return false, errors.New("socket gone") }
	n.Ready() // logged, not fatal
}

func TestStepHonorsDeadline(t *testing.T) {
	a := &App{log: logx.Nop()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	begin := time.Now()
	a.step(ctx, "stuck", 50*time.Millisecond, func(c context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	if took := time.Since(begin); took > 500*time.Millisecond {
		t.Fatalf("step waited %v", took)
	}

	a.step(ctx, "panics", time.Second, func(context.Context) error { panic("x") })
}

func TestLingeringTasks(t *testing.T) {
	got := lingering([]supervisor.TaskStats{
		{Name: "config.watch", Active: 1},
		{Name: "history.record", Active: 0},
		{Name: "metrics.collect", Active: 2},
	})
	if strings.Join(got, ",") != "config.watch,metrics.collect" {
		t.Fatalf("lingering=%v", got)
	}
	if got := lingering(nil); len(got) != 0 {
		t.Fatalf("lingering(nil)=%v", got)
	}
}
