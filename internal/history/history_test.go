package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"svcdispatch/internal/dispatch"
	"svcdispatch/internal/eventbus"
	logx "svcdispatch/pkg/logx"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, c := range []Config{
		{Driver: "file", Path: filepath.Join(dir, "runs.jsonl")},
		{Driver: "sqlite", Path: filepath.Join(dir, "runs.db")},
	} {
		st, err := Open(c, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", c.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[c.Driver] = st
	}
	return out
}

func mkRun(i int, unit string, finished time.Time) Run {
	return Run{
		ID:         fmt.Sprintf("run-%d", i),
		Unit:       unit,
		Cycle:      uint64(i),
		Status:     StatusFinished,
		StartedAt:  finished.Add(-10 * time.Millisecond),
		FinishedAt: finished,
		TookMS:     10,
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected path error")
	}
}

func TestStoreRecentRuns(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				unit := "A"
				if i%2 == 1 {
					unit = "B"
				}
				r := mkRun(i, unit, base.Add(time.Duration(i)*time.Minute))
				if i == 9 {
					r.Status = StatusFailed
					r.Error = "boom"
				}
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := st.RecentRuns(ctx, Query{Limit: 3})
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 3 || got[0].ID != "run-9" || got[1].ID != "run-8" || got[2].ID != "run-7" {
				t.Fatalf("newest first expected, got %+v", got)
			}
			if got[0].Status != StatusFailed || got[0].Error != "boom" || got[0].Unit != "B" {
				t.Fatalf("run-9 fields: %+v", got[0])
			}
			if !got[0].FinishedAt.Equal(base.Add(9*time.Minute)) || got[0].TookMS != 10 || got[0].Cycle != 9 {
				t.Fatalf("run-9 times: %+v", got[0])
			}

			got, err = st.RecentRuns(ctx, Query{Unit: "A"})
			if err != nil {
				t.Fatalf("recent A: %v", err)
			}
			if len(got) != 5 || got[0].ID != "run-8" || got[4].ID != "run-0" {
				t.Fatalf("unit filter: %+v", got)
			}

			got, err = st.RecentRuns(ctx, Query{Since: base.Add(7 * time.Minute)})
			if err != nil {
				t.Fatalf("recent since: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("since filter: %d runs", len(got))
			}
		})
	}
}

func TestStorePrune(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 6; i++ {
				if err := st.AppendRun(ctx, mkRun(i, "A", base.Add(time.Duration(i)*time.Hour))); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			n, err := st.Prune(ctx, base.Add(4*time.Hour))
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if n != 4 {
				t.Fatalf("removed=%d want 4", n)
			}
			// appends keep working after a rewrite
			if err := st.AppendRun(ctx, mkRun(6, "A", base.Add(6*time.Hour))); err != nil {
				t.Fatalf("append after prune: %v", err)
			}
			got, err := st.RecentRuns(ctx, Query{})
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 3 || got[0].ID != "run-6" || got[2].ID != "run-4" {
				t.Fatalf("after prune: %+v", got)
			}
			if n, err := st.Prune(ctx, base); err != nil || n != 0 {
				t.Fatalf("second prune n=%d err=%v", n, err)
			}
		})
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	p := filepath.Join(t.TempDir(), "runs.jsonl")
	if err := os.WriteFile(p, []byte("{not json\n{\"id\":\"x\",\"unit\":\"A\",\"status\":\"finished\"}\n\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: p}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.RecentRuns(context.Background(), Query{})
	if err != nil || len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestClosedStore(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			err := st.AppendRun(context.Background(), mkRun(1, "A", time.Now()))
			if err == nil {
				t.Fatal("append after close should fail")
			}
			if name == "file" && !errors.Is(err, ErrClosed) {
				t.Fatalf("want ErrClosed, got %v", err)
			}
		})
	}
}

func TestRecorderRunFromEvent(t *testing.T) {
	r := NewRecorder(nil, logx.Nop())
	r.newID = func() string { return "id-1" }
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		ev     eventbus.Event
		ok     bool
		status Status
		err    string
	}{
		{
			name:   "finished",
			ev:     eventbus.Event{Type: dispatch.EventUnitFinished, Time: at, Data: dispatch.UnitEvent{Unit: "A", Cycle: 3, StartedAt: at.Add(-time.Second), Took: time.Second}},
			ok:     true,
			status: StatusFinished,
		},
		{
			name:   "failed",
			ev:     eventbus.Event{Type: dispatch.EventUnitFailed, Time: at, Data: dispatch.UnitEvent{Unit: "A", Err: &dispatch.ExecutionError{Unit: "A", Err: errors.New("boom")}}},
			ok:     true,
			status: StatusFailed,
			err:    "boom",
		},
		{
			name:   "panic",
			ev:     eventbus.Event{Type: dispatch.EventUnitFailed, Time: at, Data: dispatch.UnitEvent{Unit: "A", Err: &dispatch.ExecutionError{Unit: "A", Err: errors.New("nil map"), Panic: true}}},
			ok:     true,
			status: StatusFailed,
			err:    "panic: nil map",
		},
		{
			name:   "cancelled",
			ev:     eventbus.Event{Type: dispatch.EventUnitCancelled, Time: at, Data: dispatch.UnitEvent{Unit: "A", Err: &dispatch.ExecutionError{Unit: "A", Err: context.Canceled}}},
			ok:     true,
			status: StatusCancelled,
			err:    "context canceled",
		},
		{
			name:   "not found",
			ev:     eventbus.Event{Type: dispatch.EventUnitNotFound, Time: at, Data: dispatch.UnitEvent{Unit: "Z", Err: errors.New("unit not found: \"Z\"")}},
			ok:     true,
			status: StatusNotFound,
			err:    "unit not found: \"Z\"",
		},
		{name: "started ignored", ev: eventbus.Event{Type: dispatch.EventUnitStarted, Data: dispatch.UnitEvent{Unit: "A"}}},
		{name: "other payload", ev: eventbus.Event{Type: dispatch.EventCycleEmpty, Data: dispatch.CycleEvent{Cycle: 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run, ok := r.RunFromEvent(tc.ev)
			if ok != tc.ok {
				t.Fatalf("ok=%v want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if run.ID != "id-1" || run.Status != tc.status || run.Error != tc.err || !run.FinishedAt.Equal(at) {
				t.Fatalf("run=%+v", run)
			}
		})
	}
}

func TestRecorderPersistsBusEvents(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(256, Events...)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rec := NewRecorder(st, logx.Nop())
	go func() {
		rec.Consume(ctx, ch)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: dispatch.EventUnitStarted, Data: dispatch.UnitEvent{Unit: "A"}})
	bus.Publish(eventbus.Event{Type: dispatch.EventUnitFailed, Data: dispatch.UnitEvent{Unit: "A", Err: errors.New("x")}})
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := st.RecentRuns(context.Background(), Query{Unit: "A"})
		if len(got) == 1 {
			if got[0].Status != StatusFailed || got[0].ID == "" {
				t.Fatalf("run=%+v", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed run not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}
}

func TestRecorderRecordsNotFoundOncePerLoopRun(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ch := make(chan eventbus.Event, 4096)
	nf := func(name string) eventbus.Event {
		return eventbus.Event{Type: dispatch.EventUnitNotFound, Time: time.Now(), Data: dispatch.UnitEvent{Unit: name, Err: errors.New("unit not found")}}
	}
	ch <- eventbus.Event{Type: dispatch.EventLoopStarted, Data: dispatch.LoopEvent{}}
	for i := 0; i < 1000; i++ {
		ch <- nf("Z")
	}
	ch <- nf("Y")
	ch <- eventbus.Event{Type: dispatch.EventUnitFinished, Data: dispatch.UnitEvent{Unit: "A"}}
	ch <- eventbus.Event{Type: dispatch.EventUnitFinished, Data: dispatch.UnitEvent{Unit: "A"}}
	// A new loop run records the unit again.
	ch <- eventbus.Event{Type: dispatch.EventLoopStarted, Data: dispatch.LoopEvent{}}
	ch <- nf("Z")
	ch <- nf("Z")
	close(ch)

	NewRecorder(st, logx.Nop()).Consume(context.Background(), ch)

	for unit, want := range map[string]int{"Z": 2, "Y": 1, "A": 2} {
		got, err := st.RecentRuns(context.Background(), Query{Unit: unit})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != want {
			t.Fatalf("%s: got %d runs, want %d", unit, len(got), want)
		}
	}
}

func TestPrunerPruneNow(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	_ = st.AppendRun(ctx, mkRun(1, "A", now.Add(-48*time.Hour)))
	_ = st.AppendRun(ctx, mkRun(2, "A", now.Add(-time.Hour)))

	p := NewPruner(st, 24*time.Hour, "@hourly", time.UTC, logx.Nop())
	p.now = func() time.Time { return now }
	n, err := p.PruneNow(ctx)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	keep := NewPruner(st, 0, "@hourly", time.UTC, logx.Nop())
	if n, err := keep.PruneNow(ctx); n != 0 || err != nil {
		t.Fatalf("zero retention pruned: n=%d err=%v", n, err)
	}
}

func TestPrunerStartStop(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if err := NewPruner(st, time.Hour, "not a schedule", nil, logx.Nop()).Start(); err == nil {
		t.Fatal("expected schedule error")
	}
	p := NewPruner(st, time.Hour, "@every 1h", nil, logx.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
	p.Stop(ctx)
}

func TestParseSchedule(t *testing.T) {
	for _, ok := range []string{"@hourly", "@every 30m", "0 3 * * *", "0 0 3 * * *"} {
		if _, err := ParseSchedule(ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "hourly", "61 * * * *"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}
