package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"svcdispatch/internal/app"
	"svcdispatch/internal/history"
	logx "svcdispatch/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const checkYAML = `
units:
  - name: ServiceA
    active: true
    delay_ms: 1000
    window: { start: "08:00", end: "18:00" }
  - name: ServiceB
    active: false
    delay_ms: 500
  - name: ServiceX
    active: true
`

func TestCheckPrintsSummary(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeFile(t, p, checkYAML)

	out, err := execute(t, "check", "--config", p, "--env", "")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	for _, want := range []string{
		"environment: default",
		"3 total, 2 active, 1 inactive",
		"08:00:00-18:00:00",
		"always",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}

	if _, err := execute(t, "check", "--config", p, "--env", "", "--strict"); err == nil {
		t.Fatal("--strict should fail on ServiceX")
	}
}

func TestCheckJSONWithOverlay(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeFile(t, p, checkYAML)
	writeFile(t, filepath.Join(dir, "config.Production.yaml"), `
units:
  - name: ServiceA
    active: false
`)

	out, err := execute(t, "check", "-c", p, "-e", "Production", "--json")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	var s app.Summary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if s.Environment != "Production" || s.Active != 1 || s.Units[0].Active {
		t.Fatalf("summary: %+v", s)
	}
	if len(s.Missing) != 1 || s.Missing[0] != "ServiceX" {
		t.Fatalf("missing: %v", s.Missing)
	}
}

func TestCheckRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeFile(t, p, `units: [{ name: A, active: true, window: { start: "9am", end: "10:00" } }]`)
	if _, err := execute(t, "check", "--config", p, "--env", ""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	writeFile(t, p, checkYAML)
	if _, err := execute(t, "history", "--config", p, "--env", ""); err == nil {
		t.Fatal("expected error when history is disabled")
	}

	dbPath := filepath.Join(dir, "runs.jsonl")
	writeFile(t, p, checkYAML+"history: { driver: file, path: "+dbPath+" }\n")
	store, err := history.Open(history.Config{Driver: "file", Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i, u := range []string{"ServiceA", "ServiceB", "ServiceA"} {
		r := history.Run{ID: u + string(rune('0'+i)), Unit: u, Cycle: uint64(i + 1), Status: history.StatusFinished, StartedAt: now, FinishedAt: now}
		if err := store.AppendRun(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.Close()

	out, err := execute(t, "history", "--config", p, "--env", "", "--unit", "ServiceA", "-n", "1")
	if err != nil {
		t.Fatalf("history: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "ServiceA") || !strings.Contains(lines[1], "finished") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
