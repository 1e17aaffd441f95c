package logx

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevelAcceptsDotNetNames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "Information", want: zerolog.InfoLevel},
		{raw: "info", want: zerolog.InfoLevel},
		{raw: "Warning", want: zerolog.WarnLevel},
		{raw: "WARN", want: zerolog.WarnLevel},
		{raw: "Critical", want: zerolog.FatalLevel},
		{raw: "Verbose", want: zerolog.TraceLevel},
		{raw: "None", want: zerolog.Disabled},
		{raw: "bogus", want: zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw, zerolog.ErrorLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if !ValidLevel("") || !ValidLevel("Debug") {
		t.Fatal("expected empty and Debug to be valid")
	}
	if ValidLevel("loud") {
		t.Fatal("expected loud to be invalid")
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("unit finished", String("unit", "A"), Duration("took", 1500*time.Millisecond))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "dispatch" || m["unit"] != "A" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["message"] != "unit finished" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
}

func TestThrottleSuppressesAndReports(t *testing.T) {
	t.Parallel()
	th := NewThrottle(time.Hour, 1)

	if ok, n := th.Allow("Z"); !ok || n != 0 {
		t.Fatalf("first Allow = %v,%d", ok, n)
	}
	for i := 0; i < 3; i++ {
		if ok, _ := th.Allow("Z"); ok {
			t.Fatal("expected suppression within the interval")
		}
	}
	if ok, _ := th.Allow("Y"); !ok {
		t.Fatal("keys must be limited independently")
	}

	th.Reset()
	if ok, n := th.Allow("Z"); !ok || n != 0 {
		t.Fatalf("after Reset Allow = %v,%d", ok, n)
	}
}

func TestThrottleDisabled(t *testing.T) {
	t.Parallel()
	var th *Throttle
	for i := 0; i < 5; i++ {
		if ok, _ := th.Allow("k"); !ok {
			t.Fatal("nil throttle must allow everything")
		}
	}
}
