package demo

import (
	"context"
	"errors"
	"testing"
	"time"

	"svcdispatch/internal/unit"
	logx "svcdispatch/pkg/logx"
)

func TestRegister(t *testing.T) {
	reg := unit.NewRegistry()
	if err := Register(reg, time.Millisecond, logx.Nop()); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range Names {
		if _, err := reg.Resolve(name); err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
	}
	if _, err := reg.Resolve("servicea"); !errors.Is(err, unit.ErrNotFound) {
		t.Fatalf("lookup must be case-sensitive, got %v", err)
	}
	if err := Register(reg, 0, logx.Nop()); err == nil {
		t.Fatal("registering twice should fail")
	}
}

func TestExecuteWaits(t *testing.T) {
	s := New("ServiceA", 30*time.Millisecond, logx.Nop())
	start := time.Now()
	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if took := time.Since(start); took < 30*time.Millisecond {
		t.Fatalf("returned after %v", took)
	}
}

func TestExecuteHonorsCancel(t *testing.T) {
	s := New("ServiceB", time.Hour, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Execute(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation not observed")
	}
}
