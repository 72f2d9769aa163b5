package skills

import (
	"context"
	"errors"
	"testing"
)

func spec(name string) SkillSpec {
	return SkillSpec{Name: name, Description: name + " skill", Dir: name}
}

func TestRegisterAndSummary(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Register(ctx, spec("gmail-sync"), nil)
	r.Register(ctx, spec("profile"), func(context.Context) error {
		return errors.New("connect failed")
	})
	r.Register(ctx, spec("router"), nil)

	s := r.Summary()
	if s.Total != 3 || s.Ready != 2 || s.Errors != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if got := s.ByStatus["ready"]; len(got) != 2 || got[0] != "gmail-sync" || got[1] != "router" {
		t.Fatalf("ready order wrong: %v", got)
	}
	if got := s.ByStatus["error"]; len(got) != 1 || got[0] != "profile" {
		t.Fatalf("error list wrong: %v", got)
	}
}

func TestFirstErroredOrder(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Register(ctx, spec("a"), nil)
	r.Register(ctx, spec("b"), nil)
	r.Register(ctx, spec("c"), nil)
	if _, ok := r.FirstErrored(); ok {
		t.Fatal("no errored skills expected")
	}
	if err := r.SetStatus("c", StatusError, "x"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := r.SetStatus("b", StatusError, "y"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	name, ok := r.FirstErrored()
	if !ok || name != "b" {
		t.Fatalf("expected first errored in registration order, got %q", name)
	}
}

func TestSafeReinitialize(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	attempts := 0
	r.Register(ctx, spec("flaky"), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("first init fails")
		}
		return nil
	})
	if status, _ := r.Status("flaky"); status != StatusError {
		t.Fatalf("expected error after first init, got %s", status)
	}
	if !r.SafeReinitialize(ctx, "flaky") {
		t.Fatal("expected reinit success")
	}
	if status, _ := r.Status("flaky"); status != StatusReady {
		t.Fatalf("expected ready, got %s", status)
	}
}

func TestSafeReinitializeRecoversPanic(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Register(ctx, spec("panicky"), func(context.Context) error {
		panic("boom")
	})
	if r.SafeReinitialize(ctx, "panicky") {
		t.Fatal("expected reinit failure")
	}
	if status, _ := r.Status("panicky"); status != StatusError {
		t.Fatalf("expected error status, got %s", status)
	}
}

func TestSafeReinitializeUnknownSkill(t *testing.T) {
	if NewRegistry().SafeReinitialize(context.Background(), "ghost") {
		t.Fatal("unknown skill must not reinitialize")
	}
}
