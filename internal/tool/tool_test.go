package tool

import (
	"context"
	"testing"
)

func noopHandler(ctx context.Context, call Call) (string, error) { return "", nil }

func TestRegisterResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Def{Name: "echo", Latency: LatencyInline}, noopHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	def, h, ok := r.Resolve("echo")
	if !ok || h == nil {
		t.Fatalf("resolve failed")
	}
	if def.Latency != LatencyInline {
		t.Fatalf("latency not normalized: %q", def.Latency)
	}
	if _, _, ok := r.Resolve("missing"); ok {
		t.Fatalf("resolved unknown tool")
	}
}

func TestRegisterRejectsBadLatency(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Def{Name: "x", Latency: "eventually"}, noopHandler); err == nil {
		t.Fatalf("expected latency error")
	}
}

func TestRegisterConflictByPriority(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Def{Name: "dup", Priority: 1, Description: "low"}, noopHandler); err != nil {
		t.Fatalf("register low: %v", err)
	}
	if err := r.Register(Def{Name: "dup", Priority: 1, Description: "same"}, noopHandler); err == nil {
		t.Fatalf("expected same-priority conflict")
	}
	if err := r.Register(Def{Name: "dup", Priority: 2, Description: "high"}, noopHandler); err != nil {
		t.Fatalf("register high: %v", err)
	}
	def, _, _ := r.Resolve("dup")
	if def.Description != "high" {
		t.Fatalf("higher priority did not win: %q", def.Description)
	}
	if err := r.Register(Def{Name: "dup", Priority: 0, Description: "ignored"}, noopHandler); err != nil {
		t.Fatalf("lower priority should be a no-op: %v", err)
	}
	def, _, _ = r.Resolve("dup")
	if def.Description != "high" {
		t.Fatalf("lower priority replaced the tool")
	}
}

func TestValidateArgs(t *testing.T) {
	t.Parallel()

	def := Def{
		Name: "sample",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":  map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer"},
				"deep":  map[string]any{"type": "object"},
			},
			"required": []any{"name"},
		},
	}

	if err := ValidateArgs(def, map[string]any{"name": "a", "count": float64(3)}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := ValidateArgs(def, map[string]any{"count": float64(3)}); err == nil {
		t.Fatalf("missing required accepted")
	}
	if err := ValidateArgs(def, map[string]any{"name": 12}); err == nil {
		t.Fatalf("wrong type accepted")
	}
	if err := ValidateArgs(def, map[string]any{"name": "a", "deep": map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("object arg rejected: %v", err)
	}
	// Unknown keys pass through.
	if err := ValidateArgs(def, map[string]any{"name": "a", "extra": true}); err != nil {
		t.Fatalf("unknown key rejected: %v", err)
	}
}

func TestSubsetPreservesOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		if err := r.Register(Def{Name: name}, noopHandler); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	defs := r.Subset([]string{"c", "a", "nope"})
	if len(defs) != 2 || defs[0].Name != "a" || defs[1].Name != "c" {
		t.Fatalf("unexpected subset: %+v", defs)
	}
}

func TestBuiltinsRegister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	def, _, ok := r.Resolve("setup_reminder")
	if !ok || def.Latency != LatencyAsync {
		t.Fatalf("reminder not async: %+v", def)
	}
	def, _, ok = r.Resolve("generate_image")
	if !ok || !def.Sensitive {
		t.Fatalf("generate_image should be sensitive")
	}
	if err := ValidateArgs(def, map[string]any{}); err == nil {
		t.Fatalf("generate_image requires prompt")
	}
}

func TestReminderHandler(t *testing.T) {
	t.Parallel()

	out, err := reminderHandler(context.Background(), Call{Args: map[string]any{"seconds": 0.01, "note": "tea"}})
	if err != nil {
		t.Fatalf("reminder: %v", err)
	}
	if out != "reminder: tea" {
		t.Fatalf("unexpected result %q", out)
	}
	if _, err := reminderHandler(context.Background(), Call{Args: map[string]any{"seconds": float64(0)}}); err == nil {
		t.Fatalf("expected error for zero delay")
	}
}
