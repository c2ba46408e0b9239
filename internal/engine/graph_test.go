package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestGraphRejectsBadTopologies(t *testing.T) {
	t.Parallel()

	noop := func(ctx context.Context, rc *runContext) error { return nil }

	if _, err := newGraph(nil, nil); err == nil {
		t.Fatalf("empty graph accepted")
	}
	_, err := newGraph(map[string]stepFunc{"a": noop}, map[string][]string{"a": {"missing"}})
	if err == nil {
		t.Fatalf("edge to unknown step accepted")
	}
	_, err = newGraph(
		map[string]stepFunc{"a": noop, "b": noop},
		map[string][]string{"a": {"b"}, "b": {"a"}},
	)
	if err == nil {
		t.Fatalf("cycle accepted")
	}
}

func TestGraphStagesAreBarriers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	record := func(name string) stepFunc {
		return func(ctx context.Context, rc *runContext) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	g, err := newGraph(
		map[string]stepFunc{
			"left":  record("left"),
			"right": record("right"),
			"join":  record("join"),
		},
		map[string][]string{
			"left":  {"join"},
			"right": {"join"},
		},
	)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	if err := g.run(context.Background(), &runContext{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(order) != 3 || order[2] != "join" {
		t.Fatalf("join ran before its predecessors: %v", order)
	}
}

func TestGraphFirstErrorAbortsRun(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ran := false
	g, err := newGraph(
		map[string]stepFunc{
			"a": func(ctx context.Context, rc *runContext) error { return boom },
			"b": func(ctx context.Context, rc *runContext) error { ran = true; return nil },
		},
		map[string][]string{"a": {"b"}},
	)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	err = g.run(context.Background(), &runContext{})
	if !errors.Is(err, boom) {
		t.Fatalf("error lost: %v", err)
	}
	if ran {
		t.Fatalf("successor ran after predecessor failure")
	}
}
