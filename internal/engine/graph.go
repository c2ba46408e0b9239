package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// stepFunc executes one named step of a run against the shared run context.
// Steps in the same stage run concurrently and must only write through the
// run context's delta merge.
type stepFunc func(ctx context.Context, rc *runContext) error

// graph is a declarative step graph. Successors are declared per step; the
// execution order is derived, with independent steps of a stage running in
// parallel. A step with several predecessors is a hard barrier: it starts
// only after all of them finished, and any failed predecessor fails the run.
type graph struct {
	steps  map[string]stepFunc
	next   map[string][]string
	stages [][]string
}

// newGraph validates the topology at construction: every successor must be a
// known step and the graph must be acyclic.
func newGraph(steps map[string]stepFunc, next map[string][]string) (*graph, error) {
	if len(steps) == 0 {
		return nil, errors.New("empty step graph")
	}
	for name, fn := range steps {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("step with empty name")
		}
		if fn == nil {
			return nil, fmt.Errorf("step %s has no function", name)
		}
	}
	indeg := make(map[string]int, len(steps))
	for name := range steps {
		indeg[name] = 0
	}
	for from, succs := range next {
		if _, ok := steps[from]; !ok {
			return nil, fmt.Errorf("edge from unknown step %s", from)
		}
		for _, to := range succs {
			if _, ok := steps[to]; !ok {
				return nil, fmt.Errorf("step %s points at unknown step %s", from, to)
			}
			indeg[to]++
		}
	}

	// Derive parallel stages; leftovers mean a cycle.
	remaining := make(map[string]int, len(indeg))
	for k, v := range indeg {
		remaining[k] = v
	}
	var stages [][]string
	done := 0
	for done < len(steps) {
		var stage []string
		for name, deg := range remaining {
			if deg == 0 {
				stage = append(stage, name)
			}
		}
		if len(stage) == 0 {
			return nil, errors.New("step graph has a cycle")
		}
		sort.Strings(stage)
		for _, name := range stage {
			delete(remaining, name)
			for _, to := range next[name] {
				if _, ok := remaining[to]; ok {
					remaining[to]--
				}
			}
		}
		stages = append(stages, stage)
		done += len(stage)
	}

	return &graph{steps: steps, next: next, stages: stages}, nil
}

// run executes the graph. Each stage is a merge barrier: the next stage does
// not start until every step of the current one returned, and the first
// error aborts the whole run.
func (g *graph) run(ctx context.Context, rc *runContext) error {
	if g == nil {
		return errors.New("nil step graph")
	}
	for _, stage := range g.stages {
		if len(stage) == 1 {
			if err := g.steps[stage[0]](ctx, rc); err != nil {
				return fmt.Errorf("step %s: %w", stage[0], err)
			}
			continue
		}
		eg, gctx := errgroup.WithContext(ctx)
		for _, name := range stage {
			name := name
			eg.Go(func() error {
				if err := g.steps[name](gctx, rc); err != nil {
					return fmt.Errorf("step %s: %w", name, err)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}
