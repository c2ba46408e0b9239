package auditlog

import (
	"fmt"
	"testing"
)

func TestAppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 5; i++ {
		s.Append(Entry{
			Action:   "confirmation_requested",
			ThreadID: "th1",
			TaskID:   fmt.Sprintf("task%d", i),
		})
	}

	got, err := s.List(3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].TaskID != "task4" || got[2].TaskID != "task2" {
		t.Fatalf("not newest first: %+v", got)
	}
	for _, e := range got {
		if e.Status != "success" || e.CreatedAt == "" {
			t.Fatalf("defaults not applied: %+v", e)
		}
	}
}

func TestRotationKeepsRecentFiles(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir(), MaxBytes: 256, MaxBackups: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 50; i++ {
		s.Append(Entry{
			Action: "task_dispatched",
			TaskID: fmt.Sprintf("task%03d", i),
			Detail: map[string]any{"padding": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"},
		})
	}

	got, err := s.List(1000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("rotation lost everything")
	}
	// The newest entry always survives rotation.
	if got[0].TaskID != "task049" {
		t.Fatalf("newest entry missing, got %+v", got[0])
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	t.Parallel()

	var s *Store
	s.Append(Entry{Action: "noop"})
	if got, err := s.List(10); err != nil || got != nil {
		t.Fatalf("nil store misbehaved: %v %v", got, err)
	}
}
