package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Ryustiel/MeepPublic/internal/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetLatestEmpty(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	th, version, err := s.GetLatest(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if th != nil || version != 0 {
		t.Fatalf("expected no checkpoint, got version %d", version)
	}
}

func TestAppendAndGetLatest(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	th := state.NewThread("t1")
	d := state.NewDelta()
	d.Channel("c").NewMessages = []state.Message{{Role: state.RoleUser, Author: "alice", Text: "hi"}}
	if err := th.Apply(d); err != nil {
		t.Fatalf("apply: %v", err)
	}

	v1, err := s.Append(ctx, "t1", "run_1", th)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("expected version 1, got %d", v1)
	}

	d2 := state.NewDelta()
	d2.Channel("c").NewMessages = []state.Message{{Role: state.RoleAssistant, Text: "hello"}}
	if err := th.Apply(d2); err != nil {
		t.Fatalf("apply 2: %v", err)
	}
	v2, err := s.Append(ctx, "t1", "run_2", th)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("expected version 2, got %d", v2)
	}

	back, version, err := s.GetLatest(ctx, "t1")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected latest version 2, got %d", version)
	}
	if back == nil || len(back.Channels["c"].Messages) != 2 {
		t.Fatalf("unexpected decoded state: %+v", back)
	}
	if back.Channels["c"].Messages[1].Text != "hello" {
		t.Fatalf("unexpected last message: %+v", back.Channels["c"].Messages[1])
	}
}

func TestAppendRejectsInvalidState(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	th := state.NewThread("")
	if _, err := s.Append(context.Background(), "t1", "run_1", th); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestThreadsAreIsolated(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	a := state.NewThread("a")
	b := state.NewThread("b")
	if _, err := s.Append(ctx, "a", "run_a", a); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if _, err := s.Append(ctx, "b", "run_b", b); err != nil {
		t.Fatalf("append b: %v", err)
	}
	if _, err := s.Append(ctx, "b", "run_b2", b); err != nil {
		t.Fatalf("append b2: %v", err)
	}

	_, va, err := s.GetLatest(ctx, "a")
	if err != nil {
		t.Fatalf("latest a: %v", err)
	}
	_, vb, err := s.GetLatest(ctx, "b")
	if err != nil {
		t.Fatalf("latest b: %v", err)
	}
	if va != 1 || vb != 2 {
		t.Fatalf("version bleed across threads: a=%d b=%d", va, vb)
	}

	ids, err := s.ListThreadIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestPruneKeepsRecentVersions(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	th := state.NewThread("t")

	for i := 0; i < keepCheckpoints+5; i++ {
		if _, err := s.Append(ctx, "t", "run", th); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	_, latest, err := s.GetLatest(ctx, "t")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != int64(keepCheckpoints+5) {
		t.Fatalf("expected latest %d, got %d", keepCheckpoints+5, latest)
	}

	// The oldest versions are gone, the newest survive.
	old, err := s.GetVersion(ctx, "t", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if old != nil {
		t.Fatalf("expected version 1 pruned")
	}
	recent, err := s.GetVersion(ctx, "t", latest-1)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if recent == nil {
		t.Fatalf("expected version %d retained", latest-1)
	}
}

func TestReopenRecoversState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	th := state.NewThread("t")
	d := state.NewDelta()
	d.Activity = state.ActivityWaitingForTool
	d.TaskAdds = []state.PendingTask{{ID: "task1", ThreadID: "t", ChannelID: "c", Tool: "slow"}}
	if err := th.Apply(d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.Append(ctx, "t", "run_1", th); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	back, version, err := s2.GetLatest(ctx, "t")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if version != 1 || back == nil {
		t.Fatalf("state lost across reopen")
	}
	if back.Activity != state.ActivityWaitingForTool || back.Tasks["task1"] == nil {
		t.Fatalf("suspension not recovered: %+v", back)
	}
}
