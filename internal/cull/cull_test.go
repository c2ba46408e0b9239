package cull

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Ryustiel/MeepPublic/internal/config"
	"github.com/Ryustiel/MeepPublic/internal/model"
	"github.com/Ryustiel/MeepPublic/internal/state"
)

func seedThread(t *testing.T, n int, textSize int) *state.Thread {
	t.Helper()
	th := state.NewThread("t")
	d := state.NewDelta()
	for i := 0; i < n; i++ {
		d.Channel("c").NewMessages = append(d.Channel("c").NewMessages, state.Message{
			Role: state.RoleUser, Author: "alice", Text: strings.Repeat("x", textSize),
		})
	}
	if err := th.Apply(d); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return th
}

func TestRunBelowThresholdIsNoop(t *testing.T) {
	t.Parallel()

	th := seedThread(t, 10, 10)
	c := New(model.NewFake(), config.CullConfig{MaxChannelChars: 1000, KeepRecent: 4}, nil)
	d := c.Run(context.Background(), th)
	if !d.Empty() {
		t.Fatalf("expected noop delta, got %+v", d)
	}
}

func TestRunCullsOversizedChannel(t *testing.T) {
	t.Parallel()

	th := seedThread(t, 20, 100)
	fake := model.NewFake(model.Response{Text: "they discussed many things"})
	c := New(fake, config.CullConfig{MaxChannelChars: 500, SummarizeChars: 400, KeepRecent: 4}, nil)

	d := c.Run(context.Background(), th)
	cd := d.Channels["c"]
	if cd == nil || cd.ReplaceBeforeSeq == 0 {
		t.Fatalf("expected replacement, got %+v", d)
	}
	if len(cd.NewSummaries) == 0 {
		t.Fatalf("no summaries produced")
	}
	// Summaries cover the whole cut prefix contiguously.
	if cd.NewSummaries[0].FromSeq != 1 {
		t.Fatalf("first summary starts at %d", cd.NewSummaries[0].FromSeq)
	}
	for i := 1; i < len(cd.NewSummaries); i++ {
		if cd.NewSummaries[i].FromSeq != cd.NewSummaries[i-1].ToSeq+1 {
			t.Fatalf("summary gap between %+v and %+v", cd.NewSummaries[i-1], cd.NewSummaries[i])
		}
	}
	if last := cd.NewSummaries[len(cd.NewSummaries)-1]; last.ToSeq != cd.ReplaceBeforeSeq-1 {
		t.Fatalf("summaries stop short of the cut: %+v", last)
	}
	for _, s := range cd.NewSummaries {
		if s.Text != "they discussed many things" {
			t.Fatalf("unexpected summary text: %+v", s)
		}
	}

	if err := th.Apply(d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ch := th.Channels["c"]
	// Only the recent window remains, and it is intact.
	if len(ch.Messages) != 4 {
		t.Fatalf("expected the 4 retained messages, got %d", len(ch.Messages))
	}
	if ch.Messages[len(ch.Messages)-1].Seq != 20 {
		t.Fatalf("latest message lost")
	}
	if ch.TextSize() >= 500 {
		t.Fatalf("channel still over threshold after cull: %d chars", ch.TextSize())
	}
	if err := th.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestRunCullsByAge(t *testing.T) {
	t.Parallel()

	th := seedThread(t, 12, 5)
	fake := model.NewFake(model.Response{Text: "old talk"})
	c := New(fake, config.CullConfig{MaxAgeDays: 5, SummarizeChars: 1000, KeepRecent: 4}, nil)
	c.now = func() time.Time { return time.Now().Add(10 * 24 * time.Hour) }

	d := c.Run(context.Background(), th)
	if d.Empty() {
		t.Fatalf("expected age-based cull")
	}
}

func TestRunFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	th := seedThread(t, 20, 100)
	fake := model.NewFake()
	fake.Fail(errors.New("provider down"))
	c := New(fake, config.CullConfig{MaxChannelChars: 500, SummarizeChars: 400, KeepRecent: 4}, nil)

	d := c.Run(context.Background(), th)
	if !d.Empty() {
		t.Fatalf("failed cull must not mutate state: %+v", d)
	}
	// History is untouched and the next pass can retry.
	if len(th.Channels["c"].Messages) != 20 {
		t.Fatalf("messages lost on failure")
	}
}

func TestRunMarksCulledURLsStale(t *testing.T) {
	t.Parallel()

	th := state.NewThread("t")
	d := state.NewDelta()
	d.Channel("c").NewMessages = append(d.Channel("c").NewMessages,
		state.Message{Role: state.RoleUser, Text: "see https://x.test/doc " + strings.Repeat("a", 600)},
	)
	for i := 0; i < 10; i++ {
		d.Channel("c").NewMessages = append(d.Channel("c").NewMessages, state.Message{Role: state.RoleUser, Text: "chatter"})
	}
	d.ContextAdds = []state.ContextItem{{URL: "https://x.test/doc", Content: "a doc", Seen: true}}
	if err := th.Apply(d); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fake := model.NewFake(model.Response{Text: "doc was discussed"})
	c := New(fake, config.CullConfig{MaxChannelChars: 300, SummarizeChars: 300, KeepRecent: 4}, nil)
	out := c.Run(context.Background(), th)
	if err := th.Apply(out); err != nil {
		t.Fatalf("apply: %v", err)
	}

	item := th.ContextItems["https://x.test/doc"]
	if item == nil {
		t.Fatalf("context item deleted")
	}
	if !item.Stale {
		t.Fatalf("culled url not marked stale")
	}
}
