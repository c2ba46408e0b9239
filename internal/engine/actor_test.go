package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Ryustiel/MeepPublic/internal/model"
	"github.com/Ryustiel/MeepPublic/internal/tool"
)

func TestDrainInboxFailsPendingCommands(t *testing.T) {
	t.Parallel()

	// The actor never runs its loop; the commands sit in the inbox exactly
	// like ones that raced an idle exit.
	a := newThreadActor(nil, "t")
	run := cmdRunEvent{ctx: context.Background(), ev: eventWakeup{}, resp: make(chan error, 1)}
	dec := cmdDecide{ctx: context.Background(), dec: decision{}, resp: make(chan error, 1)}
	a.inbox <- run
	a.inbox <- dec

	a.drainInbox()

	select {
	case err := <-run.resp:
		if !errors.Is(err, errActorClosed) {
			t.Fatalf("run command error = %v", err)
		}
	default:
		t.Fatalf("run command stranded")
	}
	select {
	case err := <-dec.resp:
		if !errors.Is(err, errActorClosed) {
			t.Fatalf("decide command error = %v", err)
		}
	default:
		t.Fatalf("decide command stranded")
	}
}

func TestPostToStoppedActorFailsFast(t *testing.T) {
	t.Parallel()

	m := &routedModel{}
	eng, _, _ := newTestEngine(t, m, tool.NewRegistry(), testActivities(t), nil)

	a := eng.mgr.Get("th1")
	if a == nil {
		t.Fatalf("no actor")
	}
	a.stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.post(ctx, eventWakeup{}); !errors.Is(err, errActorClosed) {
		t.Fatalf("post to stopped actor = %v", err)
	}
	if err := a.decide(ctx, decision{}); !errors.Is(err, errActorClosed) {
		t.Fatalf("decide on stopped actor = %v", err)
	}
}

func TestIdleActorIsReplacedTransparently(t *testing.T) {
	t.Parallel()

	m := &routedModel{responses: []model.Response{{Text: "first"}, {Text: "second"}}}
	eng, em, _ := newTestEngine(t, m, tool.NewRegistry(), testActivities(t), nil)
	eng.mgr.idle = 30 * time.Millisecond

	if err := eng.Deliver(context.Background(), "th1", "chan1", Inbound{Author: "u", Text: "hello"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	em.waitEmits(t, 1)

	first := eng.mgr.Get("th1")
	deadline := time.Now().Add(5 * time.Second)
	for first.alive() {
		if time.Now().After(deadline) {
			t.Fatalf("actor never idled out")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Delivery through the manager lands on a fresh actor.
	if err := eng.Deliver(context.Background(), "th1", "chan1", Inbound{Author: "u", Text: "still there?"}); err != nil {
		t.Fatalf("deliver after idle exit: %v", err)
	}
	emits := em.waitEmits(t, 2)
	if emits[len(emits)-1].out.Text != "second" {
		t.Fatalf("unexpected reply: %+v", emits[len(emits)-1])
	}
}
