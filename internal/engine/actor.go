package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	errActorClosed  = errors.New("thread actor closed")
	errEngineClosed = errors.New("engine closed")
)

// threadManager provides per-thread serialization without blocking unrelated
// threads.
//
// It intentionally does not cap the number of concurrent threads. Actors are
// created on demand and are garbage-collected after an idle timeout.
type threadManager struct {
	eng  *Engine
	idle time.Duration

	mu     sync.Mutex
	actors map[string]*threadActor // thread_id -> actor
	closed bool
}

func newThreadManager(eng *Engine) *threadManager {
	return &threadManager{
		eng:    eng,
		idle:   10 * time.Minute,
		actors: make(map[string]*threadActor),
	}
}

// post delivers an event to the thread's actor and waits for its run. An
// actor that idled out between Get and delivery is replaced and the event
// retried against the fresh one.
func (m *threadManager) post(ctx context.Context, threadID string, ev any) error {
	for {
		a := m.Get(threadID)
		if a == nil {
			return errEngineClosed
		}
		err := a.post(ctx, ev)
		if !errors.Is(err, errActorClosed) {
			return err
		}
	}
}

func (m *threadManager) decide(ctx context.Context, threadID string, dec decision) error {
	for {
		a := m.Get(threadID)
		if a == nil {
			return errEngineClosed
		}
		err := a.decide(ctx, dec)
		if !errors.Is(err, errActorClosed) {
			return err
		}
	}
}

func (m *threadManager) Get(threadID string) *threadActor {
	if m == nil {
		return nil
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	if a := m.actors[threadID]; a != nil && a.alive() {
		return a
	}

	a := newThreadActor(m, threadID)
	m.actors[threadID] = a
	a.start()
	return a
}

func (m *threadManager) remove(threadID string, actor *threadActor) {
	if m == nil || strings.TrimSpace(threadID) == "" || actor == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.actors[threadID]; existing == actor {
		delete(m.actors, threadID)
	}
}

func (m *threadManager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	actors := make([]*threadActor, 0, len(m.actors))
	for _, a := range m.actors {
		if a != nil {
			actors = append(actors, a)
		}
	}
	m.actors = make(map[string]*threadActor)
	m.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

type cmdRunEvent struct {
	ctx  context.Context
	ev   any
	resp chan error
}

type cmdDecide struct {
	ctx  context.Context
	dec  decision
	resp chan error
}

// threadActor owns all runs for one thread. Events queue in its inbox in
// arrival order; exactly one run executes at a time.
type threadActor struct {
	mgr      *threadManager
	threadID string

	inbox  chan any
	stopCh chan struct{}
	doneCh chan struct{}

	once sync.Once
}

func newThreadActor(mgr *threadManager, threadID string) *threadActor {
	return &threadActor{
		mgr:      mgr,
		threadID: strings.TrimSpace(threadID),
		inbox:    make(chan any, 128),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (a *threadActor) alive() bool {
	if a == nil {
		return false
	}
	select {
	case <-a.doneCh:
		return false
	default:
		return true
	}
}

func (a *threadActor) start() {
	if a == nil {
		return
	}
	go a.loop()
}

func (a *threadActor) stop() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

// post enqueues an event and waits for its run to finish.
func (a *threadActor) post(ctx context.Context, ev any) error {
	if a == nil {
		return errors.New("thread actor not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan error, 1)
	cmd := cmdRunEvent{ctx: ctx, ev: ev, resp: ch}

	select {
	case <-a.doneCh:
		return errActorClosed
	case <-ctx.Done():
		return ctx.Err()
	case a.inbox <- cmd:
	}

	// doneCh covers the exit window after the drain: a command enqueued to
	// an actor that just returned still fails instead of blocking.
	select {
	case <-a.doneCh:
		select {
		case err := <-ch:
			return err
		default:
		}
		return errActorClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// decide enqueues a confirmation decision. Validation runs inside the actor
// against current state so concurrent deciders serialize cleanly.
func (a *threadActor) decide(ctx context.Context, dec decision) error {
	if a == nil {
		return errors.New("thread actor not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan error, 1)
	cmd := cmdDecide{ctx: ctx, dec: dec, resp: ch}

	select {
	case <-a.doneCh:
		return errActorClosed
	case <-ctx.Done():
		return ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.doneCh:
		select {
		case err := <-ch:
			return err
		default:
		}
		return errActorClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

func (a *threadActor) loop() {
	defer close(a.doneCh)
	defer func() {
		if a.mgr != nil && strings.TrimSpace(a.threadID) != "" {
			a.mgr.remove(a.threadID, a)
		}
	}()
	// Commands that raced the idle exit into the inbox fail fast so their
	// senders can retry on a fresh actor instead of blocking.
	defer a.drainInbox()

	idleTO := 10 * time.Minute
	if a.mgr != nil && a.mgr.idle > 0 {
		idleTO = a.mgr.idle
	}
	idleTimer := time.NewTimer(idleTO)
	defer idleTimer.Stop()

	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(idleTO)
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-idleTimer.C:
			// Stop idle actors to avoid leaking goroutines when adapters
			// touch many threads. State lives in the store; a new actor is
			// created on the next event.
			return
		case raw := <-a.inbox:
			resetIdle()
			switch cmd := raw.(type) {
			case cmdRunEvent:
				cmd.resp <- a.handle(cmd.ctx, cmd.ev)
			case cmdDecide:
				cmd.resp <- a.handleDecision(cmd.ctx, cmd.dec)
			}
		}
	}
}

func (a *threadActor) drainInbox() {
	for {
		select {
		case raw := <-a.inbox:
			switch cmd := raw.(type) {
			case cmdRunEvent:
				cmd.resp <- errActorClosed
			case cmdDecide:
				cmd.resp <- errActorClosed
			}
		default:
			return
		}
	}
}

func (a *threadActor) handle(ctx context.Context, ev any) error {
	if a == nil || a.mgr == nil || a.mgr.eng == nil {
		return errors.New("engine not ready")
	}
	return a.mgr.eng.executeRun(ctx, a.threadID, ev)
}

func (a *threadActor) handleDecision(ctx context.Context, dec decision) error {
	if a == nil || a.mgr == nil || a.mgr.eng == nil {
		return errors.New("engine not ready")
	}
	return a.mgr.eng.executeDecision(ctx, a.threadID, dec)
}
