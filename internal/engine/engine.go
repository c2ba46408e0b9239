// Package engine is the execution core: it turns inbound events into runs,
// serializes runs per thread, persists a checkpoint after every run and
// flushes outbound effects only once the checkpoint is durable.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Ryustiel/MeepPublic/internal/activity"
	"github.com/Ryustiel/MeepPublic/internal/auditlog"
	"github.com/Ryustiel/MeepPublic/internal/confirm"
	"github.com/Ryustiel/MeepPublic/internal/config"
	"github.com/Ryustiel/MeepPublic/internal/cull"
	"github.com/Ryustiel/MeepPublic/internal/model"
	"github.com/Ryustiel/MeepPublic/internal/resource"
	"github.com/Ryustiel/MeepPublic/internal/state"
	"github.com/Ryustiel/MeepPublic/internal/store"
	"github.com/Ryustiel/MeepPublic/internal/task"
	"github.com/Ryustiel/MeepPublic/internal/tool"
)

// NewRunID returns a short unique id for one run, used as the checkpoint
// provenance tag.
func NewRunID() (string, error) {
	buf := make([]byte, 18)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return "run_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Options configure an Engine. Store, Model and Emitter are required; the
// rest defaults to the standard wiring.
type Options struct {
	Store   *store.Store
	Model   model.Model
	Emitter Emitter

	// Config supplies the confirmation, cull and task plane settings.
	// Defaults apply when nil.
	Config *config.Config

	// Tools defaults to a registry with the builtin set.
	Tools *tool.Registry

	// Activities defaults to the built-in mode table.
	Activities *activity.Registry

	// Analyzer defaults to a model-backed analyzer.
	Analyzer resource.Analyzer

	// Audit records confirmation and dispatch events when set.
	Audit *auditlog.Store

	Logger *slog.Logger
}

// Engine owns the run loop. All public methods are safe for concurrent use;
// runs for the same thread execute strictly one at a time.
type Engine struct {
	store      *store.Store
	model      model.Model
	emitter    Emitter
	tools      *tool.Registry
	activities *activity.Registry
	selector   *activity.Selector
	analyzer   resource.Analyzer
	gate       *confirm.Gate
	culler     *cull.Culler
	plane      *task.Plane
	audit      *auditlog.Store
	log        *slog.Logger

	mgr *threadManager

	// deadlines tracks threads with an open confirmation so the sweeper can
	// expire them without an inbound event. Keyed by thread id.
	deadlineMu sync.Mutex
	deadlines  map[string]int64

	sweepEvery time.Duration
	sweepStop  chan struct{}
	sweepDone  chan struct{}
	closeOnce  sync.Once
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if opts.Model == nil {
		return nil, errors.New("engine requires a model")
	}
	if opts.Emitter == nil {
		return nil, errors.New("engine requires an emitter")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Normalize()

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	tools := opts.Tools
	if tools == nil {
		tools = tool.NewRegistry()
		if err := tool.RegisterBuiltins(tools); err != nil {
			return nil, err
		}
	}

	activities := opts.Activities
	if activities == nil {
		activities = activity.DefaultRegistry()
	}

	selector, err := activity.NewSelector(activities, opts.Model, log)
	if err != nil {
		return nil, err
	}

	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer, err = resource.NewModelAnalyzer(opts.Model, log)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		store:      opts.Store,
		model:      opts.Model,
		emitter:    opts.Emitter,
		tools:      tools,
		activities: activities,
		selector:   selector,
		analyzer:   analyzer,
		gate:       confirm.NewGate(cfg.ApproversFor, time.Duration(cfg.Confirmation.DeadlineSeconds)*time.Second),
		culler:     cull.New(opts.Model, cfg.Cull, log),
		audit:      opts.Audit,
		log:        log,
		deadlines:  make(map[string]int64),
		sweepEvery: 15 * time.Second,
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	e.mgr = newThreadManager(e)

	plane, err := task.New(tools, cfg.Tasks.MaxConcurrent, e.onTaskCompletion, log)
	if err != nil {
		return nil, err
	}
	e.plane = plane

	e.recoverDeadlines()
	go e.sweepLoop()
	return e, nil
}

// recoverDeadlines re-registers open confirmations found in the store so a
// restart does not orphan their expiry.
func (e *Engine) recoverDeadlines() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ids, err := e.store.ListThreadIDs(ctx)
	if err != nil {
		e.log.Warn("deadline recovery scan failed", "error", err)
		return
	}
	for _, id := range ids {
		th, _, err := e.store.GetLatest(ctx, id)
		if err != nil || th == nil {
			continue
		}
		if c := th.OpenConfirmation(); c != nil {
			e.trackDeadline(id, c.DeadlineUnixMs)
		}
	}
}

func (e *Engine) trackDeadline(threadID string, deadlineMs int64) {
	if e == nil || strings.TrimSpace(threadID) == "" {
		return
	}
	e.deadlineMu.Lock()
	e.deadlines[threadID] = deadlineMs
	e.deadlineMu.Unlock()
}

func (e *Engine) clearDeadline(threadID string) {
	if e == nil {
		return
	}
	e.deadlineMu.Lock()
	delete(e.deadlines, threadID)
	e.deadlineMu.Unlock()
}

func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

// sweepExpired posts an expiry run to every thread whose open confirmation
// crossed its deadline. The run itself re-checks state, so a decision racing
// the sweep wins cleanly.
func (e *Engine) sweepExpired() {
	nowMs := time.Now().UnixMilli()
	e.deadlineMu.Lock()
	var due []string
	for id, dl := range e.deadlines {
		if dl > 0 && nowMs >= dl {
			due = append(due, id)
		}
	}
	e.deadlineMu.Unlock()

	for _, id := range due {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := e.mgr.post(ctx, id, eventConfirmationSweep{}); err != nil {
			e.log.Warn("confirmation expiry run failed", "thread_id", id, "error", err)
		}
		cancel()
	}
}

// Deliver processes one user message and returns when its run finished. The
// error covers run execution; outbound replies travel through the Emitter.
func (e *Engine) Deliver(ctx context.Context, threadID string, channelID string, in Inbound) error {
	if e == nil {
		return errors.New("engine not ready")
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return errors.New("empty message")
	}
	return e.mgr.post(ctx, threadID, eventUserMessage{ChannelID: channelID, Inbound: in})
}

// ReceiveConfirmation resolves a pending approval. Unknown ids, resolved
// confirmations and unauthorized identities are rejected without side
// effects.
func (e *Engine) ReceiveConfirmation(ctx context.Context, threadID string, confirmationID string, identity string, approve bool) error {
	if e == nil {
		return errors.New("engine not ready")
	}
	return e.mgr.decide(ctx, threadID, decision{
		ConfirmationID: confirmationID,
		Identity:       identity,
		Approve:        approve,
	})
}

// Wakeup injects an engine-initiated event (timers, reminders) into the
// thread. The note lands as a system message on the channel of the most
// recent user activity.
func (e *Engine) Wakeup(ctx context.Context, threadID string, note string, preferUser string, fallbackChannelID string) error {
	if e == nil {
		return errors.New("engine not ready")
	}
	return e.mgr.post(ctx, threadID, eventWakeup{
		Note:              note,
		PreferUser:        preferUser,
		FallbackChannelID: fallbackChannelID,
	})
}

// InspectThread returns the latest persisted state of a thread, nil when the
// thread does not exist. The returned value is a private copy.
func (e *Engine) InspectThread(ctx context.Context, threadID string) (*state.Thread, error) {
	if e == nil {
		return nil, errors.New("engine not ready")
	}
	th, _, err := e.store.GetLatest(ctx, threadID)
	return th, err
}

// ListThreads returns the ids of all persisted threads.
func (e *Engine) ListThreads(ctx context.Context) ([]string, error) {
	if e == nil {
		return nil, errors.New("engine not ready")
	}
	return e.store.ListThreadIDs(ctx)
}

// onTaskCompletion feeds async results back into the owning thread. It runs
// on a task plane goroutine, so the actor post happens off to the side. A
// failed completion run retries a few times; results are never dropped while
// the engine is up, since the task stays unresolved in the checkpoint until
// a run records it.
func (e *Engine) onTaskCompletion(comp task.Completion) {
	go func() {
		const attempts = 3
		var err error
		for i := 0; i < attempts; i++ {
			if i > 0 {
				time.Sleep(2 * time.Second)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			err = e.mgr.post(ctx, comp.ThreadID, eventTaskDone{Completion: comp})
			cancel()
			if err == nil {
				return
			}
			e.log.Warn("completion run failed",
				"thread_id", comp.ThreadID, "task_id", comp.TaskID,
				"attempt", i+1, "error", err)
			if errors.Is(err, errEngineClosed) {
				return
			}
		}
	}()
}

// Close drains the task plane, then stops all thread actors. The store is
// owned by the caller and stays open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.sweepStop)
		<-e.sweepDone
		if e.plane != nil {
			e.plane.Close()
		}
		if e.mgr != nil {
			e.mgr.Close()
		}
	})
}
