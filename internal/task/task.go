// Package task is the asynchronous execution plane. Offloaded tool
// invocations run here on bounded workers; a terminal status fires the
// resumption trigger back into the engine. The plane never mutates thread
// state and never retries on its own.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Ryustiel/MeepPublic/internal/state"
	"github.com/Ryustiel/MeepPublic/internal/tool"
)

// Completion is the resumption trigger payload. It always carries the
// originating thread id so routing needs no side lookup.
type Completion struct {
	ThreadID string
	TaskID   string
	Status   state.TaskStatus
	Result   string
	Error    string
}

// NotifyFunc receives terminal task outcomes. It must not block for long;
// the engine enqueues the completion onto the thread's event queue.
type NotifyFunc func(Completion)

// Plane runs async tool work.
type Plane struct {
	reg    *tool.Registry
	notify NotifyFunc
	log    *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a plane with at most maxConcurrent workers.
func New(reg *tool.Registry, maxConcurrent int, notify NotifyFunc, log *slog.Logger) (*Plane, error) {
	if reg == nil {
		return nil, errors.New("nil tool registry")
	}
	if notify == nil {
		return nil, errors.New("nil completion notifier")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Plane{
		reg:     reg,
		notify:  notify,
		log:     log,
		sem:     make(chan struct{}, maxConcurrent),
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Submit starts the task on a worker goroutine. The task must reference a
// registered async tool. Submission is accepted before the worker runs;
// ordering between tasks is not guaranteed.
func (p *Plane) Submit(t state.PendingTask) error {
	if p == nil {
		return errors.New("task plane not ready")
	}
	taskID := strings.TrimSpace(t.ID)
	threadID := strings.TrimSpace(t.ThreadID)
	if taskID == "" || threadID == "" {
		return errors.New("task missing id or thread id")
	}
	def, handler, ok := p.reg.Resolve(t.Tool)
	if !ok {
		return fmt.Errorf("unknown tool %q", t.Tool)
	}
	if def.Latency != tool.LatencyAsync {
		return fmt.Errorf("tool %q is not async", t.Tool)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("task plane closed")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-p.baseCtx.Done():
			p.finish(threadID, taskID, "", p.baseCtx.Err())
			return
		}
		defer func() { <-p.sem }()

		result, err := handler(p.baseCtx, tool.Call{
			ThreadID:  threadID,
			ChannelID: strings.TrimSpace(t.ChannelID),
			Tool:      def.Name,
			Args:      t.Args,
		})
		p.finish(threadID, taskID, result, err)
	}()
	return nil
}

func (p *Plane) finish(threadID string, taskID string, result string, err error) {
	c := Completion{ThreadID: threadID, TaskID: taskID}
	if err != nil {
		c.Status = state.TaskFailed
		c.Error = err.Error()
		p.log.Warn("async task failed", "thread_id", threadID, "task_id", taskID, "error", err)
	} else {
		c.Status = state.TaskCompleted
		c.Result = result
	}
	p.notify(c)
}

// Close cancels in-flight work and waits for workers to drain. In-flight
// tasks surface as failed completions.
func (p *Plane) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
