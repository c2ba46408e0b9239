package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ryustiel/MeepPublic/internal/activity"
	"github.com/Ryustiel/MeepPublic/internal/auditlog"
	"github.com/Ryustiel/MeepPublic/internal/confirm"
	"github.com/Ryustiel/MeepPublic/internal/model"
	"github.com/Ryustiel/MeepPublic/internal/resource"
	"github.com/Ryustiel/MeepPublic/internal/state"
	"github.com/Ryustiel/MeepPublic/internal/tool"
)

// maxToolIterations bounds the inline tool loop within one run.
const maxToolIterations = 4

// historyWindow is how many trailing messages of a channel enter the prompt.
const historyWindow = 40

type queuedEmit struct {
	channelID string
	out       Outbound
}

type queuedConfirm struct {
	channelID string
	req       ConfirmationRequest
}

// runContext is the shared state of one run. Parallel steps contribute
// through merge; the respond step applies the accumulated delta before
// talking to the model.
type runContext struct {
	eng   *Engine
	runID string

	th        *state.Thread
	channelID string
	text      string
	inbound   *Inbound

	// results are consumed task outcomes driving a resumption run.
	results []*state.PendingTask

	mu    sync.Mutex
	delta *state.Delta
	sel   activity.Decision

	emits    []queuedEmit
	confirms []queuedConfirm
	submits  []state.PendingTask
}

func (rc *runContext) merge(d *state.Delta) error {
	if rc == nil {
		return errors.New("nil run context")
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.delta.Merge(d)
}

func (rc *runContext) setSelection(d activity.Decision) {
	rc.mu.Lock()
	rc.sel = d
	rc.mu.Unlock()
}

func (rc *runContext) selection() activity.Decision {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.sel
}

// applyAccumulated folds the pending delta into the working thread state and
// resets the accumulator. Only barrier steps may call it.
func (rc *runContext) applyAccumulated() error {
	rc.mu.Lock()
	d := rc.delta
	rc.delta = state.NewDelta()
	rc.mu.Unlock()
	return rc.th.Apply(d)
}

func (rc *runContext) queueEmit(channelID string, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	rc.mu.Lock()
	rc.emits = append(rc.emits, queuedEmit{channelID: channelID, out: Outbound{Text: text}})
	rc.mu.Unlock()
}

// executeRun drives one event through load, step execution, cull and
// persist. Outbound messages flush only after the checkpoint write
// succeeded.
func (e *Engine) executeRun(ctx context.Context, threadID string, ev any) error {
	if e == nil {
		return errors.New("engine not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runID, err := NewRunID()
	if err != nil {
		return err
	}

	th, _, err := e.store.GetLatest(ctx, threadID)
	if err != nil {
		return err
	}
	if th == nil {
		th = state.NewThread(threadID)
	}

	rc := &runContext{eng: e, runID: runID, th: th, delta: state.NewDelta()}

	expired, err := e.expireConfirmations(rc)
	if err != nil {
		return err
	}

	switch event := ev.(type) {
	case eventUserMessage:
		err = e.runUserMessage(ctx, rc, event)
	case eventTaskDone:
		err = e.runTaskDone(ctx, rc, event)
	case eventWakeup:
		err = e.runWakeup(ctx, rc, event)
	case eventConfirmationSweep:
		// The expiry pass above is the whole run. Nothing to persist when
		// the confirmation got decided before the sweep landed.
		if !expired {
			return nil
		}
	default:
		err = fmt.Errorf("unknown event type %T", ev)
	}
	if err != nil {
		return err
	}

	return e.finishRun(ctx, rc)
}

// finishRun applies leftovers, culls, persists and flushes side effects.
func (e *Engine) finishRun(ctx context.Context, rc *runContext) error {
	if err := rc.applyAccumulated(); err != nil {
		return err
	}

	if e.culler != nil {
		cullDelta := e.culler.Run(ctx, rc.th)
		if err := rc.th.Apply(cullDelta); err != nil {
			return err
		}
	}

	// Transient notices age by one run per channel that saw activity.
	decay := state.NewDelta()
	for id, ch := range rc.th.Channels {
		if len(ch.Notices) > 0 {
			decay.Channel(id).DecayNotices = true
		}
	}
	if err := rc.th.Apply(decay); err != nil {
		return err
	}

	if _, err := e.store.Append(ctx, rc.th.ID, rc.runID, rc.th); err != nil {
		return fmt.Errorf("checkpoint write failed: %w", err)
	}

	// Side effects only after the state is durable.
	for _, q := range rc.confirms {
		e.trackDeadline(rc.th.ID, q.req.DeadlineUnixMs)
		e.audit.Append(auditlog.Entry{
			Action:         "confirmation_requested",
			ThreadID:       rc.th.ID,
			ChannelID:      q.channelID,
			ConfirmationID: q.req.ConfirmationID,
			Detail:         map[string]any{"description": q.req.Description},
		})
		if err := e.emitter.RequestConfirmation(q.channelID, q.req); err != nil {
			e.log.Warn("confirmation request emit failed", "channel_id", q.channelID, "error", err)
		}
	}
	for _, q := range rc.emits {
		if err := e.emitter.Emit(q.channelID, q.out); err != nil {
			e.log.Warn("outbound emit failed", "channel_id", q.channelID, "error", err)
		}
	}
	for _, t := range rc.submits {
		e.audit.Append(auditlog.Entry{
			Action:    "task_dispatched",
			ThreadID:  rc.th.ID,
			ChannelID: t.ChannelID,
			Tool:      t.Tool,
			TaskID:    t.ID,
		})
		if err := e.plane.Submit(t); err != nil {
			e.log.Warn("async task submit failed", "task_id", t.ID, "tool", t.Tool, "error", err)
		}
	}
	return nil
}

// expireConfirmations auto-denies overdue approvals before the event is
// processed. An expired gate resumes the suspended turn with a distinct
// outcome. Returns whether anything expired.
func (e *Engine) expireConfirmations(rc *runContext) (bool, error) {
	updates := e.gate.Expire(rc.th)
	if len(updates) == 0 {
		return false, nil
	}
	e.clearDeadline(rc.th.ID)
	d := state.NewDelta()
	d.ConfirmationUpdates = updates
	if rc.th.Activity == state.ActivityWaitingForConfirmation {
		restored := rc.th.PriorActivity
		if restored == "" || restored.Suspended() {
			restored = state.ActivityConversing
		}
		d.Activity = restored
	}
	for _, u := range updates {
		c := rc.th.Confirmations[u.ID]
		if c == nil {
			continue
		}
		e.audit.Append(auditlog.Entry{
			Action:         "confirmation_expired",
			ThreadID:       rc.th.ID,
			ChannelID:      c.ChannelID,
			Tool:           c.Tool,
			ConfirmationID: c.ID,
		})
		rc.queueEmit(c.ChannelID, "Approval request expired without a decision: "+c.Description)
	}
	return true, rc.th.Apply(d)
}

func (e *Engine) runUserMessage(ctx context.Context, rc *runContext, ev eventUserMessage) error {
	channelID := strings.TrimSpace(ev.ChannelID)
	if channelID == "" {
		return errors.New("missing channel id")
	}
	rc.channelID = channelID
	rc.text = strings.TrimSpace(ev.Inbound.Text)
	rc.inbound = &ev.Inbound

	// The inbound message lands in history regardless of what the run does
	// with it.
	seed := state.NewDelta()
	cd := seed.Channel(channelID)
	cd.Name = ev.Inbound.ChannelName
	cd.Kind = ev.Inbound.ChannelKind
	cd.NewMessages = []state.Message{{
		Role:        state.RoleUser,
		Author:      strings.TrimSpace(ev.Inbound.Author),
		Text:        rc.text,
		Attachments: ev.Inbound.Attachments,
	}}
	cd.TouchUnixMs = time.Now().UnixMilli()
	if err := rc.th.Apply(seed); err != nil {
		return err
	}

	// A suspended thread records the message and waits; the eventual
	// resumption run sees it in history.
	if rc.th.Activity.Suspended() {
		return nil
	}

	steps := map[string]stepFunc{
		"analyze": stepAnalyze,
		"select":  stepSelect,
		"respond": stepRespond,
	}
	var next map[string][]string
	if len(resource.Unseen(rc.th, resource.ExtractURLs(rc.text))) > 0 {
		// Fresh URLs are analyzed up front so the reply step sees the
		// extraction.
		next = map[string][]string{
			"analyze": {"select"},
			"select":  {"respond"},
		}
	} else {
		next = map[string][]string{
			"analyze": {"respond"},
			"select":  {"respond"},
		}
	}
	g, err := newGraph(steps, next)
	if err != nil {
		return err
	}
	return g.run(ctx, rc)
}

func stepAnalyze(ctx context.Context, rc *runContext) error {
	d := resource.AnalyzeAll(ctx, rc.eng.analyzer, rc.th, rc.text, rc.eng.log)
	return rc.merge(d)
}

func stepSelect(ctx context.Context, rc *runContext) error {
	in := activity.Input{
		Prior: rc.th.Activity,
		Text:  rc.text,
	}
	if rc.inbound != nil {
		in.DirectlyAddressed = rc.inbound.DirectlyAddressed
	}
	rc.setSelection(rc.eng.selector.Select(ctx, in))
	return nil
}

func stepRespond(ctx context.Context, rc *runContext) error {
	// Merge barrier: fold branch output into the working state before the
	// model sees it.
	if err := rc.applyAccumulated(); err != nil {
		return err
	}
	sel := rc.selection()
	if sel.Turn != activity.TurnTake {
		d := state.NewDelta()
		if sel.Activity != "" && sel.Activity != rc.th.Activity {
			d.Activity = sel.Activity
		}
		return rc.merge(d)
	}
	return rc.eng.respond(ctx, rc, sel.Activity)
}

func (e *Engine) runTaskDone(ctx context.Context, rc *runContext, ev eventTaskDone) error {
	comp := ev.Completion
	taskID := strings.TrimSpace(comp.TaskID)
	existing := rc.th.Tasks[taskID]
	if existing == nil {
		e.log.Warn("completion trigger for unknown task", "thread_id", rc.th.ID, "task_id", taskID)
		return nil
	}
	if existing.Resolved() {
		// Duplicate trigger; the result was already recorded.
		return nil
	}

	d := state.NewDelta()
	d.TaskUpdates = []state.TaskUpdate{{
		ID:               taskID,
		Status:           comp.Status,
		Result:           comp.Result,
		Error:            comp.Error,
		ResolvedAtUnixMs: time.Now().UnixMilli(),
	}}
	if err := rc.th.Apply(d); err != nil {
		return err
	}

	// Consolidation: resume only when nothing else is outstanding, so N
	// completions produce one resumption run.
	if len(rc.th.UnresolvedTasks()) > 0 {
		return nil
	}

	results := rc.th.UnconsumedResults()
	if len(results) == 0 {
		return nil
	}
	rc.results = results
	rc.channelID = strings.TrimSpace(existing.ChannelID)
	if rc.channelID == "" {
		rc.channelID = rc.th.LastUserChannel("", "")
	}
	if rc.channelID == "" {
		e.log.Warn("no channel to surface task results on", "thread_id", rc.th.ID)
		return nil
	}

	consume := state.NewDelta()
	for _, t := range results {
		consume.TaskUpdates = append(consume.TaskUpdates, state.TaskUpdate{ID: t.ID, Consumed: true})
	}
	if err := rc.th.Apply(consume); err != nil {
		return err
	}

	sel := e.selector.Select(ctx, activity.Input{
		Prior:              rc.th.Activity,
		PriorSuspendedFrom: rc.th.PriorActivity,
		Resuming:           true,
	})
	rc.setSelection(sel)
	if err := e.respond(ctx, rc, sel.Activity); err != nil {
		// A failed reply must not wedge the thread. The terminal task status
		// still checkpoints below; the failure lands in history so the next
		// turn can pick the results back up.
		e.log.Warn("resumption reply failed", "thread_id", rc.th.ID, "error", err)
		rc.mu.Lock()
		rc.delta = state.NewDelta()
		rc.emits = nil
		rc.confirms = nil
		rc.submits = nil
		rc.mu.Unlock()

		d := state.NewDelta()
		d.Activity = sel.Activity
		d.Channel(rc.channelID).NewMessages = []state.Message{{
			Role: state.RoleSystem,
			Text: "background work finished but composing the reply failed: " + err.Error(),
		}}
		if mergeErr := rc.merge(d); mergeErr != nil {
			return mergeErr
		}
		rc.queueEmit(rc.channelID, "I finished the background work but hit an error writing up the results. Ask me again and I will use them.")
	}
	return nil
}

func (e *Engine) runWakeup(ctx context.Context, rc *runContext, ev eventWakeup) error {
	note := strings.TrimSpace(ev.Note)
	if note == "" {
		return errors.New("empty wakeup note")
	}
	channelID := rc.th.LastUserChannel(ev.PreferUser, ev.FallbackChannelID)
	if channelID == "" {
		return errors.New("no channel to wake up on")
	}
	rc.channelID = channelID
	rc.text = note

	seed := state.NewDelta()
	seed.Channel(channelID).NewMessages = []state.Message{{Role: state.RoleSystem, Text: note}}
	if err := rc.th.Apply(seed); err != nil {
		return err
	}

	if rc.th.Activity.Suspended() {
		return nil
	}

	sel := e.selector.Select(ctx, activity.Input{Prior: rc.th.Activity, Text: note})
	rc.setSelection(sel)
	if sel.Turn != activity.TurnTake {
		return nil
	}
	return e.respond(ctx, rc, sel.Activity)
}

// executeDecision resolves a confirmation inside the thread actor.
func (e *Engine) executeDecision(ctx context.Context, threadID string, dec decision) error {
	if ctx == nil {
		ctx = context.Background()
	}
	th, _, err := e.store.GetLatest(ctx, threadID)
	if err != nil {
		return err
	}
	if th == nil {
		return confirm.ErrUnknownConfirmation
	}

	update, c, err := e.gate.Decide(th, dec.ConfirmationID, dec.Identity, dec.Approve)
	if err != nil {
		// Invalid decisions are rejected without touching state.
		return err
	}
	e.clearDeadline(threadID)
	action := "confirmation_denied"
	if dec.Approve {
		action = "confirmation_approved"
	}
	e.audit.Append(auditlog.Entry{
		Action:         action,
		ThreadID:       th.ID,
		ChannelID:      c.ChannelID,
		Tool:           c.Tool,
		ConfirmationID: dec.ConfirmationID,
		DecidedBy:      dec.Identity,
	})

	runID, err := NewRunID()
	if err != nil {
		return err
	}
	rc := &runContext{eng: e, runID: runID, th: th, delta: state.NewDelta(), channelID: c.ChannelID}

	d := state.NewDelta()
	d.ConfirmationUpdates = []state.ConfirmationUpdate{update}

	if dec.Approve {
		// The gated call dispatches exactly once, through the async plane.
		t := state.PendingTask{
			ID:        "task_" + uuid.NewString(),
			ThreadID:  th.ID,
			ChannelID: c.ChannelID,
			Tool:      c.Tool,
			Args:      c.Args,
			Status:    state.TaskQueued,
		}
		d.TaskAdds = []state.PendingTask{t}
		d.Activity = state.ActivityWaitingForTool
		rc.submits = append(rc.submits, t)
		rc.queueEmit(c.ChannelID, "Approved by "+dec.Identity+". Running "+c.Tool+".")
		if err := rc.th.Apply(d); err != nil {
			return err
		}
		return e.finishRun(ctx, rc)
	}

	// Denial: the tool never runs; the suspended turn resumes against a
	// synthetic failure.
	if err := rc.th.Apply(d); err != nil {
		return err
	}
	denied := &state.PendingTask{
		ID:        dec.ConfirmationID,
		ChannelID: c.ChannelID,
		Tool:      c.Tool,
		Status:    state.TaskFailed,
		Error:     "approval denied by " + dec.Identity,
	}
	rc.results = []*state.PendingTask{denied}

	sel := e.selector.Select(ctx, activity.Input{
		Prior:              th.Activity,
		PriorSuspendedFrom: th.PriorActivity,
		Resuming:           true,
	})
	rc.setSelection(sel)
	if err := e.respond(ctx, rc, sel.Activity); err != nil {
		return err
	}
	return e.finishRun(ctx, rc)
}

// respond runs the model loop for the selected activity: inline tools
// execute in place, async tools suspend the turn, sensitive tools raise the
// confirmation gate.
func (e *Engine) respond(ctx context.Context, rc *runContext, act state.Activity) error {
	desc, ok := e.activities.Get(act)
	if !ok {
		desc = e.activities.Default()
		act = desc.Activity
	}
	defs := e.tools.Subset(desc.Tools)
	modelTools := make([]model.ToolDef, 0, len(defs))
	for _, d := range defs {
		modelTools = append(modelTools, d.ModelDef())
	}

	convo := e.buildConversation(rc, desc.Prompt)

	suspended := false
	finalText := ""

	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err := e.model.Complete(ctx, model.Request{
			System:      convo.system,
			Messages:    convo.messages,
			Tools:       modelTools,
			Temperature: 0.7,
		})
		if err != nil {
			return fmt.Errorf("model completion failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			finalText = strings.TrimSpace(resp.Text)
			break
		}

		convo.messages = append(convo.messages, model.Message{
			Role:      "assistant",
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		stop, err := e.dispatchToolCalls(ctx, rc, act, resp.ToolCalls, convo)
		if err != nil {
			return err
		}
		if stop {
			suspended = true
			break
		}
	}

	d := state.NewDelta()
	if suspended {
		d.PriorActivity = act
	} else {
		d.Activity = act
		if finalText != "" {
			d.Channel(rc.channelID).NewMessages = []state.Message{{
				Role: state.RoleAssistant,
				Text: finalText,
			}}
			rc.queueEmit(rc.channelID, finalText)
		}
	}
	return rc.merge(d)
}

type conversation struct {
	system   string
	messages []model.Message
}

func (e *Engine) buildConversation(rc *runContext, prompt string) *conversation {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(prompt))
	if rcx := resource.PromptContext(rc.th); rcx != "" {
		sys.WriteString("\n\n")
		sys.WriteString(rcx)
	}

	ch := rc.th.Channels[rc.channelID]
	if ch != nil {
		if len(ch.Summaries) > 0 {
			sys.WriteString("\n\nEarlier conversation summaries:")
			for _, s := range ch.Summaries {
				sys.WriteString("\n- ")
				sys.WriteString(strings.TrimSpace(s.Text))
			}
		}
		if len(ch.Notices) > 0 {
			sys.WriteString("\n\nRecent system notices:")
			for _, n := range ch.Notices {
				sys.WriteString("\n- ")
				sys.WriteString(strings.TrimSpace(n.Text))
			}
		}
	}

	var msgs []model.Message
	if ch != nil {
		start := 0
		if len(ch.Messages) > historyWindow {
			start = len(ch.Messages) - historyWindow
		}
		for _, m := range ch.Messages[start:] {
			switch m.Role {
			case state.RoleAssistant:
				msgs = append(msgs, model.Message{Role: "assistant", Text: m.Text})
			case state.RoleSystem:
				msgs = append(msgs, model.Message{Role: "user", Text: "[system] " + m.Text})
			default:
				text := m.Text
				if a := strings.TrimSpace(m.Author); a != "" {
					text = a + ": " + text
				}
				msgs = append(msgs, model.Message{Role: "user", Text: text})
			}
		}
	}

	// Consumed task outcomes drive the resumed turn.
	if len(rc.results) > 0 {
		var b strings.Builder
		b.WriteString("Background task results:")
		for _, t := range rc.results {
			if t.Status == state.TaskFailed {
				fmt.Fprintf(&b, "\n- %s failed: %s", t.Tool, t.Error)
			} else {
				fmt.Fprintf(&b, "\n- %s: %s", t.Tool, t.Result)
			}
		}
		b.WriteString("\nContinue the conversation using these results. If a task failed, tell the user plainly.")
		msgs = append(msgs, model.Message{Role: "user", Text: "[system] " + b.String()})
	}

	return &conversation{system: sys.String(), messages: msgs}
}

// resolvedCall is one model tool call after argument parsing and validation.
type resolvedCall struct {
	id      string
	def     tool.Def
	handler tool.Handler
	args    map[string]any
	gated   bool
}

// dispatchToolCalls routes one batch of model tool calls. Returns stop=true
// when the run must suspend (async dispatch or confirmation raised).
//
// A sensitive call wins over everything else in the batch: the gate goes up
// and no other call dispatches, so the run never carries both a pending task
// and an open confirmation out of one response.
func (e *Engine) dispatchToolCalls(ctx context.Context, rc *runContext, act state.Activity, calls []model.ToolCall, convo *conversation) (bool, error) {
	var resolved []resolvedCall
	for _, call := range calls {
		def, handler, ok := e.tools.Resolve(call.Name)
		if !ok {
			convo.messages = append(convo.messages, model.Message{
				Role: "tool", ToolCallID: call.ID, Text: "error: unknown tool " + call.Name,
			})
			continue
		}

		args := map[string]any{}
		if strings.TrimSpace(call.Arguments) != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				convo.messages = append(convo.messages, model.Message{
					Role: "tool", ToolCallID: call.ID, Text: "error: invalid arguments: " + err.Error(),
				})
				continue
			}
		}
		// The model may assert the user already confirmed verbally.
		skipConfirmation, _ := args["skip_confirmation"].(bool)
		delete(args, "skip_confirmation")

		if err := tool.ValidateArgs(def, args); err != nil {
			convo.messages = append(convo.messages, model.Message{
				Role: "tool", ToolCallID: call.ID, Text: "error: " + err.Error(),
			})
			continue
		}

		resolved = append(resolved, resolvedCall{
			id:      call.ID,
			def:     def,
			handler: handler,
			args:    args,
			gated:   def.Sensitive && !skipConfirmation,
		})
	}

	for _, c := range resolved {
		if !c.gated {
			continue
		}
		tcall := tool.Call{ThreadID: rc.th.ID, ChannelID: rc.channelID, Tool: c.def.Name, Args: c.args}
		pc, err := e.gate.Request(rc.th, tcall, c.def, "")
		if err != nil {
			convo.messages = append(convo.messages, model.Message{
				Role: "tool", ToolCallID: c.id, Text: "error: " + err.Error(),
			})
			continue
		}
		d := state.NewDelta()
		d.ConfirmationAdds = []state.PendingConfirmation{pc}
		d.Activity = state.ActivityWaitingForConfirmation
		if err := rc.merge(d); err != nil {
			return false, err
		}
		rc.mu.Lock()
		rc.confirms = append(rc.confirms, queuedConfirm{
			channelID: rc.channelID,
			req: ConfirmationRequest{
				ConfirmationID: pc.ID,
				Description:    pc.Description,
				DeadlineUnixMs: pc.DeadlineUnixMs,
			},
		})
		rc.mu.Unlock()
		return true, nil
	}

	suspend := false
	for _, c := range resolved {
		if c.gated {
			continue
		}
		if c.def.Latency == tool.LatencyAsync {
			t := state.PendingTask{
				ID:        "task_" + uuid.NewString(),
				ThreadID:  rc.th.ID,
				ChannelID: rc.channelID,
				Tool:      c.def.Name,
				Args:      c.args,
				Status:    state.TaskQueued,
			}
			d := state.NewDelta()
			d.TaskAdds = []state.PendingTask{t}
			d.Activity = state.ActivityWaitingForTool
			d.Channel(rc.channelID).NewNotices = []state.Notice{{
				Text:     "running " + c.def.Name + " in the background",
				Lifespan: 3,
			}}
			if err := rc.merge(d); err != nil {
				return false, err
			}
			rc.mu.Lock()
			rc.submits = append(rc.submits, t)
			rc.mu.Unlock()
			suspend = true
			continue
		}

		tcall := tool.Call{ThreadID: rc.th.ID, ChannelID: rc.channelID, Tool: c.def.Name, Args: c.args}
		result, err := c.handler(ctx, tcall)
		if err != nil {
			result = "error: " + err.Error()
		}
		convo.messages = append(convo.messages, model.Message{
			Role: "tool", ToolCallID: c.id, Text: result,
		})
	}
	return suspend, nil
}
