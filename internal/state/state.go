// Package state holds the conversational state model: threads, channels,
// append-only message history, pending tasks and confirmations, and the
// cached analysis of external resources. All mutation goes through deltas so
// that concurrent branches of a run can contribute independently and merge.
package state

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Activity is the behavioral mode a thread is currently in. It binds the
// prompt template and the tool subset used by the next run.
type Activity string

const (
	ActivityConversing             Activity = "conversing"
	ActivityDebug                  Activity = "debug"
	ActivityGenerateImage          Activity = "generate_image"
	ActivityWaiting                Activity = "waiting"
	ActivityWaitingForTool         Activity = "waiting_for_tool"
	ActivityWaitingForConfirmation Activity = "waiting_for_confirmation"
)

// NormalizeActivity maps unknown values to the default mode.
func NormalizeActivity(raw string) Activity {
	switch Activity(strings.TrimSpace(raw)) {
	case ActivityConversing, ActivityDebug, ActivityGenerateImage,
		ActivityWaiting, ActivityWaitingForTool, ActivityWaitingForConfirmation:
		return Activity(strings.TrimSpace(raw))
	default:
		return ActivityConversing
	}
}

// Suspended reports whether the activity represents a suspended turn that is
// waiting on an external resumption rather than on user input.
func (a Activity) Suspended() bool {
	return a == ActivityWaitingForTool || a == ActivityWaitingForConfirmation
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one history entry. Seq is assigned by the owning channel at
// apply time and is strictly increasing; history is append-only except for
// summarization, which replaces a prefix.
type Message struct {
	Seq             int64        `json:"seq"`
	Role            string       `json:"role"`
	Author          string       `json:"author,omitempty"`
	Text            string       `json:"text"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	CreatedAtUnixMs int64        `json:"created_at_unix_ms"`
}

// Attachment references structured payload carried by a message, typically
// an image or link the channel adapter passed through.
type Attachment struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// Summary stands in for a culled prefix of messages.
type Summary struct {
	Text            string `json:"text"`
	FromSeq         int64  `json:"from_seq"`
	ToSeq           int64  `json:"to_seq"`
	FromUnixMs      int64  `json:"from_unix_ms"`
	ToUnixMs        int64  `json:"to_unix_ms"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// Notice is a transient system-visible annotation (tool progress, run
// diagnostics). Lifespan counts remaining runs; the cleanup step drops
// notices at zero.
type Notice struct {
	Text     string `json:"text"`
	Lifespan int    `json:"lifespan"`
}

// Channel is one external conversation surface attached to a thread.
type Channel struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name,omitempty"`
	Kind               string    `json:"kind,omitempty"`
	Messages           []Message `json:"messages"`
	Summaries          []Summary `json:"summaries,omitempty"`
	Notices            []Notice  `json:"notices,omitempty"`
	NextSeq            int64     `json:"next_seq"`
	LastActivityUnixMs int64     `json:"last_activity_unix_ms"`
}

// TextSize returns the total rune-agnostic byte size of the channel's
// message texts. Used by culling thresholds.
func (c *Channel) TextSize() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, m := range c.Messages {
		n += len(m.Text)
	}
	return n
}

// LastSeq returns the highest assigned sequence number, 0 when empty.
func (c *Channel) LastSeq() int64 {
	if c == nil || len(c.Messages) == 0 {
		return c.nextSeqFloor()
	}
	return c.Messages[len(c.Messages)-1].Seq
}

func (c *Channel) nextSeqFloor() int64 {
	if c == nil {
		return 0
	}
	if c.NextSeq > 0 {
		return c.NextSeq - 1
	}
	return 0
}

// TaskStatus is the lifecycle state of an asynchronous tool invocation.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// PendingTask records one offloaded tool invocation. The result is consumed
// exactly once by the run that resumes the suspended turn.
type PendingTask struct {
	ID               string         `json:"id"`
	ThreadID         string         `json:"thread_id"`
	ChannelID        string         `json:"channel_id"`
	Tool             string         `json:"tool"`
	Args             map[string]any `json:"args,omitempty"`
	Status           TaskStatus     `json:"status"`
	Result           string         `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	Consumed         bool           `json:"consumed,omitempty"`
	CreatedAtUnixMs  int64          `json:"created_at_unix_ms"`
	ResolvedAtUnixMs int64          `json:"resolved_at_unix_ms,omitempty"`
}

// Resolved reports whether the task reached a terminal status.
func (t *PendingTask) Resolved() bool {
	if t == nil {
		return false
	}
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// ConfirmationOutcome is the resolution state of a human approval request.
type ConfirmationOutcome string

const (
	ConfirmationPending  ConfirmationOutcome = "pending"
	ConfirmationApproved ConfirmationOutcome = "approved"
	ConfirmationDenied   ConfirmationOutcome = "denied"
	ConfirmationExpired  ConfirmationOutcome = "expired"
)

// PendingConfirmation gates one sensitive tool call behind a human decision.
// A thread holds at most one with Outcome pending.
type PendingConfirmation struct {
	ID               string              `json:"id"`
	ThreadID         string              `json:"thread_id"`
	ChannelID        string              `json:"channel_id"`
	Requester        string              `json:"requester,omitempty"`
	Tool             string              `json:"tool"`
	Args             map[string]any      `json:"args,omitempty"`
	Description      string              `json:"description"`
	Outcome          ConfirmationOutcome `json:"outcome"`
	DeadlineUnixMs   int64               `json:"deadline_unix_ms"`
	DecidedBy        string              `json:"decided_by,omitempty"`
	CreatedAtUnixMs  int64               `json:"created_at_unix_ms"`
	ResolvedAtUnixMs int64               `json:"resolved_at_unix_ms,omitempty"`
}

// Open reports whether the confirmation still awaits a decision.
func (c *PendingConfirmation) Open() bool {
	return c != nil && c.Outcome == ConfirmationPending
}

// ContextItem caches the extracted content of an external resource so the
// expensive analysis runs once per URL. Stale items are hidden from prompt
// assembly (their content lives on in a summary) but retained so the URL is
// not re-analyzed.
type ContextItem struct {
	URL             string `json:"url"`
	Content         string `json:"content"`
	Seen            bool   `json:"seen"`
	Stale           bool   `json:"stale,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// Thread is the unit of isolation: all state for one logical conversation.
type Thread struct {
	ID              string                          `json:"id"`
	Activity        Activity                        `json:"activity"`
	PriorActivity   Activity                        `json:"prior_activity,omitempty"`
	Channels        map[string]*Channel             `json:"channels"`
	Tasks           map[string]*PendingTask         `json:"tasks,omitempty"`
	Confirmations   map[string]*PendingConfirmation `json:"confirmations,omitempty"`
	ContextItems    map[string]*ContextItem         `json:"context_items,omitempty"`
	CreatedAtUnixMs int64                           `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64                           `json:"updated_at_unix_ms"`
}

// NewThread creates an empty thread in the default activity.
func NewThread(id string) *Thread {
	now := time.Now().UnixMilli()
	return &Thread{
		ID:              strings.TrimSpace(id),
		Activity:        ActivityConversing,
		Channels:        make(map[string]*Channel),
		Tasks:           make(map[string]*PendingTask),
		Confirmations:   make(map[string]*PendingConfirmation),
		ContextItems:    make(map[string]*ContextItem),
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
}

// EnsureChannel returns the channel, creating it lazily on first reference.
func (t *Thread) EnsureChannel(id string) *Channel {
	if t == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if t.Channels == nil {
		t.Channels = make(map[string]*Channel)
	}
	if ch := t.Channels[id]; ch != nil {
		return ch
	}
	ch := &Channel{ID: id, NextSeq: 1}
	t.Channels[id] = ch
	return ch
}

// OpenConfirmation returns the single pending confirmation, or nil.
func (t *Thread) OpenConfirmation() *PendingConfirmation {
	if t == nil {
		return nil
	}
	for _, c := range t.Confirmations {
		if c.Open() {
			return c
		}
	}
	return nil
}

// UnresolvedTasks returns tasks that have not reached a terminal status,
// ordered by creation time for determinism.
func (t *Thread) UnresolvedTasks() []*PendingTask {
	if t == nil {
		return nil
	}
	out := make([]*PendingTask, 0, len(t.Tasks))
	for _, task := range t.Tasks {
		if !task.Resolved() {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtUnixMs != out[j].CreatedAtUnixMs {
			return out[i].CreatedAtUnixMs < out[j].CreatedAtUnixMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnconsumedResults returns resolved tasks whose results have not yet been
// folded into a resuming run, oldest first.
func (t *Thread) UnconsumedResults() []*PendingTask {
	if t == nil {
		return nil
	}
	out := make([]*PendingTask, 0, len(t.Tasks))
	for _, task := range t.Tasks {
		if task.Resolved() && !task.Consumed {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResolvedAtUnixMs != out[j].ResolvedAtUnixMs {
			return out[i].ResolvedAtUnixMs < out[j].ResolvedAtUnixMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LastUserChannel returns the channel id with the most recent user message,
// falling back to the given default. Used by wakeup routing.
func (t *Thread) LastUserChannel(author string, fallback string) string {
	if t == nil {
		return strings.TrimSpace(fallback)
	}
	author = strings.TrimSpace(author)
	best := ""
	bestAt := int64(-1)
	for id, ch := range t.Channels {
		for i := len(ch.Messages) - 1; i >= 0; i-- {
			m := ch.Messages[i]
			if m.Role != RoleUser {
				continue
			}
			if author != "" && strings.TrimSpace(m.Author) != author {
				continue
			}
			if m.CreatedAtUnixMs > bestAt {
				bestAt = m.CreatedAtUnixMs
				best = id
			}
			break
		}
	}
	if best == "" {
		return strings.TrimSpace(fallback)
	}
	return best
}

// Validate checks the structural invariants a decoded checkpoint must hold.
func (t *Thread) Validate() error {
	if t == nil {
		return errors.New("nil thread")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("missing thread id")
	}
	open := 0
	for _, c := range t.Confirmations {
		if c.Open() {
			open++
		}
	}
	if open > 1 {
		return errors.New("multiple open confirmations")
	}
	for id, ch := range t.Channels {
		if ch == nil {
			return errors.New("nil channel " + id)
		}
		var prev int64
		for _, m := range ch.Messages {
			if m.Seq <= prev {
				return errors.New("non-monotonic seq in channel " + id)
			}
			prev = m.Seq
		}
		if ch.NextSeq <= prev {
			return errors.New("next_seq behind history in channel " + id)
		}
	}
	return nil
}
