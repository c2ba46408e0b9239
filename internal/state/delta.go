package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelDelta accumulates updates targeting one channel. Lists are
// append-only so two deltas touching the same channel merge by
// concatenation.
type ChannelDelta struct {
	Name string
	Kind string

	// NewMessages are appended in order; Seq is assigned at apply time.
	NewMessages []Message

	// NewSummaries are appended to the channel's summary list.
	NewSummaries []Summary

	// ReplaceBeforeSeq drops messages with Seq < the value. Zero means no
	// replacement. Merging keeps the larger cut.
	ReplaceBeforeSeq int64

	NewNotices []Notice

	// DecayNotices decrements notice lifespans and drops expired ones.
	DecayNotices bool

	TouchUnixMs int64
}

// TaskUpdate transitions one pending task.
type TaskUpdate struct {
	ID               string
	Status           TaskStatus
	Result           string
	Error            string
	Consumed         bool
	ResolvedAtUnixMs int64
}

// ConfirmationUpdate resolves one confirmation.
type ConfirmationUpdate struct {
	ID               string
	Outcome          ConfirmationOutcome
	DecidedBy        string
	ResolvedAtUnixMs int64
}

// ContextMark flips flags on a cached context item.
type ContextMark struct {
	URL   string
	Seen  bool
	Stale bool
}

// Delta is the unit of state change produced by run steps. Merging deltas
// from parallel branches is associative and, for disjoint contributions,
// commutative; Thread.Apply is the single mutation point.
type Delta struct {
	Channels map[string]*ChannelDelta

	// Activity overrides the thread activity when non-empty.
	Activity Activity

	// PriorActivity records the mode to restore after a suspension.
	PriorActivity Activity

	TaskAdds    []PendingTask
	TaskUpdates []TaskUpdate

	ConfirmationAdds    []PendingConfirmation
	ConfirmationUpdates []ConfirmationUpdate

	ContextAdds  []ContextItem
	ContextMarks []ContextMark
}

// NewDelta returns an empty delta.
func NewDelta() *Delta {
	return &Delta{Channels: make(map[string]*ChannelDelta)}
}

// Channel returns the per-channel accumulator, creating it on demand.
func (d *Delta) Channel(id string) *ChannelDelta {
	if d == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if d.Channels == nil {
		d.Channels = make(map[string]*ChannelDelta)
	}
	cd := d.Channels[id]
	if cd == nil {
		cd = &ChannelDelta{}
		d.Channels[id] = cd
	}
	return cd
}

// Empty reports whether applying the delta would be a no-op.
func (d *Delta) Empty() bool {
	if d == nil {
		return true
	}
	if d.Activity != "" || d.PriorActivity != "" {
		return false
	}
	if len(d.TaskAdds) > 0 || len(d.TaskUpdates) > 0 ||
		len(d.ConfirmationAdds) > 0 || len(d.ConfirmationUpdates) > 0 ||
		len(d.ContextAdds) > 0 || len(d.ContextMarks) > 0 {
		return false
	}
	for _, cd := range d.Channels {
		if cd == nil {
			continue
		}
		if len(cd.NewMessages) > 0 || len(cd.NewSummaries) > 0 || len(cd.NewNotices) > 0 ||
			cd.ReplaceBeforeSeq > 0 || cd.DecayNotices || cd.TouchUnixMs > 0 ||
			strings.TrimSpace(cd.Name) != "" || strings.TrimSpace(cd.Kind) != "" {
			return false
		}
	}
	return true
}

// Merge folds other into d. Two deltas setting a different activity
// override conflict; everything else combines.
func (d *Delta) Merge(other *Delta) error {
	if d == nil {
		return errors.New("nil delta")
	}
	if other == nil {
		return nil
	}
	if other.Activity != "" {
		if d.Activity != "" && d.Activity != other.Activity {
			return fmt.Errorf("conflicting activity override: %s vs %s", d.Activity, other.Activity)
		}
		d.Activity = other.Activity
	}
	if other.PriorActivity != "" {
		if d.PriorActivity != "" && d.PriorActivity != other.PriorActivity {
			return fmt.Errorf("conflicting prior activity: %s vs %s", d.PriorActivity, other.PriorActivity)
		}
		d.PriorActivity = other.PriorActivity
	}
	for id, cd := range other.Channels {
		if cd == nil {
			continue
		}
		dst := d.Channel(id)
		if dst == nil {
			continue
		}
		if strings.TrimSpace(cd.Name) != "" {
			dst.Name = cd.Name
		}
		if strings.TrimSpace(cd.Kind) != "" {
			dst.Kind = cd.Kind
		}
		dst.NewMessages = append(dst.NewMessages, cd.NewMessages...)
		dst.NewSummaries = append(dst.NewSummaries, cd.NewSummaries...)
		dst.NewNotices = append(dst.NewNotices, cd.NewNotices...)
		if cd.ReplaceBeforeSeq > dst.ReplaceBeforeSeq {
			dst.ReplaceBeforeSeq = cd.ReplaceBeforeSeq
		}
		if cd.DecayNotices {
			dst.DecayNotices = true
		}
		if cd.TouchUnixMs > dst.TouchUnixMs {
			dst.TouchUnixMs = cd.TouchUnixMs
		}
	}
	d.TaskAdds = append(d.TaskAdds, other.TaskAdds...)
	d.TaskUpdates = append(d.TaskUpdates, other.TaskUpdates...)
	d.ConfirmationAdds = append(d.ConfirmationAdds, other.ConfirmationAdds...)
	d.ConfirmationUpdates = append(d.ConfirmationUpdates, other.ConfirmationUpdates...)
	d.ContextAdds = append(d.ContextAdds, other.ContextAdds...)
	d.ContextMarks = append(d.ContextMarks, other.ContextMarks...)
	return nil
}

// Apply mutates the thread with the accumulated delta. Sequence numbers are
// assigned here, in message order, so they stay strictly increasing per
// channel regardless of which branch produced the message.
func (t *Thread) Apply(d *Delta) error {
	if t == nil {
		return errors.New("nil thread")
	}
	if d == nil || d.Empty() {
		return nil
	}
	now := time.Now().UnixMilli()

	for id, cd := range d.Channels {
		if cd == nil {
			continue
		}
		ch := t.EnsureChannel(id)
		if ch == nil {
			continue
		}
		if strings.TrimSpace(cd.Name) != "" {
			ch.Name = strings.TrimSpace(cd.Name)
		}
		if strings.TrimSpace(cd.Kind) != "" {
			ch.Kind = strings.TrimSpace(cd.Kind)
		}

		if cd.ReplaceBeforeSeq > 0 {
			kept := ch.Messages[:0]
			for _, m := range ch.Messages {
				if m.Seq >= cd.ReplaceBeforeSeq {
					kept = append(kept, m)
				}
			}
			ch.Messages = kept
		}

		for _, m := range cd.NewMessages {
			if ch.NextSeq <= 0 {
				ch.NextSeq = 1
			}
			m.Seq = ch.NextSeq
			ch.NextSeq++
			if m.CreatedAtUnixMs <= 0 {
				m.CreatedAtUnixMs = now
			}
			ch.Messages = append(ch.Messages, m)
		}

		for _, s := range cd.NewSummaries {
			if s.CreatedAtUnixMs <= 0 {
				s.CreatedAtUnixMs = now
			}
			ch.Summaries = append(ch.Summaries, s)
		}

		if cd.DecayNotices && len(ch.Notices) > 0 {
			kept := ch.Notices[:0]
			for _, n := range ch.Notices {
				n.Lifespan--
				if n.Lifespan > 0 {
					kept = append(kept, n)
				}
			}
			ch.Notices = kept
		}
		ch.Notices = append(ch.Notices, cd.NewNotices...)

		if cd.TouchUnixMs > ch.LastActivityUnixMs {
			ch.LastActivityUnixMs = cd.TouchUnixMs
		}
		if len(cd.NewMessages) > 0 && now > ch.LastActivityUnixMs {
			ch.LastActivityUnixMs = now
		}
	}

	for i := range d.TaskAdds {
		task := d.TaskAdds[i]
		task.ID = strings.TrimSpace(task.ID)
		if task.ID == "" {
			return errors.New("task add without id")
		}
		if task.Status == "" {
			task.Status = TaskQueued
		}
		if task.CreatedAtUnixMs <= 0 {
			task.CreatedAtUnixMs = now
		}
		if t.Tasks == nil {
			t.Tasks = make(map[string]*PendingTask)
		}
		cp := task
		t.Tasks[task.ID] = &cp
	}
	for _, u := range d.TaskUpdates {
		task := t.Tasks[strings.TrimSpace(u.ID)]
		if task == nil {
			return fmt.Errorf("task update for unknown id %q", u.ID)
		}
		if u.Status != "" {
			task.Status = u.Status
		}
		if u.Result != "" {
			task.Result = u.Result
		}
		if u.Error != "" {
			task.Error = u.Error
		}
		if u.Consumed {
			task.Consumed = true
		}
		if u.ResolvedAtUnixMs > 0 {
			task.ResolvedAtUnixMs = u.ResolvedAtUnixMs
		} else if task.Resolved() && task.ResolvedAtUnixMs <= 0 {
			task.ResolvedAtUnixMs = now
		}
	}

	for i := range d.ConfirmationAdds {
		c := d.ConfirmationAdds[i]
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return errors.New("confirmation add without id")
		}
		if c.Outcome == "" {
			c.Outcome = ConfirmationPending
		}
		if c.Outcome == ConfirmationPending && t.OpenConfirmation() != nil {
			return errors.New("thread already has an open confirmation")
		}
		if c.CreatedAtUnixMs <= 0 {
			c.CreatedAtUnixMs = now
		}
		if t.Confirmations == nil {
			t.Confirmations = make(map[string]*PendingConfirmation)
		}
		cp := c
		t.Confirmations[c.ID] = &cp
	}
	for _, u := range d.ConfirmationUpdates {
		c := t.Confirmations[strings.TrimSpace(u.ID)]
		if c == nil {
			return fmt.Errorf("confirmation update for unknown id %q", u.ID)
		}
		if !c.Open() {
			return fmt.Errorf("confirmation %s already resolved", c.ID)
		}
		if u.Outcome == "" || u.Outcome == ConfirmationPending {
			return fmt.Errorf("confirmation update without terminal outcome")
		}
		c.Outcome = u.Outcome
		c.DecidedBy = strings.TrimSpace(u.DecidedBy)
		if u.ResolvedAtUnixMs > 0 {
			c.ResolvedAtUnixMs = u.ResolvedAtUnixMs
		} else {
			c.ResolvedAtUnixMs = now
		}
	}

	for i := range d.ContextAdds {
		item := d.ContextAdds[i]
		item.URL = strings.TrimSpace(item.URL)
		if item.URL == "" {
			continue
		}
		if item.CreatedAtUnixMs <= 0 {
			item.CreatedAtUnixMs = now
		}
		if t.ContextItems == nil {
			t.ContextItems = make(map[string]*ContextItem)
		}
		// First analysis wins; a concurrent duplicate add is a no-op.
		if existing := t.ContextItems[item.URL]; existing == nil {
			cp := item
			t.ContextItems[item.URL] = &cp
		}
	}
	for _, mark := range d.ContextMarks {
		item := t.ContextItems[strings.TrimSpace(mark.URL)]
		if item == nil {
			continue
		}
		if mark.Seen {
			item.Seen = true
		}
		if mark.Stale {
			item.Stale = true
		}
	}

	if d.Activity != "" {
		t.Activity = d.Activity
	}
	if d.PriorActivity != "" {
		t.PriorActivity = d.PriorActivity
	}
	t.UpdatedAtUnixMs = now
	return nil
}
