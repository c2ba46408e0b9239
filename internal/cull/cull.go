// Package cull bounds per-channel history. When a channel exceeds its size
// or age threshold, the contiguous prefix of oldest messages outside the
// recent window is summarized by the model and replaced by summary records.
// The replacement is a delta so it lands atomically with the run's
// checkpoint.
package cull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Ryustiel/MeepPublic/internal/config"
	"github.com/Ryustiel/MeepPublic/internal/model"
	"github.com/Ryustiel/MeepPublic/internal/resource"
	"github.com/Ryustiel/MeepPublic/internal/state"
)

// Culler evaluates thresholds and produces prefix-replacement deltas.
type Culler struct {
	model model.Model
	cfg   config.CullConfig
	log   *slog.Logger
	now   func() time.Time
}

func New(m model.Model, cfg config.CullConfig, log *slog.Logger) *Culler {
	if log == nil {
		log = slog.Default()
	}
	return &Culler{model: m, cfg: cfg, log: log, now: time.Now}
}

// Run inspects every channel of the thread and returns the combined
// replacement delta. Summarization failures are non-fatal: the channel is
// skipped, logged, and retried after the next run.
func (c *Culler) Run(ctx context.Context, th *state.Thread) *state.Delta {
	d := state.NewDelta()
	if c == nil || th == nil {
		return d
	}
	ids := make([]string, 0, len(th.Channels))
	for id := range th.Channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ch := th.Channels[id]
		if !c.needsCull(ch) {
			continue
		}
		cd, stale, err := c.cullChannel(ctx, ch)
		if err != nil {
			c.log.Warn("history culling failed, proceeding uncapped",
				"channel_id", id, "error", err)
			continue
		}
		if cd == nil {
			continue
		}
		dst := d.Channel(id)
		dst.ReplaceBeforeSeq = cd.ReplaceBeforeSeq
		dst.NewSummaries = cd.NewSummaries
		for _, u := range stale {
			d.ContextMarks = append(d.ContextMarks, state.ContextMark{URL: u, Stale: true})
		}
	}
	return d
}

func (c *Culler) needsCull(ch *state.Channel) bool {
	if ch == nil || len(ch.Messages) <= c.cfg.KeepRecent {
		return false
	}
	if c.cfg.MaxChannelChars > 0 && ch.TextSize() > c.cfg.MaxChannelChars {
		return true
	}
	if c.cfg.MaxAgeDays > 0 {
		cutoff := c.now().Add(-time.Duration(c.cfg.MaxAgeDays) * 24 * time.Hour).UnixMilli()
		if ch.Messages[0].CreatedAtUnixMs > 0 && ch.Messages[0].CreatedAtUnixMs < cutoff {
			return true
		}
	}
	return false
}

// cullChannel folds the whole prefix outside the recent window, so after
// the replacement only the KeepRecent trailing messages remain. Long
// prefixes are summarized in chunks of at most SummarizeChars of transcript
// each, one summary record per chunk.
func (c *Culler) cullChannel(ctx context.Context, ch *state.Channel) (*state.ChannelDelta, []string, error) {
	if c.model == nil {
		return nil, nil, errors.New("no summarizer model")
	}
	limit := len(ch.Messages) - c.cfg.KeepRecent
	if limit <= 0 {
		return nil, nil, nil
	}
	prefix := ch.Messages[:limit]

	var summaries []state.Summary
	for start := 0; start < limit; {
		end := start
		size := 0
		for end < limit {
			size += len(ch.Messages[end].Text)
			end++
			if c.cfg.SummarizeChars > 0 && size >= c.cfg.SummarizeChars {
				break
			}
		}
		chunk := ch.Messages[start:end]
		text, err := c.summarize(ctx, chunk)
		if err != nil {
			return nil, nil, err
		}
		summaries = append(summaries, state.Summary{
			Text:       text,
			FromSeq:    chunk[0].Seq,
			ToSeq:      chunk[len(chunk)-1].Seq,
			FromUnixMs: chunk[0].CreatedAtUnixMs,
			ToUnixMs:   chunk[len(chunk)-1].CreatedAtUnixMs,
		})
		start = end
	}

	cd := &state.ChannelDelta{
		ReplaceBeforeSeq: prefix[limit-1].Seq + 1,
		NewSummaries:     summaries,
	}

	var stale []string
	seen := map[string]struct{}{}
	for _, m := range prefix {
		for _, u := range resource.ExtractURLs(m.Text) {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			stale = append(stale, u)
		}
	}
	return cd, stale, nil
}

func (c *Culler) summarize(ctx context.Context, msgs []state.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		author := strings.TrimSpace(m.Author)
		if author == "" {
			author = m.Role
		}
		fmt.Fprintf(&b, "%s: %s\n", author, strings.TrimSpace(m.Text))
	}
	system := strings.Join([]string{
		"You compress chat history into a compact summary for an agent's memory.",
		"Keep decisions, open questions, named entities and commitments.",
		"Write plain prose, no headings, at most 150 words.",
	}, "\n")

	resp, err := c.model.Complete(ctx, model.Request{
		System:   system,
		Messages: []model.Message{{Role: "user", Text: b.String()}},
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("empty summary")
	}
	return text, nil
}
