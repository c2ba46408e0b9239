// Package resource detects external URLs in incoming messages and maintains
// the per-thread analysis cache. Each URL is analyzed once; later runs reuse
// the cached extraction until culling marks it stale.
package resource

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/Ryustiel/MeepPublic/internal/model"
	"github.com/Ryustiel/MeepPublic/internal/state"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractURLs returns the distinct URLs found in text, in first-seen order.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Unseen filters urls down to those with no usable cache entry on the
// thread. Stale entries are treated as seen: their content was folded into a
// summary and must not trigger re-analysis.
func Unseen(th *state.Thread, urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if th != nil && th.ContextItems[u] != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Analyzer produces a text extraction for one URL.
type Analyzer interface {
	Analyze(ctx context.Context, url string, surroundingText string) (string, error)
}

// ModelAnalyzer asks the LLM to describe the resource. It never fetches the
// URL itself; multimodal providers resolve image URLs server side.
type ModelAnalyzer struct {
	model model.Model
	log   *slog.Logger
}

func NewModelAnalyzer(m model.Model, log *slog.Logger) (*ModelAnalyzer, error) {
	if m == nil {
		return nil, errors.New("nil model")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ModelAnalyzer{model: m, log: log}, nil
}

func (a *ModelAnalyzer) Analyze(ctx context.Context, url string, surroundingText string) (string, error) {
	if a == nil || a.model == nil {
		return "", errors.New("analyzer not configured")
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return "", errors.New("empty url")
	}
	system := strings.Join([]string{
		"You extract the essential content of a linked resource for later reference.",
		"Describe what the link points to in at most three sentences.",
		"If the content cannot be determined from the URL and context, say what can be inferred.",
	}, "\n")
	user := "URL: " + url
	if t := strings.TrimSpace(surroundingText); t != "" {
		user += "\n\nMessage it appeared in:\n" + t
	}
	resp, err := a.model.Complete(ctx, model.Request{
		System:   system,
		Messages: []model.Message{{Role: "user", Text: user}},
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Text)
	if content == "" {
		return "", errors.New("empty analysis")
	}
	return content, nil
}

// AnalyzeAll analyzes every unseen URL from text and returns the delta
// contribution: new cache entries plus seen marks for reused ones. A failed
// analysis is logged and recorded as a placeholder so the run proceeds.
func AnalyzeAll(ctx context.Context, a Analyzer, th *state.Thread, text string, log *slog.Logger) *state.Delta {
	if log == nil {
		log = slog.Default()
	}
	d := state.NewDelta()
	urls := ExtractURLs(text)
	if len(urls) == 0 {
		return d
	}

	for _, u := range Unseen(th, urls) {
		if a == nil {
			break
		}
		content, err := a.Analyze(ctx, u, text)
		if err != nil {
			log.Warn("resource analysis failed", "url", u, "error", err)
			content = "(analysis unavailable)"
		}
		d.ContextAdds = append(d.ContextAdds, state.ContextItem{URL: u, Content: content, Seen: true})
	}
	for _, u := range urls {
		if th != nil && th.ContextItems[u] != nil {
			d.ContextMarks = append(d.ContextMarks, state.ContextMark{URL: u, Seen: true})
		}
	}
	return d
}

// PromptContext renders the usable cache entries for prompt assembly. Stale
// entries are skipped.
func PromptContext(th *state.Thread) string {
	if th == nil || len(th.ContextItems) == 0 {
		return ""
	}
	items := make([]*state.ContextItem, 0, len(th.ContextItems))
	for _, item := range th.ContextItems {
		if item == nil || item.Stale {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return ""
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAtUnixMs != items[j].CreatedAtUnixMs {
			return items[i].CreatedAtUnixMs < items[j].CreatedAtUnixMs
		}
		return items[i].URL < items[j].URL
	})
	var b strings.Builder
	b.WriteString("Known linked resources:\n")
	for _, item := range items {
		b.WriteString("[url ")
		b.WriteString(item.URL)
		b.WriteString(": ")
		b.WriteString(item.Content)
		b.WriteString("]\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
