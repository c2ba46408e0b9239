package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Ryustiel/MeepPublic/internal/model"
	"github.com/Ryustiel/MeepPublic/internal/state"
)

const (
	TurnTake  = "take"
	TurnSkip  = "skip"
	TurnCheck = "check"

	SourceModel         = "model"
	SourceDeterministic = "deterministic_fallback"
	SourceTrigger       = "trigger"
	SourceResume        = "resume"
)

// Decision is the outcome of activity selection for one run.
type Decision struct {
	Activity state.Activity
	// Turn is take, skip or check: whether the agent should speak this
	// turn, stay quiet, or look again later.
	Turn   string
	Source string
	Reason string
}

// Selector picks the activity for a run. Explicit triggers and resumptions
// are decided deterministically; everything else consults the model with a
// deterministic fallback when the output is unparseable.
type Selector struct {
	reg   *Registry
	model model.Model
	log   *slog.Logger
}

func NewSelector(reg *Registry, m model.Model, log *slog.Logger) (*Selector, error) {
	if reg == nil {
		return nil, errors.New("nil activity registry")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Selector{reg: reg, model: m, log: log}, nil
}

// Input describes the event being routed.
type Input struct {
	Prior state.Activity
	// PriorSuspendedFrom is the mode to restore when resuming.
	PriorSuspendedFrom state.Activity
	// Resuming is true for task completion and confirmation decision runs.
	Resuming bool
	Text     string
	// DirectlyAddressed is a channel adapter hint (mention, DM).
	DirectlyAddressed bool
}

// Select returns exactly one decision per call.
func (s *Selector) Select(ctx context.Context, in Input) Decision {
	if s == nil || s.reg == nil {
		return Decision{Activity: state.ActivityConversing, Turn: TurnTake, Source: SourceDeterministic, Reason: "selector_not_ready"}
	}
	prior := in.Prior
	if prior == "" {
		prior = s.reg.Default().Activity
	}

	if in.Resuming {
		restored := in.PriorSuspendedFrom
		if restored == "" || restored.Suspended() {
			restored = s.reg.Default().Activity
		}
		return Decision{Activity: restored, Turn: TurnTake, Source: SourceResume, Reason: "resume_suspended_turn"}
	}

	if trig := parseTrigger(in.Text); trig != "" {
		to := state.Activity(trig)
		if _, ok := s.reg.Get(to); ok && s.reg.Allowed(prior, to) {
			return Decision{Activity: to, Turn: TurnTake, Source: SourceTrigger, Reason: "explicit_trigger"}
		}
	}

	// A suspended thread stays suspended until its resumption arrives; the
	// new user message queues behind it.
	if prior.Suspended() {
		return Decision{Activity: prior, Turn: TurnSkip, Source: SourceDeterministic, Reason: "thread_suspended"}
	}

	if in.DirectlyAddressed && prior == state.ActivityWaiting {
		return Decision{Activity: s.reg.Default().Activity, Turn: TurnTake, Source: SourceDeterministic, Reason: "directly_addressed"}
	}

	if s.model == nil {
		return s.fallback(prior, "no_classifier_model")
	}
	decision, err := s.classify(ctx, prior, in)
	if err != nil {
		s.log.Warn("activity classifier failed, using deterministic fallback", "error", err)
		return s.fallback(prior, "classifier_error")
	}
	if !s.reg.Allowed(prior, decision.Activity) {
		s.log.Warn("classifier proposed forbidden transition",
			"from", string(prior), "to", string(decision.Activity))
		decision.Activity = prior
		decision.Source = SourceDeterministic
		decision.Reason = "transition_not_allowed"
	}
	return decision
}

func (s *Selector) fallback(prior state.Activity, reason string) Decision {
	turn := TurnTake
	if prior == state.ActivityWaiting {
		turn = TurnSkip
	}
	return Decision{Activity: prior, Turn: turn, Source: SourceDeterministic, Reason: reason}
}

const selectorPromptMarker = "ACTIVITY_SELECTOR_V1"

func (s *Selector) classify(ctx context.Context, prior state.Activity, in Input) (Decision, error) {
	known := make([]string, 0, len(s.reg.byActivity))
	for a := range s.reg.byActivity {
		known = append(known, string(a))
	}
	system := strings.Join([]string{
		selectorPromptMarker,
		"You decide whether a chat agent should respond to the latest message and in which mode.",
		"Return exactly one JSON object with keys: turn, activity, reason.",
		"turn must be one of: take, skip, check.",
		"take means respond now. skip means stay quiet. check means stay quiet but reconsider soon.",
		"activity must be one of: " + strings.Join(known, ", ") + ".",
		"reason must be a short snake_case phrase.",
		"Do not include markdown or extra text.",
	}, "\n")
	user := strings.Join([]string{
		"Current mode: " + string(prior),
		"",
		"Latest message:",
		strings.TrimSpace(in.Text),
	}, "\n")

	resp, err := s.model.Complete(ctx, model.Request{
		System:   system,
		Messages: []model.Message{{Role: "user", Text: user}},
	})
	if err != nil {
		return Decision{}, err
	}
	return parseSelectorDecision(resp.Text, s.reg)
}

func parseSelectorDecision(raw string, reg *Registry) (Decision, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return Decision{}, errors.New("empty selector response")
	}

	// Common model outputs may wrap JSON in markdown code fences.
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```JSON")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(candidate, "```")
		candidate = strings.TrimSpace(candidate)
	}

	type payload struct {
		Turn     string `json:"turn"`
		Activity string `json:"activity"`
		Reason   string `json:"reason"`
	}
	parse := func(text string) (payload, error) {
		var p payload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return payload{}, err
		}
		return p, nil
	}

	p, err := parse(candidate)
	if err != nil {
		embedded := extractFirstJSONObject(candidate)
		if embedded == "" {
			return Decision{}, fmt.Errorf("invalid selector response: %w", err)
		}
		p, err = parse(embedded)
		if err != nil {
			return Decision{}, fmt.Errorf("invalid selector JSON payload: %w", err)
		}
	}

	turn := strings.ToLower(strings.TrimSpace(p.Turn))
	switch turn {
	case TurnTake, TurnSkip, TurnCheck:
	default:
		return Decision{}, fmt.Errorf("invalid turn decision: %q", p.Turn)
	}
	act := state.Activity(strings.ToLower(strings.TrimSpace(p.Activity)))
	if reg != nil {
		if _, ok := reg.Get(act); !ok {
			return Decision{}, fmt.Errorf("selector proposed unknown activity: %q", p.Activity)
		}
	}
	return Decision{
		Activity: act,
		Turn:     turn,
		Source:   SourceModel,
		Reason:   normalizeReason(p.Reason),
	}, nil
}

func parseTrigger(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return ""
	}
	fields := strings.Fields(strings.TrimPrefix(text, "!"))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func normalizeReason(reason string) string {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return ""
	}
	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "_")
}

func extractFirstJSONObject(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	start := -1
	depth := 0
	quote := rune(0)
	escaped := false

	for i, r := range runes {
		if escaped {
			escaped = false
			continue
		}
		if quote != 0 {
			if r == '\\' {
				escaped = true
				continue
			}
			if r == quote {
				quote = 0
			}
			continue
		}

		if r == '"' || r == '\'' {
			quote = r
			continue
		}
		if r == '{' {
			if depth == 0 {
				start = i
			}
			depth++
			continue
		}
		if r == '}' {
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return string(runes[start : i+1])
			}
		}
	}
	return ""
}
