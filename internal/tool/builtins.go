package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltins installs the built-in tool set. Channel adapters and
// deployments can register richer tools on top; builtins keep the default
// activities functional out of the box.
func RegisterBuiltins(r *Registry) error {
	if r == nil {
		return errors.New("nil tool registry")
	}

	if err := r.Register(Def{
		Name:        "setup_reminder",
		Description: "Schedule a wakeup after a delay. The agent is woken with the note once the delay elapses.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{"type": "number", "description": "Delay before the wakeup fires."},
				"note":    map[string]any{"type": "string", "description": "What to remember when waking up."},
			},
			"required": []any{"seconds"},
		},
		Latency: LatencyAsync,
	}, reminderHandler); err != nil {
		return err
	}

	if err := r.Register(Def{
		Name:        "perform_action_number_one",
		Description: "Debug action that completes immediately.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"payload": map[string]any{"type": "string"},
			},
		},
		Latency: LatencyInline,
	}, func(ctx context.Context, call Call) (string, error) {
		payload, _ := call.Args["payload"].(string)
		return "action one done: " + strings.TrimSpace(payload), nil
	}); err != nil {
		return err
	}

	if err := r.Register(Def{
		Name:        "perform_action_number_two",
		Description: "Debug action that takes a while and completes in the background.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{"type": "number"},
			},
		},
		Latency: LatencyAsync,
	}, func(ctx context.Context, call Call) (string, error) {
		if err := sleepFor(ctx, floatArg(call.Args, "seconds", 2)); err != nil {
			return "", err
		}
		return "action two done", nil
	}); err != nil {
		return err
	}

	if err := r.Register(Def{
		Name:        "perform_action_number_three",
		Description: "Debug action that requires approval before running.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Latency:   LatencyAsync,
		Sensitive: true,
	}, func(ctx context.Context, call Call) (string, error) {
		return "action three done", nil
	}); err != nil {
		return err
	}

	if err := r.Register(Def{
		Name:        "generate_image",
		Description: "Render an image from a text prompt.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string"},
			},
			"required": []any{"prompt"},
		},
		Latency:   LatencyAsync,
		Sensitive: true,
	}, generateImageHandler); err != nil {
		return err
	}

	return nil
}

func reminderHandler(ctx context.Context, call Call) (string, error) {
	seconds := floatArg(call.Args, "seconds", 0)
	if seconds <= 0 {
		return "", errors.New("seconds must be > 0")
	}
	if err := sleepFor(ctx, seconds); err != nil {
		return "", err
	}
	note, _ := call.Args["note"].(string)
	note = strings.TrimSpace(note)
	if note == "" {
		note = "reminder elapsed"
	}
	return "reminder: " + note, nil
}

// generateImageHandler is a placeholder executor. Deployments override it by
// registering a higher-priority generate_image backed by a real renderer.
func generateImageHandler(ctx context.Context, call Call) (string, error) {
	prompt, _ := call.Args["prompt"].(string)
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("missing prompt")
	}
	return fmt.Sprintf("image generation is not configured (prompt: %s)", prompt), nil
}

func floatArg(args map[string]any, key string, fallback float64) float64 {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func sleepFor(ctx context.Context, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
