// Package activity is the mode router. A static registry binds each
// activity to its prompt template, tool subset and allowed transitions; the
// selector picks exactly one activity per run.
package activity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Ryustiel/MeepPublic/internal/state"
)

// Descriptor binds one activity to its behavior.
type Descriptor struct {
	Activity state.Activity
	// Prompt is the system prompt template for runs in this mode.
	Prompt string
	// Tools lists the tool names exposed to the model in this mode.
	Tools []string
	// Transitions lists the activities reachable from this mode. The
	// suspension modes are always reachable and need not be listed.
	Transitions []state.Activity
}

// Registry is the static activity table, built once at startup.
type Registry struct {
	byActivity map[state.Activity]Descriptor
	def        state.Activity
}

// NewRegistry validates the descriptor set: the default must be present and
// every transition must reference a known activity.
func NewRegistry(def state.Activity, descs ...Descriptor) (*Registry, error) {
	if len(descs) == 0 {
		return nil, errors.New("empty activity registry")
	}
	r := &Registry{byActivity: make(map[state.Activity]Descriptor, len(descs)), def: def}
	for _, d := range descs {
		if d.Activity == "" {
			return nil, errors.New("descriptor without activity")
		}
		if _, dup := r.byActivity[d.Activity]; dup {
			return nil, fmt.Errorf("duplicate activity %s", d.Activity)
		}
		r.byActivity[d.Activity] = d
	}
	if _, ok := r.byActivity[def]; !ok {
		return nil, fmt.Errorf("default activity %s not registered", def)
	}
	for _, d := range descs {
		for _, next := range d.Transitions {
			if next.Suspended() {
				continue
			}
			if _, ok := r.byActivity[next]; !ok {
				return nil, fmt.Errorf("activity %s transitions to unknown %s", d.Activity, next)
			}
		}
	}
	return r, nil
}

// Get returns the descriptor for an activity.
func (r *Registry) Get(a state.Activity) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	d, ok := r.byActivity[a]
	return d, ok
}

// Default returns the descriptor of the default activity.
func (r *Registry) Default() Descriptor {
	if r == nil {
		return Descriptor{}
	}
	return r.byActivity[r.def]
}

// Allowed reports whether from may transition to to. Suspension modes are
// always reachable, and any mode may return to the default.
func (r *Registry) Allowed(from state.Activity, to state.Activity) bool {
	if r == nil {
		return false
	}
	if from == to || to.Suspended() || to == r.def {
		return true
	}
	if from.Suspended() {
		// Resumption restores whatever mode the thread was in before.
		_, ok := r.byActivity[to]
		return ok
	}
	d, ok := r.byActivity[from]
	if !ok {
		return to == r.def
	}
	for _, next := range d.Transitions {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultRegistry returns the built-in activity set.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(state.ActivityConversing,
		Descriptor{
			Activity: state.ActivityConversing,
			Prompt: strings.Join([]string{
				"You are Meep, a helpful conversational agent present in several chat channels.",
				"Reply naturally and concisely. Use the available tools when the request needs them.",
			}, "\n"),
			Tools:       []string{"setup_reminder", "generate_image"},
			Transitions: []state.Activity{state.ActivityDebug, state.ActivityGenerateImage, state.ActivityWaiting},
		},
		Descriptor{
			Activity: state.ActivityDebug,
			Prompt: strings.Join([]string{
				"You are Meep in debug mode. Execute the numbered debug actions the operator asks for",
				"and report raw results without embellishment.",
			}, "\n"),
			Tools:       []string{"perform_action_number_one", "perform_action_number_two", "perform_action_number_three"},
			Transitions: []state.Activity{state.ActivityConversing},
		},
		Descriptor{
			Activity: state.ActivityGenerateImage,
			Prompt: strings.Join([]string{
				"You are Meep preparing an image generation. Refine the user's request into a single",
				"clear prompt, call generate_image, then describe the result.",
			}, "\n"),
			Tools:       []string{"generate_image"},
			Transitions: []state.Activity{state.ActivityConversing},
		},
		Descriptor{
			Activity: state.ActivityWaiting,
			Prompt: strings.Join([]string{
				"You are Meep, currently idle in the conversation. Only speak when directly addressed",
				"or when you have something genuinely useful to add.",
			}, "\n"),
			Tools:       []string{"setup_reminder"},
			Transitions: []state.Activity{state.ActivityConversing},
		},
	)
	if err != nil {
		// The built-in table is static; a failure here is a programming error.
		panic(err)
	}
	return r
}
