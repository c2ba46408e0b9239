// Package tool defines the tool contract and registry. Tools declare a
// latency class that decides whether they run inline during a run or get
// offloaded to the async plane, and a sensitivity flag that routes them
// through the confirmation gate.
package tool

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/Ryustiel/MeepPublic/internal/model"
)

const (
	// LatencyInline tools finish fast enough to run inside the turn.
	LatencyInline = "inline"
	// LatencyAsync tools are offloaded; the turn suspends until completion.
	LatencyAsync = "async"
)

// Call is one tool invocation in flight.
type Call struct {
	ThreadID  string
	ChannelID string
	Tool      string
	Args      map[string]any
}

// Handler executes a tool. The returned string is the user-model-visible
// result payload.
type Handler func(ctx context.Context, call Call) (string, error)

// Def describes a callable tool.
type Def struct {
	Name        string
	Description string
	// Parameters is a JSON schema object (type/properties/required).
	Parameters map[string]any
	// Latency is LatencyInline or LatencyAsync.
	Latency string
	// Sensitive tools require a human approval before dispatch.
	Sensitive bool
	// Priority breaks registration conflicts; higher wins.
	Priority int
}

// ModelDef converts the definition into the provider-neutral form.
func (d Def) ModelDef() model.ToolDef {
	return model.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

type registered struct {
	def     Def
	handler Handler
}

// Registry is a concurrency-safe tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds the tool. A duplicate name is resolved by priority; equal
// priorities conflict.
func (r *Registry) Register(def Def, handler Handler) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s missing handler", name)
	}
	def.Name = name
	def.Latency = strings.ToLower(strings.TrimSpace(def.Latency))
	switch def.Latency {
	case LatencyInline, LatencyAsync:
	case "":
		def.Latency = LatencyInline
	default:
		return fmt.Errorf("tool %s has unknown latency class %q", name, def.Latency)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[name]; ok {
		if def.Priority < existing.def.Priority {
			return nil
		}
		if def.Priority == existing.def.Priority {
			return fmt.Errorf("duplicate tool %q with same priority", name)
		}
	}
	r.tools[name] = registered{def: def, handler: handler}
	return nil
}

// Resolve returns the definition and handler for a tool name.
func (r *Registry) Resolve(name string) (Def, Handler, bool) {
	if r == nil {
		return Def{}, nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Def{}, nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.tools[name]
	if !ok {
		return Def{}, nil, false
	}
	return item.def, item.handler, true
}

// Snapshot returns all definitions sorted by priority then name.
func (r *Registry) Snapshot() []Def {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Def, 0, len(r.tools))
	for _, item := range r.tools {
		out = append(out, item.def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Name < out[j].Name
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Subset returns the definitions whose names appear in names, preserving
// registry ordering. Unknown names are skipped.
func (r *Registry) Subset(names []string) []Def {
	if r == nil || len(names) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			want[n] = struct{}{}
		}
	}
	all := r.Snapshot()
	out := make([]Def, 0, len(want))
	for _, def := range all {
		if _, ok := want[def.Name]; ok {
			out = append(out, def)
		}
	}
	return out
}

// ValidateArgs checks args against the definition's JSON schema: required
// keys must be present and typed values must match their declared type.
func ValidateArgs(def Def, args map[string]any) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if req, ok := def.Parameters["required"].([]any); ok {
		for _, item := range req {
			name, _ := item.(string)
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, exists := args[name]; !exists {
				return fmt.Errorf("missing required field: %s", name)
			}
		}
	}
	if req, ok := def.Parameters["required"].([]string); ok {
		for _, name := range req {
			if _, exists := args[strings.TrimSpace(name)]; !exists {
				return fmt.Errorf("missing required field: %s", name)
			}
		}
	}
	properties, _ := def.Parameters["properties"].(map[string]any)
	for key, val := range args {
		propRaw, ok := properties[key]
		if !ok {
			continue
		}
		prop, _ := propRaw.(map[string]any)
		typeName, _ := prop["type"].(string)
		typeName = strings.TrimSpace(typeName)
		if typeName == "" {
			continue
		}
		if !matchesSchemaType(typeName, val) {
			return fmt.Errorf("invalid type for %s: expected %s", key, typeName)
		}
	}
	return nil
}

func matchesSchemaType(typeName string, v any) bool {
	switch strings.ToLower(strings.TrimSpace(typeName)) {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer", "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float64, float32:
			return true
		default:
			return false
		}
	case "object":
		return reflect.TypeOf(v) != nil && reflect.TypeOf(v).Kind() == reflect.Map
	case "array":
		kind := reflect.TypeOf(v)
		return kind != nil && (kind.Kind() == reflect.Slice || kind.Kind() == reflect.Array)
	default:
		return true
	}
}
