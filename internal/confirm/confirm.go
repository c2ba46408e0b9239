// Package confirm is the human approval gate for sensitive tool calls. It
// owns the confirmation state machine; the engine applies the deltas it
// produces and handles dispatch after approval.
package confirm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ryustiel/MeepPublic/internal/state"
	"github.com/Ryustiel/MeepPublic/internal/tool"
)

var (
	ErrUnknownConfirmation = errors.New("unknown confirmation")
	ErrAlreadyResolved     = errors.New("confirmation already resolved")
	ErrUnauthorized        = errors.New("identity not authorized to decide")
	ErrConfirmationOpen    = errors.New("another confirmation is already open")
	ErrDeadlinePassed      = errors.New("confirmation deadline passed")
)

// Gate validates decisions against the channel-scoped approver sets.
type Gate struct {
	approvers func(channelID string) []string
	deadline  time.Duration
	now       func() time.Time
}

// NewGate builds a gate. approvers maps a channel id to the identities
// allowed to decide requests raised on it; a nil func authorizes nobody.
func NewGate(approvers func(channelID string) []string, deadline time.Duration) *Gate {
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	return &Gate{approvers: approvers, deadline: deadline, now: time.Now}
}

// Request creates the pending confirmation for a sensitive call. The caller
// appends it to the run delta and emits the approval prompt.
func (g *Gate) Request(th *state.Thread, call tool.Call, def tool.Def, requester string) (state.PendingConfirmation, error) {
	if g == nil {
		return state.PendingConfirmation{}, errors.New("nil gate")
	}
	if th == nil {
		return state.PendingConfirmation{}, errors.New("nil thread")
	}
	if th.OpenConfirmation() != nil {
		return state.PendingConfirmation{}, ErrConfirmationOpen
	}
	now := g.now()
	return state.PendingConfirmation{
		ID:              "conf_" + uuid.NewString(),
		ThreadID:        strings.TrimSpace(call.ThreadID),
		ChannelID:       strings.TrimSpace(call.ChannelID),
		Requester:       strings.TrimSpace(requester),
		Tool:            def.Name,
		Args:            call.Args,
		Description:     Describe(def, call.Args),
		Outcome:         state.ConfirmationPending,
		DeadlineUnixMs:  now.Add(g.deadline).UnixMilli(),
		CreatedAtUnixMs: now.UnixMilli(),
	}, nil
}

// Decide validates one decision. The confirmation must exist, still be open
// and inside its deadline, and the identity must be in the approver set of
// the originating channel. On success it returns the update to apply; th is
// not mutated.
func (g *Gate) Decide(th *state.Thread, confirmationID string, identity string, approve bool) (state.ConfirmationUpdate, *state.PendingConfirmation, error) {
	if g == nil || th == nil {
		return state.ConfirmationUpdate{}, nil, errors.New("gate not ready")
	}
	confirmationID = strings.TrimSpace(confirmationID)
	identity = strings.TrimSpace(identity)
	if confirmationID == "" || identity == "" {
		return state.ConfirmationUpdate{}, nil, ErrUnknownConfirmation
	}
	c := th.Confirmations[confirmationID]
	if c == nil {
		return state.ConfirmationUpdate{}, nil, ErrUnknownConfirmation
	}
	if !c.Open() {
		return state.ConfirmationUpdate{}, nil, ErrAlreadyResolved
	}
	// A late decision never beats expiry, even when the expiry run has not
	// recorded the outcome yet.
	if c.DeadlineUnixMs > 0 && g.now().UnixMilli() >= c.DeadlineUnixMs {
		return state.ConfirmationUpdate{}, nil, ErrDeadlinePassed
	}
	if !g.authorized(c.ChannelID, identity) {
		return state.ConfirmationUpdate{}, nil, ErrUnauthorized
	}

	outcome := state.ConfirmationDenied
	if approve {
		outcome = state.ConfirmationApproved
	}
	return state.ConfirmationUpdate{
		ID:               confirmationID,
		Outcome:          outcome,
		DecidedBy:        identity,
		ResolvedAtUnixMs: g.now().UnixMilli(),
	}, c, nil
}

// Expire returns auto-deny updates for every open confirmation past its
// deadline. The expired outcome is distinct from an explicit denial.
func (g *Gate) Expire(th *state.Thread) []state.ConfirmationUpdate {
	if g == nil || th == nil {
		return nil
	}
	nowMs := g.now().UnixMilli()
	var out []state.ConfirmationUpdate
	for _, c := range th.Confirmations {
		if !c.Open() {
			continue
		}
		if c.DeadlineUnixMs > 0 && nowMs >= c.DeadlineUnixMs {
			out = append(out, state.ConfirmationUpdate{
				ID:               c.ID,
				Outcome:          state.ConfirmationExpired,
				ResolvedAtUnixMs: nowMs,
			})
		}
	}
	return out
}

func (g *Gate) authorized(channelID string, identity string) bool {
	if g == nil || g.approvers == nil {
		return false
	}
	for _, id := range g.approvers(strings.TrimSpace(channelID)) {
		if strings.TrimSpace(id) == identity {
			return true
		}
	}
	return false
}

// Describe renders a human-readable approval prompt for the gated call.
func Describe(def tool.Def, args map[string]any) string {
	var b strings.Builder
	b.WriteString(def.Name)
	if strings.TrimSpace(def.Description) != "" {
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(def.Description))
	}
	if len(args) > 0 {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			raw, err := json.Marshal(args[k])
			if err != nil {
				raw = []byte(fmt.Sprintf("%v", args[k]))
			}
			b.WriteString(k)
			b.WriteString("=")
			b.Write(raw)
		}
		b.WriteString(")")
	}
	return b.String()
}
