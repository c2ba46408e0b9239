package engine

import (
	"github.com/Ryustiel/MeepPublic/internal/state"
	"github.com/Ryustiel/MeepPublic/internal/task"
)

// Inbound is a user message delivered by a channel adapter.
type Inbound struct {
	Author string
	Text   string
	// Attachments carry structured payload (image refs etc).
	Attachments []state.Attachment
	// DirectlyAddressed hints that the agent was mentioned or messaged
	// privately; it biases turn-taking in the waiting mode.
	DirectlyAddressed bool
	// ChannelName and ChannelKind seed channel metadata on first contact.
	ChannelName string
	ChannelKind string
}

// Outbound is a message the engine wants a channel adapter to deliver.
type Outbound struct {
	Text string
}

// ConfirmationRequest asks the channel to surface an approval prompt.
type ConfirmationRequest struct {
	ConfirmationID string
	Description    string
	DeadlineUnixMs int64
}

// Emitter is implemented by channel adapters. The engine only calls it
// after the run's checkpoint write succeeded.
type Emitter interface {
	Emit(channelID string, out Outbound) error
	RequestConfirmation(channelID string, req ConfirmationRequest) error
}

// Internal event union processed by the thread actor. Exactly one run is
// executed per event.

type eventUserMessage struct {
	ChannelID string
	Inbound   Inbound
}

type eventTaskDone struct {
	Completion task.Completion
}

type eventWakeup struct {
	Note string
	// PreferUser routes the wakeup to the channel of this user's last
	// message when set.
	PreferUser string
	// FallbackChannelID is used when no better channel is found.
	FallbackChannelID string
}

// eventConfirmationSweep triggers the expiry pass for a thread whose open
// confirmation crossed its deadline between user events.
type eventConfirmationSweep struct{}

type decision struct {
	ConfirmationID string
	Identity       string
	Approve        bool
}
