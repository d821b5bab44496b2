// Package channel abstracts the chat platform carrying operator notifications
// (Discord, Slack, etc.). Platform-specific implementations live in
// subpackages and satisfy the Channel interface.
package channel

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound is returned by EditMessage when the target message no
// longer exists on the platform.
var ErrMessageNotFound = errors.New("channel: message not found")

// MessageRef identifies a message on the platform: the chat (channel) it
// lives in plus the platform message id.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// IsZero reports whether the ref identifies no message.
func (r MessageRef) IsZero() bool {
	return r.ChatID == "" && r.MessageID == ""
}

// Action is an inline button attached to a message. ID is the opaque payload
// delivered back when an operator presses it.
type Action struct {
	ID    string
	Label string
}

// InboundAction is an operator pressing an inline button.
type InboundAction struct {
	InteractionID string     // platform token used to acknowledge the press
	ActionID      string     // the Action.ID payload, e.g. "contacted_<recordID>"
	OperatorID    string
	OperatorName  string
	Ref           MessageRef // message the button was attached to
	Timestamp     time.Time
}

// InboundText is a free-text message from an operator.
type InboundText struct {
	OperatorID   string
	OperatorName string
	ChatID       string
	Text         string
	Timestamp    time.Time
}

// Event is delivered on the Listen channel. Exactly one of Action or Text
// is non-nil.
type Event struct {
	Action *InboundAction
	Text   *InboundText
}

// Channel is the interface platform implementations must satisfy.
type Channel interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events from the platform. The
	// channel is closed when the context is cancelled or the implementation
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// SendToOperatorChannel posts a message to the shared operator channel.
	SendToOperatorChannel(ctx context.Context, text string, actions []Action) (MessageRef, error)

	// SendDirect posts a direct message to a single operator.
	SendDirect(ctx context.Context, operatorID, text string, actions []Action) (MessageRef, error)

	// EditMessage replaces the text and action set of an existing message
	// in place. Returns ErrMessageNotFound if the target is gone.
	EditMessage(ctx context.Context, ref MessageRef, text string, actions []Action) error

	// AcknowledgeAction confirms an inbound action promptly so the platform
	// stops showing a pending state. displayText may be empty for a silent ack.
	AcknowledgeAction(ctx context.Context, interactionID, displayText string) error

	// Close gracefully shuts down the connection.
	Close() error
}
