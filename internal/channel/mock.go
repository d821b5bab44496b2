package channel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage is one recorded outbound message.
type SentMessage struct {
	ChatID  string
	Text    string
	Actions []Action
	Ref     MessageRef
	Direct  bool // true for DMs, false for the operator channel
}

// EditedMessage is one recorded edit.
type EditedMessage struct {
	Ref     MessageRef
	Text    string
	Actions []Action
}

// MockChannel implements Channel for testing. It records everything sent,
// edited, and acknowledged, and allows simulating inbound events.
type MockChannel struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	inbound    chan Event
	sent       []SentMessage
	edits      []EditedMessage
	acks       map[string]string // interactionID → display text
	msgCounter int

	// EditErr, when set, is returned by every EditMessage call.
	EditErr error
	// SendErr, when set, is returned by every send call.
	SendErr error
}

// NewMockChannel creates a MockChannel with a buffered inbound channel.
func NewMockChannel() *MockChannel {
	return &MockChannel{
		inbound: make(chan Event, 100),
		acks:    make(map[string]string),
	}
}

// Connect marks the channel as connected.
func (m *MockChannel) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock channel: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockChannel) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock channel: not connected")
	}
	return m.inbound, nil
}

// SendToOperatorChannel records the message and assigns it a fresh ref.
func (m *MockChannel) SendToOperatorChannel(ctx context.Context, text string, actions []Action) (MessageRef, error) {
	return m.record("operator-channel", text, actions, false)
}

// SendDirect records a DM and assigns it a fresh ref.
func (m *MockChannel) SendDirect(ctx context.Context, operatorID, text string, actions []Action) (MessageRef, error) {
	return m.record("dm-"+operatorID, text, actions, true)
}

// EditMessage records the edit, or returns EditErr if set.
func (m *MockChannel) EditMessage(ctx context.Context, ref MessageRef, text string, actions []Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EditErr != nil {
		return m.EditErr
	}
	m.edits = append(m.edits, EditedMessage{Ref: ref, Text: text, Actions: actions})
	return nil
}

// AcknowledgeAction records the acknowledgement.
func (m *MockChannel) AcknowledgeAction(ctx context.Context, interactionID, displayText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks[interactionID] = displayText
	return nil
}

// Close shuts down the mock channel and closes the inbound channel.
func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

func (m *MockChannel) record(chatID, text string, actions []Action, direct bool) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return MessageRef{}, m.SendErr
	}
	m.msgCounter++
	ref := MessageRef{ChatID: chatID, MessageID: fmt.Sprintf("msg-%d", m.msgCounter)}
	m.sent = append(m.sent, SentMessage{
		ChatID:  chatID,
		Text:    text,
		Actions: actions,
		Ref:     ref,
		Direct:  direct,
	})
	return ref, nil
}

// --- Test helpers ---

// SimulateInbound pushes an event as if it came from the chat platform.
func (m *MockChannel) SimulateInbound(ev Event) {
	if ev.Text != nil && ev.Text.Timestamp.IsZero() {
		ev.Text.Timestamp = time.Now()
	}
	m.inbound <- ev
}

// LastSent returns the most recently sent message.
// Returns zero value and false if nothing has been sent.
func (m *MockChannel) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of sent messages.
func (m *MockChannel) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent messages.
func (m *MockChannel) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Edits returns a copy of all recorded edits.
func (m *MockChannel) Edits() []EditedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EditedMessage, len(m.edits))
	copy(out, m.edits)
	return out
}

// AckFor returns the recorded acknowledgement text for an interaction.
func (m *MockChannel) AckFor(interactionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.acks[interactionID]
	return text, ok
}
