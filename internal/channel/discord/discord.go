// Package discord implements the notification Channel for Discord using the
// Gateway WebSocket, with inline actions as message component buttons.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mkraev/switchboard/internal/channel"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for rate-limit retries.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}

// Channel implements channel.Channel for Discord.
type Channel struct {
	sess              session
	botToken          string
	operatorChannelID string

	mu        sync.Mutex
	connected bool
	closed    bool
	botUserID string
	inbound   chan channel.Event
	dmCache   map[string]string                 // operatorID → DM channel ID
	pending   map[string]*discordgo.Interaction // interaction ID → interaction awaiting ack
}

// Opts holds parameters for creating a Discord Channel.
type Opts struct {
	BotToken          string // Discord bot token
	OperatorChannelID string // shared operator channel to post requests to
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Channel.
func New(opts Opts) (*Channel, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.OperatorChannelID == "" {
		return nil, fmt.Errorf("discord: operator channel id is required")
	}
	return &Channel{
		sess:              opts.Session,
		botToken:          opts.BotToken,
		operatorChannelID: opts.OperatorChannelID,
		inbound:           make(chan channel.Event, 100),
		dmCache:           make(map[string]string),
		pending:           make(map[string]*discordgo.Interaction),
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("discord: channel already closed")
	}
	if c.connected {
		return nil
	}

	if c.sess == nil {
		dg, err := discordgo.New("Bot " + c.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		c.sess = &realSession{s: dg}
	}

	c.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.mu.Lock()
		c.botUserID = r.User.ID
		c.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	c.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := c.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	c.connected = true
	return nil
}

// Listen returns the inbound event channel. Registers message and interaction
// handlers on the Gateway session. Must be called after Connect.
func (c *Channel) Listen(ctx context.Context) (<-chan channel.Event, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	c.mu.Unlock()

	c.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(m)
	})
	c.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		c.handleInteraction(i)
	})
	return c.inbound, nil
}

// SendToOperatorChannel posts to the shared operator channel.
func (c *Channel) SendToOperatorChannel(ctx context.Context, text string, actions []channel.Action) (channel.MessageRef, error) {
	return c.send(ctx, c.operatorChannelID, text, actions)
}

// SendDirect posts a DM to one operator, creating (and caching) the DM
// channel on first use.
func (c *Channel) SendDirect(ctx context.Context, operatorID, text string, actions []channel.Action) (channel.MessageRef, error) {
	c.mu.Lock()
	dmID, ok := c.dmCache[operatorID]
	c.mu.Unlock()

	if !ok {
		ch, err := c.sess.UserChannelCreate(operatorID)
		if err != nil {
			return channel.MessageRef{}, fmt.Errorf("discord: open dm with %s: %w", operatorID, err)
		}
		dmID = ch.ID
		c.mu.Lock()
		c.dmCache[operatorID] = dmID
		c.mu.Unlock()
	}
	return c.send(ctx, dmID, text, actions)
}

// EditMessage replaces a message's content and buttons in place.
func (c *Channel) EditMessage(ctx context.Context, ref channel.MessageRef, text string, actions []channel.Action) error {
	comps := buildComponents(actions)
	edit := &discordgo.MessageEdit{
		ID:         ref.MessageID,
		Channel:    ref.ChatID,
		Content:    &text,
		Components: &comps,
	}
	err := c.retryOnRateLimit(ctx, func() error {
		_, editErr := c.sess.ChannelMessageEditComplex(edit)
		return editErr
	})
	if err != nil {
		if isUnknownMessage(err) {
			return channel.ErrMessageNotFound
		}
		return fmt.Errorf("discord: edit message %s/%s: %w", ref.ChatID, ref.MessageID, err)
	}
	return nil
}

// AcknowledgeAction responds to a pending interaction. With displayText it
// posts an ephemeral reply; without, it defers silently.
func (c *Channel) AcknowledgeAction(ctx context.Context, interactionID, displayText string) error {
	c.mu.Lock()
	in, ok := c.pending[interactionID]
	delete(c.pending, interactionID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("discord: no pending interaction %s", interactionID)
	}

	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}
	if displayText != "" {
		resp = &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: displayText,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		}
	}
	if err := c.sess.InteractionRespond(in, resp); err != nil {
		return fmt.Errorf("discord: acknowledge interaction %s: %w", interactionID, err)
	}
	return nil
}

// Close gracefully shuts down the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.inbound)
	if c.sess != nil {
		return c.sess.Close()
	}
	return nil
}

// send posts a message with optional buttons to a channel.
func (c *Channel) send(ctx context.Context, channelID, text string, actions []channel.Action) (channel.MessageRef, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return channel.MessageRef{}, fmt.Errorf("discord: not connected")
	}
	c.mu.Unlock()

	data := &discordgo.MessageSend{
		Content:    text,
		Components: buildComponents(actions),
	}
	var msg *discordgo.Message
	err := c.retryOnRateLimit(ctx, func() error {
		var sendErr error
		msg, sendErr = c.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return channel.MessageRef{}, fmt.Errorf("discord: send message: %w", err)
	}
	return channel.MessageRef{ChatID: channelID, MessageID: msg.ID}, nil
}

// handleMessage converts a Discord message event to an inbound text event.
func (c *Channel) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	c.mu.Lock()
	botID := c.botUserID
	closed := c.closed
	c.mu.Unlock()
	if closed || m.Author.ID == botID {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	c.deliver(channel.Event{Text: &channel.InboundText{
		OperatorID:   m.Author.ID,
		OperatorName: m.Author.Username,
		ChatID:       m.ChannelID,
		Text:         m.Content,
		Timestamp:    ts,
	}})
}

// handleInteraction converts a button press to an inbound action event. The
// interaction is parked until AcknowledgeAction responds to it.
func (c *Channel) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	messageID := ""
	if i.Message != nil {
		messageID = i.Message.ID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending[i.ID] = i.Interaction
	c.mu.Unlock()

	c.deliver(channel.Event{Action: &channel.InboundAction{
		InteractionID: i.ID,
		ActionID:      i.MessageComponentData().CustomID,
		OperatorID:    user.ID,
		OperatorName:  user.Username,
		Ref:           channel.MessageRef{ChatID: i.ChannelID, MessageID: messageID},
		Timestamp:     time.Now(),
	}})
}

// deliver pushes an event, dropping it if the consumer is gone.
func (c *Channel) deliver(ev channel.Event) {
	defer func() {
		// Sending on a closed inbound channel during shutdown is tolerated.
		recover()
	}()
	select {
	case c.inbound <- ev:
	default:
		log.Printf("discord: inbound buffer full, dropping event")
	}
}

// buildComponents translates actions into one row of buttons.
func buildComponents(actions []channel.Action) []discordgo.MessageComponent {
	if len(actions) == 0 {
		return []discordgo.MessageComponent{}
	}
	row := discordgo.ActionsRow{}
	for _, a := range actions {
		row.Components = append(row.Components, discordgo.Button{
			Label:    a.Label,
			Style:    discordgo.PrimaryButton,
			CustomID: a.ID,
		})
	}
	return []discordgo.MessageComponent{row}
}

// isUnknownMessage reports whether the API error means the edit target is gone.
func isUnknownMessage(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == 404
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (c *Channel) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
