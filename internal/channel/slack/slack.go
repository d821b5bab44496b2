// Package slack implements the notification Channel for Slack using Socket
// Mode, with inline actions as Block Kit buttons.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/mkraev/switchboard/internal/channel"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits Socket Mode reconnection retries.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	PostEphemeral(channelID, userID string, options ...slackapi.MsgOption) (string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// pendingAck carries what AcknowledgeAction needs to answer an interaction:
// the Socket Mode envelope plus where an ephemeral reply would go.
type pendingAck struct {
	req       *socketmode.Request
	channelID string
	userID    string
}

// Channel implements channel.Channel for Slack Socket Mode.
type Channel struct {
	client            slackClient
	socket            socketClient
	appToken          string
	botToken          string
	operatorChannelID string

	mu         sync.Mutex
	botUserID  string
	connected  bool
	closed     bool
	inbound    chan channel.Event
	cancelFunc context.CancelFunc
	dmCache    map[string]string     // operatorID → DM channel ID
	pending    map[string]pendingAck // interaction ID → envelope awaiting ack
}

// Opts holds parameters for creating a Slack Channel.
type Opts struct {
	AppToken          string // xapp-... app-level token for Socket Mode
	BotToken          string // xoxb-... bot token
	OperatorChannelID string // shared operator channel to post requests to
	// For testing: inject mock clients instead of the real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Channel.
func New(opts Opts) (*Channel, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.OperatorChannelID == "" {
		return nil, fmt.Errorf("slack: operator channel id is required")
	}

	c := &Channel{
		appToken:          opts.AppToken,
		botToken:          opts.BotToken,
		operatorChannelID: opts.OperatorChannelID,
		inbound:           make(chan channel.Event, 100),
		dmCache:           make(map[string]string),
		pending:           make(map[string]pendingAck),
	}
	if opts.Client != nil {
		c.client = opts.Client
	}
	if opts.Socket != nil {
		c.socket = opts.Socket
	}
	return c, nil
}

// Connect establishes the Socket Mode connection and resolves the bot user ID
// for self-message filtering.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("slack: channel already closed")
	}
	if c.connected {
		return nil
	}

	if c.client == nil {
		api := slackapi.New(c.botToken, slackapi.OptionAppLevelToken(c.appToken))
		c.client = api
		c.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := c.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID

	c.connected = true
	return nil
}

// Listen returns the inbound event channel and starts the Socket Mode event
// pump in background goroutines. Must be called after Connect.
func (c *Channel) Listen(ctx context.Context) (<-chan channel.Event, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	c.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	go c.runWithReconnect(listenCtx)
	go c.pumpEvents(listenCtx)

	return c.inbound, nil
}

// SendToOperatorChannel posts to the shared operator channel.
func (c *Channel) SendToOperatorChannel(ctx context.Context, text string, actions []channel.Action) (channel.MessageRef, error) {
	return c.send(ctx, c.operatorChannelID, text, actions)
}

// SendDirect posts a DM to one operator, opening (and caching) the IM
// conversation on first use.
func (c *Channel) SendDirect(ctx context.Context, operatorID, text string, actions []channel.Action) (channel.MessageRef, error) {
	c.mu.Lock()
	dmID, ok := c.dmCache[operatorID]
	c.mu.Unlock()

	if !ok {
		conv, _, _, err := c.client.OpenConversation(&slackapi.OpenConversationParameters{
			Users: []string{operatorID},
		})
		if err != nil {
			return channel.MessageRef{}, fmt.Errorf("slack: open dm with %s: %w", operatorID, err)
		}
		dmID = conv.ID
		c.mu.Lock()
		c.dmCache[operatorID] = dmID
		c.mu.Unlock()
	}
	return c.send(ctx, dmID, text, actions)
}

// EditMessage replaces a message's content and buttons in place.
func (c *Channel) EditMessage(ctx context.Context, ref channel.MessageRef, text string, actions []channel.Action) error {
	options := buildMessageOptions(text, actions)
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updateErr := c.client.UpdateMessage(ref.ChatID, ref.MessageID, options...)
		return updateErr
	})
	if err != nil {
		if strings.Contains(err.Error(), "message_not_found") {
			return channel.ErrMessageNotFound
		}
		return fmt.Errorf("slack: update message %s/%s: %w", ref.ChatID, ref.MessageID, err)
	}
	return nil
}

// AcknowledgeAction answers a pending interaction envelope. With displayText
// it also posts an ephemeral reply visible only to the pressing operator.
func (c *Channel) AcknowledgeAction(ctx context.Context, interactionID, displayText string) error {
	c.mu.Lock()
	p, ok := c.pending[interactionID]
	delete(c.pending, interactionID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("slack: no pending interaction %s", interactionID)
	}

	if p.req != nil {
		c.socket.Ack(*p.req)
	}
	if displayText == "" {
		return nil
	}

	err := retryOnRateLimit(ctx, func() error {
		_, postErr := c.client.PostEphemeral(p.channelID, p.userID,
			slackapi.MsgOptionText(displayText, false))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: ephemeral ack: %w", err)
	}
	return nil
}

// Close shuts down the channel and closes the inbound event channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	close(c.inbound)
	return nil
}

// send posts a message with optional buttons to a channel or DM.
func (c *Channel) send(ctx context.Context, channelID, text string, actions []channel.Action) (channel.MessageRef, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return channel.MessageRef{}, fmt.Errorf("slack: not connected")
	}
	c.mu.Unlock()

	options := buildMessageOptions(text, actions)

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = c.client.PostMessage(channelID, options...)
		return postErr
	})
	if err != nil {
		return channel.MessageRef{}, fmt.Errorf("slack: post message: %w", err)
	}
	return channel.MessageRef{ChatID: channelID, MessageID: ts}, nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error.
func (c *Channel) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := c.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, maxReconnectAttempts, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", maxReconnectAttempts)
}

// pumpEvents reads Socket Mode events and converts them to channel events.
func (c *Channel) pumpEvents(ctx context.Context) {
	events := c.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (c *Channel) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Events API envelopes are acknowledged right away; only interactive
		// envelopes are parked for AcknowledgeAction.
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		c.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		c.handleInteraction(callback, evt.Request)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (c *Channel) handleEventsAPI(event slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			c.handleMessage(ev)
		}
	}
}

// handleMessage converts a Slack message event to an inbound text event.
func (c *Channel) handleMessage(ev *slackevents.MessageEvent) {
	c.mu.Lock()
	botID := c.botUserID
	closed := c.closed
	c.mu.Unlock()

	if closed || ev.User == botID {
		return
	}
	// Filter bot messages and message subtypes (edits, deletes, etc.).
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	c.deliver(channel.Event{Text: &channel.InboundText{
		OperatorID:   ev.User,
		OperatorName: c.resolveUserName(ev.User),
		ChatID:       ev.Channel,
		Text:         ev.Text,
		Timestamp:    parseSlackTimestamp(ev.TimeStamp),
	}})
}

// handleInteraction converts a Block Kit button press to an inbound action
// event. The envelope is parked until AcknowledgeAction answers it.
func (c *Channel) handleInteraction(callback slackapi.InteractionCallback, req *socketmode.Request) {
	if callback.Type != slackapi.InteractionTypeBlockActions {
		if req != nil {
			c.socket.Ack(*req)
		}
		return
	}
	blockActions := callback.ActionCallback.BlockActions
	if len(blockActions) == 0 {
		if req != nil {
			c.socket.Ack(*req)
		}
		return
	}

	interactionID := callback.TriggerID
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending[interactionID] = pendingAck{
		req:       req,
		channelID: callback.Channel.ID,
		userID:    callback.User.ID,
	}
	c.mu.Unlock()

	name := callback.User.Name
	if name == "" {
		name = c.resolveUserName(callback.User.ID)
	}

	c.deliver(channel.Event{Action: &channel.InboundAction{
		InteractionID: interactionID,
		ActionID:      blockActions[0].ActionID,
		OperatorID:    callback.User.ID,
		OperatorName:  name,
		Ref: channel.MessageRef{
			ChatID:    callback.Channel.ID,
			MessageID: callback.Message.Timestamp,
		},
		Timestamp: time.Now(),
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
		log.Printf("slack: inbound buffer full, dropping event")
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (c *Channel) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := c.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// buildMessageOptions renders text plus an optional row of buttons as blocks.
func buildMessageOptions(text string, actions []channel.Action) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if len(actions) == 0 {
		return options
	}

	section := slackapi.NewSectionBlock(
		slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil)

	var buttons []slackapi.BlockElement
	for _, a := range actions {
		buttons = append(buttons, slackapi.NewButtonBlockElement(
			a.ID, a.ID, slackapi.NewTextBlockObject(slackapi.PlainTextType, a.Label, false, false)))
	}
	options = append(options, slackapi.MsgOptionBlocks(section, slackapi.NewActionBlock("request_actions", buttons...)))
	return options
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors. It respects context cancellation and Slack's RetryAfter duration.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
