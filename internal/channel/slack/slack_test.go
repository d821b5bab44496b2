package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/mkraev/switchboard/internal/channel"
)

// --- mocks ---

type postCall struct {
	channelID string
	options   []slackapi.MsgOption
}

type mockSlackClient struct {
	authUserID string
	authErr    error

	posts     []postCall
	postTS    string
	postErr   error
	ephemeral []string // channelID:userID per call
	updates   []string // channelID:timestamp per call
	updateErr error
	openCalls int
	openErr   error
	dmID      string
	users     map[string]*slackapi.User
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return &slackapi.AuthTestResponse{UserID: m.authUserID}, nil
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posts = append(m.posts, postCall{channelID: channelID, options: options})
	ts := m.postTS
	if ts == "" {
		ts = "1234.5678"
	}
	return channelID, ts, nil
}

func (m *mockSlackClient) PostEphemeral(channelID, userID string, options ...slackapi.MsgOption) (string, error) {
	m.ephemeral = append(m.ephemeral, channelID+":"+userID)
	return "1234.9999", nil
}

func (m *mockSlackClient) UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	if m.updateErr != nil {
		return "", "", "", m.updateErr
	}
	m.updates = append(m.updates, channelID+":"+timestamp)
	return channelID, timestamp, "", nil
}

func (m *mockSlackClient) OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error) {
	m.openCalls++
	if m.openErr != nil {
		return nil, false, false, m.openErr
	}
	id := m.dmID
	if id == "" {
		id = "D123"
	}
	ch := &slackapi.Channel{}
	ch.ID = id
	return ch, false, false, nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, errors.New("user_not_found")
}

type mockSocket struct {
	events chan socketmode.Event
	acked  int
}

func (m *mockSocket) Run() error                        { return nil }
func (m *mockSocket) EventsChan() chan socketmode.Event { return m.events }
func (m *mockSocket) Ack(req socketmode.Request, payload ...interface{}) {
	m.acked++
}

func newTestChannel(t *testing.T) (*Channel, *mockSlackClient, *mockSocket) {
	t.Helper()
	client := &mockSlackClient{authUserID: "BOT"}
	socket := &mockSocket{events: make(chan socketmode.Event, 10)}
	c, err := New(Opts{
		OperatorChannelID: "C-OPS",
		Client:            client,
		Socket:            socket,
	})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, client, socket
}

// --- tests ---

func TestNew_RequiredFields(t *testing.T) {
	if _, err := New(Opts{AppToken: "xapp", OperatorChannelID: "C"}); err == nil {
		t.Error("expected error for missing bot token")
	}
	if _, err := New(Opts{BotToken: "xoxb", OperatorChannelID: "C"}); err == nil {
		t.Error("expected error for missing app token")
	}
	if _, err := New(Opts{AppToken: "xapp", BotToken: "xoxb"}); err == nil {
		t.Error("expected error for missing operator channel")
	}
}

func TestConnect_ResolvesBotUserID(t *testing.T) {
	c, _, _ := newTestChannel(t)
	if c.botUserID != "BOT" {
		t.Errorf("bot user id = %q, want BOT", c.botUserID)
	}
}

func TestConnect_AuthFailure(t *testing.T) {
	client := &mockSlackClient{authErr: errors.New("invalid_auth")}
	c, err := New(Opts{OperatorChannelID: "C", Client: client, Socket: &mockSocket{}})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("expected auth error")
	}
}

func TestSendToOperatorChannel(t *testing.T) {
	c, client, _ := newTestChannel(t)

	ref, err := c.SendToOperatorChannel(context.Background(), "hello", []channel.Action{{ID: "contacted_1", Label: "Contacted"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.ChatID != "C-OPS" || ref.MessageID != "1234.5678" {
		t.Errorf("ref = %+v", ref)
	}
	if len(client.posts) != 1 || client.posts[0].channelID != "C-OPS" {
		t.Errorf("posts = %+v", client.posts)
	}
}

func TestSendDirect_CachesDMChannel(t *testing.T) {
	c, client, _ := newTestChannel(t)

	c.SendDirect(context.Background(), "U1", "first", nil)
	c.SendDirect(context.Background(), "U1", "second", nil)

	if client.openCalls != 1 {
		t.Errorf("open conversation calls = %d, want 1 (cached)", client.openCalls)
	}
	if len(client.posts) != 2 || client.posts[1].channelID != "D123" {
		t.Errorf("posts = %+v", client.posts)
	}
}

func TestEditMessage_MissingTargetMapped(t *testing.T) {
	c, client, _ := newTestChannel(t)

	client.updateErr = errors.New("message_not_found")
	err := c.EditMessage(context.Background(), channel.MessageRef{ChatID: "C-OPS", MessageID: "1.2"}, "text", nil)
	if !errors.Is(err, channel.ErrMessageNotFound) {
		t.Errorf("error = %v, want ErrMessageNotFound", err)
	}

	client.updateErr = nil
	if err := c.EditMessage(context.Background(), channel.MessageRef{ChatID: "C-OPS", MessageID: "1.2"}, "text", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.updates) != 1 || client.updates[0] != "C-OPS:1.2" {
		t.Errorf("updates = %v", client.updates)
	}
}

func TestHandleMessage_FiltersAndDelivers(t *testing.T) {
	c, _, _ := newTestChannel(t)
	inbound, err := c.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	// Self, bot, and subtype messages are dropped.
	c.handleMessage(&slackevents.MessageEvent{User: "BOT", Text: "self"})
	c.handleMessage(&slackevents.MessageEvent{User: "U2", BotID: "B1", Text: "bot"})
	c.handleMessage(&slackevents.MessageEvent{User: "U2", SubType: "message_changed", Text: "edit"})
	c.handleMessage(&slackevents.MessageEvent{
		User: "U2", Channel: "D99", Text: "real", TimeStamp: "1700000000.000100",
	})

	select {
	case ev := <-inbound:
		if ev.Text == nil {
			t.Fatal("expected text event")
		}
		if ev.Text.OperatorID != "U2" || ev.Text.Text != "real" || ev.Text.ChatID != "D99" {
			t.Errorf("event = %+v", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-inbound:
		t.Fatalf("filtered message delivered: %+v", ev)
	default:
	}
}

func TestInteraction_AckFlow(t *testing.T) {
	c, client, socket := newTestChannel(t)
	inbound, err := c.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	cb := slackapi.InteractionCallback{
		Type:      slackapi.InteractionTypeBlockActions,
		TriggerID: "trig-1",
	}
	cb.User.ID = "U2"
	cb.User.Name = "olga"
	cb.Channel.ID = "C-OPS"
	cb.Message.Timestamp = "1.2"
	cb.ActionCallback.BlockActions = []*slackapi.BlockAction{{ActionID: "contacted_abc"}}

	req := &socketmode.Request{}
	c.handleInteraction(cb, req)

	var act *channel.InboundAction
	select {
	case ev := <-inbound:
		act = ev.Action
	case <-time.After(time.Second):
		t.Fatal("no action delivered")
	}
	if act == nil {
		t.Fatal("expected action event")
	}
	if act.ActionID != "contacted_abc" || act.OperatorID != "U2" {
		t.Errorf("action = %+v", act)
	}
	if act.Ref.ChatID != "C-OPS" || act.Ref.MessageID != "1.2" {
		t.Errorf("ref = %+v", act.Ref)
	}

	if err := c.AcknowledgeAction(context.Background(), act.InteractionID, "Taking it"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if socket.acked != 1 {
		t.Errorf("envelope acks = %d, want 1", socket.acked)
	}
	if len(client.ephemeral) != 1 || client.ephemeral[0] != "C-OPS:U2" {
		t.Errorf("ephemeral = %v", client.ephemeral)
	}

	// A second ack for the same interaction has no parked envelope.
	if err := c.AcknowledgeAction(context.Background(), act.InteractionID, "again"); err == nil {
		t.Error("expected error for unknown interaction")
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	got := parseSlackTimestamp("1700000000.000100")
	if got.Unix() != 1700000000 {
		t.Errorf("unix = %d, want 1700000000", got.Unix())
	}
	if !parseSlackTimestamp("garbage").IsZero() {
		t.Error("garbage timestamp should parse to zero time")
	}
}
