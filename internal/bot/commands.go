package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/mkraev/switchboard/internal/feed"
	"github.com/mkraev/switchboard/internal/store"
)

// commandPrefix is the chat prefix for read-only operator commands.
const commandPrefix = "!swb"

// FeedControl is the subset of the feed listener the command handler reads
// and pokes.
type FeedControl interface {
	State() feed.State
	Attempt() int
	LastEventAt() time.Time
	Reconnect()
}

// CommandHandler processes "!swb" commands from chat. Apart from reconnect,
// all operations are read-only.
type CommandHandler struct {
	store *store.Store
	fc    FeedControl
	clock func() time.Time
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Store *store.Store
	Feed  FeedControl
	Now   func() time.Time // defaults to time.Now
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("bot: command handler: store is required")
	}
	if opts.Feed == nil {
		return nil, fmt.Errorf("bot: command handler: feed control is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CommandHandler{store: opts.Store, fc: opts.Feed, clock: now}, nil
}

// IsCommand reports whether the text addresses the command handler.
func (ch *CommandHandler) IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	return text == commandPrefix || strings.HasPrefix(text, commandPrefix+" ")
}

// Execute parses and executes a "!swb" command string. Returns the response
// text to send back.
func (ch *CommandHandler) Execute(text string) string {
	args := parseCommand(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "status":
		return ch.cmdStatus()
	case "reconnect":
		return ch.cmdReconnect()
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// parseCommand strips the "!swb" prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

// cmdStatus returns the feed state and request counts by status.
func (ch *CommandHandler) cmdStatus() string {
	var b strings.Builder
	b.WriteString("**Switchboard Status**\n")
	fmt.Fprintf(&b, "Feed: %s", ch.fc.State())
	if a := ch.fc.Attempt(); a > 0 {
		fmt.Fprintf(&b, " (attempt %d)", a)
	}
	b.WriteString("\n")
	if last := ch.fc.LastEventAt(); !last.IsZero() {
		fmt.Fprintf(&b, "Last event: %s ago\n", ch.clock().Sub(last).Round(time.Second))
	} else {
		b.WriteString("Last event: never\n")
	}

	counts, err := ch.store.AggregateByStatus(time.Time{})
	if err != nil {
		fmt.Fprintf(&b, "Requests: error (%v)\n", err)
		return b.String()
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(&b, "Requests: %d total", total)
	for _, status := range []string{"pending", "contacted", "in_progress", "completed", "cancelled"} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(&b, ", %d %s", n, status)
		}
	}
	b.WriteString("\n")
	return b.String()
}

// cmdReconnect triggers a manual feed resubscribe.
func (ch *CommandHandler) cmdReconnect() string {
	ch.fc.Reconnect()
	return "Reconnecting to the request feed..."
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	return "**Switchboard Commands**\n" +
		"`!swb status` — Feed state and request counts\n" +
		"`!swb reconnect` — Resubscribe to the request feed\n" +
		"`!swb help` — This message"
}
