// Package bot wires the request feed, the notification dispatcher, the
// conversation engine, and the chat channel into one long-running daemon.
package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/mkraev/switchboard/internal/actions"
	"github.com/mkraev/switchboard/internal/channel"
	"github.com/mkraev/switchboard/internal/config"
	"github.com/mkraev/switchboard/internal/conversation"
	"github.com/mkraev/switchboard/internal/feed"
	"github.com/mkraev/switchboard/internal/models"
	"github.com/mkraev/switchboard/internal/notify"
	"github.com/mkraev/switchboard/internal/reminder"
	"github.com/mkraev/switchboard/internal/sched"
	"github.com/mkraev/switchboard/internal/store"
)

// Daemon is the main switchboard process. It subscribes to request changes,
// posts notifications to the operator channel, and drives operator dialogues.
type Daemon struct {
	db    *gorm.DB
	cfg   *config.Config
	ch    channel.Channel
	sub   feed.Subscriber // optional injected subscriber (tests)
	clock sched.Scheduler
	out   io.Writer

	store *store.Store
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB      *gorm.DB
	Config  *config.Config
	Channel channel.Channel
	// Subscriber overrides the default gorm poller (tests).
	Subscriber feed.Subscriber
	Sched      sched.Scheduler // defaults to sched.Real()
	Out        io.Writer       // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("bot: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("bot: channel is required")
	}
	clock := opts.Sched
	if clock == nil {
		clock = sched.Real()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	st, err := store.New(opts.DB)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		db:    opts.DB,
		cfg:   opts.Config,
		ch:    opts.Channel,
		sub:   opts.Subscriber,
		clock: clock,
		out:   out,
		store: st,
	}, nil
}

// Run starts the daemon. It connects the channel, builds all subsystems
// (dispatcher, reminder scheduler, conversation engine, action router, feed
// listener), and blocks until the context is cancelled. On shutdown the
// reminder timers are stopped before the feed, and the feed before the
// channel, so nothing fires into a torn-down connection.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Switchboard connecting...\n")
	if err := d.ch.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}

	dispatcher, err := notify.NewDispatcher(notify.DispatcherOpts{
		Channel: d.ch,
		Store:   d.store,
	})
	if err != nil {
		d.ch.Close()
		return fmt.Errorf("bot: build dispatcher: %w", err)
	}

	reminders, err := reminder.NewScheduler(reminder.SchedulerOpts{
		Store:   d.store,
		Channel: d.ch,
		Sched:   d.clock,
		Lead:    time.Duration(d.cfg.Reminder.LeadMinutes) * time.Minute,
	})
	if err != nil {
		d.ch.Close()
		return fmt.Errorf("bot: build reminder scheduler: %w", err)
	}

	engine, err := conversation.NewEngine(conversation.EngineOpts{
		Store:      d.store,
		Channel:    d.ch,
		Dispatcher: dispatcher,
		Sessions:   conversation.NewMemorySessionStore(),
		Reminders:  reminders,
		Clock:      d.clock,
	})
	if err != nil {
		d.ch.Close()
		return fmt.Errorf("bot: build conversation engine: %w", err)
	}

	router, err := actions.NewRouter(actions.RouterOpts{
		Store:         d.store,
		Dispatcher:    dispatcher,
		Channel:       d.ch,
		Conversations: engine,
		Reminders:     reminders,
		Clock:         d.clock,
	})
	if err != nil {
		d.ch.Close()
		return fmt.Errorf("bot: build action router: %w", err)
	}

	subscriber := d.sub
	if subscriber == nil {
		subscriber, err = feed.NewPoller(feed.PollerOpts{
			DB:           d.db,
			PollInterval: time.Duration(d.cfg.Feed.PollIntervalSec) * time.Second,
		})
		if err != nil {
			d.ch.Close()
			return fmt.Errorf("bot: build feed poller: %w", err)
		}
	}

	listener, err := feed.NewListener(feed.ListenerOpts{
		Subscriber:       subscriber,
		Handlers:         d.feedHandlers(ctx, dispatcher),
		Alerter:          dispatcher,
		Sched:            d.clock,
		MaxAttempts:      d.cfg.Feed.MaxRetries,
		SubscribeTimeout: time.Duration(d.cfg.Feed.SubscribeTimeoutSec) * time.Second,
		HealthInterval:   time.Duration(d.cfg.Feed.HealthIntervalMin) * time.Minute,
		StaleAfter:       time.Duration(d.cfg.Feed.StaleAfterMin) * time.Minute,
	})
	if err != nil {
		d.ch.Close()
		return fmt.Errorf("bot: build feed listener: %w", err)
	}

	commands, err := NewCommandHandler(CommandHandlerOpts{
		Store: d.store,
		Feed:  listener,
	})
	if err != nil {
		d.ch.Close()
		return fmt.Errorf("bot: build command handler: %w", err)
	}

	inbound, err := d.ch.Listen(ctx)
	if err != nil {
		d.ch.Close()
		return fmt.Errorf("bot: listen: %w", err)
	}

	listener.Start(ctx)
	go d.runDigestScheduler(ctx)

	fmt.Fprintf(d.out, "Switchboard online\n")
	if _, err := d.ch.SendToOperatorChannel(ctx, "Switchboard online", nil); err != nil {
		log.Printf("bot: send online message: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Switchboard shutting down...\n")
			reminders.Shutdown()
			listener.Stop()
			if err := d.ch.Close(); err != nil {
				log.Printf("bot: close channel: %v", err)
			}
			fmt.Fprintf(d.out, "Switchboard stopped\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Switchboard inbound channel closed\n")
				reminders.Shutdown()
				listener.Stop()
				return nil
			}
			d.handleInbound(ctx, ev, router, engine, commands)
		}
	}
}

// handleInbound routes one channel event. Each event is handled in its own
// goroutine so a slow dialogue step cannot stall button presses.
func (d *Daemon) handleInbound(ctx context.Context, ev channel.Event, router *actions.Router, engine *conversation.Engine, commands *CommandHandler) {
	switch {
	case ev.Action != nil:
		go router.Handle(ctx, *ev.Action)

	case ev.Text != nil:
		msg := *ev.Text
		go func() {
			handled, err := engine.HandleText(ctx, msg)
			if err != nil {
				log.Printf("bot: dialogue step for %s: %v", msg.OperatorID, err)
			}
			if handled {
				return
			}
			if commands.IsCommand(msg.Text) {
				reply := commands.Execute(msg.Text)
				if _, err := d.ch.SendDirect(ctx, msg.OperatorID, reply, nil); err != nil {
					log.Printf("bot: command reply to %s: %v", msg.OperatorID, err)
				}
			}
		}()
	}
}

// feedHandlers maps feed events to operator notifications. Handlers run on
// the subscriber's goroutine, so the channel work is pushed onto new ones.
func (d *Daemon) feedHandlers(ctx context.Context, dispatcher *notify.Dispatcher) feed.Handlers {
	return feed.Handlers{
		OnInsert: func(rec models.CallbackRequest) {
			go func() {
				if err := dispatcher.NotifyCreated(ctx, &rec); err != nil {
					log.Printf("bot: notify new request %s: %v", rec.ID, err)
				}
			}()
		},
		OnUpdate: func(rec models.CallbackRequest) {
			go func() {
				text := "Status: " + models.StatusLabel(rec.Status)
				if err := dispatcher.NotifyUpstreamChange(ctx, &rec, text, actionsFor(&rec)); err != nil {
					log.Printf("bot: notify update %s: %v", rec.ID, err)
				}
			}()
		},
		OnDelete: func(id string) {
			log.Printf("bot: request %s deleted upstream", id)
		},
	}
}

// actionsFor returns the channel-message buttons for a record's current
// status. Only unclaimed requests offer them; once a record is claimed the
// schedule and complete actions travel in the claiming operator's DMs, and
// the channel message carries none.
func actionsFor(rec *models.CallbackRequest) []channel.Action {
	if rec.Status == models.StatusPending {
		return []channel.Action{
			{ID: "contacted_" + rec.ID, Label: "Contacted"},
			{ID: "cancel_" + rec.ID, Label: "Cancel"},
		}
	}
	return nil
}
