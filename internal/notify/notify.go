// Package notify formats and delivers request notifications through the chat
// channel, keeping exactly one live message per request.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mkraev/switchboard/internal/channel"
	"github.com/mkraev/switchboard/internal/models"
	"github.com/mkraev/switchboard/internal/store"
)

// Dispatcher sends and edits the channel message mirroring each request.
// Message identity is cached in memory and written through to the store; the
// store is authoritative and the cache is rebuilt from it on miss.
type Dispatcher struct {
	ch    channel.Channel
	store *store.Store

	mu         sync.Mutex
	refs       map[string]channel.MessageRef // recordID → message identity
	lastStatus map[string]string             // recordID → last announced status

	// recLocks serializes notification work per record, so a racing insert
	// and update cannot both miss the message identity and both send.
	recLocks sync.Map // recordID → *sync.Mutex
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Channel channel.Channel
	Store   *store.Store
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("notify: channel is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("notify: store is required")
	}
	return &Dispatcher{
		ch:         opts.Channel,
		store:      opts.Store,
		refs:       make(map[string]channel.MessageRef),
		lastStatus: make(map[string]string),
	}, nil
}

// NotifyCreated posts the "new request" message with its initial actions and
// records the message identity on the record. A request that already has a
// message is skipped, keeping a single message per record even if the insert
// event is delivered more than once.
func (d *Dispatcher) NotifyCreated(ctx context.Context, rec *models.CallbackRequest) error {
	defer d.lockRecord(rec.ID)()

	if ref := d.resolveRef(rec); !ref.IsZero() {
		log.Printf("notify: request %s already has message %s/%s, skipping create", rec.ID, ref.ChatID, ref.MessageID)
		return nil
	}

	actions := []channel.Action{
		{ID: "contacted_" + rec.ID, Label: "Contacted"},
		{ID: "cancel_" + rec.ID, Label: "Cancel"},
	}
	ref, err := d.ch.SendToOperatorChannel(ctx, FormatNew(rec), actions)
	if err != nil {
		return fmt.Errorf("notify: send new request %s: %w", rec.ID, err)
	}
	d.rememberRef(rec.ID, ref)
	d.noteStatus(rec.ID, rec.Status)
	return nil
}

// NotifyStatusChanged edits the request's channel message in place with the
// new status text and action set. If the record has never been announced, or
// the edit target is gone, it degrades to sending a fresh message rather than
// losing the notification.
func (d *Dispatcher) NotifyStatusChanged(ctx context.Context, rec *models.CallbackRequest, statusText string, actions []channel.Action) error {
	defer d.lockRecord(rec.ID)()
	return d.editStatus(ctx, rec, statusText, actions)
}

// NotifyUpstreamChange announces a change observed on the feed. Mutations
// made through the bot are announced at the point of mutation with operator
// attribution; the feed echoes them back one poll later, and re-editing then
// would overwrite the attributed text with a generic one. So a feed event
// whose status has already been announced for the record is skipped.
func (d *Dispatcher) NotifyUpstreamChange(ctx context.Context, rec *models.CallbackRequest, statusText string, actions []channel.Action) error {
	defer d.lockRecord(rec.ID)()

	d.mu.Lock()
	announced := d.lastStatus[rec.ID] == rec.Status
	d.mu.Unlock()
	if announced {
		return nil
	}
	return d.editStatus(ctx, rec, statusText, actions)
}

// editStatus performs the edit-or-fresh-send cycle. Caller holds the record
// lock.
func (d *Dispatcher) editStatus(ctx context.Context, rec *models.CallbackRequest, statusText string, actions []channel.Action) error {
	text := FormatStatus(rec, statusText)

	ref := d.resolveRef(rec)
	if ref.IsZero() {
		return d.sendFresh(ctx, rec, text, actions)
	}

	err := d.ch.EditMessage(ctx, ref, text, actions)
	if err == nil {
		d.noteStatus(rec.ID, rec.Status)
		return nil
	}
	if !errors.Is(err, channel.ErrMessageNotFound) {
		log.Printf("notify: edit message for %s failed: %v, sending fresh", rec.ID, err)
	}
	return d.sendFresh(ctx, rec, text, actions)
}

// NotifyError posts a best-effort system alert to the operator channel.
// Failures are swallowed: the pipeline that reports failures must not crash.
func (d *Dispatcher) NotifyError(ctx context.Context, text string) {
	if _, err := d.ch.SendToOperatorChannel(ctx, "⚠️ "+text, nil); err != nil {
		log.Printf("notify: error alert failed: %v", err)
	}
}

// Alert implements feed.Alerter.
func (d *Dispatcher) Alert(ctx context.Context, text string) {
	d.NotifyError(ctx, text)
}

// sendFresh posts a replacement message and re-records its identity.
func (d *Dispatcher) sendFresh(ctx context.Context, rec *models.CallbackRequest, text string, actions []channel.Action) error {
	ref, err := d.ch.SendToOperatorChannel(ctx, text, actions)
	if err != nil {
		return fmt.Errorf("notify: send status for %s: %w", rec.ID, err)
	}
	d.rememberRef(rec.ID, ref)
	d.noteStatus(rec.ID, rec.Status)
	return nil
}

// lockRecord takes the record's notification lock and returns the unlock.
func (d *Dispatcher) lockRecord(recordID string) func() {
	v, _ := d.recLocks.LoadOrStore(recordID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// noteStatus records the status the record's message currently shows.
func (d *Dispatcher) noteStatus(recordID, status string) {
	d.mu.Lock()
	d.lastStatus[recordID] = status
	d.mu.Unlock()
}

// rememberRef caches the message identity and writes it through to the store.
// A write-through failure is logged, not returned: the message is already on
// the channel and the identity can be repaired by the next edit fallback.
func (d *Dispatcher) rememberRef(recordID string, ref channel.MessageRef) {
	d.mu.Lock()
	d.refs[recordID] = ref
	d.mu.Unlock()

	if err := d.store.SetChannelMessage(recordID, ref.ChatID, ref.MessageID); err != nil {
		log.Printf("notify: persist message identity for %s: %v", recordID, err)
	}
}

// resolveRef finds the message identity for a record: memory cache first,
// then the fields on the record itself, then a fresh store read. The store
// read covers the race where an update event for a record is handled before
// the insert handler's identity write has committed to the cache.
func (d *Dispatcher) resolveRef(rec *models.CallbackRequest) channel.MessageRef {
	d.mu.Lock()
	ref, ok := d.refs[rec.ID]
	d.mu.Unlock()
	if ok && !ref.IsZero() {
		return ref
	}

	if rec.ChannelMessageID != "" {
		ref = channel.MessageRef{ChatID: rec.ChannelChatID, MessageID: rec.ChannelMessageID}
		d.mu.Lock()
		d.refs[rec.ID] = ref
		d.mu.Unlock()
		return ref
	}

	fresh, err := d.store.GetByID(rec.ID)
	if err != nil || fresh.ChannelMessageID == "" {
		return channel.MessageRef{}
	}
	ref = channel.MessageRef{ChatID: fresh.ChannelChatID, MessageID: fresh.ChannelMessageID}
	d.mu.Lock()
	d.refs[rec.ID] = ref
	d.mu.Unlock()
	return ref
}
