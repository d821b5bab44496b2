package actions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mkraev/switchboard/internal/channel"
	"github.com/mkraev/switchboard/internal/models"
	"github.com/mkraev/switchboard/internal/notify"
	"github.com/mkraev/switchboard/internal/sched"
	"github.com/mkraev/switchboard/internal/store"
)

// Conversations is the subset of the conversation engine the router starts.
type Conversations interface {
	StartCollection(ctx context.Context, operatorID string, rec *models.CallbackRequest) error
	StartScheduling(ctx context.Context, operatorID string, rec *models.CallbackRequest) error
}

// Reminders is the subset of the reminder scheduler the router cancels.
type Reminders interface {
	CancelRecord(recordID string)
}

// Router maps parsed actions to record mutations and side effects. Every
// inbound action is acknowledged before any I/O, then the record is mutated,
// then the channel notification is updated, in that order, so the record
// stays the source of truth.
//
// Status transitions are deliberately permissive: apart from per-verb
// preconditions there is no transition-validity table, matching the tracked
// record's history of manual corrections.
type Router struct {
	store         *store.Store
	dispatcher    *notify.Dispatcher
	ch            channel.Channel
	conversations Conversations
	reminders     Reminders
	clock         sched.Clock

	// inflight guards against two operators tapping the same record before
	// the first mutation lands.
	inflight sync.Map // recordID → struct{}
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Store         *store.Store
	Dispatcher    *notify.Dispatcher
	Channel       channel.Channel
	Conversations Conversations
	Reminders     Reminders
	Clock         sched.Clock // defaults to sched.Real()
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("actions: store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("actions: dispatcher is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("actions: channel is required")
	}
	if opts.Conversations == nil {
		return nil, fmt.Errorf("actions: conversations is required")
	}
	if opts.Reminders == nil {
		return nil, fmt.Errorf("actions: reminders is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = sched.Real()
	}
	return &Router{
		store:         opts.Store,
		dispatcher:    opts.Dispatcher,
		ch:            opts.Channel,
		conversations: opts.Conversations,
		reminders:     opts.Reminders,
		clock:         clock,
	}, nil
}

// Handle processes one inbound button press.
func (r *Router) Handle(ctx context.Context, in channel.InboundAction) {
	act, err := Parse(in.ActionID)
	if err != nil {
		r.ack(ctx, in, "Unknown action")
		return
	}

	if _, busy := r.inflight.LoadOrStore(act.RecordID, struct{}{}); busy {
		r.ack(ctx, in, "Already being processed")
		return
	}
	defer r.inflight.Delete(act.RecordID)

	// Acknowledge before any I/O so repeated taps don't pile up.
	r.ack(ctx, in, ackText(act.Verb))

	rec, err := r.store.GetByID(act.RecordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.dm(ctx, in.OperatorID, "Request not found.")
			return
		}
		log.Printf("actions: load request %s: %v", act.RecordID, err)
		r.dm(ctx, in.OperatorID, "Something went wrong, please try again.")
		return
	}

	switch act.Verb {
	case VerbContacted:
		r.handleContacted(ctx, in, rec)
	case VerbCancel:
		r.handleCancel(ctx, in, rec)
	case VerbSchedule, VerbSchedulePending:
		r.handleSchedule(ctx, in, rec)
	case VerbComplete:
		r.handleComplete(ctx, in, rec)
	}
}

// handleContacted claims the request for the operator and starts the
// info-collection dialogue.
func (r *Router) handleContacted(ctx context.Context, in channel.InboundAction, rec *models.CallbackRequest) {
	if models.IsTerminal(rec.Status) {
		r.dm(ctx, in.OperatorID, "This request is already closed.")
		return
	}

	updated, err := r.store.Update(rec.ID, map[string]interface{}{
		"status":           models.StatusContacted,
		"assigned_to":      in.OperatorName,
		"assigned_user_id": in.OperatorID,
	})
	if err != nil {
		log.Printf("actions: mark contacted %s: %v", rec.ID, err)
		r.dm(ctx, in.OperatorID, "Could not update the request, please try again.")
		return
	}

	if err := r.dispatcher.NotifyStatusChanged(ctx, updated, "Taken by "+in.OperatorName, nil); err != nil {
		log.Printf("actions: notify contacted %s: %v", rec.ID, err)
	}

	if err := r.conversations.StartCollection(ctx, in.OperatorID, updated); err != nil {
		log.Printf("actions: start collection %s: %v", rec.ID, err)
	}
}

// handleCancel closes the request and drops any armed reminder for it.
func (r *Router) handleCancel(ctx context.Context, in channel.InboundAction, rec *models.CallbackRequest) {
	updated, err := r.store.Update(rec.ID, map[string]interface{}{
		"status": models.StatusCancelled,
	})
	if err != nil {
		log.Printf("actions: cancel %s: %v", rec.ID, err)
		r.dm(ctx, in.OperatorID, "Could not cancel the request, please try again.")
		return
	}

	r.reminders.CancelRecord(rec.ID)

	if err := r.dispatcher.NotifyStatusChanged(ctx, updated, "Cancelled by "+in.OperatorName, nil); err != nil {
		log.Printf("actions: notify cancel %s: %v", rec.ID, err)
	}
}

// handleSchedule moves the request into in_progress (if needed) and starts
// the scheduling dialogue. Requires info collection to have run first.
func (r *Router) handleSchedule(ctx context.Context, in channel.InboundAction, rec *models.CallbackRequest) {
	if rec.Address == "" {
		r.dm(ctx, in.OperatorID, "Collect the client's info first (press Contacted).")
		return
	}

	updated := rec
	if rec.Status != models.StatusInProgress {
		var err error
		updated, err = r.store.Update(rec.ID, map[string]interface{}{
			"status": models.StatusInProgress,
		})
		if err != nil {
			log.Printf("actions: mark in progress %s: %v", rec.ID, err)
			r.dm(ctx, in.OperatorID, "Could not update the request, please try again.")
			return
		}
		if err := r.dispatcher.NotifyStatusChanged(ctx, updated, "Being scheduled by "+in.OperatorName, nil); err != nil {
			log.Printf("actions: notify schedule %s: %v", rec.ID, err)
		}
	}

	if err := r.conversations.StartScheduling(ctx, in.OperatorID, updated); err != nil {
		log.Printf("actions: start scheduling %s: %v", rec.ID, err)
	}
}

// handleComplete finishes the request, stamping completion time and author,
// and drops any armed reminder.
func (r *Router) handleComplete(ctx context.Context, in channel.InboundAction, rec *models.CallbackRequest) {
	now := r.clock.Now()
	updated, err := r.store.Update(rec.ID, map[string]interface{}{
		"status":       models.StatusCompleted,
		"completed_at": &now,
		"completed_by": in.OperatorName,
	})
	if err != nil {
		log.Printf("actions: complete %s: %v", rec.ID, err)
		r.dm(ctx, in.OperatorID, "Could not complete the request, please try again.")
		return
	}

	r.reminders.CancelRecord(rec.ID)

	if err := r.dispatcher.NotifyStatusChanged(ctx, updated, "Completed by "+in.OperatorName, nil); err != nil {
		log.Printf("actions: notify complete %s: %v", rec.ID, err)
	}
}

// ack acknowledges the interaction, best-effort.
func (r *Router) ack(ctx context.Context, in channel.InboundAction, text string) {
	if err := r.ch.AcknowledgeAction(ctx, in.InteractionID, text); err != nil {
		log.Printf("actions: ack %s: %v", in.ActionID, err)
	}
}

// dm sends a short operator-facing failure or rejection message.
func (r *Router) dm(ctx context.Context, operatorID, text string) {
	if _, err := r.ch.SendDirect(ctx, operatorID, text, nil); err != nil {
		log.Printf("actions: dm to %s: %v", operatorID, err)
	}
}

// ackText is the immediate acknowledgement label per verb.
func ackText(v Verb) string {
	switch v {
	case VerbContacted:
		return "Taking it"
	case VerbCancel:
		return "Cancelling"
	case VerbSchedule, VerbSchedulePending:
		return "Scheduling"
	case VerbComplete:
		return "Completing"
	}
	return "OK"
}
