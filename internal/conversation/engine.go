// Package conversation drives per-operator data-collection and scheduling
// dialogues over direct messages.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mkraev/switchboard/internal/channel"
	"github.com/mkraev/switchboard/internal/models"
	"github.com/mkraev/switchboard/internal/notify"
	"github.com/mkraev/switchboard/internal/reminder"
	"github.com/mkraev/switchboard/internal/sched"
	"github.com/mkraev/switchboard/internal/store"
)

// ReminderScheduler is the subset of the reminder scheduler the engine uses.
type ReminderScheduler interface {
	Arm(operatorID, recordID string, when time.Time, d reminder.Display) bool
}

// Engine is the per-operator conversation state machine. All transient state
// lives in the injected SessionStore; nothing survives a restart.
type Engine struct {
	store      *store.Store
	ch         channel.Channel
	dispatcher *notify.Dispatcher
	sessions   SessionStore
	reminders  ReminderScheduler
	clock      sched.Clock

	// opLocks serializes dialogue work per operator. Inbound texts arrive on
	// separate goroutines; without this, two quick replies would mutate the
	// same session concurrently.
	opLocks sync.Map // operatorID → *sync.Mutex
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Store      *store.Store
	Channel    channel.Channel
	Dispatcher *notify.Dispatcher
	Sessions   SessionStore
	Reminders  ReminderScheduler
	Clock      sched.Clock // defaults to sched.Real()
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("conversation: store is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("conversation: channel is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("conversation: dispatcher is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("conversation: session store is required")
	}
	if opts.Reminders == nil {
		return nil, fmt.Errorf("conversation: reminder scheduler is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = sched.Real()
	}
	return &Engine{
		store:      opts.Store,
		ch:         opts.Channel,
		dispatcher: opts.Dispatcher,
		sessions:   opts.Sessions,
		reminders:  opts.Reminders,
		clock:      clock,
	}, nil
}

// StartCollection opens an info-collection dialogue with the operator who
// claimed the request. The information card is sent once and then edited in
// place as steps complete.
func (e *Engine) StartCollection(ctx context.Context, operatorID string, rec *models.CallbackRequest) error {
	defer e.lockOperator(operatorID)()
	sess := &Session{
		OperatorID: operatorID,
		Stage:      StageCollectingAddress,
		RecordID:   rec.ID,
	}
	ref, err := e.ch.SendDirect(ctx, operatorID, collectionCard(rec, sess), nil)
	if err != nil {
		return fmt.Errorf("conversation: start collection for %s: %w", rec.ID, err)
	}
	sess.AnchorRef = ref
	e.sessions.Put(sess)
	return nil
}

// StartScheduling opens a scheduling dialogue: one free-text reply with the
// visit date/time.
func (e *Engine) StartScheduling(ctx context.Context, operatorID string, rec *models.CallbackRequest) error {
	defer e.lockOperator(operatorID)()
	text := fmt.Sprintf("Scheduling a visit for %s (%s).\nReply with the date and time as DD.MM.YYYY HH:MM, e.g. 25.12.2030 14:30.\nSend \"cancel\" to stop.",
		rec.Name, rec.Phone)
	if _, err := e.ch.SendDirect(ctx, operatorID, text, nil); err != nil {
		return fmt.Errorf("conversation: start scheduling for %s: %w", rec.ID, err)
	}
	e.sessions.Put(&Session{
		OperatorID: operatorID,
		Stage:      StageScheduling,
		RecordID:   rec.ID,
	})
	return nil
}

// HandleText feeds a free-text operator message into their session, if any.
// Returns false when the operator has no session, so the caller can try other
// interpretations (commands) without starting an implicit dialogue.
func (e *Engine) HandleText(ctx context.Context, msg channel.InboundText) (bool, error) {
	defer e.lockOperator(msg.OperatorID)()

	sess, ok := e.sessions.Get(msg.OperatorID)
	if !ok {
		return false, nil
	}

	text := strings.TrimSpace(msg.Text)

	// The session-level cancel command wins over any stage parsing.
	if isCancel(text) {
		e.sessions.Delete(msg.OperatorID)
		e.sendDirect(ctx, msg.OperatorID, "Dialogue cancelled.")
		return true, nil
	}

	switch sess.Stage {
	case StageCollectingAddress:
		sess.Address = text
		sess.Stage = StageCollectingServiceType
		e.advanceCard(ctx, sess)
		e.sessions.Put(sess)
		return true, nil

	case StageCollectingServiceType:
		sess.ServiceDetail = text
		sess.Stage = StageCollectingProblem
		e.advanceCard(ctx, sess)
		e.sessions.Put(sess)
		return true, nil

	case StageCollectingProblem:
		sess.Problem = text
		return true, e.finishCollection(ctx, sess)

	case StageScheduling:
		return true, e.handleScheduling(ctx, sess, text)
	}

	// Unknown stage: drop the session rather than loop on it.
	e.sessions.Delete(msg.OperatorID)
	return true, fmt.Errorf("conversation: unknown stage %q for operator %s", sess.Stage, msg.OperatorID)
}

// finishCollection flushes collected fields to the store, closes the session,
// and offers the schedule action. A store failure keeps the session in place
// so the operator can retry the last step.
func (e *Engine) finishCollection(ctx context.Context, sess *Session) error {
	rec, err := e.store.Update(sess.RecordID, map[string]interface{}{
		"address":               sess.Address,
		"detailed_service_type": sess.ServiceDetail,
		"problem_description":   sess.Problem,
	})
	if err != nil {
		e.sendDirect(ctx, sess.OperatorID, "Could not save the details, please send the problem description again.")
		return fmt.Errorf("conversation: save collected fields for %s: %w", sess.RecordID, err)
	}

	e.sessions.Delete(sess.OperatorID)

	actions := []channel.Action{{ID: "schedule_" + rec.ID, Label: "Schedule visit"}}
	if _, err := e.ch.SendDirect(ctx, sess.OperatorID, notify.FormatDetails(rec), actions); err != nil {
		log.Printf("conversation: send details for %s: %v", rec.ID, err)
	}
	return nil
}

// handleScheduling parses the appointment reply. A parse failure re-prompts
// and stays in the scheduling stage; it never advances silently.
func (e *Engine) handleScheduling(ctx context.Context, sess *Session, text string) error {
	when, err := ParseAppointment(text, e.clock.Now())
	if err != nil {
		e.sendDirect(ctx, sess.OperatorID, scheduleErrorText(err))
		return nil
	}

	rec, err := e.store.GetByID(sess.RecordID)
	if err != nil {
		e.sendDirect(ctx, sess.OperatorID, "Request not found — it may have been removed.")
		e.sessions.Delete(sess.OperatorID)
		return fmt.Errorf("conversation: load request %s: %w", sess.RecordID, err)
	}

	armed := e.reminders.Arm(sess.OperatorID, rec.ID, when, reminder.Display{
		Name:    rec.Name,
		Phone:   rec.Phone,
		Address: rec.Address,
		When:    when,
	})

	confirmation := fmt.Sprintf("Visit scheduled for %s.", when.Format("02.01.2006 15:04"))
	if armed {
		confirmation += " You'll get a reminder 45 minutes before."
	}
	completeActions := []channel.Action{{ID: "complete_" + rec.ID, Label: "Mark complete"}}
	if _, err := e.ch.SendDirect(ctx, sess.OperatorID, confirmation, completeActions); err != nil {
		log.Printf("conversation: send confirmation for %s: %v", rec.ID, err)
	}

	statusText := "Visit scheduled for " + when.Format("02.01.2006 15:04")
	if err := e.dispatcher.NotifyStatusChanged(ctx, rec, statusText, nil); err != nil {
		log.Printf("conversation: update notification for %s: %v", rec.ID, err)
	}

	e.sessions.Delete(sess.OperatorID)
	return nil
}

// advanceCard edits the information card in place to show what has been
// recorded so far and prompt for the next field. If the card is gone, a new
// one is sent instead of failing the step.
func (e *Engine) advanceCard(ctx context.Context, sess *Session) {
	rec, err := e.store.GetByID(sess.RecordID)
	if err != nil {
		rec = &models.CallbackRequest{ID: sess.RecordID}
	}
	text := collectionCard(rec, sess)

	if !sess.AnchorRef.IsZero() {
		if err := e.ch.EditMessage(ctx, sess.AnchorRef, text, nil); err == nil {
			return
		}
	}
	ref, err := e.ch.SendDirect(ctx, sess.OperatorID, text, nil)
	if err != nil {
		log.Printf("conversation: resend card for %s: %v", sess.RecordID, err)
		return
	}
	sess.AnchorRef = ref
}

// lockOperator takes the operator's dialogue lock and returns the unlock.
func (e *Engine) lockOperator(operatorID string) func() {
	v, _ := e.opLocks.LoadOrStore(operatorID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// sendDirect is a best-effort plain DM.
func (e *Engine) sendDirect(ctx context.Context, operatorID, text string) {
	if _, err := e.ch.SendDirect(ctx, operatorID, text, nil); err != nil {
		log.Printf("conversation: dm to %s: %v", operatorID, err)
	}
}

// collectionCard renders the in-progress information card.
func collectionCard(rec *models.CallbackRequest, sess *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Collecting info for %s (%s)\n", rec.Name, rec.Phone)
	writeField := func(label, value string) {
		if value == "" {
			value = "—"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, value)
	}
	writeField("Address", sess.Address)
	writeField("Service", sess.ServiceDetail)
	writeField("Problem", sess.Problem)
	b.WriteString("\n")
	switch sess.Stage {
	case StageCollectingAddress:
		b.WriteString("Please send the client's address.")
	case StageCollectingServiceType:
		b.WriteString("Please describe the service needed.")
	case StageCollectingProblem:
		b.WriteString("Please describe the problem.")
	}
	b.WriteString("\nSend \"cancel\" to stop.")
	return b.String()
}

// scheduleErrorText maps a parse error to the operator-facing re-prompt.
func scheduleErrorText(err error) string {
	switch {
	case errors.Is(err, ErrInvalidDate):
		return "That date doesn't exist — check the day and month, e.g. 25.12.2030 14:30."
	case errors.Is(err, ErrPastAppointment):
		return "That time is already in the past — pick a future date and time."
	default:
		return "Wrong date format — use DD.MM.YYYY HH:MM, e.g. 25.12.2030 14:30."
	}
}

// isCancel recognizes the session-level cancel command.
func isCancel(text string) bool {
	switch strings.ToLower(text) {
	case "cancel", "/cancel":
		return true
	}
	return false
}
