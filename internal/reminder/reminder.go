// Package reminder arms one-shot pre-appointment reminders for operators.
package reminder

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mkraev/switchboard/internal/channel"
	"github.com/mkraev/switchboard/internal/models"
	"github.com/mkraev/switchboard/internal/notify"
	"github.com/mkraev/switchboard/internal/sched"
	"github.com/mkraev/switchboard/internal/store"
)

// DefaultLead is how long before the appointment the reminder fires.
const DefaultLead = 45 * time.Minute

// Display holds denormalized fields shown in the reminder, so firing does not
// depend on the record still carrying them.
type Display struct {
	Name    string
	Phone   string
	Address string
	When    time.Time
}

// key identifies a reminder: one per (record, operator) pair.
type key struct {
	recordID   string
	operatorID string
}

// Scheduler arms, fires, and cancels reminders. At fire time the record's
// current status is re-checked and the reminder is suppressed if the work no
// longer needs it.
type Scheduler struct {
	store *store.Store
	ch    channel.Channel
	clock sched.Scheduler
	lead  time.Duration

	mu     sync.Mutex
	timers map[key]sched.Timer
}

// SchedulerOpts holds parameters for creating a Scheduler.
type SchedulerOpts struct {
	Store   *store.Store
	Channel channel.Channel
	Sched   sched.Scheduler // defaults to sched.Real()
	Lead    time.Duration   // defaults to DefaultLead
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("reminder: store is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("reminder: channel is required")
	}
	clock := opts.Sched
	if clock == nil {
		clock = sched.Real()
	}
	lead := opts.Lead
	if lead <= 0 {
		lead = DefaultLead
	}
	return &Scheduler{
		store:  opts.Store,
		ch:     opts.Channel,
		clock:  clock,
		lead:   lead,
		timers: make(map[key]sched.Timer),
	}, nil
}

// Arm schedules a reminder at when minus the lead time, replacing any prior
// reminder for the same (record, operator) pair. Returns false without
// arming when the fire time is already in the past: no retroactive reminders.
func (s *Scheduler) Arm(operatorID, recordID string, when time.Time, d Display) bool {
	fireAt := when.Add(-s.lead)
	delay := fireAt.Sub(s.clock.Now())
	if delay <= 0 {
		log.Printf("reminder: fire time %s for request %s already past, not arming", fireAt.Format(time.RFC3339), recordID)
		return false
	}

	k := key{recordID: recordID, operatorID: operatorID}
	s.mu.Lock()
	if old, ok := s.timers[k]; ok {
		old.Stop()
	}
	s.timers[k] = s.clock.AfterFunc(delay, func() {
		s.fire(k, d)
	})
	s.mu.Unlock()

	log.Printf("reminder: armed for request %s, operator %s, fires %s", recordID, operatorID, fireAt.Format(time.RFC3339))
	return true
}

// Cancel removes an armed reminder. Idempotent: cancelling twice, or
// cancelling a reminder that was never armed, is a no-op.
func (s *Scheduler) Cancel(operatorID, recordID string) {
	k := key{recordID: recordID, operatorID: operatorID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[k]; ok {
		t.Stop()
		delete(s.timers, k)
	}
}

// CancelRecord removes all armed reminders for a record, whichever operator
// they belong to. Used when the record is completed or cancelled.
func (s *Scheduler) CancelRecord(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.timers {
		if k.recordID == recordID {
			t.Stop()
			delete(s.timers, k)
		}
	}
}

// Armed reports whether a reminder is currently armed for the pair.
func (s *Scheduler) Armed(operatorID, recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key{recordID: recordID, operatorID: operatorID}]
	return ok
}

// Shutdown cancels every armed timer. Must run before the channel connection
// is released, so a fired timer cannot reference torn-down state.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}

// fire delivers one reminder, unless the record was completed or cancelled in
// the meantime, in which case it is silently dropped.
func (s *Scheduler) fire(k key, d Display) {
	s.mu.Lock()
	delete(s.timers, k)
	s.mu.Unlock()

	rec, err := s.store.GetByID(k.recordID)
	if err != nil {
		log.Printf("reminder: request %s gone at fire time, dropping", k.recordID)
		return
	}
	if models.IsTerminal(rec.Status) {
		log.Printf("reminder: request %s is %s, suppressing reminder", k.recordID, rec.Status)
		return
	}

	text := notify.FormatReminder(d.Name, d.Phone, d.Address, d.When)
	if _, err := s.ch.SendDirect(context.Background(), k.operatorID, text, nil); err != nil {
		log.Printf("reminder: send for request %s: %v", k.recordID, err)
	}
}
