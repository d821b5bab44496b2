package reminder

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mkraev/switchboard/internal/channel"
	"github.com/mkraev/switchboard/internal/models"
	"github.com/mkraev/switchboard/internal/sched"
	"github.com/mkraev/switchboard/internal/store"
)

var reminderStart = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

func openReminderTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.CallbackRequest{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	s, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func newTestScheduler(t *testing.T) (*Scheduler, *channel.MockChannel, *store.Store, *sched.Fake) {
	t.Helper()
	st := openReminderTestStore(t)
	ch := channel.NewMockChannel()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect mock: %v", err)
	}
	clock := sched.NewFake(reminderStart)
	s, err := NewScheduler(SchedulerOpts{Store: st, Channel: ch, Sched: clock})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, ch, st, clock
}

func TestArm_FiresAtLeadBeforeAppointment(t *testing.T) {
	s, ch, st, clock := newTestScheduler(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	when := reminderStart.Add(2 * time.Hour)
	if !s.Arm("op-1", rec.ID, when, Display{Name: "Ivan", Phone: "+7900", When: when}) {
		t.Fatal("Arm returned false")
	}

	// 45 minutes before the appointment is 75 minutes from now.
	clock.Advance(74 * time.Minute)
	if ch.SentCount() != 0 {
		t.Fatal("reminder fired early")
	}
	clock.Advance(2 * time.Minute)

	msg, ok := ch.LastSent()
	if !ok {
		t.Fatal("reminder not sent")
	}
	if msg.ChatID != "dm-op-1" {
		t.Errorf("sent to %q, want dm-op-1", msg.ChatID)
	}
	if !strings.Contains(msg.Text, "Ivan") {
		t.Errorf("reminder %q missing client name", msg.Text)
	}
	if s.Armed("op-1", rec.ID) {
		t.Error("timer still armed after firing")
	}
}

func TestArm_PastFireTimeRefused(t *testing.T) {
	s, ch, st, clock := newTestScheduler(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	// Appointment 30 minutes out: the 45-minute lead is already past.
	if s.Arm("op-1", rec.ID, reminderStart.Add(30*time.Minute), Display{}) {
		t.Error("Arm returned true for past fire time")
	}
	clock.Advance(24 * time.Hour)
	if ch.SentCount() != 0 {
		t.Error("refused reminder still fired")
	}
}

func TestArm_ReplacesPriorReminder(t *testing.T) {
	s, ch, st, clock := newTestScheduler(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	s.Arm("op-1", rec.ID, reminderStart.Add(2*time.Hour), Display{When: reminderStart.Add(2 * time.Hour)})
	s.Arm("op-1", rec.ID, reminderStart.Add(5*time.Hour), Display{When: reminderStart.Add(5 * time.Hour)})

	clock.Advance(24 * time.Hour)
	if n := ch.SentCount(); n != 1 {
		t.Errorf("sent %d reminders, want 1 (rescheduled)", n)
	}
}

func TestFire_SuppressedWhenTerminal(t *testing.T) {
	s, ch, st, clock := newTestScheduler(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	s.Arm("op-1", rec.ID, reminderStart.Add(2*time.Hour), Display{})
	st.Update(rec.ID, map[string]interface{}{"status": models.StatusCancelled})

	clock.Advance(24 * time.Hour)
	if ch.SentCount() != 0 {
		t.Error("reminder fired for cancelled request")
	}
}

func TestFire_DroppedWhenRecordGone(t *testing.T) {
	s, ch, st, clock := newTestScheduler(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	s.Arm("op-1", rec.ID, reminderStart.Add(2*time.Hour), Display{})
	st.Delete(rec.ID)

	clock.Advance(24 * time.Hour)
	if ch.SentCount() != 0 {
		t.Error("reminder fired for deleted request")
	}
}

func TestCancel_Idempotent(t *testing.T) {
	s, ch, st, clock := newTestScheduler(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	s.Arm("op-1", rec.ID, reminderStart.Add(2*time.Hour), Display{})
	s.Cancel("op-1", rec.ID)
	s.Cancel("op-1", rec.ID)
	s.Cancel("op-2", "never-armed")

	clock.Advance(24 * time.Hour)
	if ch.SentCount() != 0 {
		t.Error("cancelled reminder fired")
	}
}

func TestCancelRecord_DropsAllOperators(t *testing.T) {
	s, ch, st, clock := newTestScheduler(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})
	other, _ := st.Create(store.CreateOpts{Name: "Olga", Phone: "+7901"})

	s.Arm("op-1", rec.ID, reminderStart.Add(2*time.Hour), Display{})
	s.Arm("op-2", rec.ID, reminderStart.Add(3*time.Hour), Display{})
	s.Arm("op-1", other.ID, reminderStart.Add(2*time.Hour), Display{Name: "Olga"})

	s.CancelRecord(rec.ID)

	clock.Advance(24 * time.Hour)
	if n := ch.SentCount(); n != 1 {
		t.Errorf("sent %d reminders, want 1 (other record survives)", n)
	}
}

func TestShutdown_StopsEverything(t *testing.T) {
	s, ch, st, clock := newTestScheduler(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	s.Arm("op-1", rec.ID, reminderStart.Add(2*time.Hour), Display{})
	s.Arm("op-2", rec.ID, reminderStart.Add(3*time.Hour), Display{})
	s.Shutdown()

	clock.Advance(24 * time.Hour)
	if ch.SentCount() != 0 {
		t.Error("reminder fired after shutdown")
	}
}
