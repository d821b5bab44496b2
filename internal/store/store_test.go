package store

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mkraev/switchboard/internal/models"
)

func openTestStore(t *testing.T) *Store {
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
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestNew_NilDB(t *testing.T) {
	_, err := New(nil)
	if err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestCreate_AssignsIDAndStatus(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.Create(CreateOpts{Name: "Ivan", Phone: "+7900", ServiceType: "plumbing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID == "" {
		t.Error("id not assigned")
	}
	if rec.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", rec.Status)
	}

	got, err := s.GetByID(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Ivan" || got.Phone != "+7900" || got.ServiceType != "plumbing" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestCreate_RequiredFields(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Create(CreateOpts{Phone: "+7900"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := s.Create(CreateOpts{Name: "Ivan"}); err == nil {
		t.Error("expected error for missing phone")
	}
}

func TestGetByID_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetByID("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_MergesFields(t *testing.T) {
	s := openTestStore(t)
	rec, _ := s.Create(CreateOpts{Name: "Ivan", Phone: "+7900"})

	updated, err := s.Update(rec.ID, map[string]interface{}{
		"status":      models.StatusContacted,
		"assigned_to": "op-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != models.StatusContacted {
		t.Errorf("status = %q, want contacted", updated.Status)
	}
	if updated.AssignedTo != "op-1" {
		t.Errorf("assigned_to = %q, want op-1", updated.AssignedTo)
	}
	// Untouched fields survive.
	if updated.Name != "Ivan" {
		t.Errorf("name = %q, want Ivan", updated.Name)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Update("missing", map[string]interface{}{"status": "contacted"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	rec, _ := s.Create(CreateOpts{Name: "Ivan", Phone: "+7900"})

	if err := s.Delete(rec.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.GetByID(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Error("record still present after delete")
	}
	if err := s.Delete(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestList_FilterAndPaginate(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		rec, _ := s.Create(CreateOpts{Name: "Client", Phone: "+7900"})
		if i < 2 {
			s.Update(rec.ID, map[string]interface{}{"status": models.StatusCompleted})
		}
	}

	recs, total, err := s.List(ListOpts{Status: models.StatusPending})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(recs) != 3 {
		t.Errorf("pending: total=%d len=%d, want 3/3", total, len(recs))
	}

	recs, total, err = s.List(ListOpts{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(recs) != 2 {
		t.Errorf("page 2 len = %d, want 2", len(recs))
	}
}

func TestList_RejectsUnknownSortField(t *testing.T) {
	s := openTestStore(t)
	s.Create(CreateOpts{Name: "Client", Phone: "+7900"})

	// An unknown sort column falls back to created_at instead of reaching SQL.
	_, _, err := s.List(ListOpts{SortBy: "status; DROP TABLE callback_requests"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := s.List(ListOpts{}); err != nil {
		t.Fatalf("table gone after hostile sort: %v", err)
	}
}

func TestAggregateByStatus(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		s.Create(CreateOpts{Name: "Client", Phone: "+7900"})
	}
	rec, _ := s.Create(CreateOpts{Name: "Client", Phone: "+7900"})
	s.Update(rec.ID, map[string]interface{}{"status": models.StatusCancelled})

	counts, err := s.AggregateByStatus(time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[models.StatusPending] != 3 {
		t.Errorf("pending = %d, want 3", counts[models.StatusPending])
	}
	if counts[models.StatusCancelled] != 1 {
		t.Errorf("cancelled = %d, want 1", counts[models.StatusCancelled])
	}

	// A future cutoff excludes everything.
	counts, err = s.AggregateByStatus(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("future cutoff counts = %v, want empty", counts)
	}
}

func TestSetChannelMessage(t *testing.T) {
	s := openTestStore(t)
	rec, _ := s.Create(CreateOpts{Name: "Ivan", Phone: "+7900"})

	if err := s.SetChannelMessage(rec.ID, "chan-1", "msg-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.GetByID(rec.ID)
	if got.ChannelChatID != "chan-1" || got.ChannelMessageID != "msg-9" {
		t.Errorf("channel identity = %s/%s", got.ChannelChatID, got.ChannelMessageID)
	}
}
