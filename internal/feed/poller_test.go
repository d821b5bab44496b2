package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mkraev/switchboard/internal/models"
	"github.com/mkraev/switchboard/internal/store"
)

func openPollerTestDB(t *testing.T) (*gorm.DB, *store.Store) {
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
	return db, s
}

// pollerEvents collects events and statuses on channels for assertion.
type pollerEvents struct {
	inserts  chan models.CallbackRequest
	updates  chan models.CallbackRequest
	deletes  chan string
	statuses chan Status
}

func newPollerEvents() *pollerEvents {
	return &pollerEvents{
		inserts:  make(chan models.CallbackRequest, 10),
		updates:  make(chan models.CallbackRequest, 10),
		deletes:  make(chan string, 10),
		statuses: make(chan Status, 10),
	}
}

func (e *pollerEvents) handlers() Handlers {
	return Handlers{
		OnInsert: func(r models.CallbackRequest) { e.inserts <- r },
		OnUpdate: func(r models.CallbackRequest) { e.updates <- r },
		OnDelete: func(id string) { e.deletes <- id },
	}
}

func (e *pollerEvents) status(s Status) { e.statuses <- s }

func waitStatus(t *testing.T, e *pollerEvents, want StatusCode) {
	t.Helper()
	select {
	case s := <-e.statuses:
		if s.Code != want {
			t.Fatalf("status = %s (%v), want %s", s.Code, s.Err, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no %s status within deadline", want)
	}
}

func subscribePoller(t *testing.T, db *gorm.DB) (*pollerEvents, Handle) {
	t.Helper()
	p, err := NewPoller(PollerOpts{DB: db, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	ev := newPollerEvents()
	handle, err := p.Subscribe(context.Background(), ev.handlers(), ev.status)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitStatus(t, ev, StatusSubscribed)
	return ev, handle
}

func TestPoller_SeedDoesNotEmitExistingRows(t *testing.T) {
	db, st := openPollerTestDB(t)
	st.Create(store.CreateOpts{Name: "Preexisting", Phone: "+7900"})

	ev, handle := subscribePoller(t, db)
	defer handle.Unsubscribe()

	select {
	case r := <-ev.inserts:
		t.Fatalf("baseline row %s emitted as insert", r.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoller_DetectsInsert(t *testing.T) {
	db, st := openPollerTestDB(t)
	ev, handle := subscribePoller(t, db)
	defer handle.Unsubscribe()

	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	select {
	case got := <-ev.inserts:
		if got.ID != rec.ID {
			t.Errorf("insert id = %s, want %s", got.ID, rec.ID)
		}
		if got.Name != "Ivan" {
			t.Errorf("insert name = %q", got.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("insert not detected")
	}
}

func TestPoller_DetectsStatusUpdate(t *testing.T) {
	db, st := openPollerTestDB(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	ev, handle := subscribePoller(t, db)
	defer handle.Unsubscribe()

	st.Update(rec.ID, map[string]interface{}{"status": models.StatusContacted})

	select {
	case got := <-ev.updates:
		if got.ID != rec.ID || got.Status != models.StatusContacted {
			t.Errorf("update = %s/%s", got.ID, got.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("update not detected")
	}
}

func TestPoller_DetectsDelete(t *testing.T) {
	db, st := openPollerTestDB(t)
	rec, _ := st.Create(store.CreateOpts{Name: "Ivan", Phone: "+7900"})

	ev, handle := subscribePoller(t, db)
	defer handle.Unsubscribe()

	st.Delete(rec.ID)

	select {
	case id := <-ev.deletes:
		if id != rec.ID {
			t.Errorf("delete id = %s, want %s", id, rec.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("delete not detected")
	}
}

func TestPoller_UnsubscribeFromStatusCallback(t *testing.T) {
	db, _ := openPollerTestDB(t)
	p, err := NewPoller(PollerOpts{DB: db, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	var (
		mu     sync.Mutex
		handle Handle
	)
	subscribed := make(chan struct{}, 1)
	released := make(chan struct{})
	h, err := p.Subscribe(context.Background(), Handlers{}, func(s Status) {
		switch s.Code {
		case StatusSubscribed:
			subscribed <- struct{}{}
		case StatusChannelError:
			// React the way the listener does: release the subscription from
			// inside the delivery callback.
			mu.Lock()
			inner := handle
			mu.Unlock()
			if err := inner.Unsubscribe(); err != nil {
				t.Errorf("unsubscribe: %v", err)
			}
			close(released)
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mu.Lock()
	handle = h
	mu.Unlock()

	select {
	case <-subscribed:
	case <-time.After(3 * time.Second):
		t.Fatal("never subscribed")
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("underlying db: %v", err)
	}
	sqlDB.Close()

	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("unsubscribe from the status callback never returned")
	}
}

func waitForListenerState(t *testing.T, l *Listener, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener state = %s, want %s", l.State(), want)
}

func TestListener_PollerFailureRunsRetryPath(t *testing.T) {
	db, _ := openPollerTestDB(t)
	p, err := NewPoller(PollerOpts{DB: db, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	l, err := NewListener(ListenerOpts{Subscriber: p, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.Start(ctx)
	waitForListenerState(t, l, StateSubscribed)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("underlying db: %v", err)
	}
	sqlDB.Close()

	// The poll-error streak drops the subscription; the drop must release
	// the poller and drive the retry path through to FAILED instead of
	// blocking inside the delivering goroutine.
	waitForListenerState(t, l, StateFailed)
}

func TestPoller_UnsubscribeEmitsClosed(t *testing.T) {
	db, _ := openPollerTestDB(t)
	ev, handle := subscribePoller(t, db)

	if err := handle.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitStatus(t, ev, StatusClosed)

	// Idempotent: a second unsubscribe must not block or error.
	if err := handle.Unsubscribe(); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
}
