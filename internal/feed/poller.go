package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkraev/switchboard/internal/models"
	"gorm.io/gorm"
)

// Default poller tuning.
const (
	DefaultPollInterval = 5 * time.Second
	// maxConsecutiveErrs is how many polls may fail in a row before the
	// subscription reports CHANNEL_ERROR and shuts down.
	maxConsecutiveErrs = 3
)

// Poller is a Subscriber backed by polling the request table through GORM and
// diffing an in-memory snapshot into insert/update/delete events. The first
// poll seeds the baseline without emitting events, then the subscription
// reports SUBSCRIBED.
type Poller struct {
	db       *gorm.DB
	interval time.Duration
}

// PollerOpts holds parameters for creating a Poller.
type PollerOpts struct {
	DB           *gorm.DB
	PollInterval time.Duration // defaults to DefaultPollInterval
}

// NewPoller creates a Poller.
func NewPoller(opts PollerOpts) (*Poller, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("feed: poller: db is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{db: opts.DB, interval: interval}, nil
}

// recSnapshot holds the last-known state of a request for change detection.
type recSnapshot struct {
	Status    string
	UpdatedAt time.Time
}

// pollerHandle is the live subscription returned by Subscribe.
type pollerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Unsubscribe stops the polling loop. Idempotent.
func (h *pollerHandle) Unsubscribe() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	<-h.done
	return nil
}

// Subscribe starts the polling loop. Events are delivered from a single
// goroutine in the order changes are observed.
func (p *Poller) Subscribe(ctx context.Context, h Handlers, status StatusFunc) (Handle, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	handle := &pollerHandle{cancel: cancel, done: make(chan struct{})}

	emit := func(s Status) {
		if status != nil {
			status(s)
		}
	}

	// terminal reports the final status of the subscription. The done channel
	// is closed first: the status callback may react by calling Unsubscribe
	// on this very goroutine, and Unsubscribe must not wait for a join that
	// can only happen after the callback returns.
	terminal := func(s Status) {
		close(handle.done)
		emit(s)
	}

	go func() {
		snapshot := make(map[string]recSnapshot)

		// Seed the baseline before reporting SUBSCRIBED, so startup does not
		// produce a burst of false inserts.
		if err := p.poll(snapshot, Handlers{}, true); err != nil {
			terminal(Status{Code: StatusChannelError, Err: err})
			return
		}
		emit(Status{Code: StatusSubscribed})

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		errStreak := 0
		for {
			select {
			case <-loopCtx.Done():
				terminal(Status{Code: StatusClosed})
				return
			case <-ticker.C:
				if err := p.poll(snapshot, h, false); err != nil {
					errStreak++
					if errStreak >= maxConsecutiveErrs {
						terminal(Status{Code: StatusChannelError, Err: err})
						return
					}
					continue
				}
				errStreak = 0
			}
		}
	}()

	return handle, nil
}

// poll runs one detection cycle against the snapshot. When seeding, the
// snapshot is populated without invoking handlers.
func (p *Poller) poll(snapshot map[string]recSnapshot, h Handlers, seeding bool) error {
	var recs []models.CallbackRequest
	if err := p.db.Find(&recs).Error; err != nil {
		return fmt.Errorf("feed: poller: query requests: %w", err)
	}

	current := make(map[string]bool, len(recs))
	for _, r := range recs {
		current[r.ID] = true
		old, exists := snapshot[r.ID]
		snapshot[r.ID] = recSnapshot{Status: r.Status, UpdatedAt: r.UpdatedAt}

		if seeding {
			continue
		}
		if !exists {
			if h.OnInsert != nil {
				h.OnInsert(r)
			}
			continue
		}
		if old.Status != r.Status || !old.UpdatedAt.Equal(r.UpdatedAt) {
			if h.OnUpdate != nil {
				h.OnUpdate(r)
			}
		}
	}

	for id := range snapshot {
		if !current[id] {
			delete(snapshot, id)
			if !seeding && h.OnDelete != nil {
				h.OnDelete(id)
			}
		}
	}
	return nil
}
