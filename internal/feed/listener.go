package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mkraev/switchboard/internal/models"
	"github.com/mkraev/switchboard/internal/sched"
)

// State is the listener's connection state.
type State string

const (
	StateIdle        State = "idle"
	StateSubscribing State = "subscribing"
	StateSubscribed  State = "subscribed"
	// StateFailed is entered after the retry budget is exhausted. Only a
	// manual Reconnect leaves it.
	StateFailed State = "failed"
)

// Class is the severity class of a subscription error.
type Class int

const (
	Recoverable Class = iota
	Critical
)

// criticalPatterns are error-text fragments that indicate a configuration or
// authorization problem the operator should hear about immediately.
var criticalPatterns = []string{
	"unable to connect to the project database",
	"permission",
	"unauthorized",
	"forbidden",
}

// Classify maps a channel error message to a severity class.
func Classify(msg string) Class {
	lower := strings.ToLower(msg)
	for _, p := range criticalPatterns {
		if strings.Contains(lower, p) {
			return Critical
		}
	}
	return Recoverable
}

// Backoff returns the retry delay for the given consecutive-failure count:
// min(1s * 2^attempt, 30s).
func Backoff(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Alerter receives operator-facing alerts about feed health. Implementations
// must be best-effort; they are called outside the listener's lock.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(ctx context.Context, text string)

// Alert calls f.
func (f AlerterFunc) Alert(ctx context.Context, text string) { f(ctx, text) }

// Default listener tuning.
const (
	DefaultMaxAttempts      = 5
	DefaultSubscribeTimeout = 15 * time.Second
	DefaultHealthInterval   = 5 * time.Minute
	DefaultStaleAfter       = 15 * time.Minute
	DefaultProbeTimeout     = 10 * time.Second
)

// ListenerOpts holds parameters for creating a Listener.
type ListenerOpts struct {
	Subscriber Subscriber
	Handlers   Handlers
	Alerter    Alerter         // optional
	Sched      sched.Scheduler // defaults to sched.Real()

	MaxAttempts      int           // defaults to DefaultMaxAttempts
	SubscribeTimeout time.Duration // defaults to DefaultSubscribeTimeout
	HealthInterval   time.Duration // defaults to DefaultHealthInterval
	StaleAfter       time.Duration // defaults to DefaultStaleAfter
	ProbeTimeout     time.Duration // defaults to DefaultProbeTimeout
}

// Listener owns the live subscription to request change events. It drives the
// state machine IDLE → SUBSCRIBING → SUBSCRIBED → {error} → SUBSCRIBING with
// exponential backoff, classifies failures for operator alerting, and enters
// FAILED once the retry budget is exhausted.
type Listener struct {
	sub     Subscriber
	userH   Handlers
	alerter Alerter
	clock   sched.Scheduler

	maxAttempts      int
	subscribeTimeout time.Duration
	healthInterval   time.Duration
	staleAfter       time.Duration
	probeTimeout     time.Duration

	ctx context.Context

	mu           sync.Mutex
	state        State
	attempt      int // consecutive failures since the last processed event
	gen          int // subscription generation; stale callbacks are discarded
	initializing bool
	closing      bool
	handle       Handle
	lastEvent    time.Time
	retryTimer   sched.Timer
	subTimer     sched.Timer
	healthTimer  sched.Timer
}

// NewListener creates a Listener.
func NewListener(opts ListenerOpts) (*Listener, error) {
	if opts.Subscriber == nil {
		return nil, fmt.Errorf("feed: listener: subscriber is required")
	}
	clock := opts.Sched
	if clock == nil {
		clock = sched.Real()
	}
	l := &Listener{
		sub:              opts.Subscriber,
		userH:            opts.Handlers,
		alerter:          opts.Alerter,
		clock:            clock,
		maxAttempts:      opts.MaxAttempts,
		subscribeTimeout: opts.SubscribeTimeout,
		healthInterval:   opts.HealthInterval,
		staleAfter:       opts.StaleAfter,
		probeTimeout:     opts.ProbeTimeout,
		state:            StateIdle,
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = DefaultMaxAttempts
	}
	if l.subscribeTimeout <= 0 {
		l.subscribeTimeout = DefaultSubscribeTimeout
	}
	if l.healthInterval <= 0 {
		l.healthInterval = DefaultHealthInterval
	}
	if l.staleAfter <= 0 {
		l.staleAfter = DefaultStaleAfter
	}
	if l.probeTimeout <= 0 {
		l.probeTimeout = DefaultProbeTimeout
	}
	return l, nil
}

// Start begins the first subscribe attempt. It returns immediately; failures
// feed the retry path.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	l.ctx = ctx
	l.mu.Unlock()
	l.subscribe()
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attempt returns the consecutive-failure count.
func (l *Listener) Attempt() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempt
}

// LastEventAt returns when the last change event was processed.
func (l *Listener) LastEventAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEvent
}

// Reconnect is the manual recovery command: it resets the failure count,
// tears down any live subscription and pending timers, and subscribes again.
// It is the only way out of FAILED.
func (l *Listener) Reconnect() {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	handle := l.teardownLocked()
	l.attempt = 0
	l.state = StateIdle
	l.mu.Unlock()

	if handle != nil {
		handle.Unsubscribe()
	}
	log.Printf("feed: manual reconnect requested")
	l.subscribe()
}

// Stop shuts the listener down: all pending timers are cancelled before the
// subscription handle is released, so a late timer cannot race the shutdown.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.closing = true
	handle := l.teardownLocked()
	l.state = StateIdle
	l.mu.Unlock()

	if handle != nil {
		handle.Unsubscribe()
	}
}

// teardownLocked cancels timers, bumps the generation, and detaches the
// handle. The caller must unsubscribe the returned handle outside the lock:
// subscriber implementations may block unsubscription on a goroutine that is
// delivering a status callback into this listener.
func (l *Listener) teardownLocked() Handle {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	if l.subTimer != nil {
		l.subTimer.Stop()
		l.subTimer = nil
	}
	if l.healthTimer != nil {
		l.healthTimer.Stop()
		l.healthTimer = nil
	}
	handle := l.handle
	l.handle = nil
	l.gen++
	return handle
}

// subscribe starts one subscribe attempt. A request to subscribe while an
// attempt is already in flight is a no-op.
func (l *Listener) subscribe() {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	if l.initializing {
		log.Printf("feed: subscribe already in flight, ignoring")
		l.mu.Unlock()
		return
	}
	l.initializing = true
	l.state = StateSubscribing
	gen := l.gen
	ctx := l.ctx
	l.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	handle, err := l.sub.Subscribe(ctx, l.wrapHandlers(), func(st Status) {
		l.onStatus(gen, st)
	})

	l.mu.Lock()
	l.initializing = false
	if l.closing || gen != l.gen {
		l.mu.Unlock()
		if handle != nil {
			handle.Unsubscribe()
		}
		return
	}
	if err != nil {
		l.mu.Unlock()
		l.drop(gen, StatusChannelError, err)
		return
	}
	l.handle = handle
	// The confirmation may have been delivered synchronously during
	// Subscribe; only arm the timeout while it is still outstanding.
	if l.state != StateSubscribed {
		l.subTimer = l.clock.AfterFunc(l.subscribeTimeout, func() {
			l.drop(gen, StatusTimedOut, errors.New("subscribe confirmation timed out"))
		})
	}
	l.mu.Unlock()
}

// wrapHandlers decorates the user handlers so that every processed event
// resets the failure counter: receiving data is the real signal of health.
func (l *Listener) wrapHandlers() Handlers {
	h := l.userH
	return Handlers{
		OnInsert: func(rec models.CallbackRequest) {
			l.noteEvent()
			if h.OnInsert != nil {
				h.OnInsert(rec)
			}
		},
		OnUpdate: func(rec models.CallbackRequest) {
			l.noteEvent()
			if h.OnUpdate != nil {
				h.OnUpdate(rec)
			}
		},
		OnDelete: func(id string) {
			l.noteEvent()
			if h.OnDelete != nil {
				h.OnDelete(id)
			}
		},
	}
}

// noteEvent records a successfully processed event.
func (l *Listener) noteEvent() {
	l.mu.Lock()
	l.lastEvent = l.clock.Now()
	l.attempt = 0
	l.mu.Unlock()
}

// onStatus handles a subscription lifecycle callback for generation gen.
func (l *Listener) onStatus(gen int, st Status) {
	l.mu.Lock()
	if l.closing || gen != l.gen {
		l.mu.Unlock()
		return
	}
	switch st.Code {
	case StatusSubscribed:
		if l.subTimer != nil {
			l.subTimer.Stop()
			l.subTimer = nil
		}
		l.state = StateSubscribed
		l.lastEvent = l.clock.Now()
		l.armHealthLocked(gen)
		l.mu.Unlock()
		log.Printf("feed: subscribed")
	case StatusChannelError, StatusTimedOut, StatusClosed:
		l.mu.Unlock()
		l.drop(gen, st.Code, st.Err)
	default:
		l.mu.Unlock()
	}
}

// drop handles a lost subscription: classify, maybe alert, schedule a retry
// with backoff, or give up into FAILED once the budget is spent.
func (l *Listener) drop(gen int, code StatusCode, err error) {
	l.mu.Lock()
	if l.closing || gen != l.gen {
		l.mu.Unlock()
		return
	}
	handle := l.teardownLocked()
	attempt := l.attempt
	alertMsg := alertText(code, attempt, err)

	if attempt >= l.maxAttempts {
		l.state = StateFailed
		l.mu.Unlock()
		if handle != nil {
			handle.Unsubscribe()
		}
		log.Printf("feed: retry budget exhausted after %d attempts (%s)", attempt, code)
		l.alert(fmt.Sprintf("Change feed is down after %d failed reconnect attempts. Send \"!swb reconnect\" to retry.", attempt))
		return
	}

	delay := Backoff(attempt)
	l.attempt = attempt + 1
	l.state = StateSubscribing
	retryGen := l.gen
	l.retryTimer = l.clock.AfterFunc(delay, func() {
		l.retryFire(retryGen)
	})
	l.mu.Unlock()

	if handle != nil {
		handle.Unsubscribe()
	}
	log.Printf("feed: subscription dropped (%s, attempt %d), retrying in %s", code, attempt, delay)
	if alertMsg != "" {
		l.alert(alertMsg)
	}
}

// retryFire runs a scheduled retry if its generation is still current.
func (l *Listener) retryFire(gen int) {
	l.mu.Lock()
	if l.closing || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.retryTimer = nil
	l.mu.Unlock()
	l.subscribe()
}

// alertText decides whether a drop warrants an operator alert, per the
// classification table: critical errors always alert; plain channel errors
// alert from the third consecutive failure; timeouts from the second;
// closes never (expected churn).
func alertText(code StatusCode, attempt int, err error) string {
	switch code {
	case StatusClosed:
		return ""
	case StatusTimedOut:
		if attempt >= 1 {
			return "Change feed connection keeps timing out; retrying with backoff."
		}
		return ""
	case StatusChannelError:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if Classify(msg) == Critical {
			return "Change feed critical error: " + msg
		}
		if attempt >= 2 {
			return "Change feed error (retrying): " + msg
		}
		return ""
	}
	return ""
}

// armHealthLocked schedules the next health check. Caller holds l.mu.
func (l *Listener) armHealthLocked(gen int) {
	if l.healthTimer != nil {
		l.healthTimer.Stop()
	}
	l.healthTimer = l.clock.AfterFunc(l.healthInterval, func() {
		l.healthCheck(gen)
	})
}

// healthCheck verifies a nominally live subscription is actually delivering.
// If no event has been seen for longer than staleAfter, it opens a throwaway
// probe subscription; a failed probe forces the normal reconnect path.
func (l *Listener) healthCheck(gen int) {
	l.mu.Lock()
	if l.closing || gen != l.gen || l.state != StateSubscribed {
		l.mu.Unlock()
		return
	}
	stale := l.clock.Now().Sub(l.lastEvent) > l.staleAfter
	if !stale {
		l.armHealthLocked(gen)
		l.mu.Unlock()
		return
	}
	ctx := l.ctx
	l.mu.Unlock()

	log.Printf("feed: no events for over %s, probing", l.staleAfter)
	if l.probe(ctx) {
		l.mu.Lock()
		if !l.closing && gen == l.gen && l.state == StateSubscribed {
			l.armHealthLocked(gen)
		}
		l.mu.Unlock()
		return
	}
	l.drop(gen, StatusTimedOut, errors.New("health probe failed"))
}

// probe opens a throwaway subscription and waits up to probeTimeout for its
// SUBSCRIBED confirmation.
func (l *Listener) probe(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	confirmed := make(chan struct{}, 1)
	handle, err := l.sub.Subscribe(ctx, Handlers{}, func(st Status) {
		if st.Code == StatusSubscribed {
			select {
			case confirmed <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return false
	}
	defer handle.Unsubscribe()

	timedOut := make(chan struct{})
	t := l.clock.AfterFunc(l.probeTimeout, func() { close(timedOut) })
	defer t.Stop()

	select {
	case <-confirmed:
		return true
	case <-timedOut:
		return false
	case <-ctx.Done():
		return false
	}
}

// alert delivers an operator alert, best-effort.
func (l *Listener) alert(text string) {
	if l.alerter == nil {
		return
	}
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	l.alerter.Alert(ctx, text)
}
