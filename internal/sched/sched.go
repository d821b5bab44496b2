// Package sched provides a cancellable one-shot timer abstraction with an
// injectable clock, so components that arm deferred work (reminders, reconnect
// backoff) can be driven by a virtual clock in tests.
package sched

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Timer is a cancellable armed task. Stop reports whether the call prevented
// the task from firing.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot deferred tasks against its clock.
type Scheduler interface {
	Clock
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real returns a Scheduler backed by the wall clock and time.AfterFunc.
func Real() Scheduler {
	return realScheduler{}
}

type realScheduler struct{}

func (realScheduler) Now() time.Time { return time.Now() }

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
