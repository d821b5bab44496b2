// Package actions parses inbound interactive-button payloads and routes them
// to record and conversation transitions.
package actions

import (
	"errors"
	"fmt"
	"strings"
)

// Verb is the closed set of operations a button can carry. Payloads are
// parsed into a Verb at the boundary and dispatched on it thereafter.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbContacted
	VerbCancel
	VerbSchedule
	VerbSchedulePending
	VerbComplete
)

// String returns the wire prefix for the verb.
func (v Verb) String() string {
	switch v {
	case VerbContacted:
		return "contacted"
	case VerbCancel:
		return "cancel"
	case VerbSchedule:
		return "schedule"
	case VerbSchedulePending:
		return "schedule_pending"
	case VerbComplete:
		return "complete"
	}
	return "unknown"
}

// Action is a parsed button payload.
type Action struct {
	Verb     Verb
	RecordID string
}

// ErrUnknownAction is returned for payloads with no recognized verb.
var ErrUnknownAction = errors.New("actions: unknown action")

// Parse splits a "{verb}_{recordID}" payload. The one irregular compound verb
// "schedule_pending" is matched before the plain underscore split.
func Parse(payload string) (Action, error) {
	if id, ok := strings.CutPrefix(payload, "schedule_pending_"); ok && id != "" {
		return Action{Verb: VerbSchedulePending, RecordID: id}, nil
	}

	verb, id, ok := strings.Cut(payload, "_")
	if !ok || id == "" {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, payload)
	}
	switch verb {
	case "contacted":
		return Action{Verb: VerbContacted, RecordID: id}, nil
	case "cancel":
		return Action{Verb: VerbCancel, RecordID: id}, nil
	case "schedule":
		return Action{Verb: VerbSchedule, RecordID: id}, nil
	case "complete":
		return Action{Verb: VerbComplete, RecordID: id}, nil
	}
	return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, payload)
}
