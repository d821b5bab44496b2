package actions

import (
	"errors"
	"testing"
)

func TestParse_KnownVerbs(t *testing.T) {
	tests := []struct {
		payload string
		verb    Verb
		id      string
	}{
		{"contacted_abc-123", VerbContacted, "abc-123"},
		{"cancel_abc-123", VerbCancel, "abc-123"},
		{"schedule_abc-123", VerbSchedule, "abc-123"},
		{"complete_abc-123", VerbComplete, "abc-123"},
		{"schedule_pending_abc-123", VerbSchedulePending, "abc-123"},
	}

	for _, tt := range tests {
		act, err := Parse(tt.payload)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tt.payload, err)
			continue
		}
		if act.Verb != tt.verb {
			t.Errorf("Parse(%q) verb = %v, want %v", tt.payload, act.Verb, tt.verb)
		}
		if act.RecordID != tt.id {
			t.Errorf("Parse(%q) record = %q, want %q", tt.payload, act.RecordID, tt.id)
		}
	}
}

func TestParse_RecordIDWithUnderscores(t *testing.T) {
	// Record IDs may contain underscores; only the first separator counts.
	act, err := Parse("contacted_id_with_underscores")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if act.RecordID != "id_with_underscores" {
		t.Errorf("record = %q, want %q", act.RecordID, "id_with_underscores")
	}
}

func TestParse_Unknown(t *testing.T) {
	for _, payload := range []string{"", "nonsense", "reopen_abc", "contacted_", "_abc"} {
		_, err := Parse(payload)
		if !errors.Is(err, ErrUnknownAction) {
			t.Errorf("Parse(%q) error = %v, want ErrUnknownAction", payload, err)
		}
	}
}

func TestVerbString(t *testing.T) {
	if got := VerbSchedulePending.String(); got != "schedule_pending" {
		t.Errorf("String() = %q, want %q", got, "schedule_pending")
	}
	if got := VerbUnknown.String(); got != "unknown" {
		t.Errorf("String() = %q, want %q", got, "unknown")
	}
}
