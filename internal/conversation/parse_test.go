package conversation

import (
	"errors"
	"testing"
	"time"
)

var parseNow = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

func TestParseAppointment_Valid(t *testing.T) {
	got, err := ParseAppointment("25.12.2030 14:30", parseNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2030, 12, 25, 14, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parsed = %v, want %v", got, want)
	}
}

func TestParseAppointment_BadFormat(t *testing.T) {
	inputs := []string{
		"",
		"tomorrow at noon",
		"25.12.2030",          // missing time
		"25/12/2030 14:30",    // wrong separators
		"2030-12-25 14:30",    // ISO order
		"5.12.2030 14:30",     // day not zero-padded
		"25.12.2030 14:30:00", // trailing seconds
		" 25.12.2030 14:30",   // leading space
		"25.12.2030 1430",     // missing colon
	}
	for _, in := range inputs {
		_, err := ParseAppointment(in, parseNow)
		if !errors.Is(err, ErrBadFormat) {
			t.Errorf("ParseAppointment(%q) error = %v, want ErrBadFormat", in, err)
		}
	}
}

func TestParseAppointment_ImpossibleDate(t *testing.T) {
	// time.Parse would normalize these; the round-trip check must reject them.
	inputs := []string{
		"31.02.2030 10:00", // February 31st
		"32.01.2030 10:00", // day 32
		"10.13.2030 10:00", // month 13
		"00.01.2030 10:00", // day zero
		"15.00.2030 10:00", // month zero
		"15.06.2030 24:00", // hour 24
		"15.06.2030 10:60", // minute 60
	}
	for _, in := range inputs {
		_, err := ParseAppointment(in, parseNow)
		if !errors.Is(err, ErrInvalidDate) {
			t.Errorf("ParseAppointment(%q) error = %v, want ErrInvalidDate", in, err)
		}
	}
}

func TestParseAppointment_Past(t *testing.T) {
	_, err := ParseAppointment("01.01.2020 10:00", parseNow)
	if !errors.Is(err, ErrPastAppointment) {
		t.Errorf("error = %v, want ErrPastAppointment", err)
	}

	// Exactly now is also rejected.
	_, err = ParseAppointment("29.08.2026 10:00", parseNow)
	if !errors.Is(err, ErrPastAppointment) {
		t.Errorf("error for now-instant = %v, want ErrPastAppointment", err)
	}
}

func TestParseAppointment_UsesNowLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, loc)
	got, err := ParseAppointment("30.08.2026 09:15", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Location() != loc {
		t.Errorf("location = %v, want %v", got.Location(), loc)
	}
}
