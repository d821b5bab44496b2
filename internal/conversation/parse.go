package conversation

import (
	"errors"
	"regexp"
	"strconv"
	"time"
)

// Appointment input errors.
var (
	ErrBadFormat       = errors.New("conversation: expected DD.MM.YYYY HH:MM")
	ErrInvalidDate     = errors.New("conversation: not a valid calendar date")
	ErrPastAppointment = errors.New("conversation: appointment must be in the future")
)

var apptPattern = regexp.MustCompile(`^(\d{2})\.(\d{2})\.(\d{4}) (\d{2}):(\d{2})$`)

// ParseAppointment parses strict "DD.MM.YYYY HH:MM" input into an instant in
// now's location. time.Parse would silently normalize impossible dates like
// 31.02, so the components are round-tripped through time.Date and compared.
func ParseAppointment(input string, now time.Time) (time.Time, error) {
	m := apptPattern.FindStringSubmatch(input)
	if m == nil {
		return time.Time{}, ErrBadFormat
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, now.Location())
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day ||
		t.Hour() != hour || t.Minute() != minute {
		return time.Time{}, ErrInvalidDate
	}
	if !t.After(now) {
		return time.Time{}, ErrPastAppointment
	}
	return t, nil
}
