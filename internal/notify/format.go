package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/mkraev/switchboard/internal/models"
)

// FormatNew renders the "new request" message posted to the operator channel.
func FormatNew(rec *models.CallbackRequest) string {
	var b strings.Builder
	b.WriteString("📞 New callback request\n")
	fmt.Fprintf(&b, "Name: %s\n", rec.Name)
	fmt.Fprintf(&b, "Phone: %s\n", rec.Phone)
	if rec.ServiceType != "" {
		fmt.Fprintf(&b, "Service: %s\n", rec.ServiceType)
	}
	fmt.Fprintf(&b, "Status: %s", models.StatusLabel(rec.Status))
	return b.String()
}

// FormatStatus renders the edited body of a request message after a status
// change. statusText is a short human line describing what happened.
func FormatStatus(rec *models.CallbackRequest, statusText string) string {
	var b strings.Builder
	b.WriteString("📞 Callback request\n")
	fmt.Fprintf(&b, "Name: %s\n", rec.Name)
	fmt.Fprintf(&b, "Phone: %s\n", rec.Phone)
	if rec.ServiceType != "" {
		fmt.Fprintf(&b, "Service: %s\n", rec.ServiceType)
	}
	if rec.AssignedTo != "" {
		fmt.Fprintf(&b, "Assigned: %s\n", rec.AssignedTo)
	}
	fmt.Fprintf(&b, "Status: %s", models.StatusLabel(rec.Status))
	if statusText != "" {
		b.WriteString("\n")
		b.WriteString(statusText)
	}
	return b.String()
}

// FormatDetails renders the collected-info card sent to the claiming operator
// once all collection steps are done.
func FormatDetails(rec *models.CallbackRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request details for %s (%s)\n", rec.Name, rec.Phone)
	fmt.Fprintf(&b, "Address: %s\n", rec.Address)
	fmt.Fprintf(&b, "Service: %s\n", rec.DetailedServiceType)
	fmt.Fprintf(&b, "Problem: %s", rec.ProblemDescription)
	return b.String()
}

// FormatReminder renders the pre-appointment reminder sent to an operator.
func FormatReminder(name, phone, address string, when time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ Upcoming visit at %s\n", when.Format("02.01.2006 15:04"))
	fmt.Fprintf(&b, "Client: %s, %s", name, phone)
	if address != "" {
		fmt.Fprintf(&b, "\nAddress: %s", address)
	}
	return b.String()
}

// FormatDigest renders the daily stats digest. Returns "" when there was no
// activity, which suppresses the digest.
func FormatDigest(counts map[string]int64) string {
	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary — %d request(s)\n", total)
	for _, status := range []string{
		models.StatusPending,
		models.StatusContacted,
		models.StatusInProgress,
		models.StatusCompleted,
		models.StatusCancelled,
	} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(&b, "%s: %d\n", models.StatusLabel(status), n)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
