package models

import "time"

// Callback request lifecycle statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusContacted  = "contacted"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// CallbackRequest is the core record tracked by Switchboard: a customer asking
// to be called back about a service. Operators claim, schedule, and complete
// requests through the chat channel; the record is the source of truth and the
// channel message is a best-effort mirror of it.
type CallbackRequest struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:128;not null"`
	Phone       string `gorm:"size:32;not null"`
	ServiceType string `gorm:"size:64"`
	Status      string `gorm:"size:16;default:pending;index"`

	// Assignment fields, set when an operator claims the request. Last write wins.
	AssignedTo     string `gorm:"size:64"`
	AssignedUserID string `gorm:"size:64;index"`

	// Collected by the conversation engine during info collection.
	Address             string `gorm:"size:256"`
	DetailedServiceType string `gorm:"size:128"`
	ProblemDescription  string `gorm:"type:text"`

	// Identity of the notification message mirroring this record in the chat
	// channel. Set once on first notify, read on every subsequent update so
	// the message is edited in place rather than re-sent.
	ChannelChatID    string `gorm:"size:64"`
	ChannelMessageID string `gorm:"size:64"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	CompletedBy string `gorm:"size:64"`
}

// IsTerminal reports whether a status is a closed end state.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// KnownStatus reports whether s is one of the defined lifecycle statuses.
func KnownStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusContacted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// StatusLabel returns a human-friendly label for a status.
func StatusLabel(status string) string {
	switch status {
	case StatusPending:
		return "New"
	case StatusContacted:
		return "Contacted"
	case StatusInProgress:
		return "In progress"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return status
	}
}
