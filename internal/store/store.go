// Package store is the typed Request Store client for callback requests.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkraev/switchboard/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a request id does not exist.
var ErrNotFound = errors.New("store: request not found")

// Store provides typed accessors over the callback_requests table.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// CreateOpts holds the caller-supplied fields for a new request.
type CreateOpts struct {
	Name        string
	Phone       string
	ServiceType string
}

// Create inserts a new pending request. The store assigns the id and
// creation timestamp.
func (s *Store) Create(opts CreateOpts) (*models.CallbackRequest, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("store: name is required")
	}
	if opts.Phone == "" {
		return nil, fmt.Errorf("store: phone is required")
	}
	rec := models.CallbackRequest{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		Phone:       opts.Phone,
		ServiceType: opts.ServiceType,
		Status:      models.StatusPending,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("store: create request: %w", err)
	}
	return &rec, nil
}

// GetByID fetches a request by id. Returns ErrNotFound if it does not exist.
func (s *Store) GetByID(id string) (*models.CallbackRequest, error) {
	var rec models.CallbackRequest
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get request %s: %w", id, err)
	}
	return &rec, nil
}

// Sortable list fields, whitelisted to avoid interpolating raw input into SQL.
var sortFields = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"status":     "status",
	"name":       "name",
}

// ListOpts controls pagination, filtering, and ordering of List.
type ListOpts struct {
	Page     int    // 1-based; defaults to 1
	PageSize int    // defaults to 20
	Status   string // optional status filter
	SortBy   string // one of sortFields; defaults to created_at
	SortDesc bool
}

// List returns a page of requests and the total count matching the filter.
func (s *Store) List(opts ListOpts) ([]models.CallbackRequest, int64, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 20
	}
	col, ok := sortFields[opts.SortBy]
	if !ok {
		col = "created_at"
	}
	order := col
	if opts.SortDesc {
		order += " DESC"
	}

	q := s.db.Model(&models.CallbackRequest{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count requests: %w", err)
	}

	var recs []models.CallbackRequest
	err := q.Order(order).
		Offset((opts.Page - 1) * opts.PageSize).
		Limit(opts.PageSize).
		Find(&recs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("store: list requests: %w", err)
	}
	return recs, total, nil
}

// Update merges fields into the request and returns the updated record.
// The caller is responsible for stamping completed_at/completed_by when
// transitioning into completed.
func (s *Store) Update(id string, fields map[string]interface{}) (*models.CallbackRequest, error) {
	if len(fields) == 0 {
		return s.GetByID(id)
	}
	// Load first so a missing id is reported as ErrNotFound rather than a
	// silent zero-row update.
	if _, err := s.GetByID(id); err != nil {
		return nil, err
	}
	err := s.db.Model(&models.CallbackRequest{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		return nil, fmt.Errorf("store: update request %s: %w", id, err)
	}
	return s.GetByID(id)
}

// Delete removes a request by id. Returns ErrNotFound if it does not exist.
func (s *Store) Delete(id string) error {
	result := s.db.Delete(&models.CallbackRequest{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete request %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AggregateByStatus returns the number of requests per status created at or
// after since. A zero since counts everything.
func (s *Store) AggregateByStatus(since time.Time) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	q := s.db.Model(&models.CallbackRequest{}).
		Select("status, COUNT(*) AS n").
		Group("status")
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var rows []row
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: aggregate by status: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// SetChannelMessage persists the channel message identity for a request.
// The store is authoritative for this identity; in-memory caches are rebuilt
// from it after restart.
func (s *Store) SetChannelMessage(id, chatID, messageID string) error {
	_, err := s.Update(id, map[string]interface{}{
		"channel_chat_id":    chatID,
		"channel_message_id": messageID,
	})
	return err
}
