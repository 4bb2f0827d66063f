package database

import (
	"time"

	"gorm.io/gorm"
)

// AccessEventRepository is the append-only access log
type AccessEventRepository struct {
	db *gorm.DB
}

// NewAccessEventRepository creates a new repository instance
func NewAccessEventRepository(db *gorm.DB) *AccessEventRepository {
	return &AccessEventRepository{db: db}
}

// RecordAccess appends one event
func (r *AccessEventRepository) RecordAccess(source, credential, outcome string) error {
	return r.db.Create(&AccessEvent{
		Source:     source,
		Credential: credential,
		Outcome:    outcome,
		CreatedAt:  time.Now(),
	}).Error
}

// Recent returns the newest events first
func (r *AccessEventRepository) Recent(limit int) ([]AccessEvent, error) {
	var events []AccessEvent
	err := r.db.Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error
	return events, err
}

// Count returns the number of stored events
func (r *AccessEventRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&AccessEvent{}).Count(&count).Error
	return count, err
}

// DeleteBefore removes events older than cutoff and returns how many went
func (r *AccessEventRepository) DeleteBefore(cutoff time.Time) (int64, error) {
	result := r.db.Where("created_at < ?", cutoff).Delete(&AccessEvent{})
	return result.RowsAffected, result.Error
}
