package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// FingerprintRepository tracks template slots enrolled on the sensor
type FingerprintRepository struct {
	db *gorm.DB
}

// NewFingerprintRepository creates a new repository instance
func NewFingerprintRepository(db *gorm.DB) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

// RecordTemplate upserts an enrolled template slot
func (r *FingerprintRepository) RecordTemplate(id uint16) error {
	if id == 0 {
		return fmt.Errorf("template id cannot be zero")
	}
	return r.db.Save(&FingerprintTemplate{
		TemplateID: id,
		Label:      fmt.Sprintf("finger %d", id),
		EnrolledAt: time.Now(),
	}).Error
}

// List returns every template ordered by id
func (r *FingerprintRepository) List() ([]FingerprintTemplate, error) {
	var templates []FingerprintTemplate
	err := r.db.Order("template_id ASC").Find(&templates).Error
	return templates, err
}

// Count returns the number of stored templates
func (r *FingerprintRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&FingerprintTemplate{}).Count(&count).Error
	return count, err
}

// FaceUserRepository tracks users enrolled on the face unit
type FaceUserRepository struct {
	db *gorm.DB
}

// NewFaceUserRepository creates a new repository instance
func NewFaceUserRepository(db *gorm.DB) *FaceUserRepository {
	return &FaceUserRepository{db: db}
}

// RecordFaceUser upserts an enrolled face user
func (r *FaceUserRepository) RecordFaceUser(id uint16, name string) error {
	return r.db.Save(&FaceUser{UserID: id, Name: name, EnrolledAt: time.Now()}).Error
}

// GetByID finds a face user by the unit's user id
func (r *FaceUserRepository) GetByID(id uint16) (*FaceUser, error) {
	var user FaceUser
	if err := r.db.Where("user_id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// List returns every face user ordered by id
func (r *FaceUserRepository) List() ([]FaceUser, error) {
	var users []FaceUser
	err := r.db.Order("user_id ASC").Find(&users).Error
	return users, err
}

// CardRepository holds the authorized NFC cards
type CardRepository struct {
	db *gorm.DB
}

// NewCardRepository creates a new repository instance
func NewCardRepository(db *gorm.DB) *CardRepository {
	return &CardRepository{db: db}
}

// CardAuthorized reports whether uid is in the table
func (r *CardRepository) CardAuthorized(uid string) (bool, error) {
	var count int64
	err := r.db.Model(&Card{}).Where("uid = ?", uid).Count(&count).Error
	return count > 0, err
}

// Upsert creates or updates a single card
func (r *CardRepository) Upsert(card *Card) error {
	if card == nil {
		return fmt.Errorf("card cannot be nil")
	}
	card.SanitizeFields()
	if !card.IsValid() {
		return fmt.Errorf("card is not valid: uid=%s", card.UID)
	}
	card.UpdatedAt = time.Now()
	return r.db.Save(card).Error
}

// UpsertBatch creates or updates cards in one transaction. Invalid
// entries are skipped; the number stored is returned.
func (r *CardRepository) UpsertBatch(cards []Card) (int, error) {
	valid := make([]Card, 0, len(cards))
	for _, card := range cards {
		card.SanitizeFields()
		if card.IsValid() {
			card.UpdatedAt = time.Now()
			valid = append(valid, card)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		for i := range valid {
			if err := tx.Save(&valid[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("batch upsert failed: %w", err)
	}
	return len(valid), nil
}

// Delete removes a card
func (r *CardRepository) Delete(uid string) error {
	return r.db.Where("uid = ?", uid).Delete(&Card{}).Error
}

// List returns every card ordered by uid
func (r *CardRepository) List() ([]Card, error) {
	var cards []Card
	err := r.db.Order("uid ASC").Find(&cards).Error
	return cards, err
}

// Count returns the number of authorized cards
func (r *CardRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&Card{}).Count(&count).Error
	return count, err
}
