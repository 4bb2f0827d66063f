package database

import (
	"crypto/subtle"
	"errors"
	"time"

	"gorm.io/gorm"
)

// PasscodeRepository stores the single door passcode
type PasscodeRepository struct {
	db *gorm.DB
}

// NewPasscodeRepository creates a new repository instance
func NewPasscodeRepository(db *gorm.DB) *PasscodeRepository {
	return &PasscodeRepository{db: db}
}

// Get returns the stored passcode
func (r *PasscodeRepository) Get() (*Passcode, error) {
	var p Passcode
	if err := r.db.Order("id ASC").First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureDefault stores code if the table is empty
func (r *PasscodeRepository) EnsureDefault(code string) error {
	if err := ValidatePasscode(code); err != nil {
		return err
	}
	_, err := r.Get()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(&Passcode{Code: code, UpdatedAt: time.Now()}).Error
	}
	return err
}

// CheckPasscode reports whether code matches the stored passcode
func (r *PasscodeRepository) CheckPasscode(code string) (bool, error) {
	p, err := r.Get()
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(p.Code), []byte(code)) == 1, nil
}

// SetPasscode replaces the stored passcode
func (r *PasscodeRepository) SetPasscode(code string) error {
	if err := ValidatePasscode(code); err != nil {
		return err
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		var p Passcode
		err := tx.Order("id ASC").First(&p).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		p.Code = code
		p.UpdatedAt = time.Now()
		return tx.Save(&p).Error
	})
}
