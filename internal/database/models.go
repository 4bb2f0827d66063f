package database

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPasscode   = "12345678"
	MinPasscodeLength = 4
	MaxPasscodeLength = 16
)

// Passcode is the keypad and radio passcode. Only one row is kept.
type Passcode struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	Code      string    `gorm:"size:16;not null" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Passcode) TableName() string {
	return "passcodes"
}

// ValidatePasscode checks length and that every character is a digit.
func ValidatePasscode(code string) error {
	if len(code) < MinPasscodeLength || len(code) > MaxPasscodeLength {
		return fmt.Errorf("passcode must be %d-%d digits, got %d", MinPasscodeLength, MaxPasscodeLength, len(code))
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return fmt.Errorf("passcode must be digits only")
		}
	}
	return nil
}

// FingerprintTemplate is a template slot enrolled on the sensor.
type FingerprintTemplate struct {
	TemplateID uint16    `gorm:"primarykey;autoIncrement:false" json:"template_id"`
	Label      string    `gorm:"size:50" json:"label"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// TableName specifies the table name for GORM
func (FingerprintTemplate) TableName() string {
	return "fingerprint_templates"
}

// FaceUser is a user enrolled on the face unit.
type FaceUser struct {
	UserID     uint16    `gorm:"primarykey;autoIncrement:false" json:"user_id"`
	Name       string    `gorm:"size:32" json:"name"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// TableName specifies the table name for GORM
func (FaceUser) TableName() string {
	return "face_users"
}

// Card is an authorized NFC card.
type Card struct {
	UID       string    `gorm:"primarykey;size:20" json:"uid"`
	Label     string    `gorm:"size:50" json:"label"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Card) TableName() string {
	return "cards"
}

// IsValid checks if the card has a plausible UID (4 to 10 bytes of hex)
func (c Card) IsValid() bool {
	if len(c.UID) < 8 || len(c.UID) > 20 || len(c.UID)%2 != 0 {
		return false
	}
	for _, r := range c.UID {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return false
		}
	}
	return true
}

// SanitizeFields cleans up the card fields
func (c *Card) SanitizeFields() {
	c.UID = strings.ToUpper(strings.TrimSpace(c.UID))
	c.Label = strings.TrimSpace(c.Label)
}

// AccessEvent is one granted or denied attempt.
type AccessEvent struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Source     string    `gorm:"index;size:20" json:"source"`
	Credential string    `gorm:"size:50" json:"credential"`
	Outcome    string    `gorm:"index;size:10" json:"outcome"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for GORM
func (AccessEvent) TableName() string {
	return "access_events"
}

// String returns a formatted string representation
func (e AccessEvent) String() string {
	s := fmt.Sprintf("%s %s via %s", e.CreatedAt.Format(time.RFC3339), e.Outcome, e.Source)
	if e.Credential != "" {
		s += fmt.Sprintf(" (%s)", e.Credential)
	}
	return s
}
