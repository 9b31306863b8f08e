package models

import (
	"strings"
	"time"
)

type AccountRole string

const (
	AccountRoleAdmin    AccountRole = "admin"
	AccountRoleMerchant AccountRole = "merchant"
)

// Account is a merchant or administrator identity. Rows are never
// deleted; an account leaves service by clearing Active.
type Account struct {
	ID            uint64                 `json:"id" gorm:"primaryKey"`
	PublicID      string                 `json:"publicId" gorm:"type:varchar(8);uniqueIndex;not null"`
	Name          string                 `json:"name" gorm:"type:varchar(100);not null"`
	Email         string                 `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Phone         string                 `json:"phone" gorm:"type:varchar(20);uniqueIndex;not null"`
	PasswordHash  string                 `json:"-" gorm:"type:text;not null"`
	Active        bool                   `json:"active" gorm:"not null;default:false"`
	EmailVerified bool                   `json:"emailVerified" gorm:"not null;default:false"`
	PhoneVerified bool                   `json:"phoneVerified" gorm:"not null;default:false"`
	MFAEnabled    bool                   `json:"mfaEnabled" gorm:"not null;default:false"`
	Role          AccountRole            `json:"role" gorm:"type:varchar(20);not null;default:'merchant'"`
	Region        string                 `json:"region,omitempty" gorm:"type:varchar(100)"`
	Profile       map[string]interface{} `json:"profile,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// FullyVerified reports whether both contact channels have been proven.
func (a *Account) FullyVerified() bool {
	return a.EmailVerified && a.PhoneVerified
}

// MaskedPhone hides all but the last four digits for responses that
// tell the caller where a code was sent.
func (a *Account) MaskedPhone() string {
	if len(a.Phone) <= 4 {
		return a.Phone
	}
	return strings.Repeat("*", len(a.Phone)-4) + a.Phone[len(a.Phone)-4:]
}
