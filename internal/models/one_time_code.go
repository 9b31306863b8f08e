package models

import "time"

type CodeChannel string

const (
	ChannelEmail CodeChannel = "email"
	ChannelSMS   CodeChannel = "sms"
)

// OneTimeCode is a single-use verification code tied to an account by
// email. The newest unused, unexpired row per (email, channel) is the
// one verification checks against; older rows are simply abandoned.
type OneTimeCode struct {
	ID        uint64      `json:"id" gorm:"primaryKey"`
	Email     string      `json:"email" gorm:"type:varchar(255);not null;index:idx_otc_email_channel"`
	Channel   CodeChannel `json:"channel" gorm:"type:varchar(10);not null;index:idx_otc_email_channel"`
	Code      string      `json:"-" gorm:"type:varchar(6);not null"`
	ExpiresAt time.Time   `json:"expiresAt" gorm:"not null"`
	Used      bool        `json:"used" gorm:"not null;default:false"`
	CreatedAt time.Time   `json:"createdAt" gorm:"not null;index"`
}

func (o *OneTimeCode) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
