package services

import (
	"errors"
	"fmt"
	"time"
)

// Business-rule failures carry a fixed meaning from the point of
// detection to the HTTP boundary; handlers map them to statuses once
// and never downgrade them to a generic 500.
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrPhoneTaken         = errors.New("phone already registered")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrUnprocessableState = errors.New("account flags are in an inconsistent state")
	ErrNotificationFailed = errors.New("notification channel unavailable")
	ErrInvalidOTP         = errors.New("invalid or expired code")
	ErrSessionNotFound    = errors.New("verification session not found or expired")
	ErrTooManyAttempts    = errors.New("too many failed verification attempts")
	ErrInvalidChannel     = errors.New("channel not accepted for this verification")
	ErrPublicIDExhausted  = errors.New("public id allocation exhausted retries")
)

// CooldownError tells the caller how long to wait before another code
// can be issued for the same email and channel.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	secs := int((e.Wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("please wait %d seconds before requesting another code", secs)
}
