package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paymesh/backend/internal/cache"
)

type MFAMode string

const (
	ModeFirstActivation MFAMode = "first_activation"
	ModeRoutineMFA      MFAMode = "routine_mfa"
)

// MfaSession tracks one in-progress verification challenge. It lives only
// in the session cache and disappears on success, expiry, or attempt
// exhaustion. In routine mode only the SMS flag is meaningful.
type MfaSession struct {
	Token         string    `json:"token"`
	AccountID     uint64    `json:"accountId"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	EmailVerified bool      `json:"emailVerified"`
	SMSVerified   bool      `json:"smsVerified"`
	Mode          MFAMode   `json:"mode"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// MfaSessionStore keeps sessions under mfa:session:<token>. The attempt
// counter lives in a sibling key advanced only by atomic INCR, so two
// concurrent failures can never collapse into one.
type MfaSessionStore struct {
	cache       *cache.Cache
	ttl         time.Duration
	maxAttempts int
}

func NewMfaSessionStore(c *cache.Cache, ttl time.Duration, maxAttempts int) *MfaSessionStore {
	return &MfaSessionStore{cache: c, ttl: ttl, maxAttempts: maxAttempts}
}

func (s *MfaSessionStore) MaxAttempts() int {
	return s.maxAttempts
}

func sessionKey(token string) string {
	return "mfa:session:" + token
}

func attemptsKey(token string) string {
	return "mfa:attempts:" + token
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewSession seeds a session. The progress flags start from whatever the
// account has already proven, so a channel verified in an earlier session
// is never demanded twice.
type NewSession struct {
	AccountID     uint64
	Email         string
	Phone         string
	Mode          MFAMode
	EmailVerified bool
	SMSVerified   bool
}

func (s *MfaSessionStore) Create(ctx context.Context, in NewSession) (*MfaSession, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	sess := &MfaSession{
		Token:         token,
		AccountID:     in.AccountID,
		Email:         in.Email,
		Phone:         in.Phone,
		EmailVerified: in.EmailVerified,
		SMSVerified:   in.SMSVerified,
		Mode:          in.Mode,
		ExpiresAt:     time.Now().Add(s.ttl),
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("mfa session encode: %w", err)
	}
	if err := s.cache.Set(ctx, sessionKey(token), string(payload), s.ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns ErrSessionNotFound for missing and expired sessions alike;
// the caller never falls back to another identity source.
func (s *MfaSessionStore) Get(ctx context.Context, token string) (*MfaSession, error) {
	val, err := s.cache.Get(ctx, sessionKey(token))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess MfaSession
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("mfa session decode: %w", err)
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.Destroy(ctx, token)
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *MfaSessionStore) Attempts(ctx context.Context, token string) (int, error) {
	val, err := s.cache.Get(ctx, attemptsKey(token))
	if errors.Is(err, cache.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return 0, fmt.Errorf("mfa attempts decode: %w", err)
	}
	return n, nil
}

// RecordFailure bumps the attempt counter and reports the new total.
func (s *MfaSessionStore) RecordFailure(ctx context.Context, token string) (int, error) {
	key := attemptsKey(token)
	n, err := s.cache.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.cache.Expire(ctx, key, s.ttl); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// MarkChannelVerified flips one progress flag under optimistic locking,
// so simultaneous email and SMS verifications cannot drop each other's
// write. Returns the updated session.
func (s *MfaSessionStore) MarkChannelVerified(ctx context.Context, token string, smsChannel bool) (*MfaSession, error) {
	key := sessionKey(token)
	var updated MfaSession

	for i := 0; i < 3; i++ {
		err := s.cache.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			if err != nil {
				return err
			}

			var sess MfaSession
			if err := json.Unmarshal([]byte(val), &sess); err != nil {
				return fmt.Errorf("mfa session decode: %w", err)
			}

			remaining := time.Until(sess.ExpiresAt)
			if remaining <= 0 {
				return ErrSessionNotFound
			}

			if smsChannel {
				sess.SMSVerified = true
			} else {
				sess.EmailVerified = true
			}

			payload, err := json.Marshal(sess)
			if err != nil {
				return fmt.Errorf("mfa session encode: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, string(payload), remaining)
				return nil
			})
			if err == nil {
				updated = sess
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("mfa session update: retries exhausted")
}

// Destroy removes the session and its attempt counter together.
func (s *MfaSessionStore) Destroy(ctx context.Context, token string) error {
	return s.cache.Delete(ctx, sessionKey(token), attemptsKey(token))
}
