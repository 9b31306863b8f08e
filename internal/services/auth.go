package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/paymesh/backend/internal/config"
	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/notify"
	"github.com/paymesh/backend/pkg/logger"
	"github.com/paymesh/backend/pkg/utils"
)

// AuthService owns every account state transition: sign-up, the two
// sign-in modes, code issuance and verification, activation, and
// password reset. Account state is derived from the four flags; it is
// never stored explicitly.
type AuthService struct {
	DB       *gorm.DB
	Sessions *MfaSessionStore
	Notifier notify.Sender

	otpValidity      time.Duration
	otpCooldown      time.Duration
	publicIDAttempts int
	notifyTimeout    time.Duration
	senderName       string
}

func NewAuthService(db *gorm.DB, sessions *MfaSessionStore, notifier notify.Sender, cfg *config.Config) *AuthService {
	return &AuthService{
		DB:               db,
		Sessions:         sessions,
		Notifier:         notifier,
		otpValidity:      cfg.Auth.OTPValidity,
		otpCooldown:      cfg.Auth.OTPCooldown,
		publicIDAttempts: cfg.Auth.PublicIDAttempts,
		notifyTimeout:    cfg.Notify.Timeout,
		senderName:       cfg.Notify.SenderName,
	}
}

type SignUpInput struct {
	Name     string
	Email    string
	Phone    string
	Password string
	Region   string
}

func (s *AuthService) SignUp(ctx context.Context, in SignUpInput) (*models.Account, error) {
	if len(in.Password) < 8 {
		return nil, ErrWeakPassword
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	phone := strings.TrimSpace(in.Phone)

	var existing models.Account
	err := s.DB.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		return nil, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("signup email lookup: %w", err)
	}

	err = s.DB.WithContext(ctx).Where("phone = ?", phone).First(&existing).Error
	if err == nil {
		return nil, ErrPhoneTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("signup phone lookup: %w", err)
	}

	publicID, err := s.allocatePublicID(ctx)
	if err != nil {
		return nil, err
	}

	hash, err := utils.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account := &models.Account{
		PublicID:     publicID,
		Name:         in.Name,
		Email:        email,
		Phone:        phone,
		PasswordHash: hash,
		Role:         models.AccountRoleMerchant,
		Region:       in.Region,
	}
	if err := s.DB.WithContext(ctx).Create(account).Error; err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	logger.InfoWithAccount(account.PublicID, "account_registered", map[string]interface{}{
		"email": account.Email,
	})
	return account, nil
}

type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PlaceName string  `json:"placeName"`
}

type SignInInput struct {
	Email    string
	Password string
	Geo      Geolocation
}

type SignInResult struct {
	SessionToken           string
	Mode                   MFAMode
	MaskedPhone            string
	NeedsEmailVerification bool
	NeedsPhoneVerification bool
}

func (s *AuthService) SignIn(ctx context.Context, in SignInInput) (*SignInResult, error) {
	return s.signIn(ctx, in, false)
}

// AdminSignIn mirrors SignIn minus the activation path: an admin record
// that is not active, verified, and MFA-enabled cannot proceed at all.
func (s *AuthService) AdminSignIn(ctx context.Context, in SignInInput) (*SignInResult, error) {
	return s.signIn(ctx, in, true)
}

func (s *AuthService) signIn(ctx context.Context, in SignInInput, adminOnly bool) (*SignInResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))

	var account models.Account
	err := s.DB.WithContext(ctx).Where("email = ?", email).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Same failure as a bad password so account existence never leaks.
		logger.Warn("signin_failed_unknown_email", map[string]interface{}{"email": email})
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("signin lookup: %w", err)
	}

	if !utils.CheckPassword(in.Password, account.PasswordHash) {
		logger.WarnWithAccount(account.PublicID, "signin_failed_bad_password", nil)
		return nil, ErrInvalidCredentials
	}

	if adminOnly && account.Role != models.AccountRoleAdmin {
		logger.WarnWithAccount(account.PublicID, "signin_failed_not_admin", nil)
		return nil, ErrInvalidCredentials
	}

	switch {
	case account.Active && account.FullyVerified() && account.MFAEnabled:
		return s.beginRoutineMFA(ctx, &account, in.Geo)
	case !account.Active:
		if adminOnly {
			return nil, ErrUnprocessableState
		}
		return s.beginFirstActivation(ctx, &account, in.Geo)
	default:
		// Active with a verification flag down, or active with MFA off:
		// a partially migrated or corrupted record, never a valid login.
		logger.ErrorWithAccount(account.PublicID, "signin_inconsistent_flags", nil, map[string]interface{}{
			"active":        account.Active,
			"emailVerified": account.EmailVerified,
			"phoneVerified": account.PhoneVerified,
			"mfaEnabled":    account.MFAEnabled,
		})
		return nil, ErrUnprocessableState
	}
}

func (s *AuthService) beginRoutineMFA(ctx context.Context, account *models.Account, geo Geolocation) (*SignInResult, error) {
	sess, err := s.Sessions.Create(ctx, NewSession{
		AccountID: account.ID,
		Email:     account.Email,
		Phone:     account.Phone,
		Mode:      ModeRoutineMFA,
	})
	if err != nil {
		return nil, err
	}

	code, err := s.createCode(ctx, account.Email, models.ChannelSMS)
	if err != nil {
		return nil, err
	}
	if err := s.dispatchCode(ctx, account, models.ChannelSMS, code.Code); err != nil {
		return nil, err
	}

	logger.InfoWithAccount(account.PublicID, "signin_challenge_issued", map[string]interface{}{
		"mode":  string(ModeRoutineMFA),
		"place": geo.PlaceName,
	})
	return &SignInResult{
		SessionToken: sess.Token,
		Mode:         ModeRoutineMFA,
		MaskedPhone:  account.MaskedPhone(),
	}, nil
}

func (s *AuthService) beginFirstActivation(ctx context.Context, account *models.Account, geo Geolocation) (*SignInResult, error) {
	emailProven := account.EmailVerified
	smsProven := account.PhoneVerified

	// A deactivated account with both channels already proven still has
	// to show fresh possession of the phone; a password alone must not
	// reopen it.
	if emailProven && smsProven {
		smsProven = false
	}

	sess, err := s.Sessions.Create(ctx, NewSession{
		AccountID:     account.ID,
		Email:         account.Email,
		Phone:         account.Phone,
		Mode:          ModeFirstActivation,
		EmailVerified: emailProven,
		SMSVerified:   smsProven,
	})
	if err != nil {
		return nil, err
	}

	if !emailProven {
		code, err := s.createCode(ctx, account.Email, models.ChannelEmail)
		if err != nil {
			return nil, err
		}
		if err := s.dispatchCode(ctx, account, models.ChannelEmail, code.Code); err != nil {
			return nil, err
		}
	}
	if !smsProven {
		code, err := s.createCode(ctx, account.Email, models.ChannelSMS)
		if err != nil {
			return nil, err
		}
		if err := s.dispatchCode(ctx, account, models.ChannelSMS, code.Code); err != nil {
			return nil, err
		}
	}

	logger.InfoWithAccount(account.PublicID, "signin_challenge_issued", map[string]interface{}{
		"mode":  string(ModeFirstActivation),
		"place": geo.PlaceName,
	})
	return &SignInResult{
		SessionToken:           sess.Token,
		Mode:                   ModeFirstActivation,
		NeedsEmailVerification: !emailProven,
		NeedsPhoneVerification: !smsProven,
	}, nil
}

// SendOTP is the stand-alone issuance path with the per-(email, channel)
// cool-down. The cool-down only blocks creation; verification keeps
// reading whatever codes already exist.
func (s *AuthService) SendOTP(ctx context.Context, email string, channel models.CodeChannel) error {
	if channel != models.ChannelEmail && channel != models.ChannelSMS {
		return ErrInvalidChannel
	}
	email = strings.ToLower(strings.TrimSpace(email))

	var account models.Account
	err := s.DB.WithContext(ctx).Where("email = ?", email).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("send otp lookup: %w", err)
	}

	if err := s.checkCooldown(ctx, email, channel); err != nil {
		return err
	}

	code, err := s.createCode(ctx, email, channel)
	if err != nil {
		return err
	}
	if err := s.dispatchCode(ctx, &account, channel, code.Code); err != nil {
		return err
	}

	logger.InfoWithAccount(account.PublicID, "otp_issued", map[string]interface{}{
		"channel": string(channel),
	})
	return nil
}

type VerifyOTPInput struct {
	SessionToken string
	Email        string
	Channel      models.CodeChannel
	Code         string
}

type VerifyOTPResult struct {
	// Token and Account are set only when verification completed the flow.
	Token   string
	Account *models.Account
	// Session progress; Pending means the other channel is still owed.
	EmailVerified bool
	SMSVerified   bool
	Pending       bool
}

func (s *AuthService) VerifyOTP(ctx context.Context, in VerifyOTPInput) (*VerifyOTPResult, error) {
	if in.Channel != models.ChannelEmail && in.Channel != models.ChannelSMS {
		return nil, ErrInvalidChannel
	}
	if in.SessionToken != "" {
		return s.verifyWithSession(ctx, in)
	}
	return s.verifyLegacy(ctx, in)
}

func (s *AuthService) verifyWithSession(ctx context.Context, in VerifyOTPInput) (*VerifyOTPResult, error) {
	// A missing or expired session is final; there is no fallback to the
	// email path from here.
	sess, err := s.Sessions.Get(ctx, in.SessionToken)
	if err != nil {
		return nil, err
	}

	attempts, err := s.Sessions.Attempts(ctx, in.SessionToken)
	if err != nil {
		return nil, err
	}
	if attempts >= s.Sessions.MaxAttempts() {
		_ = s.Sessions.Destroy(ctx, in.SessionToken)
		logger.Warn("mfa_attempts_exhausted", map[string]interface{}{
			"accountId": sess.AccountID,
		})
		return nil, ErrTooManyAttempts
	}

	if sess.Mode == ModeRoutineMFA && in.Channel != models.ChannelSMS {
		return nil, ErrInvalidChannel
	}

	code, err := s.latestCode(ctx, sess.Email, in.Channel)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && code.Code != in.Code) {
		if _, ferr := s.Sessions.RecordFailure(ctx, in.SessionToken); ferr != nil {
			return nil, ferr
		}
		logger.Warn("otp_verification_failed", map[string]interface{}{
			"accountId": sess.AccountID,
			"channel":   string(in.Channel),
		})
		return nil, ErrInvalidOTP
	}
	if err != nil {
		return nil, err
	}

	if err := s.markCodeUsed(ctx, code); err != nil {
		return nil, err
	}

	account, err := s.accountByID(ctx, sess.AccountID)
	if err != nil {
		return nil, err
	}

	if sess.Mode == ModeRoutineMFA {
		token, err := utils.GenerateToken(account)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		_ = s.Sessions.Destroy(ctx, in.SessionToken)
		logger.InfoWithAccount(account.PublicID, "token_issued", map[string]interface{}{
			"mode": string(sess.Mode),
		})
		return &VerifyOTPResult{Token: token, Account: account, SMSVerified: true}, nil
	}

	updated, err := s.Sessions.MarkChannelVerified(ctx, in.SessionToken, in.Channel == models.ChannelSMS)
	if err != nil {
		return nil, err
	}

	if updated.EmailVerified && updated.SMSVerified {
		account, err = s.activateAccount(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		token, err := utils.GenerateToken(account)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		_ = s.Sessions.Destroy(ctx, in.SessionToken)
		logger.InfoWithAccount(account.PublicID, "account_activated", nil)
		return &VerifyOTPResult{Token: token, Account: account, EmailVerified: true, SMSVerified: true}, nil
	}

	// One channel down, one to go: persist the proven flag and keep the
	// session for the remaining code.
	column := "email_verified"
	if in.Channel == models.ChannelSMS {
		column = "phone_verified"
	}
	if err := s.DB.WithContext(ctx).Model(account).Update(column, true).Error; err != nil {
		return nil, fmt.Errorf("persist %s: %w", column, err)
	}

	return &VerifyOTPResult{
		EmailVerified: updated.EmailVerified,
		SMSVerified:   updated.SMSVerified,
		Pending:       true,
	}, nil
}

// verifyLegacy serves clients that never captured a session token. It
// mirrors the dual-channel transition using the account's persisted
// flags instead of session state.
func (s *AuthService) verifyLegacy(ctx context.Context, in VerifyOTPInput) (*VerifyOTPResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))

	var account models.Account
	err := s.DB.WithContext(ctx).Where("email = ?", email).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidOTP
	}
	if err != nil {
		return nil, fmt.Errorf("verify lookup: %w", err)
	}

	code, err := s.latestCode(ctx, email, in.Channel)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && code.Code != in.Code) {
		logger.WarnWithAccount(account.PublicID, "otp_verification_failed", map[string]interface{}{
			"channel": string(in.Channel),
			"legacy":  true,
		})
		return nil, ErrInvalidOTP
	}
	if err != nil {
		return nil, err
	}

	if err := s.markCodeUsed(ctx, code); err != nil {
		return nil, err
	}

	emailDone, phoneDone := account.EmailVerified, account.PhoneVerified
	column := "email_verified"
	if in.Channel == models.ChannelSMS {
		column = "phone_verified"
		phoneDone = true
	} else {
		emailDone = true
	}

	if emailDone && phoneDone {
		updated, err := s.activateAccount(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		token, err := utils.GenerateToken(updated)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		logger.InfoWithAccount(updated.PublicID, "account_activated", map[string]interface{}{
			"legacy": true,
		})
		return &VerifyOTPResult{Token: token, Account: updated, EmailVerified: true, SMSVerified: true}, nil
	}

	if err := s.DB.WithContext(ctx).Model(&account).Update(column, true).Error; err != nil {
		return nil, fmt.Errorf("persist %s: %w", column, err)
	}
	return &VerifyOTPResult{EmailVerified: emailDone, SMSVerified: phoneDone, Pending: true}, nil
}

// RequestPasswordReset issues an SMS code. Unknown emails succeed
// silently so the endpoint cannot be used to enumerate accounts.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	var account models.Account
	err := s.DB.WithContext(ctx).Where("email = ?", email).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("password_reset_unknown_email", map[string]interface{}{"email": email})
		return nil
	}
	if err != nil {
		return fmt.Errorf("password reset lookup: %w", err)
	}

	if err := s.checkCooldown(ctx, email, models.ChannelSMS); err != nil {
		return err
	}

	code, err := s.createCode(ctx, email, models.ChannelSMS)
	if err != nil {
		return err
	}
	if err := s.dispatchCode(ctx, &account, models.ChannelSMS, code.Code); err != nil {
		return err
	}

	logger.InfoWithAccount(account.PublicID, "password_reset_requested", nil)
	return nil
}

func (s *AuthService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}
	email = strings.ToLower(strings.TrimSpace(email))

	var account models.Account
	err := s.DB.WithContext(ctx).Where("email = ?", email).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidOTP
	}
	if err != nil {
		return fmt.Errorf("password reset lookup: %w", err)
	}

	latest, err := s.latestCode(ctx, email, models.ChannelSMS)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && latest.Code != code) {
		logger.WarnWithAccount(account.PublicID, "password_reset_failed", nil)
		return ErrInvalidOTP
	}
	if err != nil {
		return err
	}

	if err := s.markCodeUsed(ctx, latest); err != nil {
		return err
	}

	hash, err := utils.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.DB.WithContext(ctx).Model(&account).Update("password_hash", hash).Error; err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	logger.InfoWithAccount(account.PublicID, "password_reset_completed", nil)
	return nil
}

func (s *AuthService) ListAccounts(ctx context.Context, page, limit int) ([]models.Account, int64, error) {
	var total int64
	if err := s.DB.WithContext(ctx).Model(&models.Account{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count accounts: %w", err)
	}

	var accounts []models.Account
	err := s.DB.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, total, nil
}

// SetAccountActive disables or re-enables an account. Re-enabling one
// that never finished verification would hand the sign-in dispatch a
// record it treats as corrupt, so that is refused.
func (s *AuthService) SetAccountActive(ctx context.Context, publicID string, active bool) (*models.Account, error) {
	var account models.Account
	err := s.DB.WithContext(ctx).Where("public_id = ?", publicID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", publicID, err)
	}

	if active && !(account.FullyVerified() && account.MFAEnabled) {
		return nil, ErrUnprocessableState
	}

	if err := s.DB.WithContext(ctx).Model(&account).Update("active", active).Error; err != nil {
		return nil, fmt.Errorf("update account status: %w", err)
	}
	account.Active = active

	logger.InfoWithAccount(account.PublicID, "account_status_changed", map[string]interface{}{
		"active": active,
	})
	return &account, nil
}

func (s *AuthService) allocatePublicID(ctx context.Context) (string, error) {
	for i := 0; i < s.publicIDAttempts; i++ {
		candidate, err := GeneratePublicID()
		if err != nil {
			return "", fmt.Errorf("public id candidate: %w", err)
		}

		var count int64
		if err := s.DB.WithContext(ctx).Model(&models.Account{}).
			Where("public_id = ?", candidate).Count(&count).Error; err != nil {
			return "", fmt.Errorf("public id uniqueness check: %w", err)
		}
		if count == 0 {
			return candidate, nil
		}
	}
	return "", ErrPublicIDExhausted
}

// GeneratePublicID returns a random 8-digit identifier. Uniqueness is
// the caller's problem; this only guarantees the shape.
func GeneratePublicID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(90000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+10000000), nil
}

func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// createCode always mints a fresh code; prior codes for the pair are
// simply superseded, never reused.
func (s *AuthService) createCode(ctx context.Context, email string, channel models.CodeChannel) (*models.OneTimeCode, error) {
	value, err := generateOTPCode()
	if err != nil {
		return nil, fmt.Errorf("otp candidate: %w", err)
	}

	code := &models.OneTimeCode{
		Email:     email,
		Channel:   channel,
		Code:      value,
		ExpiresAt: time.Now().Add(s.otpValidity),
	}
	if err := s.DB.WithContext(ctx).Create(code).Error; err != nil {
		return nil, fmt.Errorf("create one-time code: %w", err)
	}
	return code, nil
}

func (s *AuthService) checkCooldown(ctx context.Context, email string, channel models.CodeChannel) error {
	latest, err := s.latestCode(ctx, email, channel)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	age := time.Since(latest.CreatedAt)
	if age < s.otpCooldown {
		return &CooldownError{Wait: s.otpCooldown - age}
	}
	return nil
}

// latestCode returns the most recently created unused, unexpired code
// for the pair; it is the only row verification trusts.
func (s *AuthService) latestCode(ctx context.Context, email string, channel models.CodeChannel) (*models.OneTimeCode, error) {
	var code models.OneTimeCode
	err := s.DB.WithContext(ctx).
		Where("email = ? AND channel = ? AND used = ? AND expires_at > ?", email, channel, false, time.Now()).
		Order("created_at DESC").
		Order("id DESC").
		First(&code).Error
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *AuthService) markCodeUsed(ctx context.Context, code *models.OneTimeCode) error {
	if err := s.DB.WithContext(ctx).Model(code).Update("used", true).Error; err != nil {
		return fmt.Errorf("mark code used: %w", err)
	}
	return nil
}

// activateAccount flips all four flags in one UPDATE so no reader ever
// observes an active account with a verification flag still false.
func (s *AuthService) activateAccount(ctx context.Context, id uint64) (*models.Account, error) {
	err := s.DB.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"active":         true,
			"mfa_enabled":    true,
			"email_verified": true,
			"phone_verified": true,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("activate account: %w", err)
	}
	return s.accountByID(ctx, id)
}

func (s *AuthService) accountByID(ctx context.Context, id uint64) (*models.Account, error) {
	var account models.Account
	if err := s.DB.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, fmt.Errorf("account %d: %w", id, err)
	}
	return &account, nil
}

func (s *AuthService) dispatchCode(ctx context.Context, account *models.Account, channel models.CodeChannel, code string) error {
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()

	var err error
	if channel == models.ChannelSMS {
		err = s.Notifier.SendSMSCode(ctx, account.Phone, code, s.senderName)
	} else {
		err = s.Notifier.SendEmailCode(ctx, account.Email, code, s.senderName)
	}
	if err != nil {
		logger.ErrorWithAccount(account.PublicID, "code_dispatch_failed", err, map[string]interface{}{
			"channel": string(channel),
		})
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	return nil
}
