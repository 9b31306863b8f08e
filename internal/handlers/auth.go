package handlers

import (
	"net/mail"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/paymesh/backend/internal/middleware"
	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/pkg/logger"
	"github.com/paymesh/backend/pkg/utils"
)

type AuthHandler struct {
	Auth *services.AuthService
}

func NewAuthHandler(auth *services.AuthService) *AuthHandler {
	return &AuthHandler{Auth: auth}
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Region   string `json:"region"`
}

// Signup registers a merchant account. The response carries no token
// and no code: nothing proves possession of either channel yet.
func (h *AuthHandler) Signup(c *fiber.Ctx) error {
	var req signupRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)

	if _, err := mail.ParseAddress(req.Email); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid email")
	}
	if req.Name == "" || req.Phone == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name and phone are required")
	}

	account, err := h.Auth.SignUp(c.Context(), services.SignUpInput{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
		Region:   strings.TrimSpace(req.Region),
	})
	if err != nil {
		return respondServiceError(c, err)
	}

	c.Locals("accountID", account.PublicID)
	return utils.Success(c, fiber.StatusCreated, fiber.Map{"account": account})
}

type geolocationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	PlaceName string   `json:"placeName"`
}

type signinRequest struct {
	Email       string              `json:"email"`
	Password    string              `json:"password"`
	Geolocation *geolocationRequest `json:"geolocation"`
}

func (h *AuthHandler) Signin(c *fiber.Ctx) error {
	return h.signin(c, false)
}

// AdminSignin serves the administrator surface: same contract, but an
// account that is not ready for routine MFA cannot proceed at all.
func (h *AuthHandler) AdminSignin(c *fiber.Ctx) error {
	return h.signin(c, true)
}

func (h *AuthHandler) signin(c *fiber.Ctx, admin bool) error {
	var req signinRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and password are required")
	}
	if req.Geolocation == nil || req.Geolocation.Latitude == nil ||
		req.Geolocation.Longitude == nil || strings.TrimSpace(req.Geolocation.PlaceName) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "geolocation with latitude, longitude and placeName is required")
	}

	input := services.SignInInput{
		Email:    req.Email,
		Password: req.Password,
		Geo: services.Geolocation{
			Latitude:  *req.Geolocation.Latitude,
			Longitude: *req.Geolocation.Longitude,
			PlaceName: strings.TrimSpace(req.Geolocation.PlaceName),
		},
	}

	var result *services.SignInResult
	var err error
	if admin {
		result, err = h.Auth.AdminSignIn(c.Context(), input)
	} else {
		result, err = h.Auth.SignIn(c.Context(), input)
	}
	if err != nil {
		return respondServiceError(c, err)
	}

	if result.Mode == services.ModeRoutineMFA {
		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"requiresOtp":  true,
			"mode":         result.Mode,
			"sessionToken": result.SessionToken,
			"phone":        result.MaskedPhone,
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"requiresOtp":            true,
		"mode":                   result.Mode,
		"sessionToken":           result.SessionToken,
		"needsEmailVerification": result.NeedsEmailVerification,
		"needsPhoneVerification": result.NeedsPhoneVerification,
	})
}

type sendOTPRequest struct {
	Email   string `json:"email"`
	Channel string `json:"channel"`
}

func (h *AuthHandler) SendOTP(c *fiber.Ctx) error {
	var req sendOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	if req.Email == "" || req.Channel == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and channel are required")
	}

	if err := h.Auth.SendOTP(c.Context(), req.Email, models.CodeChannel(req.Channel)); err != nil {
		return respondServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "verification code sent"})
}

type verifyOTPRequest struct {
	SessionToken string `json:"sessionToken"`
	Email        string `json:"email"`
	Channel      string `json:"channel"`
	Code         string `json:"code"`
}

func (h *AuthHandler) VerifyOTP(c *fiber.Ctx) error {
	var req verifyOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	req.Code = strings.TrimSpace(req.Code)
	if req.Channel == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "channel and code are required")
	}
	if req.SessionToken == "" && strings.TrimSpace(req.Email) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "sessionToken or email is required")
	}

	result, err := h.Auth.VerifyOTP(c.Context(), services.VerifyOTPInput{
		SessionToken: strings.TrimSpace(req.SessionToken),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Channel:      models.CodeChannel(req.Channel),
		Code:         req.Code,
	})
	if err != nil {
		return respondServiceError(c, err)
	}

	if result.Pending {
		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"pending":       true,
			"emailVerified": result.EmailVerified,
			"smsVerified":   result.SMSVerified,
			"message":       "verification recorded, one channel remaining",
		})
	}

	c.Locals("accountID", result.Account.PublicID)
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token":   result.Token,
		"account": result.Account,
	})
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

// PasswordResetRequest answers the same way whether or not the email
// exists; only cool-down and delivery failures are surfaced.
func (h *AuthHandler) PasswordResetRequest(c *fiber.Ctx) error {
	var req passwordResetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	if err := h.Auth.RequestPasswordReset(c.Context(), req.Email); err != nil {
		return respondServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "if the account exists, a reset code has been sent",
	})
}

type passwordResetVerifyRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

func (h *AuthHandler) PasswordResetVerify(c *fiber.Ctx) error {
	var req passwordResetVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Code = strings.TrimSpace(req.Code)
	if req.Email == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and code are required")
	}

	if err := h.Auth.ResetPassword(c.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		return respondServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}

// Logout leaves an audit trail and nothing else. Tokens are not
// revocable server-side; they lapse at their expiry.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	account := middleware.GetCurrentAccount(c)
	if account == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	logger.InfoWithAccount(account.PublicID, "account_logout", nil)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	account := middleware.GetCurrentAccount(c)
	if account == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"account": account})
}
