package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"gorm.io/gorm"

	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/pkg/logger"
	"github.com/paymesh/backend/pkg/utils"
)

const currentAccountKey = "currentAccount"

type AuthMiddleware struct {
	DB *gorm.DB
}

func NewAuthMiddleware(db *gorm.DB) *AuthMiddleware {
	return &AuthMiddleware{DB: db}
}

func CORS(allowOrigins string) fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
	})
}

// RequireAuth validates the bearer token and loads the live account
// row: a token outlives neither the account nor its Active flag. When
// the token is inside the renewal window a fresh one rides back on the
// response so active clients never hit a hard expiry.
func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		logger.Warn("jwt_missing_header", map[string]interface{}{
			"address": ResolveClientAddress(c),
			"path":    c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "missing authorization header")
	}

	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if tokenString == authHeader || tokenString == "" {
		logger.Warn("jwt_invalid_format", map[string]interface{}{
			"address":     ResolveClientAddress(c),
			"path":        c.Path(),
			"auth_header": authHeader[:min(len(authHeader), 20)] + "...",
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid authorization format")
	}

	claims, err := utils.ValidateToken(tokenString)
	if err != nil {
		logger.Warn("jwt_validation_failed", map[string]interface{}{
			"address": ResolveClientAddress(c),
			"path":    c.Path(),
			"error":   err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired token")
	}

	var account models.Account
	if err := a.DB.First(&account, "id = ?", claims.AccountID).Error; err != nil {
		logger.Warn("jwt_account_not_found", map[string]interface{}{
			"address":    ResolveClientAddress(c),
			"path":       c.Path(),
			"account_id": claims.AccountID,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "account not found")
	}

	if !account.Active {
		logger.WarnWithAccount(account.PublicID, "disabled_account_rejected", map[string]interface{}{
			"address": ResolveClientAddress(c),
			"path":    c.Path(),
		})
		return utils.Error(c, fiber.StatusForbidden, services.ErrAccountDisabled.Error())
	}

	c.Locals(currentAccountKey, &account)
	c.Locals("accountID", account.PublicID)

	if claims.ExpiresAt != nil && time.Until(claims.ExpiresAt.Time) < utils.RenewalWindow {
		if renewed, err := utils.GenerateToken(&account); err == nil {
			c.Set("X-Renewed-Token", renewed)
		}
	}

	return c.Next()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func AdminOnly(c *fiber.Ctx) error {
	account := GetCurrentAccount(c)
	if account == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	if account.Role != models.AccountRoleAdmin {
		return utils.Error(c, fiber.StatusForbidden, "admin access required")
	}
	return c.Next()
}

func GetCurrentAccount(c *fiber.Ctx) *models.Account {
	value := c.Locals(currentAccountKey)
	if value == nil {
		return nil
	}
	account, ok := value.(*models.Account)
	if !ok {
		return nil
	}
	return account
}
