package utils

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/pkg/logger"
)

// MaxTokenValidity is a security ceiling, not a default. Configuration
// above it is clamped and logged, never honored.
const MaxTokenValidity = time.Hour

// RenewalWindow is how close to expiry a token must be before an
// authenticated request mints a replacement in the response header.
const RenewalWindow = 2 * time.Minute

var (
	jwtSecret   = []byte("change-me-in-production")
	jwtValidity = 10 * time.Minute
)

type Claims struct {
	AccountID     uint64             `json:"accountId"`
	PublicID      string             `json:"publicId"`
	Email         string             `json:"email"`
	Role          models.AccountRole `json:"role"`
	Active        bool               `json:"active"`
	EmailVerified bool               `json:"emailVerified"`
	PhoneVerified bool               `json:"phoneVerified"`
	MFAEnabled    bool               `json:"mfaEnabled"`
	jwt.RegisteredClaims
}

func ConfigureJWT(secret string, validity time.Duration) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
	if validity > 0 {
		if validity > MaxTokenValidity {
			logger.Warn("jwt_validity_exceeds_cap", map[string]interface{}{
				"configured": validity.String(),
				"cap":        MaxTokenValidity.String(),
			})
			validity = MaxTokenValidity
		}
		jwtValidity = validity
	}
}

// TokenValidity reports the effective (post-cap) validity window.
func TokenValidity() time.Duration {
	return jwtValidity
}

func GenerateToken(account *models.Account) (string, error) {
	now := time.Now()
	claims := Claims{
		AccountID:     account.ID,
		PublicID:      account.PublicID,
		Email:         account.Email,
		Role:          account.Role,
		Active:        account.Active,
		EmailVerified: account.EmailVerified,
		PhoneVerified: account.PhoneVerified,
		MFAEnabled:    account.MFAEnabled,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(jwtValidity)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   account.PublicID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
