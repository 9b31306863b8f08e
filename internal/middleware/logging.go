package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/paymesh/backend/pkg/logger"
)

func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		latency := time.Since(start)
		statusCode := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		accountID := logger.GetAccountIDFromContext(c)
		requestBody := logger.GetRequestBodySummary(c)

		details := map[string]interface{}{
			"method":         method,
			"path":           path,
			"status_code":    statusCode,
			"latency_ms":     latency.Milliseconds(),
			"user_agent":     c.Get("User-Agent"),
			"address":        ResolveClientAddress(c),
			"request_body":   requestBody,
			"response_bytes": len(c.Response().Body()),
			"session_id":     GetSessionID(c),
		}

		if accountID != nil {
			if statusCode >= 500 {
				logger.ErrorWithAccount(*accountID, "http_request", err, details)
			} else {
				logger.InfoWithAccount(*accountID, "http_request", details)
			}
		} else {
			if statusCode >= 500 {
				logger.Error("http_request", err, details)
			} else {
				logger.Info("http_request", details)
			}
		}

		return err
	}
}

// SecurityLogger watches for responses worth a second look: forbidden
// and throttled requests raise warnings with the client address so
// operators can correlate them with the audit trail.
func SecurityLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		statusCode := c.Response().StatusCode()
		if statusCode != fiber.StatusForbidden && statusCode != fiber.StatusTooManyRequests {
			return err
		}

		details := map[string]interface{}{
			"method":     c.Method(),
			"path":       c.Path(),
			"address":    ResolveClientAddress(c),
			"session_id": GetSessionID(c),
			"status":     statusCode,
		}

		accountID := logger.GetAccountIDFromContext(c)
		if accountID != nil {
			logger.WarnWithAccount(*accountID, "security_event", details)
		} else {
			logger.Warn("security_event", details)
		}

		return err
	}
}
