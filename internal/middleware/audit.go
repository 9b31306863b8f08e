package middleware

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/pkg/logger"
)

const sessionIDKey = "sessionID"

// GetSessionID returns the correlation id assigned to this request.
func GetSessionID(c *fiber.Ctx) string {
	if v, ok := c.Locals(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// AuditCapture snapshots every completed request into the audit queue.
// The snapshot is assembled after the response is written, so capture
// cost never sits in front of the handler, and Record itself never
// blocks. Paths under any excluded prefix produce no trail at all.
func AuditCapture(audit *services.AuditService, excludedPaths []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		for _, prefix := range excludedPaths {
			if strings.HasPrefix(path, prefix) {
				return c.Next()
			}
		}

		sessionID := strings.TrimSpace(c.Get("X-Session-ID"))
		if sessionID == "" {
			sessionID = logger.GenerateSessionID()
		}
		c.Locals(sessionIDKey, sessionID)
		c.Set("X-Session-ID", sessionID)

		// The body buffer is recycled once the handler chain returns.
		rawBody := append([]byte(nil), c.Body()...)
		method := c.Method()
		start := time.Now()

		err := c.Next()

		row := models.AuditLog{
			SessionID: sessionID,
			ClientIP:  ResolveClientAddress(c),
			UserAgent: c.Get("User-Agent"),
			Method:    method,
			Path:      path,
			Query:     services.MaskQuery(c.Queries()),
			Body:      services.MaskBody(rawBody),
			Status:    c.Response().StatusCode(),
			LatencyMS: time.Since(start).Milliseconds(),
			Action:    services.DeriveAction(method, path),
		}

		if account := GetCurrentAccount(c); account != nil {
			id := account.ID
			row.AccountID = &id
			row.PublicID = account.PublicID
			row.Email = account.Email
		} else if publicID := logger.GetAccountIDFromContext(c); publicID != nil {
			row.PublicID = *publicID
		}

		// Sign-in geolocation is evidence, not a secret: it goes into
		// metadata verbatim even though the body snapshot is masked.
		if strings.HasSuffix(row.Action, "auth.signin") {
			if geo := extractGeolocation(rawBody); geo != nil {
				row.Metadata = map[string]interface{}{"geolocation": geo}
			}
		}

		audit.Record(row)
		return err
	}
}

func extractGeolocation(rawBody []byte) interface{} {
	if len(rawBody) == 0 {
		return nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil
	}
	return parsed["geolocation"]
}
