package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/pkg/utils"
)

// AdminHandler serves the operator surface: account administration and
// the audit trail. Every route behind it requires an admin token.
type AdminHandler struct {
	Auth *services.AuthService
	DB   *gorm.DB
}

func NewAdminHandler(auth *services.AuthService, db *gorm.DB) *AdminHandler {
	return &AdminHandler{Auth: auth, DB: db}
}

func (h *AdminHandler) ListAccounts(c *fiber.Ctx) error {
	page, limit := parsePagination(c)

	accounts, total, err := h.Auth.ListAccounts(c.Context(), page, limit)
	if err != nil {
		return respondServiceError(c, err)
	}

	return utils.Paginated(c, accounts, page, limit, total)
}

type accountStatusRequest struct {
	Active *bool `json:"active"`
}

func (h *AdminHandler) SetAccountStatus(c *fiber.Ctx) error {
	publicID := c.Params("publicId")

	var req accountStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Active == nil {
		return utils.Error(c, fiber.StatusBadRequest, "active is required")
	}

	account, err := h.Auth.SetAccountActive(c.Context(), publicID, *req.Active)
	if err != nil {
		return respondServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"account": account})
}

// ListAuditLogs pages through the audit trail, newest first. Filters
// narrow by exact match; absent filters are ignored.
func (h *AdminHandler) ListAuditLogs(c *fiber.Ctx) error {
	page, limit := parsePagination(c)

	query := h.DB.WithContext(c.Context()).Model(&models.AuditLog{})
	if action := strings.TrimSpace(c.Query("action")); action != "" {
		query = query.Where("action = ?", action)
	}
	if clientIP := strings.TrimSpace(c.Query("clientIp")); clientIP != "" {
		query = query.Where("client_ip = ?", clientIP)
	}
	if status := c.QueryInt("status"); status > 0 {
		query = query.Where("status = ?", status)
	}
	if sessionID := strings.TrimSpace(c.Query("sessionId")); sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to count audit logs")
	}

	var logs []models.AuditLog
	if err := query.Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&logs).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list audit logs")
	}

	return utils.Paginated(c, logs, page, limit, total)
}
