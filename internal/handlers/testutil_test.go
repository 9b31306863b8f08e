package handlers

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/paymesh/backend/internal/cache"
	"github.com/paymesh/backend/internal/config"
	"github.com/paymesh/backend/internal/middleware"
	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/pkg/logger"
	"github.com/paymesh/backend/pkg/utils"
)

type sentCode struct {
	channel     string
	destination string
	code        string
	name        string
}

// recordingSender captures dispatched codes so tests can read them back
// the way a real recipient would.
type recordingSender struct {
	mu    sync.Mutex
	fail  bool
	sends []sentCode
}

func (s *recordingSender) SendSMSCode(ctx context.Context, phone, code, displayName string) error {
	return s.record("sms", phone, code, displayName)
}

func (s *recordingSender) SendEmailCode(ctx context.Context, email, code, displayName string) error {
	return s.record("email", email, code, displayName)
}

func (s *recordingSender) record(channel, destination, code, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("carrier unreachable")
	}
	s.sends = append(s.sends, sentCode{channel: channel, destination: destination, code: code, name: name})
	return nil
}

func (s *recordingSender) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *recordingSender) sent() []sentCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentCode, len(s.sends))
	copy(out, s.sends)
	return out
}

func (s *recordingSender) lastCode(t *testing.T, channel string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sends) - 1; i >= 0; i-- {
		if s.sends[i].channel == channel {
			return s.sends[i].code
		}
	}
	t.Fatalf("no %s code was dispatched", channel)
	return ""
}

func (s *recordingSender) countFor(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, send := range s.sends {
		if send.channel == channel {
			n++
		}
	}
	return n
}

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	mr       *miniredis.Miniredis
	sessions *services.MfaSessionStore
	auth     *services.AuthService
	audit    *services.AuditService
	sender   *recordingSender
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 10*time.Minute)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.Account{},
		&models.OneTimeCode{},
		&models.AuditLog{},
		&models.AuditArchiveCursor{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cacheClient := cache.NewFromClient(client)
	t.Cleanup(func() {
		_ = cacheClient.Close()
	})

	cfg := &config.Config{
		Auth: config.AuthConfig{
			OTPValidity:      5 * time.Minute,
			OTPCooldown:      time.Minute,
			MFASessionTTL:    10 * time.Minute,
			MFAMaxAttempts:   3,
			PublicIDAttempts: 10,
		},
		Notify: config.NotifyConfig{
			Timeout:    2 * time.Second,
			SenderName: "PayMesh",
		},
	}

	// Limits high enough that no handler test trips them; the rate
	// limiter has its own suite.
	rateRules := map[string]config.RateRule{
		"/api/auth/signup":         {Second: 500, Minute: 2000, Hour: 10000, Day: 50000},
		"/api/auth/signin":         {Second: 500, Minute: 2000, Hour: 10000, Day: 50000},
		"/api/auth/send-otp":       {Second: 500, Minute: 2000, Hour: 10000, Day: 50000},
		"/api/auth/verify-otp":     {Second: 500, Minute: 2000, Hour: 10000, Day: 50000},
		"/api/auth/password-reset": {Second: 500, Minute: 2000, Hour: 10000, Day: 50000},
		"/api/admin/auth":          {Second: 500, Minute: 2000, Hour: 10000, Day: 50000},
	}

	sender := &recordingSender{}
	sessions := services.NewMfaSessionStore(cacheClient, cfg.Auth.MFASessionTTL, cfg.Auth.MFAMaxAttempts)
	authService := services.NewAuthService(db, sessions, sender, cfg)
	auditService := services.NewAuditService(db, nil, 256, 16)

	authHandler := NewAuthHandler(authService)
	adminHandler := NewAdminHandler(authService, db)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 10 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS("*"))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	app.Use(middleware.AuditCapture(auditService, []string{"/health"}))
	app.Use(middleware.RateLimiter(cacheClient, rateRules))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/signup", authHandler.Signup)
	authRoutes.Post("/signin", authHandler.Signin)
	authRoutes.Post("/send-otp", authHandler.SendOTP)
	authRoutes.Post("/verify-otp", authHandler.VerifyOTP)
	authRoutes.Post("/password-reset/request", authHandler.PasswordResetRequest)
	authRoutes.Post("/password-reset/verify", authHandler.PasswordResetVerify)
	authRoutes.Post("/logout", authMiddleware.RequireAuth, authHandler.Logout)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)

	adminAuthRoutes := api.Group("/admin/auth")
	adminAuthRoutes.Post("/signin", authHandler.AdminSignin)
	adminAuthRoutes.Post("/send-otp", authHandler.SendOTP)
	adminAuthRoutes.Post("/verify-otp", authHandler.VerifyOTP)
	adminAuthRoutes.Post("/logout", authMiddleware.RequireAuth, authHandler.Logout)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Get("/accounts", adminHandler.ListAccounts)
	adminRoutes.Patch("/accounts/:publicId/status", adminHandler.SetAccountStatus)
	adminRoutes.Get("/audit-logs", adminHandler.ListAuditLogs)

	return &testEnv{
		app:      app,
		db:       db,
		mr:       mr,
		sessions: sessions,
		auth:     authService,
		audit:    auditService,
		sender:   sender,
	}
}

// seedAccount inserts an account with a hashed password, filling in
// whatever identity fields the caller left empty.
func seedAccount(t *testing.T, db *gorm.DB, account models.Account, password string) *models.Account {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}
	account.PasswordHash = hash

	if account.PublicID == "" {
		publicID, err := services.GeneratePublicID()
		if err != nil {
			t.Fatalf("failed generating public id: %v", err)
		}
		account.PublicID = publicID
	}
	if account.Name == "" {
		account.Name = "Test Merchant"
	}
	if account.Role == "" {
		account.Role = models.AccountRoleMerchant
	}

	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("failed creating test account: %v", err)
	}
	return &account
}

// createTestAccount seeds an active fully verified account, the state a
// completed activation leaves behind, and returns it with a bearer token.
func createTestAccount(t *testing.T, db *gorm.DB, email, phone, password string, role models.AccountRole) (*models.Account, string) {
	t.Helper()

	account := seedAccount(t, db, models.Account{
		Email:         email,
		Phone:         phone,
		Role:          role,
		Active:        true,
		EmailVerified: true,
		PhoneVerified: true,
		MFAEnabled:    true,
	}, password)

	token, err := utils.GenerateToken(account)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return account, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func signinPayload(email, password string) map[string]any {
	return map[string]any{
		"email":    email,
		"password": password,
		"geolocation": map[string]any{
			"latitude":  40.7128,
			"longitude": -74.006,
			"placeName": "New York, NY",
		},
	}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func dataOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object in envelope, got %+v", body)
	}
	return data
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

// reloadAccount fetches the current row so flag assertions see what the
// database holds, not what a handler returned.
func reloadAccount(t *testing.T, db *gorm.DB, id uint64) *models.Account {
	t.Helper()

	var account models.Account
	if err := db.First(&account, "id = ?", id).Error; err != nil {
		t.Fatalf("failed reloading account %d: %v", id, err)
	}
	return &account
}
