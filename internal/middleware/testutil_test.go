package middleware

import (
	"database/sql/driver"
	"encoding/json"
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
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/paymesh/backend/internal/cache"
	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/pkg/logger"
	"github.com/paymesh/backend/pkg/utils"
)

var testSetupOnce sync.Once

func initTestRuntime(t *testing.T) {
	t.Helper()
	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 10*time.Minute)
	})
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	initTestRuntime(t)

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
	return db
}

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	initTestRuntime(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cache.NewFromClient(client)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, mr
}

func createActiveAccount(t *testing.T, db *gorm.DB, email, phone string, role models.AccountRole) (*models.Account, string) {
	t.Helper()

	hash, err := utils.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	publicID, err := services.GeneratePublicID()
	if err != nil {
		t.Fatalf("failed generating public id: %v", err)
	}

	account := &models.Account{
		PublicID:      publicID,
		Name:          "Test Merchant",
		Email:         email,
		Phone:         phone,
		PasswordHash:  hash,
		Active:        true,
		EmailVerified: true,
		PhoneVerified: true,
		MFAEnabled:    true,
		Role:          role,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("failed creating test account: %v", err)
	}

	token, err := utils.GenerateToken(account)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}
	return account, token
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

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
