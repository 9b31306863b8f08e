package services

import (
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/paymesh/backend/internal/cache"
	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/pkg/logger"
)

var testSetupOnce sync.Once

func initTestRuntime(t *testing.T) {
	t.Helper()
	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
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
