package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/paymesh/backend/internal/cache"
	"github.com/paymesh/backend/internal/config"
	"github.com/paymesh/backend/internal/database"
	"github.com/paymesh/backend/internal/handlers"
	"github.com/paymesh/backend/internal/middleware"
	"github.com/paymesh/backend/internal/notify"
	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/internal/storage"
	"github.com/paymesh/backend/pkg/logger"
	"github.com/paymesh/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.Validity)
	utils.ConfigureHashing(cfg.Auth.BcryptCost)

	db, err := database.Connect(cfg.DB, cfg.Admin)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	cacheClient, err := cache.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	var archive *storage.MinIOClient
	if cfg.Archive.Endpoint != "" {
		archive, err = storage.NewMinIOClient(cfg.Archive)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := archive.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring archive bucket: %v", err)
		}
	}

	sender := notify.NewSender(cfg.Notify.Mode)
	sessions := services.NewMfaSessionStore(cacheClient, cfg.Auth.MFASessionTTL, cfg.Auth.MFAMaxAttempts)
	authService := services.NewAuthService(db, sessions, sender, cfg)
	auditService := services.NewAuditService(db, archive, cfg.Audit.QueueSize, cfg.Audit.BatchSize)
	auditService.Start(cfg.Audit.FlushInterval, cfg.Audit.ArchiveInterval)

	authHandler := handlers.NewAuthHandler(authService)
	adminHandler := handlers.NewAdminHandler(authService, db)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: cfg.Server.BodyLimitMB * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.CORSOrigins))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	app.Use(middleware.AuditCapture(auditService, cfg.Audit.ExcludedPaths))
	app.Use(middleware.RateLimiter(cacheClient, cfg.RateLimit.Rules))

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

	// Admin sign-in happens before the caller has a token, so these
	// routes register ahead of the guarded admin group below.
	adminAuthRoutes := api.Group("/admin/auth")
	adminAuthRoutes.Post("/signin", authHandler.AdminSignin)
	adminAuthRoutes.Post("/send-otp", authHandler.SendOTP)
	adminAuthRoutes.Post("/verify-otp", authHandler.VerifyOTP)
	adminAuthRoutes.Post("/logout", authMiddleware.RequireAuth, authHandler.Logout)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Get("/accounts", adminHandler.ListAccounts)
	adminRoutes.Patch("/accounts/:publicId/status", adminHandler.SetAccountStatus)
	adminRoutes.Get("/audit-logs", adminHandler.ListAuditLogs)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":     cfg.Server.Port,
		"address":  listenAddr,
		"archiver": archive != nil,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}

	// Flush whatever the audit queue still holds before the process exits.
	auditService.Close()
	if err := cacheClient.Close(); err != nil {
		log.Printf("redis close failed: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
