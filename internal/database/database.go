package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/paymesh/backend/internal/config"
	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/services"
	"github.com/paymesh/backend/pkg/utils"
)

func Connect(cfg config.DBConfig, admin config.AdminConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	if err := seedAdminAccount(db, admin); err != nil {
		return nil, err
	}

	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Account{},
		&models.OneTimeCode{},
		&models.AuditLog{},
		&models.AuditArchiveCursor{},
	); err != nil {
		return err
	}

	// The application never flips Active on an unverified account, but
	// the database enforces it anyway for anything writing rows directly.
	constraint := `
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1
    FROM pg_constraint
    WHERE conname = 'account_active_verified_check'
  ) THEN
    ALTER TABLE accounts
    ADD CONSTRAINT account_active_verified_check
    CHECK (
      NOT active
      OR (email_verified AND phone_verified)
    );
  END IF;
END $$;`

	return db.Exec(constraint).Error
}

func seedAdminAccount(db *gorm.DB, cfg config.AdminConfig) error {
	var count int64
	if err := db.Model(&models.Account{}).
		Where("role = ?", models.AccountRoleAdmin).
		Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	publicID, err := allocateSeedPublicID(db)
	if err != nil {
		return err
	}

	hash, err := utils.HashPassword(cfg.Password)
	if err != nil {
		return err
	}

	admin := models.Account{
		PublicID:      publicID,
		Name:          cfg.Name,
		Email:         cfg.Email,
		Phone:         cfg.Phone,
		PasswordHash:  hash,
		Active:        true,
		EmailVerified: true,
		PhoneVerified: true,
		MFAEnabled:    true,
		Role:          models.AccountRoleAdmin,
	}

	return db.Create(&admin).Error
}

func allocateSeedPublicID(db *gorm.DB) (string, error) {
	for i := 0; i < 10; i++ {
		candidate, err := services.GeneratePublicID()
		if err != nil {
			return "", err
		}

		var count int64
		if err := db.Model(&models.Account{}).
			Where("public_id = ?", candidate).
			Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique public id for the seed admin")
}
