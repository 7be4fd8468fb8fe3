package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/caiqy/vrcguard/internal/models"
)

// Migrate applies the schema for all persisted models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Binding{},
		&models.GroupBinding{},
		&models.Verification{},
		&models.GlobalVerification{},
		&models.GroupSetting{},
	)
}
