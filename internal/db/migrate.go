package db

import (
	"fmt"

	"github.com/zulandar/gatherchat/internal/config"
	"github.com/zulandar/gatherchat/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the local store needs.
func AllModels() []interface{} {
	return []interface{}{
		&models.ChatMessage{},
		&models.OutboxEntry{},
		&models.Ticket{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Open connects using cfg and migrates the schema.
func Open(cfg config.StoreConfig) (*gorm.DB, error) {
	gdb, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
