package database

import (
	"fmt"

	"chatflow-engine/internal/config"
	"chatflow-engine/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to postgres when configured, otherwise to a local sqlite
// file, and runs the schema migration.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if cfg.UsePostgres() {
		dialector = postgres.Open(cfg.PostgresDSN())
	} else {
		dialector = sqlite.Open(cfg.DBPath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs the auto-migration for all record kinds. The unique index on
// messages.provider_message_id is created here and is load-bearing for
// ingestion idempotency.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.ConnectionRecord{},
		&models.Flow{},
		&models.FlowNode{},
		&models.FlowEdge{},
		&models.FlowState{},
		&models.Message{},
		&models.Contact{},
		&models.Template{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}
