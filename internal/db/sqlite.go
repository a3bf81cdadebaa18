package db

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/kiro-accounts/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string, logLevel string) (*gorm.DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		// WAL keeps readers off the writer's lock; busy_timeout covers
		// brief contention between the API and the refresh loop.
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(parseLogLevel(logLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	// One connection: SQLite has a single writer, and queued transactions
	// are simpler to reason about than SQLITE_BUSY upgrades. Code running
	// inside a transaction must only use its tx handle.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	ensureAPIKey(db)
	return db, nil
}

// Migrate creates or updates every table this module owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Account{},
		&models.MachineBinding{},
		&models.MachineGuidBackup{},
		&models.Config{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

const apiKeyConfig = "api_key"

// ensureAPIKey generates the command API key on first run.
func ensureAPIKey(db *gorm.DB) {
	var config models.Config
	result := db.Where("key = ?", apiKeyConfig).First(&config)

	if result.Error != nil {
		apiKey := newAPIKey()
		db.Create(&models.Config{
			Key:   apiKeyConfig,
			Value: apiKey,
		})
		log.Printf("🔑 Generated new API key: %s", maskKey(apiKey))
	}
}

// GetAPIKey retrieves the command API key.
func GetAPIKey(db *gorm.DB) string {
	var config models.Config
	db.Where("key = ?", apiKeyConfig).First(&config)
	return config.Value
}

// RegenerateAPIKey replaces the command API key.
func RegenerateAPIKey(db *gorm.DB) string {
	apiKey := newAPIKey()
	db.Model(&models.Config{}).Where("key = ?", apiKeyConfig).Update("value", apiKey)
	log.Printf("🔑 Regenerated API key: %s", maskKey(apiKey))
	return apiKey
}

func newAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "ka-" + hex.EncodeToString(keyBytes)
}

func maskKey(k string) string {
	if len(k) < 12 {
		return "***"
	}
	return k[:5] + "..." + k[len(k)-4:]
}
