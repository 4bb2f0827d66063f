// Package database persists passcodes, enrolled credentials and the access
// log in SQLite through GORM.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Config holds database configuration
type Config struct {
	Path            string // Path to SQLite database file
	DefaultPasscode string // Seeded when no passcode is stored
}

// DB wraps the GORM database instance
type DB struct {
	db *gorm.DB
}

// NewDB opens the database with the pure Go SQLite driver, migrates the
// schema and seeds the default passcode.
func NewDB(config Config, log zerolog.Logger) (*DB, error) {
	dbLog := log.With().Str("component", "database").Logger()
	gormLog := logger.New(
		&dbLog,
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if err := configureSQLite(sqlDB); err != nil {
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	if err := db.AutoMigrate(&Passcode{}, &FingerprintTemplate{}, &FaceUser{}, &Card{}, &AccessEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	seed := config.DefaultPasscode
	if seed == "" {
		seed = DefaultPasscode
	}
	if err := NewPasscodeRepository(db).EnsureDefault(seed); err != nil {
		return nil, fmt.Errorf("failed to seed passcode: %w", err)
	}

	dbLog.Info().Str("path", config.Path).Msg("database initialized")

	return &DB{db: db}, nil
}

// configureSQLite applies the connection PRAGMAs
func configureSQLite(sqlDB *sql.DB) error {
	pragmaSettings := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=memory",
	}

	for _, pragma := range pragmaSettings {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}

	return nil
}

// GetDB returns the underlying GORM database instance
func (db *DB) GetDB() *gorm.DB {
	return db.db
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks if the database connection is healthy
func (db *DB) Health() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Stats returns database connection statistics
func (db *DB) Stats() sql.DBStats {
	sqlDB, _ := db.db.DB()
	return sqlDB.Stats()
}
