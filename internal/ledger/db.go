package ledger

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

// Open opens (or creates) the ledger database at path and migrates the
// schema. The connection is opened manually via database/sql using the
// modernc driver, then handed to GORM so it does not try to open a second
// connection with go-sqlite3.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: initialize gorm: %w", err)
	}

	if err := db.AutoMigrate(&Attempt{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}

	logger.Named("ledger").Info("ledger opened", zap.String("path", path))
	return db, nil
}
