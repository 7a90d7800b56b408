package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

// Open connects to the configured database for the durable job store.
// driver is "sqlite" or "postgres"; dsn is the SQLite file path or the
// Postgres DSN respectively.
func Open(driver, dsn string, log *logger.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{TranslateError: true}

	switch driver {
	case "sqlite":
		log.Info("Opening SQLite database", "path", dsn)
		gdb, err := gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return gdb, nil
	case "postgres":
		log.Info("Connecting to Postgres...")
		gdb, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return gdb, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
