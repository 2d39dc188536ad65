// Package db records pipeline runs and their results in SQLite so latency
// and classification behaviour can be analysed after the fact.
package db

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/edgepipe/internal/monitoring"
)

type DB struct {
	*sql.DB
	log *zap.Logger
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA synchronous=NORMAL",
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string, logger *zap.Logger) (*DB, error) {
	d, err := OpenRaw(path, logger)
	if err != nil {
		return nil, err
	}
	if err := d.MigrateUp(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// OpenRaw opens the database without touching the schema.
func OpenRaw(path string, logger *zap.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// One writer; SQLite serialises writes anyway.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, log: monitoring.OrNop(logger).Named("db")}, nil
}
