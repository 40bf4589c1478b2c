package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "studiobot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

const defaultBusyTimeout = 5 * time.Second

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqlStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; claims and leases rely on statements not interleaving.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, d: sqliteDialect, log: log}
	if err := st.migrate(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}
