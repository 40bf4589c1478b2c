package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	logx "studiobot/pkg/logx"

	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresSchema string

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*sqlStore, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if dsn == "" {
		return nil, errors.New("postgres connection string is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConn
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &sqlStore{db: db, d: postgresDialect, log: log}
	if err := st.migrate(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store ready", logx.Int("max_open", maxOpen))
	return st, nil
}
