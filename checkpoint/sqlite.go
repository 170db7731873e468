package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zeu5/dist-rl-driving/core"
	"github.com/zeu5/dist-rl-driving/util"
)

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteStore keeps checkpoints as rows keyed by name. Saving an existing
// name replaces it.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between concurrent async saves
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	const latest = 1

	var cur sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&cur); err != nil {
		return err
	}
	for v := int(cur.Int64) + 1; v <= latest; v++ {
		if err := s.apply(ctx, v); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
	}
	return nil
}

func (s *SQLiteStore) apply(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS checkpoints (
  name TEXT PRIMARY KEY,
  params BLOB NOT NULL,
  digest TEXT NOT NULL,
  saved_at_ns INTEGER NOT NULL
);
`); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown migration version %d", version)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, ?);`,
		version, time.Now().UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Save(ctx context.Context, name string, params core.Parameters) error {
	if err := checkName(name); err != nil {
		return err
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints(name, params, digest, saved_at_ns) VALUES(?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET params=excluded.params, digest=excluded.digest, saved_at_ns=excluded.saved_at_ns;`,
		name, bs, util.JsonHash(params), time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (core.Parameters, error) {
	var bs []byte
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT params, digest FROM checkpoints WHERE name = ?;`, name).Scan(&bs, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	var params core.Parameters
	if err := json.Unmarshal(bs, &params); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", name, err)
	}
	if util.JsonHash(params) != digest {
		return nil, fmt.Errorf("checkpoint %s: digest mismatch", name)
	}
	return params, nil
}

// Names lists stored checkpoints, most recent first.
func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM checkpoints ORDER BY saved_at_ns DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
