package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "snapkeep/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, uri string, content []byte, version int64, meta map[string]string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return errors.New("empty uri")
	}
	// Stale versions lose the conflict: the WHERE clause drops the update.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups(uri, content, version, meta, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(uri) DO UPDATE
		 SET content=excluded.content, version=excluded.version,
		     meta=excluded.meta, updated_at=excluded.updated_at
		 WHERE excluded.version >= backups.version`,
		uri, content, version, metaJSON(meta), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, uri string) (Backup, error) {
	var (
		b    Backup
		meta sql.NullString
		ms   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT uri, content, version, meta, updated_at FROM backups WHERE uri = ?`, uri,
	).Scan(&b.URI, &b.Content, &b.Version, &meta, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Backup{}, ErrNotFound
	}
	if err != nil {
		return Backup{}, err
	}
	b.Meta = parseMeta(meta, s.log, uri)
	b.UpdatedAt = time.UnixMilli(ms)
	return b, nil
}

func (s *sqliteStore) Discard(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE uri = ?`, uri)
	return err
}

func (s *sqliteStore) List(ctx context.Context) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uri, version, meta, updated_at FROM backups ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var (
			b    Backup
			meta sql.NullString
			ms   int64
		)
		if err := rows.Scan(&b.URI, &b.Version, &meta, &ms); err != nil {
			return nil, err
		}
		b.Meta = parseMeta(meta, s.log, b.URI)
		b.UpdatedAt = time.UnixMilli(ms)
		out = append(out, b)
	}
	return out, rows.Err()
}

func metaJSON(meta map[string]string) any {
	if len(meta) == 0 {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return string(b)
}

func parseMeta(v sql.NullString, log logx.Logger, uri string) map[string]string {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		log.Debug("ignoring corrupt backup meta", logx.String("uri", uri), logx.Err(err))
		return nil
	}
	return m
}
