package storage

import (
	"context"
	"errors"
	"strings"

	logx "snapkeep/pkg/logx"
)

// Store is the durable backup persistence API.
type Store interface {
	// Put stores or replaces the backup for uri. A version older than the
	// stored one is ignored.
	Put(ctx context.Context, uri string, content []byte, version int64, meta map[string]string) error

	// Get loads the backup for uri, or ErrNotFound.
	Get(ctx context.Context, uri string) (Backup, error)

	// Discard removes the backup for uri. Idempotent: removing a URI with no
	// stored backup is a no-op.
	Discard(ctx context.Context, uri string) error

	// List returns all stored backups without content, most recent first.
	List(ctx context.Context) ([]Backup, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
