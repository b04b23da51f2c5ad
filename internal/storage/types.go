package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("backup not found")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend, Path is a directory
//   - "sqlite": SQLite database, Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backup is one stored recovery snapshot.
//
// List results omit Content; use Get to load it.
type Backup struct {
	URI       string
	Content   []byte
	Version   int64
	Meta      map[string]string
	UpdatedAt time.Time
}
