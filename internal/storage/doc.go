// Package storage persists recovery snapshots ("backups") of documents,
// keyed by document URI.
//
// It currently supports:
//   - A dependency-free file backend (one file per backup, atomic renames)
//   - A SQLite database file
//
// Both drivers fence writes by version: a Put carrying an older version than
// the stored record is silently ignored, so writes that arrive out of order
// cannot clobber a newer backup.
package storage
