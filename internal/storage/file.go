package storage

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "snapkeep/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout: one file per backup under the configured directory, named by a hash
// of the document URI. Each file is a single JSON header line (identity,
// version, metadata, timestamp) followed by the raw snapshot content. Writes
// go through a temp file plus rename so a crash never leaves a torn backup.
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex
}

type fileHeader struct {
	URI       string            `json:"uri"`
	Version   int64             `json:"version"`
	Meta      map[string]string `json:"meta,omitempty"`
	UpdatedAt int64             `json:"updated_at"` // unix milli
}

const backupExt = ".bak"

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) path(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:20])+backupExt)
}

func (s *fileStore) Put(ctx context.Context, uri string, content []byte, version int64, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return errors.New("empty uri")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(uri)
	if prev, err := readHeader(path); err == nil && prev.Version > version {
		s.log.Debug("stale backup write ignored",
			logx.String("uri", uri),
			logx.Int64("version", version),
			logx.Int64("stored", prev.Version),
		)
		return nil
	}

	hdr, err := json.Marshal(fileHeader{
		URI:       uri,
		Version:   version,
		Meta:      meta,
		UpdatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Grow(len(hdr) + 1 + len(content))
	buf.Write(hdr)
	buf.WriteByte('\n')
	buf.Write(content)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Get(ctx context.Context, uri string) (Backup, error) {
	if err := ctx.Err(); err != nil {
		return Backup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path(uri))
	if errors.Is(err, fs.ErrNotExist) {
		return Backup{}, ErrNotFound
	}
	if err != nil {
		return Backup{}, err
	}

	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return Backup{}, fmt.Errorf("corrupt backup file for %q: missing header", uri)
	}
	var hdr fileHeader
	if err := json.Unmarshal(b[:i], &hdr); err != nil {
		return Backup{}, fmt.Errorf("corrupt backup header for %q: %w", uri, err)
	}
	return Backup{
		URI:       hdr.URI,
		Content:   b[i+1:],
		Version:   hdr.Version,
		Meta:      hdr.Meta,
		UpdatedAt: time.UnixMilli(hdr.UpdatedAt),
	}, nil
}

func (s *fileStore) Discard(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(uri))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) List(ctx context.Context) ([]Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	out := make([]Backup, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), backupExt) {
			continue
		}
		hdr, err := readHeader(filepath.Join(s.dir, e.Name()))
		if err != nil {
			// Unreadable entries are skipped, not fatal: a torn temp file or
			// foreign file in the directory must not break listing.
			s.log.Debug("skipping unreadable backup file", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		out = append(out, Backup{
			URI:       hdr.URI,
			Version:   hdr.Version,
			Meta:      hdr.Meta,
			UpdatedAt: time.UnixMilli(hdr.UpdatedAt),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// readHeader parses just the first line of a backup file.
func readHeader(path string) (fileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileHeader{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return fileHeader{}, err
	}
	var hdr fileHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return fileHeader{}, err
	}
	return hdr, nil
}
