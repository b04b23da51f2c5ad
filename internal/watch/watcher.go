package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"snapkeep/internal/document"
	logx "snapkeep/pkg/logx"
)

// Watcher mirrors the files of one directory into the document registry, so
// files edited by external tools get debounced recovery snapshots.
//
// Mapping: a created or modified file is a dirty document with a fresh content
// change; a removed file is an unregistration. Watched documents never become
// clean (there is no "save" in this mode), so a veto policy for watcher
// deployments should key off pending jobs only.
type Watcher struct {
	log logx.Logger
	dir string
	reg *document.Registry
}

func New(dir string, reg *document.Registry, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{log: log, dir: dir, reg: reg}
}

// fileDoc adapts a file on disk to the document contract.
type fileDoc struct {
	uri   string
	path  string
	dirty atomic.Bool
}

func (d *fileDoc) URI() string    { return d.uri }
func (d *fileDoc) Dirty() bool    { return d.dirty.Load() }
func (d *fileDoc) Untitled() bool { return false }

func (d *fileDoc) Snapshot(ctx context.Context) (document.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return document.Snapshot{}, err
	}
	b, err := os.ReadFile(d.path)
	if err != nil {
		return document.Snapshot{}, err
	}
	return document.Snapshot{
		Content: b,
		Meta:    map[string]string{"path": d.path},
	}, nil
}

func fileURI(path string) string { return "file://" + filepath.ToSlash(path) }

// Run blocks, feeding filesystem events into the registry until ctx ends.
// A broken watcher is recreated with backoff (same self-heal approach as the
// config watcher).
func (w *Watcher) Run(ctx context.Context) error {
	dir, err := filepath.Abs(w.dir)
	if err != nil {
		return err
	}

	if err := w.scan(dir); err != nil {
		return err
	}

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if aerr := fw.Add(dir); aerr != nil {
				_ = fw.Close()
				err = aerr
			}
		}
		if err != nil {
			w.log.Warn("watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < backoffMax {
				backoff *= 2
			}
			continue
		}

		backoff = backoffBase
		w.log.Info("watching directory", logx.String("dir", dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				w.handle(ev)
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					w.log.Warn("watch error", logx.Err(err), logx.String("dir", dir))
					if strings.Contains(strings.ToLower(err.Error()), "closed") {
						broken = true
					}
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < backoffMax {
			backoff *= 2
		}
	}
}

// scan registers files already present at startup. They are registered clean:
// on-disk content is durable until someone modifies it.
func (w *Watcher) scan(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		doc := &fileDoc{uri: fileURI(path), path: path}
		if err := w.reg.Add(doc); err != nil && !errors.Is(err, document.ErrAlreadyRegistered) {
			return err
		}
	}
	return nil
}

func (w *Watcher) handle(ev fsnotify.Event) {
	path := ev.Name
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return
	}
	uri := fileURI(path)

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.reg.Remove(uri)

	case ev.Op&fsnotify.Create != 0:
		doc := &fileDoc{uri: uri, path: path}
		doc.dirty.Store(true)
		if err := w.reg.Add(doc); err != nil {
			if errors.Is(err, document.ErrAlreadyRegistered) {
				w.touch(uri)
			}
			return
		}

	case ev.Op&fsnotify.Write != 0:
		w.touch(uri)
	}
}

// touch marks the document dirty and announces a content change.
func (w *Watcher) touch(uri string) {
	doc, ok := w.reg.Get(uri)
	if !ok {
		return
	}
	if fd, ok := doc.(*fileDoc); ok {
		// A write may race with removal; tolerate a vanished file by leaving
		// the snapshot call to report it.
		if _, err := os.Stat(fd.path); err != nil && errors.Is(err, fs.ErrNotExist) {
			return
		}
		fd.dirty.Store(true)
	}
	w.reg.NotifyContentChanged(uri)
}
