package backup

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"snapkeep/internal/document"
	logx "snapkeep/pkg/logx"
)

// Store is the durable backup sink the scheduler writes to.
// Both operations must honor ctx cancellation. Discard is idempotent.
type Store interface {
	Put(ctx context.Context, uri string, content []byte, version int64, meta map[string]string) error
	Discard(ctx context.Context, uri string) error
}

type Config struct {
	Delays Delays

	// DiscardTimeout bounds the background discard issued when a document
	// becomes clean or is unregistered. 0 means 10s.
	DiscardTimeout time.Duration
}

// pendingBackup pairs the armed debounce timer with the cancellation handle
// for one document's scheduled backup attempt. At most one exists per URI.
type pendingBackup struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

// Scheduler owns the content-version and pending-job maps and drives the
// debounce/cancel/fire cycle. It implements document.Listener.
type Scheduler struct {
	log     logx.Logger
	store   Store
	cadence CadenceProvider

	delays         Delays
	discardTimeout time.Duration

	// failLog caps failure log volume while storage is unhealthy.
	failLog *rate.Limiter

	ctx      context.Context
	shutdown context.CancelFunc

	mu       sync.Mutex
	versions *versionTracker
	pending  map[string]*pendingBackup
}

func New(cfg Config, store Store, cadence CadenceProvider, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cadence == nil {
		cadence = CadenceFunc(func() AutoSaveMode { return AutoSaveOff })
	}
	discardTimeout := cfg.DiscardTimeout
	if discardTimeout <= 0 {
		discardTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:            log,
		store:          store,
		cadence:        cadence,
		delays:         cfg.Delays.normalized(),
		discardTimeout: discardTimeout,
		failLog:        rate.NewLimiter(rate.Limit(1), 5),
		ctx:            ctx,
		shutdown:       cancel,
		versions:       newVersionTracker(),
		pending:        map[string]*pendingBackup{},
	}
}

// Attach subscribes the scheduler to registry events and schedules a backup
// for every document that was already dirty before the scheduler existed
// (startup/reload backfill).
func (s *Scheduler) Attach(reg *document.Registry) {
	reg.Subscribe(s)
	for _, doc := range reg.Dirty() {
		s.Schedule(doc)
	}
}

// ---- document.Listener ----

func (s *Scheduler) DocumentRegistered(doc document.Document) {
	if doc.Dirty() {
		s.Schedule(doc)
	}
}

func (s *Scheduler) DocumentUnregistered(doc document.Document) {
	uri := doc.URI()
	s.mu.Lock()
	s.versions.forget(uri)
	s.cancelLocked(uri)
	s.mu.Unlock()
	s.discardAsync(uri)
}

func (s *Scheduler) DocumentDirtyChanged(doc document.Document) {
	if doc.Dirty() {
		s.Schedule(doc)
		return
	}
	s.Cancel(doc.URI())
	s.discardAsync(doc.URI())
}

func (s *Scheduler) DocumentContentChanged(doc document.Document) {
	uri := doc.URI()

	// The bump is unconditional: external observers rely on version
	// monotonicity independent of the dirty flag.
	s.mu.Lock()
	v := s.versions.bump(uri)
	s.mu.Unlock()

	if doc.Dirty() {
		s.Schedule(doc)
	} else if s.log.Enabled(logx.LevelTrace) {
		s.log.Trace("content changed on clean document", logx.String("uri", uri), logx.Int64("version", v))
	}
}

// ---- scheduling engine ----

// Schedule cancels and replaces any pending backup job for the document, then
// arms a fresh debounce timer. Rescheduling while edits continue is what keeps
// pushing the backup write out.
func (s *Scheduler) Schedule(doc document.Document) {
	uri := doc.URI()
	delay := s.delayFor(doc)

	s.mu.Lock()
	s.cancelLocked(uri)

	ctx, cancel := context.WithCancel(s.ctx)
	job := &pendingBackup{cancel: cancel}
	job.timer = time.AfterFunc(delay, func() { s.run(ctx, doc, job) })
	s.pending[uri] = job
	s.mu.Unlock()

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("backup scheduled", logx.String("uri", uri), logx.Duration("delay", delay))
	}
}

// Cancel stops and removes the pending job for the URI, if any.
// Idempotent: cancelling a URI with no job is a no-op.
func (s *Scheduler) Cancel(uri string) {
	s.mu.Lock()
	s.cancelLocked(uri)
	s.mu.Unlock()
}

func (s *Scheduler) cancelLocked(uri string) {
	job, ok := s.pending[uri]
	if !ok {
		return
	}
	job.cancel()
	job.timer.Stop()
	delete(s.pending, uri)
}

// run executes one fired backup attempt. Every suspension point re-checks
// cancellation, and the dirty flag is checked both before and after the
// asynchronous snapshot capture: the user may save or revert at any time
// between the timer firing and the store call, and a backup of clean content
// would be a stale write.
func (s *Scheduler) run(ctx context.Context, doc document.Document, job *pendingBackup) {
	uri := doc.URI()
	defer s.finish(uri, job)

	if ctx.Err() != nil {
		return
	}
	if !doc.Dirty() {
		return
	}

	snap, err := doc.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		s.failure("snapshot capture failed", uri, err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if !doc.Dirty() {
		return
	}

	// Fencing read: the version current now, not at schedule time. A content
	// change that happened during the capture window makes the stored record
	// carry the newer value.
	s.mu.Lock()
	version := s.versions.current(uri)
	s.mu.Unlock()

	if err := s.store.Put(ctx, uri, snap.Content, version, snap.Meta); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		s.failure("backup store failed", uri, err)
		return
	}

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("backup stored",
			logx.String("uri", uri),
			logx.Int64("version", version),
			logx.Int("bytes", len(snap.Content)),
		)
	}
}

// finish releases the job's context and removes its pending entry, unless a
// superseding Schedule already replaced it.
func (s *Scheduler) finish(uri string, job *pendingBackup) {
	job.cancel()
	s.mu.Lock()
	if s.pending[uri] == job {
		delete(s.pending, uri)
	}
	s.mu.Unlock()
}

// discardAsync requests removal of any stored backup for the URI without
// blocking the event handler that triggered it. Discarding a URI with no
// stored backup is a no-op, not an error.
func (s *Scheduler) discardAsync(uri string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.discardTimeout)
		defer cancel()
		if err := s.store.Discard(ctx, uri); err != nil {
			s.failure("backup discard failed", uri, err)
		}
	}()
}

func (s *Scheduler) failure(msg, uri string, err error) {
	if s.failLog.Allow() {
		s.log.Warn(msg, logx.String("uri", uri), logx.Err(err))
	}
}

// ---- state inspection ----

// HasPending reports whether a backup job is pending or in flight for the URI.
func (s *Scheduler) HasPending(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[uri]
	return ok
}

// PendingCount returns the number of pending or in-flight backup jobs.
// This set is the authoritative source of "backup work not yet persisted".
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// PendingURIs returns the URIs with a pending or in-flight backup job.
func (s *Scheduler) PendingURIs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uris := make([]string, 0, len(s.pending))
	for uri := range s.pending {
		uris = append(uris, uri)
	}
	return uris
}

// ContentVersion returns the document's current content version
// (0 if no content change was ever observed).
func (s *Scheduler) ContentVersion(uri string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions.current(uri)
}

// Close cancels every pending job and the scheduler's lifetime context.
// The scheduler must not be used afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for uri, job := range s.pending {
		job.cancel()
		job.timer.Stop()
		delete(s.pending, uri)
	}
	s.mu.Unlock()
	s.shutdown()
}
