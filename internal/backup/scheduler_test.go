package backup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"snapkeep/internal/document"
	logx "snapkeep/pkg/logx"
)

// Delays short enough to keep tests fast but long enough to schedule work
// between ticks.
const (
	testBaseline = 40 * time.Millisecond
	testShort    = 120 * time.Millisecond
)

type fakeDoc struct {
	uri      string
	untitled bool
	dirty    atomic.Bool

	snapErr   error
	snapCalls atomic.Int32

	// gate, when non-nil, blocks Snapshot until closed (or ctx is done).
	gate chan struct{}

	content []byte
}

func newDirtyDoc(uri string) *fakeDoc {
	d := &fakeDoc{uri: uri, content: []byte("hello")}
	d.dirty.Store(true)
	return d
}

func (d *fakeDoc) URI() string    { return d.uri }
func (d *fakeDoc) Dirty() bool    { return d.dirty.Load() }
func (d *fakeDoc) Untitled() bool { return d.untitled }

func (d *fakeDoc) Snapshot(ctx context.Context) (document.Snapshot, error) {
	d.snapCalls.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return document.Snapshot{}, ctx.Err()
		}
	}
	if d.snapErr != nil {
		return document.Snapshot{}, d.snapErr
	}
	return document.Snapshot{Content: d.content, Meta: map[string]string{"kind": "test"}}, nil
}

type putCall struct {
	uri     string
	content []byte
	version int64
}

type fakeStore struct {
	mu       sync.Mutex
	puts     []putCall
	discards []string
	putErr   error
}

func (s *fakeStore) Put(ctx context.Context, uri string, content []byte, version int64, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, putCall{uri: uri, content: content, version: version})
	return nil
}

func (s *fakeStore) Discard(ctx context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discards = append(s.discards, uri)
	return nil
}

func (s *fakeStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *fakeStore) lastPut() putCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.puts) == 0 {
		return putCall{}
	}
	return s.puts[len(s.puts)-1]
}

func (s *fakeStore) discardCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.discards)
}

func newTestScheduler(t *testing.T, store Store, mode AutoSaveMode) *Scheduler {
	t.Helper()
	s := New(
		Config{Delays: Delays{Baseline: testBaseline, ShortDelayAutoSave: testShort}},
		store,
		CadenceFunc(func() AutoSaveMode { return mode }),
		logx.Nop(),
	)
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleFiresWithVersionZero(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")

	s.DocumentRegistered(doc)
	waitFor(t, time.Second, "backup write", func() bool { return store.putCount() == 1 })

	put := store.lastPut()
	if put.version != 0 {
		t.Fatalf("expected version 0 with no content change, got %d", put.version)
	}
	if string(put.content) != "hello" {
		t.Fatalf("unexpected content %q", put.content)
	}
	if s.HasPending(doc.uri) {
		t.Fatalf("pending job should be cleared after firing")
	}
}

func TestContentChangeCarriesBumpedVersion(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")

	s.DocumentContentChanged(doc)
	waitFor(t, time.Second, "backup write", func() bool { return store.putCount() == 1 })

	if put := store.lastPut(); put.version != 1 {
		t.Fatalf("expected version 1 after one content change, got %d", put.version)
	}
}

func TestDebounceCollapsesToSinglePut(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")

	for i := 0; i < 3; i++ {
		s.DocumentContentChanged(doc)
		time.Sleep(testBaseline / 2)
	}

	waitFor(t, time.Second, "backup write", func() bool { return store.putCount() >= 1 })
	// Give a superfluous second write a chance to show up.
	time.Sleep(2 * testBaseline)

	if n := store.putCount(); n != 1 {
		t.Fatalf("expected exactly one backup write, got %d", n)
	}
	if put := store.lastPut(); put.version != 3 {
		t.Fatalf("expected version 3 after three content changes, got %d", put.version)
	}
}

func TestAtMostOnePendingJob(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")

	for i := 0; i < 5; i++ {
		s.Schedule(doc)
	}
	if n := s.PendingCount(); n != 1 {
		t.Fatalf("expected exactly one pending job, got %d", n)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")

	s.Schedule(doc)
	s.Cancel(doc.uri)

	time.Sleep(2 * testBaseline)
	if n := store.putCount(); n != 0 {
		t.Fatalf("expected no backup writes after cancel, got %d", n)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("expected no pending jobs after cancel")
	}
	// Cancelling again is a no-op.
	s.Cancel(doc.uri)
}

func TestCleanDocumentCancelsAndDiscards(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")

	s.Schedule(doc)
	doc.dirty.Store(false)
	s.DocumentDirtyChanged(doc)

	waitFor(t, time.Second, "discard", func() bool { return store.discardCount() == 1 })
	time.Sleep(2 * testBaseline)

	if n := store.putCount(); n != 0 {
		t.Fatalf("expected no backup writes, got %d", n)
	}
}

func TestUnregisterCancelsForgetsAndDiscards(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")

	s.DocumentContentChanged(doc)
	if v := s.ContentVersion(doc.uri); v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	s.DocumentUnregistered(doc)
	waitFor(t, time.Second, "discard", func() bool { return store.discardCount() == 1 })

	if s.HasPending(doc.uri) {
		t.Fatalf("pending job should be cancelled on unregister")
	}
	if v := s.ContentVersion(doc.uri); v != 0 {
		t.Fatalf("expected version forgotten on unregister, got %d", v)
	}
	time.Sleep(2 * testBaseline)
	if n := store.putCount(); n != 0 {
		t.Fatalf("expected no backup writes, got %d", n)
	}
}

func TestCleanDuringCaptureAbortsStore(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")
	doc.gate = make(chan struct{})

	s.Schedule(doc)
	waitFor(t, time.Second, "capture start", func() bool { return doc.snapCalls.Load() == 1 })

	// The document is saved while the capture is still in flight.
	doc.dirty.Store(false)
	close(doc.gate)

	waitFor(t, time.Second, "job cleanup", func() bool { return !s.HasPending(doc.uri) })
	if n := store.putCount(); n != 0 {
		t.Fatalf("expected no backup writes when document went clean mid-capture, got %d", n)
	}
}

func TestVersionReadAtSubmissionTime(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")
	doc.gate = make(chan struct{})

	s.DocumentContentChanged(doc) // v1, schedules
	waitFor(t, time.Second, "capture start", func() bool { return doc.snapCalls.Load() >= 1 })

	// The version advances while the capture is in flight; the stored record
	// must carry the newer value.
	s.mu.Lock()
	s.versions.bump(doc.uri)
	s.mu.Unlock()
	close(doc.gate)

	waitFor(t, time.Second, "backup write", func() bool { return store.putCount() == 1 })
	if put := store.lastPut(); put.version != 2 {
		t.Fatalf("expected version 2 read at submission time, got %d", put.version)
	}
}

func TestSupersedingScheduleCancelsInFlightJob(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")
	doc.gate = make(chan struct{})

	s.Schedule(doc)
	waitFor(t, time.Second, "capture start", func() bool { return doc.snapCalls.Load() == 1 })

	// Superseding schedule while the first capture is blocked: the first
	// job's context is cancelled, only the second write lands. Opening the
	// gate unblocks both runs; the first aborts on its dead context.
	s.Schedule(doc)
	close(doc.gate)

	waitFor(t, time.Second, "backup write", func() bool { return store.putCount() >= 1 })
	time.Sleep(2 * testBaseline)
	if n := store.putCount(); n != 1 {
		t.Fatalf("expected exactly one backup write, got %d", n)
	}
}

func TestSnapshotFailureClearsPending(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")
	doc.snapErr = errors.New("no content")

	s.Schedule(doc)
	waitFor(t, time.Second, "job cleanup", func() bool { return !s.HasPending(doc.uri) })
	if n := store.putCount(); n != 0 {
		t.Fatalf("expected no backup writes on capture failure, got %d", n)
	}
}

func TestStoreFailureClearsPending(t *testing.T) {
	store := &fakeStore{putErr: errors.New("disk full")}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := newDirtyDoc("file:///doc1")

	s.Schedule(doc)
	waitFor(t, time.Second, "job cleanup", func() bool {
		return doc.snapCalls.Load() >= 1 && !s.HasPending(doc.uri)
	})
	// A failed attempt is terminal; the next event reschedules.
	s.DocumentContentChanged(doc)
	if !s.HasPending(doc.uri) {
		t.Fatalf("expected reschedule after failure")
	}
}

func TestRegisteredCleanDoesNotSchedule(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := &fakeDoc{uri: "file:///doc1"}

	s.DocumentRegistered(doc)
	if s.PendingCount() != 0 {
		t.Fatalf("clean registration must not schedule")
	}
}

func TestContentChangeOnCleanBumpsWithoutJob(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	doc := &fakeDoc{uri: "file:///doc1"}

	s.DocumentContentChanged(doc)
	if v := s.ContentVersion(doc.uri); v != 1 {
		t.Fatalf("expected unconditional bump to 1, got %d", v)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("clean content change must not schedule")
	}
}

func TestAttachBackfillsDirtyDocuments(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)

	reg := document.NewRegistry(logx.Nop())
	dirty := newDirtyDoc("file:///dirty")
	clean := &fakeDoc{uri: "file:///clean"}
	if err := reg.Add(dirty); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(clean); err != nil {
		t.Fatalf("add: %v", err)
	}

	s.Attach(reg)
	if !s.HasPending(dirty.uri) {
		t.Fatalf("expected backfill to schedule the already-dirty document")
	}
	if s.HasPending(clean.uri) {
		t.Fatalf("clean document must not be scheduled at attach")
	}
}

func TestCloseCancelsEverything(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	for _, uri := range []string{"file:///a", "file:///b", "file:///c"} {
		s.Schedule(newDirtyDoc(uri))
	}

	s.Close()
	if s.PendingCount() != 0 {
		t.Fatalf("expected all pending jobs cancelled on close")
	}
	time.Sleep(2 * testBaseline)
	if n := store.putCount(); n != 0 {
		t.Fatalf("expected no backup writes after close, got %d", n)
	}
}
