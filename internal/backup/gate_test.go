package backup

import (
	"context"
	"testing"
	"time"

	"snapkeep/internal/runtime/lifecycle"
	logx "snapkeep/pkg/logx"
)

func TestDrainVetoPolicy(t *testing.T) {
	cases := []struct {
		dirty, pending int
		want           bool
	}{
		{0, 0, false},
		{1, 0, true},
		{0, 1, true},
		{3, 2, true},
	}
	for _, tc := range cases {
		for _, reason := range []lifecycle.Reason{lifecycle.ReasonQuit, lifecycle.ReasonReload} {
			if got := DrainVetoPolicy(reason, tc.dirty, tc.pending); got != tc.want {
				t.Fatalf("dirty=%d pending=%d reason=%s: got %v, want %v", tc.dirty, tc.pending, reason, got, tc.want)
			}
		}
	}
}

func TestShutdownGateVetoesWhilePending(t *testing.T) {
	store := &fakeStore{}
	s := newTestScheduler(t, store, AutoSaveOff)
	lc := lifecycle.New(context.Background())

	s.RegisterShutdownGate(lc, nil, nil)

	doc := newDirtyDoc("file:///doc1")
	s.Schedule(doc)

	ctx := context.Background()
	if !lc.RequestShutdown(ctx, lifecycle.ReasonQuit) {
		t.Fatalf("expected veto while a backup job is pending")
	}
	if lc.Context().Err() != nil {
		t.Fatalf("vetoed shutdown must not cancel the context")
	}

	waitFor(t, time.Second, "backup write", func() bool { return store.putCount() == 1 })
	if lc.RequestShutdown(ctx, lifecycle.ReasonQuit) {
		t.Fatalf("expected shutdown to proceed once the pending set drained")
	}
	if lc.Context().Err() == nil {
		t.Fatalf("unvetoed shutdown must cancel the context")
	}
}

func TestShutdownGateConsultsDirtyCount(t *testing.T) {
	s := newTestScheduler(t, &fakeStore{}, AutoSaveOff)
	lc := lifecycle.New(context.Background())

	dirty := 1
	s.RegisterShutdownGate(lc, func() int { return dirty }, nil)

	if !lc.RequestShutdown(context.Background(), lifecycle.ReasonQuit) {
		t.Fatalf("expected veto while a document is dirty")
	}

	dirty = 0
	if lc.RequestShutdown(context.Background(), lifecycle.ReasonQuit) {
		t.Fatalf("expected shutdown to proceed with nothing dirty or pending")
	}
}

func TestShutdownGateCustomPolicy(t *testing.T) {
	s := newTestScheduler(t, &fakeStore{}, AutoSaveOff)
	lc := lifecycle.New(context.Background(), lifecycle.WithLogger(logx.Nop()))

	// Pending-only policy: dirty documents alone do not block (watcher-style
	// deployments where documents never report clean).
	s.RegisterShutdownGate(lc, func() int { return 5 }, func(_ lifecycle.Reason, _, pending int) bool {
		return pending > 0
	})

	if lc.RequestShutdown(context.Background(), lifecycle.ReasonQuit) {
		t.Fatalf("pending-only policy must ignore the dirty count")
	}
}

func TestPanickingVetoBlocksShutdown(t *testing.T) {
	lc := lifecycle.New(context.Background())
	lc.OnShutdown(func(context.Context, lifecycle.Reason) bool { panic("broken veto") })

	if !lc.RequestShutdown(context.Background(), lifecycle.ReasonQuit) {
		t.Fatalf("a panicking veto must count as a veto")
	}
	if lc.Context().Err() != nil {
		t.Fatalf("context must stay live after a vetoed attempt")
	}
}
