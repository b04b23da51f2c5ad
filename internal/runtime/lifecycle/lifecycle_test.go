package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRunsAndWaits(t *testing.T) {
	c := New(context.Background())

	var ran atomic.Bool
	c.Go("worker", func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		return nil
	})

	c.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("goroutine never ran")
	}
}

func TestFirstErrorWins(t *testing.T) {
	c := New(context.Background())

	first := errors.New("first failure")
	c.Go("failing", func(ctx context.Context) error { return first })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Cancel()
	if err := c.Wait(ctx); !errors.Is(err, first) {
		t.Fatalf("expected first error, got %v", err)
	}
}

func TestContextCanceledNotAnError(t *testing.T) {
	c := New(context.Background())
	c.Go("quitter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	c.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("context.Canceled must not surface as failure, got %v", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	c := New(context.Background())
	c.Go("panicking", func(ctx context.Context) error { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Cancel()
	err := c.Wait(ctx)
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestRequestShutdownWithoutVetoes(t *testing.T) {
	c := New(context.Background())
	if c.RequestShutdown(context.Background(), ReasonQuit) {
		t.Fatalf("no vetoes registered; shutdown must proceed")
	}
	if c.Context().Err() == nil {
		t.Fatalf("context must be cancelled after shutdown")
	}
}

func TestVetoBlocksUntilReleased(t *testing.T) {
	c := New(context.Background())

	var blocked atomic.Bool
	blocked.Store(true)
	c.OnShutdown(func(_ context.Context, _ Reason) bool { return blocked.Load() })

	if !c.RequestShutdown(context.Background(), ReasonQuit) {
		t.Fatalf("expected veto on first attempt")
	}
	if c.Context().Err() != nil {
		t.Fatalf("vetoed attempt must leave context live")
	}

	blocked.Store(false)
	if c.RequestShutdown(context.Background(), ReasonQuit) {
		t.Fatalf("expected shutdown to proceed once released")
	}
	if c.Context().Err() == nil {
		t.Fatalf("context must be cancelled after release")
	}
}

func TestVetoSeesReason(t *testing.T) {
	c := New(context.Background())
	c.OnShutdown(func(_ context.Context, reason Reason) bool {
		// Reloads may proceed; quits are held back.
		return reason == ReasonQuit
	})

	if c.RequestShutdown(context.Background(), ReasonReload) {
		t.Fatalf("reload must not be vetoed by this policy")
	}
}

func TestStop(t *testing.T) {
	c := New(context.Background())
	c.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
