package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "snapkeep/pkg/logx"
)

// Reason classifies a shutdown intent. Veto policies may decide differently
// per reason (e.g. a reload can be stricter than a quit).
type Reason int

const (
	ReasonQuit Reason = iota
	ReasonReload
)

func (r Reason) String() string {
	switch r {
	case ReasonQuit:
		return "quit"
	case ReasonReload:
		return "reload"
	default:
		return "unknown"
	}
}

// VetoFunc is asked on every shutdown attempt whether shutdown must wait.
// Returning true blocks the shutdown. The passed context bounds how long the
// veto may take to decide; an undecided veto should return true (not safe yet).
type VetoFunc func(ctx context.Context, reason Reason) bool

// Coordinator manages goroutines tied to a shared context and arbitrates
// shutdown intents against registered vetoes.
//
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Graceful stop with timeout-aware waiting
// - Shutdown only proceeds once no veto blocks it
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	errOnce  sync.Once
	firstErr atomic.Value // stores error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	vmu    sync.Mutex
	vetoes []VetoFunc
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func New(parent context.Context, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Context() context.Context { return c.ctx }

func (c *Coordinator) Err() error {
	v := c.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

// Go starts a named, panic-safe goroutine bound to the coordinator context.
func (c *Coordinator) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in %s: %v", name, r)
				if !c.log.IsZero() {
					c.log.Error("goroutine panicked",
						logx.String("name", name),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
				}
				c.setErr(err)
			}
		}()

		if !c.log.IsZero() {
			c.log.Debug("goroutine started", logx.String("name", name))
		}
		err := fn(c.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.setErr(fmt.Errorf("%s: %w", name, err))
		}
		if !c.log.IsZero() {
			c.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

// Go0 is Go for functions that don't naturally return an error.
func (c *Coordinator) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	c.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// OnShutdown registers a veto asked on every shutdown attempt.
func (c *Coordinator) OnShutdown(v VetoFunc) {
	if v == nil {
		return
	}
	c.vmu.Lock()
	c.vetoes = append(c.vetoes, v)
	c.vmu.Unlock()
}

// RequestShutdown asks every registered veto whether shutdown may proceed.
// If any veto blocks, nothing is cancelled and RequestShutdown reports true;
// the caller is expected to retry later. Once no veto blocks, the coordinator
// context is cancelled and false is returned.
//
// A panicking veto counts as a veto: unknown state is not safe to shut down.
func (c *Coordinator) RequestShutdown(ctx context.Context, reason Reason) (vetoed bool) {
	c.vmu.Lock()
	vetoes := append([]VetoFunc(nil), c.vetoes...)
	c.vmu.Unlock()

	for _, v := range vetoes {
		if c.askVeto(ctx, reason, v) {
			if !c.log.IsZero() {
				c.log.Info("shutdown vetoed", logx.String("reason", reason.String()))
			}
			return true
		}
	}

	c.cancel()
	return false
}

func (c *Coordinator) askVeto(ctx context.Context, reason Reason, v VetoFunc) (blocked bool) {
	defer func() {
		if r := recover(); r != nil {
			if !c.log.IsZero() {
				c.log.Error("veto panicked; treating as veto",
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
			blocked = true
		}
	}()
	return v(ctx, reason)
}

// Cancel cancels the coordinator context without consulting vetoes.
// Use for hard shutdown after a drain deadline expired.
func (c *Coordinator) Cancel() { c.cancel() }

// Stop cancels and waits for all goroutines, bounded by ctx.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cancel()
	return c.Wait(ctx)
}

func (c *Coordinator) Wait(ctx context.Context) error {
	c.doneOnce.Do(func() {
		go func() {
			c.wg.Wait()
			close(c.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return c.Err()
	}
}

func (c *Coordinator) setErr(err error) {
	if err == nil {
		return
	}
	c.errOnce.Do(func() { c.firstErr.Store(err) })
}
