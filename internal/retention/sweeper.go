package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"snapkeep/internal/storage"
	logx "snapkeep/pkg/logx"
)

type Config struct {
	Enabled bool

	// MaxAge is how long a stored backup may go without an update before the
	// sweep removes it.
	MaxAge time.Duration

	// Schedule is a cron spec or "@every ..." expression.
	Schedule string
}

// Sweeper periodically removes stale stored backups.
//
// A backup whose document is dirty or has a pending backup job is never
// removed, regardless of age: it is about to be rewritten or still protecting
// unsaved state.
type Sweeper struct {
	log   logx.Logger
	cfg   Config
	store storage.Store

	// skip reports whether the URI must be exempt from this sweep.
	skip func(uri string) bool

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store storage.Store, skip func(uri string) bool, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{log: log, cfg: cfg, store: store, skip: skip}
}

// Start arms the cron schedule. No-op when retention is disabled.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.MaxAge <= 0 {
		return errors.New("retention max age must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("retention sweep scheduled",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("max_age", s.cfg.MaxAge),
	)
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce performs a single sweep. Exposed for tests and manual maintenance.
func (s *Sweeper) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.MaxAge)

	backups, err := s.store.List(ctx)
	if err != nil {
		s.log.Warn("retention sweep list failed", logx.Err(err))
		return
	}

	removed := 0
	for _, b := range backups {
		if ctx.Err() != nil {
			return
		}
		if !b.UpdatedAt.Before(cutoff) {
			continue
		}
		if s.skip != nil && s.skip(b.URI) {
			continue
		}
		if err := s.store.Discard(ctx, b.URI); err != nil {
			s.log.Warn("retention sweep discard failed", logx.String("uri", b.URI), logx.Err(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("retention sweep removed stale backups", logx.Int("removed", removed))
	}
}
