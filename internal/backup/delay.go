package backup

import (
	"time"

	"snapkeep/internal/document"
)

// Delays configures the debounce window before a scheduled backup fires.
//
// ShortDelayAutoSave must be strictly greater than Baseline: when auto-save
// already writes shortly after a quiet period, a backup firing at the same
// moment would contend with the auto-save write over the same content. The
// longer window lets auto-save win that race.
type Delays struct {
	// Baseline applies to every cadence mode except after_short_delay.
	Baseline time.Duration

	// ShortDelayAutoSave applies when the cadence mode is after_short_delay.
	ShortDelayAutoSave time.Duration
}

// Defaults from the original editor behavior this models.
const (
	DefaultBaselineDelay           = 1 * time.Second
	DefaultShortDelayAutoSaveDelay = 2 * time.Second
)

func (d Delays) normalized() Delays {
	if d.Baseline <= 0 {
		d.Baseline = DefaultBaselineDelay
	}
	if d.ShortDelayAutoSave <= d.Baseline {
		d.ShortDelayAutoSave = 2 * d.Baseline
	}
	return d
}

// delayFor selects the debounce delay for one document.
//
// Untitled documents have no durable location, so auto-save never applies to
// them; they always get the baseline delay regardless of the configured mode.
func (s *Scheduler) delayFor(doc document.Document) time.Duration {
	mode := s.cadence.Mode()
	if doc.Untitled() {
		mode = AutoSaveOff
	}
	if mode == AutoSaveAfterShortDelay {
		return s.delays.ShortDelayAutoSave
	}
	return s.delays.Baseline
}
