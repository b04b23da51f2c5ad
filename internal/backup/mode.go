package backup

import "fmt"

// AutoSaveMode is the configured policy for how/when auto-save writes occur.
// The scheduler does not implement auto-save; it only keys its backup delay
// off the mode currently in effect.
type AutoSaveMode int

const (
	AutoSaveOff AutoSaveMode = iota
	AutoSaveOnFocusChange
	AutoSaveOnWindowChange
	AutoSaveAfterShortDelay
	AutoSaveAfterLongDelay
)

func (m AutoSaveMode) String() string {
	switch m {
	case AutoSaveOff:
		return "off"
	case AutoSaveOnFocusChange:
		return "on_focus_change"
	case AutoSaveOnWindowChange:
		return "on_window_change"
	case AutoSaveAfterShortDelay:
		return "after_short_delay"
	case AutoSaveAfterLongDelay:
		return "after_long_delay"
	default:
		return "unknown"
	}
}

func ParseAutoSaveMode(s string) (AutoSaveMode, error) {
	switch s {
	case "", "off":
		return AutoSaveOff, nil
	case "on_focus_change":
		return AutoSaveOnFocusChange, nil
	case "on_window_change":
		return AutoSaveOnWindowChange, nil
	case "after_short_delay":
		return AutoSaveAfterShortDelay, nil
	case "after_long_delay":
		return AutoSaveAfterLongDelay, nil
	default:
		return AutoSaveOff, fmt.Errorf("unknown auto-save mode %q", s)
	}
}

// CadenceProvider reports the auto-save cadence currently in effect.
// Implementations must be cheap and safe for concurrent use.
type CadenceProvider interface {
	Mode() AutoSaveMode
}

// CadenceFunc adapts a plain function to CadenceProvider.
type CadenceFunc func() AutoSaveMode

func (f CadenceFunc) Mode() AutoSaveMode { return f() }
