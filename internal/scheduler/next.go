package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// NextRunAt computes when a schedule should fire next, evaluated in loc.
//
// A one-shot schedule fires at its configured date and time if that is still
// after now; otherwise ok is false and the schedule is dropped. A looping
// schedule uses its configured date and time while it lies in the future,
// and after that the next occurrence of its time of day strictly after now.
// A looping schedule without a date repeats daily from now on.
func NextRunAt(cfg flow.ScheduleTriggerConfig, now time.Time, loc *time.Location) (next time.Time, ok bool, err error) {
	if loc == nil {
		loc = time.UTC
	}
	hour, minute, err := parseClock(cfg.Time)
	if err != nil {
		return time.Time{}, false, err
	}
	now = now.In(loc)

	if cfg.Date != "" {
		day, err := time.ParseInLocation(dateLayout, strings.TrimSpace(cfg.Date), loc)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid schedule date %q: %w", cfg.Date, err)
		}
		configured := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if configured.After(now) {
			return configured, true, nil
		}
		if !cfg.Loop {
			return time.Time{}, false, nil
		}
	} else if !cfg.Loop {
		return time.Time{}, false, fmt.Errorf("one-shot schedule needs a date")
	}

	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	for !candidate.After(now) {
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, hour, minute, 0, 0, loc)
	}
	return candidate, true, nil
}

func parseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	layout := timeLayout
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid schedule time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
