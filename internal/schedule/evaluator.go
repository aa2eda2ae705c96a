package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/termbridge/task-service/internal/model"
)

var (
	// ErrInvalidConfig is returned when a schedule configuration does not
	// parse or mixes shapes.
	ErrInvalidConfig = errors.New("invalid schedule configuration")

	// ErrUnsatisfiable is returned when no matching instant exists within
	// the bounded forward search window.
	ErrUnsatisfiable = errors.New("schedule can never match")
)

// parser accepts the 5-field calendar grammar: minute, hour, day-of-month,
// month, day-of-week. No descriptors, no seconds field.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validationRef anchors satisfiability probing at a fixed instant so that
// Validate stays deterministic. The year is a leap year, so 29 February
// configurations are reachable inside the search window.
var validationRef = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Validate checks that cfg is evaluable. Schedulers are never persisted
// with a configuration this function rejects.
func Validate(cfg model.ScheduleConfig) error {
	switch {
	case cfg.Cron != "" && cfg.EverySeconds != 0:
		return fmt.Errorf("%w: cron and everySeconds are mutually exclusive", ErrInvalidConfig)
	case cfg.Cron == "" && cfg.EverySeconds == 0:
		return fmt.Errorf("%w: one of cron or everySeconds is required", ErrInvalidConfig)
	case cfg.EverySeconds < 0:
		return fmt.Errorf("%w: everySeconds must be positive", ErrInvalidConfig)
	case cfg.EverySeconds > 0:
		return nil
	}

	spec, err := parser.Parse(cfg.Cron)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if spec.Next(validationRef).IsZero() {
		return fmt.Errorf("%w: %q has no future occurrence", ErrUnsatisfiable, cfg.Cron)
	}
	return nil
}

// NextRun computes the earliest instant strictly after ref at which cfg
// fires. It is pure: the same config and reference always yield the same
// result. Interval configs advance by the duration, truncated to whole
// seconds; calendar configs use the cron grammar's bounded forward search
// and fail with ErrUnsatisfiable when it is exhausted.
func NextRun(cfg model.ScheduleConfig, ref time.Time) (time.Time, error) {
	if cfg.IsInterval() {
		if cfg.EverySeconds < 0 {
			return time.Time{}, fmt.Errorf("%w: everySeconds must be positive", ErrInvalidConfig)
		}
		return ref.Add(cfg.Interval()).Truncate(time.Second), nil
	}

	spec, err := parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	next := spec.Next(ref)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q after %s", ErrUnsatisfiable, cfg.Cron, ref.Format(time.RFC3339))
	}
	return next, nil
}
