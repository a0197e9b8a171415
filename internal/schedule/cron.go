package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron parser (minute hour dom month dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates a cron expression.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron: %w", err)
	}
	return sched, nil
}

// DueAt reports whether the expression fires at the given tick. The tick
// is truncated to the whole minute before evaluation, so re-deriving a
// past tick after a pause yields the same answer as evaluating it live.
func DueAt(expr string, tick time.Time) (bool, error) {
	sched, err := Parse(expr)
	if err != nil {
		return false, err
	}
	minute := tick.UTC().Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// NextRun computes the next fire time strictly after from. Used to derive
// the never-persisted next-run field for consumers.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.UTC()), nil
}
