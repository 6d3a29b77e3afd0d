package runbookdef

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a data_source.poll_schedule cron expression, the
// optional per-runbook override of the scheduler's fixed query cadence.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextQueryTime computes the next allowed data-source query time for a
// runbook carrying a poll_schedule override, the same way the scheduler
// computes the next run of a fixed-cadence tick.
func NextQueryTime(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
