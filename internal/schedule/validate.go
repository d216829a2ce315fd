package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"aitester/internal/suite"
)

var (
	cronFieldRe = regexp.MustCompile(`^[0-9*,/-]+$`)
	cronFields  = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	// Five fields, no seconds and no descriptors.
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// ParseCron checks expr against the five-field grammar, then semantically
// through the cron parser.
func ParseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return nil, &InvalidScheduleError{Expr: expr, Reason: fmt.Sprintf("expected 5 fields, got %d", len(fields))}
	}
	for i, f := range fields {
		if !cronFieldRe.MatchString(f) {
			return nil, &InvalidScheduleError{Expr: expr, Reason: fmt.Sprintf("%s field %q has invalid characters", cronFields[i], f)}
		}
	}
	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Reason: err.Error()}
	}
	return sched, nil
}

// ValidateCron validates expr and previews its next n fire times in UTC.
func ValidateCron(expr string, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	return nextFires(sched, time.Now().UTC(), n), nil
}

func nextFires(sched cron.Schedule, from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func checkWorkers(def suite.ScheduleDefinition) error {
	if def.WorkerCount < 0 || def.WorkerCount > suite.MaxWorkerCount {
		return &InvalidScheduleError{
			Expr:   def.CronExpression,
			Reason: fmt.Sprintf("workerCount must be between 1 and %d", suite.MaxWorkerCount),
		}
	}
	return nil
}
