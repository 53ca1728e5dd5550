package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrNoTrigger      = errors.New("task has no cron expression or interval")
	ErrCronFieldCount = errors.New("cron expression must have 5 or 6 fields")
)

// Six fields, seconds first. Five-field input is normalised before parsing.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger yields the fire times of a job.
type Trigger interface {
	// Next returns the earliest fire time strictly after t, or the zero time
	// when the trigger will never fire again.
	Next(t time.Time) time.Time
	String() string
}

// NormalizeCron converts a 5-field crontab expression into the 6-field
// seconds-first form by prefixing a zero seconds field. Six-field input is
// returned with its whitespace collapsed.
func NormalizeCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		return "0 " + strings.Join(fields, " "), nil
	case 6:
		return strings.Join(fields, " "), nil
	default:
		return "", fmt.Errorf("%w: got %d", ErrCronFieldCount, len(fields))
	}
}

// CronTrigger fires on a cron schedule evaluated in a fixed location.
type CronTrigger struct {
	expr     string
	schedule cron.Schedule
	location *time.Location
}

// ParseCron normalises and parses expr, evaluating it in loc.
func ParseCron(expr string, loc *time.Location) (*CronTrigger, error) {
	normalized, err := NormalizeCron(expr)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	schedule, err := cronParser.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	if spec, ok := schedule.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return &CronTrigger{expr: normalized, schedule: schedule, location: loc}, nil
}

func (c *CronTrigger) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.location))
}

func (c *CronTrigger) String() string {
	return "cron[" + c.expr + "]"
}

// Expression returns the normalised 6-field expression.
func (c *CronTrigger) Expression() string {
	return c.expr
}

// IntervalTrigger fires every period, at anchor+k*period for k >= 1.
type IntervalTrigger struct {
	every  time.Duration
	anchor time.Time
}

// NewIntervalTrigger returns a trigger whose first fire is anchor+every.
func NewIntervalTrigger(every time.Duration, anchor time.Time) (*IntervalTrigger, error) {
	if every <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", every)
	}
	return &IntervalTrigger{every: every, anchor: anchor}, nil
}

func (i *IntervalTrigger) Next(t time.Time) time.Time {
	first := i.anchor.Add(i.every)
	if t.Before(first) {
		return first
	}
	k := t.Sub(i.anchor)/i.every + 1
	return i.anchor.Add(k * i.every)
}

func (i *IntervalTrigger) String() string {
	return "interval[" + i.every.String() + "]"
}

// ResolveTrigger builds the trigger for a task. The cron expression wins when
// both fields are set. ErrNoTrigger means the task is manual-only; any other
// error is a configuration error and the task must not be scheduled.
func ResolveTrigger(task *Task, anchor time.Time, loc *time.Location) (Trigger, error) {
	if task.CronExpression != nil && strings.TrimSpace(*task.CronExpression) != "" {
		return ParseCron(*task.CronExpression, loc)
	}
	if task.IntervalSeconds != nil {
		if *task.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval_seconds must be positive, got %d", *task.IntervalSeconds)
		}
		return NewIntervalTrigger(time.Duration(*task.IntervalSeconds)*time.Second, anchor)
	}
	return nil, ErrNoTrigger
}

// NextOccurrences returns up to n fire times after base.
func NextOccurrences(trigger Trigger, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = trigger.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}
