// Package scheduler turns schedule definitions into queue requests and drives the two
// periodic tasks of the service: the schedule synchronizer and the queue poller.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronSpec returns the five-field cron expression of a calendar frequency code. ID has no cron
// form and is rejected.
func CronSpec(def *model.ScheduleDefinition) (string, error) {
	if def.FreqHour < 0 || def.FreqHour > 23 || def.FreqMinute < 0 || def.FreqMinute > 59 {
		return "", invalid(def, "hour/minute out of range (%02d:%02d)", def.FreqHour, def.FreqMinute)
	}
	hm := fmt.Sprintf("%d %d", def.FreqMinute, def.FreqHour)
	switch def.FreqCode {
	case model.FrequencyDaily:
		return hm + " * * *", nil
	case model.FrequencyWeekly:
		if def.FreqDay < 0 || def.FreqDay > 6 {
			return "", invalid(def, "weekday %d out of range 0-6", def.FreqDay)
		}
		return fmt.Sprintf("%s * * %d", hm, def.FreqDay), nil
	case model.FrequencyMonthly:
		if err := checkDay(def); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %d * *", hm, def.FreqDay), nil
	case model.FrequencyHalfYearly:
		if err := checkDay(def); err != nil {
			return "", err
		}
		if err := checkMonth(def); err != nil {
			return "", err
		}
		first := def.FreqMonth
		second := (first+5)%12 + 1
		if second < first {
			first, second = second, first
		}
		return fmt.Sprintf("%s %d %d,%d *", hm, def.FreqDay, first, second), nil
	case model.FrequencyYearly:
		if err := checkDay(def); err != nil {
			return "", err
		}
		if err := checkMonth(def); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %d %d *", hm, def.FreqDay, def.FreqMonth), nil
	case model.FrequencyInterval:
		return "", invalid(def, "interval schedules have no cron form")
	default:
		return "", exception.NewBatchError("Synchronizer",
			fmt.Sprintf("schedule %s of '%s' has unknown frequency code '%s'", def.ID, def.JobKey, def.FreqCode),
			exception.ErrUnknownFrequency, exception.KindFatal)
	}
}

// Interval returns the period of an ID schedule.
func Interval(def *model.ScheduleDefinition) (time.Duration, error) {
	d := time.Duration(def.FreqHour)*time.Hour + time.Duration(def.FreqMinute)*time.Minute
	if d <= 0 {
		return 0, invalid(def, "interval must be positive, got %dh%dm", def.FreqHour, def.FreqMinute)
	}
	return d, nil
}

// NextRun computes the first fire time strictly after now, evaluated in loc. ID schedules fire
// one interval after LastRun, or immediately when they never ran.
func NextRun(def *model.ScheduleDefinition, now time.Time, loc *time.Location) (time.Time, error) {
	if def.FreqCode == model.FrequencyInterval {
		d, err := Interval(def)
		if err != nil {
			return time.Time{}, err
		}
		if def.LastRun == nil {
			return now, nil
		}
		return cron.Every(d).Next(*def.LastRun), nil
	}

	spec, err := CronSpec(def)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, invalid(def, "cron expression '%s': %v", spec, err)
	}
	if s, ok := sched.(*cron.SpecSchedule); ok && loc != nil {
		s.Location = loc
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, invalid(def, "no fire time within five years")
	}
	return next, nil
}

func checkDay(def *model.ScheduleDefinition) error {
	if def.FreqDay < 1 || def.FreqDay > 31 {
		return invalid(def, "day of month %d out of range 1-31", def.FreqDay)
	}
	return nil
}

func checkMonth(def *model.ScheduleDefinition) error {
	if def.FreqMonth < 1 || def.FreqMonth > 12 {
		return invalid(def, "month %d out of range 1-12", def.FreqMonth)
	}
	return nil
}

func invalid(def *model.ScheduleDefinition, format string, a ...interface{}) error {
	return exception.NewBatchErrorf("Synchronizer", exception.KindFatal,
		"schedule %s of '%s' (%s): %s", def.ID, def.JobKey, def.FreqCode, fmt.Sprintf(format, a...))
}
