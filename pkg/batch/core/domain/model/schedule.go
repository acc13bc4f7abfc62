package model

import (
	"time"

	"github.com/google/uuid"
)

// FrequencyCode selects how a ScheduleDefinition fires.
type FrequencyCode string

const (
	FrequencyDaily      FrequencyCode = "DL" // every day at hour:minute
	FrequencyWeekly     FrequencyCode = "WK" // FreqDay is the weekday, 0 = Sunday
	FrequencyMonthly    FrequencyCode = "MN" // FreqDay is the day of month
	FrequencyHalfYearly FrequencyCode = "HY" // FreqMonth and FreqMonth+6, on FreqDay
	FrequencyYearly     FrequencyCode = "YR" // FreqMonth/FreqDay
	FrequencyInterval   FrequencyCode = "ID" // every FreqHour hours + FreqMinute minutes after LastRun
)

// String returns the string representation of the FrequencyCode.
func (c FrequencyCode) String() string {
	return string(c)
}

// ScheduleDefinition is a recurring rule for one job.
type ScheduleDefinition struct {
	ID         string
	JobKey     string
	FreqCode   FrequencyCode
	FreqDay    int
	FreqMonth  int
	FreqHour   int
	FreqMinute int
	// StartDate and EndDate bound the validity window by calendar date, both inclusive.
	StartDate *time.Time
	EndDate   *time.Time
	Enabled   bool
	LastRun   *time.Time
	NextRun   *time.Time
	UpdatedAt time.Time
}

// NewScheduleDefinition creates an enabled schedule with a fresh id.
func NewScheduleDefinition(jobKey string, code FrequencyCode) *ScheduleDefinition {
	return &ScheduleDefinition{
		ID:        uuid.New().String(),
		JobKey:    jobKey,
		FreqCode:  code,
		Enabled:   true,
		UpdatedAt: time.Now().UTC(),
	}
}

// InWindow reports whether t falls within the validity window, compared by calendar date in
// the location of t.
func (s *ScheduleDefinition) InWindow(t time.Time) bool {
	day := truncateDay(t)
	if s.StartDate != nil && day.Before(truncateDay(s.StartDate.In(t.Location()))) {
		return false
	}
	if s.EndDate != nil && day.After(truncateDay(s.EndDate.In(t.Location()))) {
		return false
	}
	return true
}

// Expired reports whether the validity window ended before t.
func (s *ScheduleDefinition) Expired(t time.Time) bool {
	return s.EndDate != nil && truncateDay(t).After(truncateDay(s.EndDate.In(t.Location())))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
