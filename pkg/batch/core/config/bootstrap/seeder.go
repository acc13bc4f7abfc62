package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ferry/pkg/batch/core/config"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/dependency"
	"github.com/tigerroll/ferry/pkg/batch/engine/scheduler"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

const dateLayout = "2006-01-02"

// Seeder writes the definitions declared in the configuration into the coordination store.
// Seeding is idempotent: jobs are upserted by key and a schedule is matched to the stored one
// of the same job and frequency code, keeping its id and run history.
type Seeder struct {
	repo     repository.Repository
	resolver *dependency.Resolver
	payloads *payload.Registry
	loc      *time.Location
}

// NewSeeder creates a Seeder. Schedule dates are read in the scheduler time zone.
func NewSeeder(repo repository.Repository, resolver *dependency.Resolver, payloads *payload.Registry, cfg *config.Config) (*Seeder, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return &Seeder{repo: repo, resolver: resolver, payloads: payloads, loc: loc}, nil
}

// Seed validates and stores every job, schedule and dependency of cfg. All invalid entries
// are reported together; nothing is written when any of them is invalid.
func (s *Seeder) Seed(ctx context.Context, cfg *config.FerryConfig) error {
	if len(cfg.Jobs) == 0 && len(cfg.Schedules) == 0 && len(cfg.Dependencies) == 0 {
		return nil
	}
	jobs, errs := s.jobs(cfg.Jobs)
	schedules, serrs := s.schedules(cfg.Schedules)
	errs = multierror.Append(errs, serrs.WrappedErrors()...)
	for i, d := range cfg.Dependencies {
		if d.Parent == "" || d.Child == "" {
			errs = multierror.Append(errs, fmt.Errorf("dependencies[%d]: parent and child are required", i))
		}
	}
	if err := dependency.ValidateAcyclic(edges(cfg.Dependencies)); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return exception.NewBatchError("Seeder", "invalid definitions in configuration", err, exception.KindFatal)
	}

	for _, job := range jobs {
		if err := s.repo.SaveJob(ctx, job); err != nil {
			return err
		}
	}
	if err := s.saveSchedules(ctx, schedules); err != nil {
		return err
	}
	for _, dep := range cfg.Dependencies {
		if err := s.resolver.AddDependency(ctx, dep.Parent, dep.Child); err != nil {
			return err
		}
	}
	logger.Infof("Seeder: %d jobs, %d schedules and %d dependencies in sync with configuration.",
		len(jobs), len(schedules), len(cfg.Dependencies))
	return nil
}

func (s *Seeder) jobs(entries []config.JobConfig) ([]*model.JobDefinition, *multierror.Error) {
	var errs *multierror.Error
	defs := make([]*model.JobDefinition, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, c := range entries {
		def, err := jobDefinition(c)
		if err == nil && seen[def.JobKey] {
			err = fmt.Errorf("duplicate job key '%s'", def.JobKey)
		}
		if err == nil {
			// Building the payload validates its params.
			_, err = s.payloads.Resolve(def)
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
			continue
		}
		seen[def.JobKey] = true
		defs = append(defs, def)
	}
	return defs, errs
}

func jobDefinition(c config.JobConfig) (*model.JobDefinition, error) {
	if c.JobKey == "" {
		return nil, fmt.Errorf("job_key is required")
	}
	if c.PayloadType == "" {
		return nil, fmt.Errorf("job '%s' has no payload_type", c.JobKey)
	}
	strategy := model.CheckpointStrategy(strings.ToUpper(c.CheckpointStrategy))
	if strategy == "" {
		strategy = model.CheckpointAuto
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("job '%s' has unknown checkpoint_strategy '%s'", c.JobKey, c.CheckpointStrategy)
	}
	if strategy == model.CheckpointKey && c.CheckpointColumn == "" {
		return nil, fmt.Errorf("job '%s' uses KEY checkpoints without checkpoint_column", c.JobKey)
	}
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return &model.JobDefinition{
		JobKey:             c.JobKey,
		PayloadType:        c.PayloadType,
		SourceRef:          c.SourceRef,
		TargetRef:          c.TargetRef,
		Params:             model.Params(c.Params).Clone(),
		CheckpointStrategy: strategy,
		CheckpointColumn:   c.CheckpointColumn,
		Enabled:            enabled,
	}, nil
}

// seededSchedule pairs a definition with whether its enabled flag was set explicitly.
type seededSchedule struct {
	def        *model.ScheduleDefinition
	enabledSet bool
	enabled    bool
}

func (s *Seeder) schedules(entries []config.ScheduleConfig) ([]seededSchedule, *multierror.Error) {
	var errs *multierror.Error
	out := make([]seededSchedule, 0, len(entries))
	for i, c := range entries {
		def, err := s.scheduleDefinition(c)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
			continue
		}
		entry := seededSchedule{def: def}
		if c.Enabled != nil {
			entry.enabledSet = true
			entry.enabled = *c.Enabled
		}
		out = append(out, entry)
	}
	return out, errs
}

func (s *Seeder) scheduleDefinition(c config.ScheduleConfig) (*model.ScheduleDefinition, error) {
	if c.JobKey == "" {
		return nil, fmt.Errorf("job_key is required")
	}
	def := model.NewScheduleDefinition(c.JobKey, model.FrequencyCode(strings.ToUpper(c.FreqCode)))
	def.FreqDay = c.FreqDay
	def.FreqMonth = c.FreqMonth
	def.FreqHour = c.FreqHour
	def.FreqMinute = c.FreqMinute

	var err error
	if def.StartDate, err = s.date(c.StartDate); err != nil {
		return nil, fmt.Errorf("schedule of '%s': start_date: %w", c.JobKey, err)
	}
	if def.EndDate, err = s.date(c.EndDate); err != nil {
		return nil, fmt.Errorf("schedule of '%s': end_date: %w", c.JobKey, err)
	}
	if def.StartDate != nil && def.EndDate != nil && def.EndDate.Before(*def.StartDate) {
		return nil, fmt.Errorf("schedule of '%s' ends before it starts", c.JobKey)
	}
	if def.FreqCode == model.FrequencyInterval {
		_, err = scheduler.Interval(def)
	} else {
		_, err = scheduler.CronSpec(def)
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (s *Seeder) date(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, s.loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// saveSchedules upserts the seeded schedules. A stored schedule whose timing changed gets its
// next fire time recomputed by the synchronizer.
func (s *Seeder) saveSchedules(ctx context.Context, entries []seededSchedule) error {
	if len(entries) == 0 {
		return nil
	}
	stored, err := s.repo.ListSchedules(ctx)
	if err != nil {
		return err
	}
	byKey := make(map[string]*model.ScheduleDefinition, len(stored))
	for _, def := range stored {
		byKey[def.JobKey+"/"+def.FreqCode.String()] = def
	}
	for _, entry := range entries {
		def := entry.def
		if prev, ok := byKey[def.JobKey+"/"+def.FreqCode.String()]; ok {
			def.ID = prev.ID
			def.LastRun = prev.LastRun
			def.Enabled = prev.Enabled
			if sameTiming(prev, def) {
				def.NextRun = prev.NextRun
			}
		}
		if entry.enabledSet {
			def.Enabled = entry.enabled
		}
		if err := s.repo.SaveSchedule(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

func sameTiming(a, b *model.ScheduleDefinition) bool {
	return a.FreqDay == b.FreqDay && a.FreqMonth == b.FreqMonth &&
		a.FreqHour == b.FreqHour && a.FreqMinute == b.FreqMinute &&
		sameDate(a.StartDate, b.StartDate) && sameDate(a.EndDate, b.EndDate)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func edges(deps []config.DependencyConfig) []model.JobDependency {
	out := make([]model.JobDependency, 0, len(deps))
	for _, d := range deps {
		out = append(out, model.JobDependency{ParentKey: d.Parent, ChildKey: d.Child})
	}
	return out
}
