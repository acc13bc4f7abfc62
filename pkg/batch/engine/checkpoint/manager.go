// Package checkpoint reads and writes the resume position of jobs and applies it to source
// queries.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

var columnPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ResolveStrategy turns AUTO (or an empty strategy) into KEY when a column is configured and
// CURSOR_SKIP otherwise.
func ResolveStrategy(strategy model.CheckpointStrategy, column string) model.CheckpointStrategy {
	if strategy == "" || strategy == model.CheckpointAuto {
		if column != "" {
			return model.CheckpointKey
		}
		return model.CheckpointCursorSkip
	}
	return strategy
}

// Manager loads, advances and clears checkpoints. Advancing is monotonic: a value lower than
// or equal to the stored one is ignored.
type Manager struct {
	store repository.CheckpointStore
	logs  repository.ExecutionLogStore
	mu    sync.Mutex
}

// NewManager creates a Manager. logs may be nil; when set, every advance is mirrored into the
// process log entry of the run.
func NewManager(store repository.CheckpointStore, logs repository.ExecutionLogStore) *Manager {
	return &Manager{store: store, logs: logs}
}

// Load returns the stored value of jobKey. ok is false when there is none.
func (m *Manager) Load(ctx context.Context, jobKey string) (value string, ok bool, err error) {
	rec, err := m.store.LoadCheckpoint(ctx, jobKey)
	if errors.Is(err, repository.ErrCheckpointNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, exception.NewBatchError("CheckpointManager", fmt.Sprintf("failed to load checkpoint of '%s'", jobKey), err, exception.Classify(err))
	}
	return rec.LastValue, true, nil
}

// Advance stores value for jobKey unless it does not move past the stored value. It reports
// whether the record changed.
func (m *Manager) Advance(ctx context.Context, jobKey string, strategy model.CheckpointStrategy, column, value string) (bool, error) {
	if strategy == model.CheckpointNone || value == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok, err := m.Load(ctx, jobKey)
	if err != nil {
		return false, err
	}
	if ok && CompareValues(value, current) <= 0 {
		return false, nil
	}
	rec := &model.CheckpointRecord{
		JobKey:    jobKey,
		Strategy:  strategy,
		Column:    column,
		LastValue: value,
		UpdatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, rec); err != nil {
		return false, exception.NewBatchError("CheckpointManager", fmt.Sprintf("failed to advance checkpoint of '%s'", jobKey), err, exception.Classify(err))
	}
	logger.Debugf("CheckpointManager: '%s' advanced to %s", jobKey, value)
	return true, nil
}

// Clear removes the checkpoint of jobKey.
func (m *Manager) Clear(ctx context.Context, jobKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DeleteCheckpoint(ctx, jobKey); err != nil {
		return exception.NewBatchError("CheckpointManager", fmt.Sprintf("failed to clear checkpoint of '%s'", jobKey), err, exception.Classify(err))
	}
	return nil
}

// Open builds the checkpoint context of one run. forceNone disables checkpointing, as for
// HISTORY requests.
func (m *Manager) Open(ctx context.Context, def *model.JobDefinition, sessionID string, forceNone bool) (*Context, error) {
	if !def.CheckpointStrategy.Valid() {
		return nil, exception.NewBatchErrorf("CheckpointManager", exception.KindFatal,
			"job '%s' has unknown checkpoint strategy '%s'", def.JobKey, def.CheckpointStrategy)
	}
	strategy := ResolveStrategy(def.CheckpointStrategy, def.CheckpointColumn)
	if forceNone {
		strategy = model.CheckpointNone
	}
	if strategy == model.CheckpointKey && !columnPattern.MatchString(def.CheckpointColumn) {
		return nil, exception.NewBatchErrorf("CheckpointManager", exception.KindFatal,
			"job '%s' uses KEY checkpoints with invalid column '%s'", def.JobKey, def.CheckpointColumn)
	}

	c := &Context{
		manager:   m,
		jobKey:    def.JobKey,
		sessionID: sessionID,
		strategy:  strategy,
		column:    def.CheckpointColumn,
	}
	if strategy == model.CheckpointNone {
		return c, nil
	}
	value, ok, err := m.Load(ctx, def.JobKey)
	if err != nil {
		return nil, err
	}
	if ok {
		c.start = value
		c.current = value
		logger.Infof("CheckpointManager: '%s' resumes from %s (%s)", def.JobKey, value, strategy)
	}
	return c, nil
}

// Context is the checkpoint view of one run. It implements payload.Checkpoint.
type Context struct {
	manager   *Manager
	jobKey    string
	sessionID string
	strategy  model.CheckpointStrategy
	column    string
	start     string

	mu      sync.Mutex
	current string
}

var _ payload.Checkpoint = (*Context)(nil)

func (c *Context) Strategy() model.CheckpointStrategy { return c.strategy }

func (c *Context) Column() string { return c.column }

// LastValue returns the latest committed value.
func (c *Context) LastValue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// StartValue returns the value the run resumed from.
func (c *Context) StartValue() string { return c.start }

func (c *Context) ApplyToQuery(baseQuery string) (string, []interface{}) {
	return applyToQuery(c.strategy, c.column, c.LastValue(), baseQuery)
}

func (c *Context) SkipRows() int64 {
	return skipRows(c.strategy, c.LastValue())
}

// Advance implements payload.Checkpoint.
func (c *Context) Advance(ctx context.Context, value string) error {
	if c.strategy == model.CheckpointNone {
		return nil
	}
	changed, err := c.manager.Advance(ctx, c.jobKey, c.strategy, c.column, value)
	if err != nil || !changed {
		return err
	}
	c.mu.Lock()
	if c.current == "" || CompareValues(value, c.current) > 0 {
		c.current = value
	}
	c.mu.Unlock()
	if c.manager.logs != nil && c.sessionID != "" {
		if err := c.manager.logs.UpdateCheckpointValue(ctx, c.sessionID, value); err != nil {
			logger.Warnf("CheckpointManager: failed to mirror checkpoint of session %s: %v", c.sessionID, err)
		}
	}
	return nil
}

// Snapshot returns a read-only view fixed at the current value. Chunk fetches use it so the
// watermark moving during a parallel run never shifts the planned chunk bounds.
func Snapshot(cp payload.Checkpoint) payload.Checkpoint {
	return frozen{strategy: cp.Strategy(), column: cp.Column(), value: cp.LastValue()}
}

type frozen struct {
	strategy model.CheckpointStrategy
	column   string
	value    string
}

func (f frozen) Strategy() model.CheckpointStrategy { return f.strategy }
func (f frozen) Column() string                     { return f.column }
func (f frozen) LastValue() string                  { return f.value }
func (f frozen) SkipRows() int64                    { return skipRows(f.strategy, f.value) }
func (f frozen) Advance(context.Context, string) error {
	return nil
}
func (f frozen) ApplyToQuery(baseQuery string) (string, []interface{}) {
	return applyToQuery(f.strategy, f.column, f.value, baseQuery)
}

// applyToQuery wraps baseQuery so KEY runs only see rows past value, in column order.
func applyToQuery(strategy model.CheckpointStrategy, column, value, baseQuery string) (string, []interface{}) {
	if strategy != model.CheckpointKey || column == "" {
		return baseQuery, nil
	}
	if value == "" {
		return fmt.Sprintf("SELECT * FROM (%s) AS ckpt_src ORDER BY %s", baseQuery, column), nil
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS ckpt_src WHERE %s > ? ORDER BY %s", baseQuery, column, column),
		[]interface{}{typedValue(value)}
}

func skipRows(strategy model.CheckpointStrategy, value string) int64 {
	if strategy != model.CheckpointCursorSkip || value == "" {
		return 0
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
