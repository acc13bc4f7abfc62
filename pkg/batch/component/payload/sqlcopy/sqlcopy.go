// Package sqlcopy is the table-to-table copy payload. It reads a table or query from the
// job's source database and inserts or upserts the rows into a table of the target database.
//
// Params:
//
//	source_table | source_query   what to read (exactly one)
//	columns                       select list for source_table, comma separated
//	filter, filter_args           extra predicate, e.g. a date range for HISTORY runs
//	key_column                    ordering column; enables key-range chunks when integral
//	target_table                  required
//	conflict_columns              upsert on these columns instead of plain inserts
//	update_columns                columns updated on conflict; empty means DO NOTHING
//	column_map                    source column -> target column renames
//	required_columns              rows with a NULL or missing value here are rejected
//	batch_size                    page size of a sequential run
package sqlcopy

import (
	"context"
	"fmt"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/component/payload/sqlsource"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/checkpoint"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Type is the payload type name used in job definitions.
const Type = "sqlcopy"

// Config is the decoded params of a copy job.
type Config struct {
	sqlsource.Config `mapstructure:",squash"`

	TargetTable     string            `mapstructure:"target_table"`
	ConflictColumns []string          `mapstructure:"conflict_columns"`
	UpdateColumns   []string          `mapstructure:"update_columns"`
	ColumnMap       map[string]string `mapstructure:"column_map"`
	RequiredColumns []string          `mapstructure:"required_columns"`
}

func decodeConfig(params model.Params) (Config, error) {
	var cfg Config
	if err := sqlsource.Decode(params, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Config.Validate(); err != nil {
		return cfg, err
	}
	if cfg.TargetTable == "" {
		return cfg, fmt.Errorf("target_table is required")
	}
	if len(cfg.UpdateColumns) > 0 && len(cfg.ConflictColumns) == 0 {
		return cfg, fmt.Errorf("update_columns requires conflict_columns")
	}
	if _, renamed := cfg.ColumnMap[cfg.KeyColumn]; renamed && cfg.KeyColumn != "" {
		return cfg, fmt.Errorf("key_column '%s' cannot be renamed by column_map", cfg.KeyColumn)
	}
	return cfg, nil
}

// Payload copies rows between two database connections.
type Payload struct {
	jobKey string
	cfg    Config
}

var (
	_ payload.Partitionable = (*Payload)(nil)
	_ payload.Transformer   = (*Payload)(nil)
)

// New builds the payload of def. The params are validated here so a misconfigured job fails
// when it is resolved rather than halfway through a run.
func New(def *model.JobDefinition) (payload.Payload, error) {
	cfg, err := decodeConfig(def.Params)
	if err != nil {
		return nil, fmt.Errorf("sqlcopy job '%s': %w", def.JobKey, err)
	}
	if err := cfg.CheckCheckpoint(checkpoint.ResolveStrategy(def.CheckpointStrategy, def.CheckpointColumn), def.CheckpointColumn); err != nil {
		return nil, fmt.Errorf("sqlcopy job '%s': %w", def.JobKey, err)
	}
	return &Payload{jobKey: def.JobKey, cfg: cfg}, nil
}

// reader returns the source reader of one run. Run params may differ from the definition's
// when a HISTORY request merged its payload over them.
func (p *Payload) reader(params model.Params) (*sqlsource.Reader, Config, error) {
	cfg := p.cfg
	if params != nil {
		decoded, err := decodeConfig(params)
		if err != nil {
			return nil, cfg, exception.NewBatchError("SqlCopy", fmt.Sprintf("invalid params for job '%s'", p.jobKey),
				fmt.Errorf("%w: %v", exception.ErrPayloadContract, err), exception.KindFatal)
		}
		cfg = decoded
	}
	r, err := sqlsource.NewReader(cfg.Config)
	if err != nil {
		return nil, cfg, err
	}
	return r, cfg, nil
}

func requireConnections(conns payload.Connections) error {
	if conns.Source == nil || conns.Target == nil {
		return exception.NewBatchError("SqlCopy", "source and target database connections are required",
			exception.ErrPayloadContract, exception.KindFatal)
	}
	return nil
}

// Run implements payload.Payload. Each page is loaded and then committed to the checkpoint, so
// a crashed run resumes after the last loaded page.
func (p *Payload) Run(ctx context.Context, conns payload.Connections, params model.Params, cp payload.Checkpoint) (payload.Counts, error) {
	var counts payload.Counts
	if err := requireConnections(conns); err != nil {
		return counts, err
	}
	r, cfg, err := p.reader(params)
	if err != nil {
		return counts, err
	}
	var offset int64
	if cp != nil {
		offset = cp.SkipRows()
	}
	for {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		rows, err := r.Page(ctx, conns.Source, cp, offset, int64(cfg.BatchSize))
		if err != nil {
			return counts, exception.NewBatchError("SqlCopy", fmt.Sprintf("failed to read source of job '%s'", p.jobKey), err, exception.Classify(err))
		}
		if len(rows) == 0 {
			break
		}
		counts.SourceRows += int64(len(rows))

		good := make([]payload.Row, 0, len(rows))
		for _, row := range rows {
			out, terr := p.transform(cfg, row)
			if terr != nil {
				counts.ErrorRows++
				logger.Debugf("SqlCopy: '%s' rejected row: %v", p.jobKey, terr)
				continue
			}
			good = append(good, out)
		}
		loaded, err := load(ctx, conns.Target, cfg, good)
		if err != nil {
			return counts, exception.NewBatchError("SqlCopy", fmt.Sprintf("failed to load %d rows into '%s'", len(good), cfg.TargetTable), err, exception.Classify(err))
		}
		counts.TargetRows += loaded

		offset += int64(len(rows))
		if cp != nil {
			if err := p.advance(ctx, cp, rows, offset); err != nil {
				return counts, err
			}
		}
		logger.Debugf("SqlCopy: '%s' copied page of %d rows (%d loaded).", p.jobKey, len(rows), loaded)
		if len(rows) < cfg.BatchSize {
			break
		}
	}
	return counts, nil
}

// advance moves cp past the page just loaded. Under KEY the next page is read from the new
// value, so a value that does not move would read the same page again.
func (p *Payload) advance(ctx context.Context, cp payload.Checkpoint, rows []payload.Row, offset int64) error {
	switch cp.Strategy() {
	case model.CheckpointKey:
		if !sqlsource.PagesByKey(cp) {
			return nil
		}
		before := cp.LastValue()
		key := checkpoint.MaxKey(rows, cp.Column())
		if key == "" {
			return exception.NewBatchError("SqlCopy", fmt.Sprintf("page of job '%s' has no value in key column '%s'", p.jobKey, cp.Column()),
				exception.ErrPayloadContract, exception.KindFatal)
		}
		if err := cp.Advance(ctx, key); err != nil {
			return err
		}
		if cp.LastValue() == before {
			return exception.NewBatchError("SqlCopy", fmt.Sprintf("checkpoint of job '%s' did not move past '%s'", p.jobKey, before),
				exception.ErrPayloadContract, exception.KindFatal)
		}
	case model.CheckpointCursorSkip:
		return cp.Advance(ctx, fmt.Sprint(offset))
	}
	return nil
}

// Transform implements payload.Transformer with the definition's column rules.
func (p *Payload) Transform(row payload.Row) (payload.Row, error) {
	return p.transform(p.cfg, row)
}

func (p *Payload) transform(cfg Config, row payload.Row) (payload.Row, error) {
	for _, col := range cfg.RequiredColumns {
		if v, ok := row[col]; !ok || v == nil {
			return nil, fmt.Errorf("required column '%s' is empty", col)
		}
	}
	if len(cfg.ColumnMap) == 0 {
		return row, nil
	}
	out := make(payload.Row, len(row))
	for k, v := range row {
		if renamed, ok := cfg.ColumnMap[k]; ok {
			k = renamed
		}
		out[k] = v
	}
	return out, nil
}

// load writes rows in one statement. A statement that succeeds counts every row as written:
// drivers report upserted rows differently and skipped duplicates are not failures.
func load(ctx context.Context, target database.DBExecutor, cfg Config, rows []payload.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var err error
	if len(cfg.ConflictColumns) > 0 {
		_, err = target.ExecuteUpsert(ctx, sqlsource.Plain(rows), cfg.TargetTable, cfg.ConflictColumns, cfg.UpdateColumns)
	} else {
		_, err = target.ExecuteUpdate(ctx, sqlsource.Plain(rows), database.OpCreate, cfg.TargetTable, nil)
	}
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// EstimateRows implements payload.Partitionable.
func (p *Payload) EstimateRows(ctx context.Context, conns payload.Connections, params model.Params, cp payload.Checkpoint) (int64, error) {
	if err := requireConnections(conns); err != nil {
		return 0, err
	}
	r, _, err := p.reader(params)
	if err != nil {
		return 0, err
	}
	return r.Estimate(ctx, conns.Source, cp)
}

// OrderingColumn implements payload.Partitionable.
func (p *Payload) OrderingColumn(params model.Params) string {
	r, _, err := p.reader(params)
	if err != nil {
		return ""
	}
	return r.Config().KeyColumn
}

// SupportsOffset implements payload.Partitionable.
func (p *Payload) SupportsOffset() bool { return true }

// KeyRange implements payload.Partitionable.
func (p *Payload) KeyRange(ctx context.Context, conns payload.Connections, params model.Params, cp payload.Checkpoint) (int64, int64, bool, error) {
	r, _, err := p.reader(params)
	if err != nil {
		return 0, 0, false, err
	}
	return r.KeyRange(ctx, conns.Source, cp, r.OrderingColumn(cp))
}

// FetchChunk implements payload.Partitionable.
func (p *Payload) FetchChunk(ctx context.Context, conns payload.Connections, params model.Params, cp payload.Checkpoint, plan model.ChunkPlan) ([]payload.Row, error) {
	r, _, err := p.reader(params)
	if err != nil {
		return nil, err
	}
	return r.FetchChunk(ctx, conns.Source, cp, plan)
}

// LoadChunk implements payload.Partitionable. Chunks may be retried, so jobs that run in
// parallel should set conflict_columns to make the load idempotent.
func (p *Payload) LoadChunk(ctx context.Context, conns payload.Connections, params model.Params, rows []payload.Row) (int64, error) {
	_, cfg, err := p.reader(params)
	if err != nil {
		return 0, err
	}
	return load(ctx, conns.Target, cfg, rows)
}
