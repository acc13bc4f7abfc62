// Package payload defines the Job Payload contract: the compiled extract/transform/load unit
// the engine invokes for a job. Per-job variability (tables, columns, SQL text) is data passed
// through Params, never code.
package payload

import (
	"context"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/adapter/storage"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

// Row is one source or target record keyed by column name.
type Row map[string]interface{}

// Counts is the typed result of a payload run. Row-level failures are reported here and never
// as an error.
type Counts struct {
	SourceRows int64
	TargetRows int64
	ErrorRows  int64
}

// Add returns the sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		SourceRows: c.SourceRows + o.SourceRows,
		TargetRows: c.TargetRows + o.TargetRows,
		ErrorRows:  c.ErrorRows + o.ErrorRows,
	}
}

// Connections are the resources handed to a payload for one run or one chunk.
// TargetStorage is set when the job's target_ref names a storage block.
type Connections struct {
	Source        database.DBConnection
	Target        database.DBConnection
	TargetStorage storage.StorageConnection
}

// Checkpoint is the resume position exposed to a payload.
type Checkpoint interface {
	// Strategy is the resolved strategy: KEY, CURSOR_SKIP or NONE.
	Strategy() model.CheckpointStrategy
	// Column is the ordering column for KEY.
	Column() string
	// LastValue is the committed position, empty when the run starts from the beginning.
	LastValue() string
	// ApplyToQuery restricts baseQuery to rows past the checkpoint for KEY. Other strategies
	// return baseQuery unchanged.
	ApplyToQuery(baseQuery string) (string, []interface{})
	// SkipRows is the number of rows to discard for CURSOR_SKIP, zero otherwise.
	SkipRows() int64
	// Advance records progress after a committed batch: the last key for KEY, the total rows
	// processed for CURSOR_SKIP. Lower or equal values are ignored.
	Advance(ctx context.Context, value string) error
}

// Payload is the sequential entry point every job payload implements. A returned error means
// the run crashed; it is a fatal signal distinct from Counts.ErrorRows.
type Payload interface {
	Run(ctx context.Context, conns Connections, params model.Params, cp Checkpoint) (Counts, error)
}

// Partitionable is implemented by payloads whose source can be split into chunks. The
// Parallel Processor only uses it when the estimate reaches the configured threshold.
type Partitionable interface {
	Payload

	// EstimateRows returns the number of source rows still to process.
	EstimateRows(ctx context.Context, conns Connections, params model.Params, cp Checkpoint) (int64, error)
	// OrderingColumn returns the column rows are ordered by, or "" when there is none.
	OrderingColumn(params model.Params) string
	// SupportsOffset reports whether the source can be paged with OFFSET/LIMIT.
	SupportsOffset() bool
	// KeyRange returns the integer bounds of the ordering column past the checkpoint. ok is
	// false when the column is not integral or the source is empty.
	KeyRange(ctx context.Context, conns Connections, params model.Params, cp Checkpoint) (min, max int64, ok bool, err error)
	// FetchChunk reads the rows covered by plan.
	FetchChunk(ctx context.Context, conns Connections, params model.Params, cp Checkpoint, plan model.ChunkPlan) ([]Row, error)
	// LoadChunk writes rows into the target and returns how many were written.
	LoadChunk(ctx context.Context, conns Connections, params model.Params, rows []Row) (int64, error)
}

// Transformer is an optional pure, idempotent per-row transformation. A row whose transform
// fails is counted as failed and not loaded.
type Transformer interface {
	Transform(row Row) (Row, error)
}
