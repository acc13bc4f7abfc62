// Package sqlsource reads the source side of the built-in payloads: a table or query on a
// database connection, restricted by the job checkpoint and split into pages or chunks.
package sqlsource

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
)

// DefaultBatchSize is the page size of a sequential run.
const DefaultBatchSize = 1000

// Config selects the source rows. Exactly one of Table and Query is set.
type Config struct {
	Table      string        `mapstructure:"source_table"`
	Query      string        `mapstructure:"source_query"`
	Columns    []string      `mapstructure:"columns"`
	Filter     string        `mapstructure:"filter"`
	FilterArgs []interface{} `mapstructure:"filter_args"`
	// KeyColumn orders the rows. The checkpoint column is used when it is empty.
	KeyColumn string `mapstructure:"key_column"`
	BatchSize int    `mapstructure:"batch_size"`
}

// Decode reads params into out, accepting strings for numbers and comma separated lists.
func Decode(params model.Params, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]interface{}(params))
}

// Validate checks the source selection and fills defaults.
func (c *Config) Validate() error {
	switch {
	case c.Table == "" && c.Query == "":
		return fmt.Errorf("one of source_table or source_query is required")
	case c.Table != "" && c.Query != "":
		return fmt.Errorf("source_table and source_query are mutually exclusive")
	case c.BatchSize < 0:
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	return nil
}

// CheckCheckpoint rejects a key_column other than the column of a KEY checkpoint: chunk
// positions are key_column values and cannot advance a checkpoint kept on another column.
func (c *Config) CheckCheckpoint(strategy model.CheckpointStrategy, column string) error {
	if strategy == model.CheckpointKey && c.KeyColumn != "" && c.KeyColumn != column {
		return fmt.Errorf("key_column '%s' differs from the KEY checkpoint column '%s'", c.KeyColumn, column)
	}
	return nil
}

// Reader builds and runs the source queries of one Config.
type Reader struct {
	cfg Config
}

// NewReader validates cfg and returns a Reader on it.
func NewReader(cfg Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reader{cfg: cfg}, nil
}

// Config returns the validated configuration.
func (r *Reader) Config() Config { return r.cfg }

// base returns the unrestricted source query and its arguments.
func (r *Reader) base() (string, []interface{}) {
	query := r.cfg.Query
	if query == "" {
		cols := "*"
		if len(r.cfg.Columns) > 0 {
			cols = strings.Join(r.cfg.Columns, ", ")
		}
		query = fmt.Sprintf("SELECT %s FROM %s", cols, r.cfg.Table)
		if r.cfg.Filter != "" {
			return query + " WHERE " + r.cfg.Filter, r.cfg.FilterArgs
		}
		return query, nil
	}
	if r.cfg.Filter != "" {
		return fmt.Sprintf("SELECT * FROM (%s) AS flt_src WHERE %s", query, r.cfg.Filter), r.cfg.FilterArgs
	}
	return query, nil
}

// checkpointed returns the source query restricted to rows past cp.
func (r *Reader) checkpointed(cp payload.Checkpoint) (string, []interface{}) {
	query, args := r.base()
	if cp == nil {
		return query, args
	}
	restricted, cpArgs := cp.ApplyToQuery(query)
	return restricted, append(append([]interface{}{}, args...), cpArgs...)
}

// OrderingColumn is the configured key column, or the KEY checkpoint column.
func (r *Reader) OrderingColumn(cp payload.Checkpoint) string {
	if r.cfg.KeyColumn != "" {
		return r.cfg.KeyColumn
	}
	if cp != nil && cp.Strategy() == model.CheckpointKey {
		return cp.Column()
	}
	return ""
}

// Estimate counts the rows still to read.
func (r *Reader) Estimate(ctx context.Context, db database.DBExecutor, cp payload.Checkpoint) (int64, error) {
	query, args := r.checkpointed(cp)
	var out struct{ N int64 }
	if err := db.ExecuteRaw(ctx, &out, fmt.Sprintf("SELECT COUNT(*) AS n FROM (%s) AS cnt_src", query), args...); err != nil {
		return 0, err
	}
	n := out.N
	if cp != nil {
		n -= cp.SkipRows()
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// KeyRange returns the integer bounds of column over the rows still to read.
func (r *Reader) KeyRange(ctx context.Context, db database.DBExecutor, cp payload.Checkpoint, column string) (int64, int64, bool, error) {
	if column == "" {
		return 0, 0, false, nil
	}
	query, args := r.checkpointed(cp)
	var rows []map[string]interface{}
	stmt := fmt.Sprintf("SELECT MIN(%s) AS lo, MAX(%s) AS hi FROM (%s) AS rng_src", column, column, query)
	if err := db.ExecuteRaw(ctx, &rows, stmt, args...); err != nil {
		return 0, 0, false, err
	}
	if len(rows) == 0 {
		return 0, 0, false, nil
	}
	lo, okLo := asInt(rows[0]["lo"])
	hi, okHi := asInt(rows[0]["hi"])
	if !okLo || !okHi {
		return 0, 0, false, nil
	}
	return lo, hi, true, nil
}

// FetchChunk reads the rows covered by plan.
func (r *Reader) FetchChunk(ctx context.Context, db database.DBExecutor, cp payload.Checkpoint, plan model.ChunkPlan) ([]payload.Row, error) {
	query, args := r.checkpointed(cp)
	var stmt string
	switch plan.Mode {
	case model.PlanKeyRange:
		stmt = fmt.Sprintf("SELECT * FROM (%s) AS chunk_src WHERE %s >= ? AND %s < ? ORDER BY %s",
			query, plan.Column, plan.Column, plan.Column)
		args = append(args, plan.Lower, plan.Upper)
	case model.PlanOffset:
		stmt = fmt.Sprintf("SELECT * FROM (%s) AS chunk_src%s LIMIT ? OFFSET ?", query, orderBy(plan.Column))
		args = append(args, plan.Limit, plan.Offset)
	default:
		return nil, fmt.Errorf("unknown chunk plan mode %q", plan.Mode)
	}
	return r.fetch(ctx, db, stmt, args)
}

// PagesByKey reports whether Page pages by the KEY checkpoint rather than by offset.
func PagesByKey(cp payload.Checkpoint) bool {
	return cp != nil && cp.Strategy() == model.CheckpointKey && cp.Column() != ""
}

// Page reads up to limit rows. When PagesByKey the caller advances cp between pages and
// offset is ignored; otherwise offset is the absolute row offset, including any CURSOR_SKIP
// rows.
func (r *Reader) Page(ctx context.Context, db database.DBExecutor, cp payload.Checkpoint, offset, limit int64) ([]payload.Row, error) {
	query, args := r.checkpointed(cp)
	if PagesByKey(cp) {
		// The checkpointed query is already ordered by the key.
		return r.fetch(ctx, db, fmt.Sprintf("SELECT * FROM (%s) AS page_src LIMIT ?", query), append(args, limit))
	}
	stmt := fmt.Sprintf("SELECT * FROM (%s) AS page_src%s LIMIT ? OFFSET ?", query, orderBy(r.OrderingColumn(cp)))
	return r.fetch(ctx, db, stmt, append(args, limit, offset))
}

func (r *Reader) fetch(ctx context.Context, db database.DBExecutor, stmt string, args []interface{}) ([]payload.Row, error) {
	var raw []map[string]interface{}
	if err := db.ExecuteRaw(ctx, &raw, stmt, args...); err != nil {
		return nil, err
	}
	rows := make([]payload.Row, len(raw))
	for i, m := range raw {
		rows[i] = payload.Row(m)
	}
	return rows, nil
}

func orderBy(column string) string {
	if column == "" {
		return ""
	}
	return " ORDER BY " + column
}

// asInt accepts integer column values. MySQL's text protocol reports them as []byte.
func asInt(v interface{}) (int64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	if b, ok := v.([]byte); ok {
		n, err := strconv.ParseInt(string(b), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Plain converts rows to the map type the database adapter inserts.
func Plain(rows []payload.Row) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		out[i] = map[string]interface{}(row)
	}
	return out
}
