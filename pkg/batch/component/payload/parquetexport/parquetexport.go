// Package parquetexport exports a table or query of the job's source database as Parquet
// objects on the storage connection named by the job's target_ref.
//
// Every page (sequential runs) or chunk (parallel runs) becomes one object per partition:
//
//	<output_dir>/<partition_key>=<value>/<file_prefix>_<timestamp>_<id>.parquet
//
// Params, besides the source params of sqlcopy:
//
//	output_dir          required
//	compression         SNAPPY (default), GZIP or NONE
//	partition_column    time column splitting rows into Hive style partitions
//	partition_format    Go layout of the partition value, default 2006-01-02
//	partition_key       directory key, default dt
//	file_prefix         default data
package parquetexport

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/tigerroll/ferry/pkg/batch/adapter/storage"
	"github.com/tigerroll/ferry/pkg/batch/component/payload/sqlsource"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/checkpoint"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Type is the payload type name used in job definitions.
const Type = "parquetexport"

// Config is the decoded params of an export job.
type Config struct {
	sqlsource.Config `mapstructure:",squash"`

	OutputDir       string `mapstructure:"output_dir"`
	Compression     string `mapstructure:"compression"`
	PartitionColumn string `mapstructure:"partition_column"`
	PartitionFormat string `mapstructure:"partition_format"`
	PartitionKey    string `mapstructure:"partition_key"`
	FilePrefix      string `mapstructure:"file_prefix"`
}

func decodeConfig(params model.Params) (Config, error) {
	var cfg Config
	if err := sqlsource.Decode(params, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Config.Validate(); err != nil {
		return cfg, err
	}
	if cfg.OutputDir == "" {
		return cfg, fmt.Errorf("output_dir is required")
	}
	if cfg.Compression == "" {
		cfg.Compression = "SNAPPY"
	}
	if _, err := compressionCodec(cfg.Compression); err != nil {
		return cfg, err
	}
	if cfg.PartitionFormat == "" {
		cfg.PartitionFormat = "2006-01-02"
	}
	if cfg.PartitionKey == "" {
		cfg.PartitionKey = "dt"
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "data"
	}
	return cfg, nil
}

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToUpper(name) {
	case "SNAPPY":
		return parquet.CompressionCodec_SNAPPY, nil
	case "GZIP":
		return parquet.CompressionCodec_GZIP, nil
	case "NONE":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, fmt.Errorf("unsupported compression type: %s", name)
	}
}

// Payload writes source rows to Parquet objects.
type Payload struct {
	jobKey string
	cfg    Config
	now    func() time.Time
}

var _ payload.Partitionable = (*Payload)(nil)

// New builds the payload of def.
func New(def *model.JobDefinition) (payload.Payload, error) {
	cfg, err := decodeConfig(def.Params)
	if err != nil {
		return nil, fmt.Errorf("parquet export job '%s': %w", def.JobKey, err)
	}
	if err := cfg.CheckCheckpoint(checkpoint.ResolveStrategy(def.CheckpointStrategy, def.CheckpointColumn), def.CheckpointColumn); err != nil {
		return nil, fmt.Errorf("parquet export job '%s': %w", def.JobKey, err)
	}
	return &Payload{jobKey: def.JobKey, cfg: cfg, now: time.Now}, nil
}

func (p *Payload) reader(params model.Params) (*sqlsource.Reader, Config, error) {
	cfg := p.cfg
	if params != nil {
		decoded, err := decodeConfig(params)
		if err != nil {
			return nil, cfg, exception.NewBatchError("ParquetExport", fmt.Sprintf("invalid params for job '%s'", p.jobKey),
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
	if conns.Source == nil || conns.TargetStorage == nil {
		return exception.NewBatchError("ParquetExport", "a source database and a target storage connection are required",
			exception.ErrPayloadContract, exception.KindFatal)
	}
	return nil
}

// Run implements payload.Payload.
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
			return counts, exception.NewBatchError("ParquetExport", fmt.Sprintf("failed to read source of job '%s'", p.jobKey), err, exception.Classify(err))
		}
		if len(rows) == 0 {
			break
		}
		counts.SourceRows += int64(len(rows))

		written, err := p.export(ctx, conns.TargetStorage, cfg, rows)
		if err != nil {
			return counts, err
		}
		counts.TargetRows += written
		counts.ErrorRows += int64(len(rows)) - written

		offset += int64(len(rows))
		if cp != nil {
			if err := advance(ctx, cp, rows, offset); err != nil {
				return counts, err
			}
		}
		if len(rows) < cfg.BatchSize {
			break
		}
	}
	logger.Infof("ParquetExport: '%s' exported %d of %d rows.", p.jobKey, counts.TargetRows, counts.SourceRows)
	return counts, nil
}

func advance(ctx context.Context, cp payload.Checkpoint, rows []payload.Row, offset int64) error {
	switch cp.Strategy() {
	case model.CheckpointKey:
		if !sqlsource.PagesByKey(cp) {
			return nil
		}
		before := cp.LastValue()
		key := checkpoint.MaxKey(rows, cp.Column())
		if key == "" {
			return exception.NewBatchError("ParquetExport", fmt.Sprintf("page has no value in key column '%s'", cp.Column()),
				exception.ErrPayloadContract, exception.KindFatal)
		}
		if err := cp.Advance(ctx, key); err != nil {
			return err
		}
		if cp.LastValue() == before {
			return exception.NewBatchError("ParquetExport", fmt.Sprintf("checkpoint did not move past '%s'", before),
				exception.ErrPayloadContract, exception.KindFatal)
		}
	case model.CheckpointCursorSkip:
		return cp.Advance(ctx, fmt.Sprint(offset))
	}
	return nil
}

// export writes rows as one object per partition and returns how many rows were written.
// Rows whose values do not fit the inferred schema are skipped. A failed upload fails the
// whole call.
func (p *Payload) export(ctx context.Context, conn storage.StorageConnection, cfg Config, rows []payload.Row) (int64, error) {
	partitions, rejected := p.partition(cfg, rows)
	keys := make([]string, 0, len(partitions))
	for key := range partitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	written := int64(0)
	var errs *multierror.Error
	for _, key := range keys {
		n, err := p.writeObject(ctx, conn, cfg, key, partitions[key])
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		written += n
	}
	if err := errs.ErrorOrNil(); err != nil {
		return 0, exception.NewBatchError("ParquetExport", fmt.Sprintf("failed to export %d partition(s) of job '%s'", len(errs.Errors), p.jobKey),
			err, exception.Classify(errs.Errors[0]))
	}
	if rejected > 0 {
		logger.Warnf("ParquetExport: '%s' skipped %d row(s) without a usable partition value.", p.jobKey, rejected)
	}
	return written, nil
}

// partition groups rows by their partition directory. Rows with a missing or non-time
// partition value are rejected.
func (p *Payload) partition(cfg Config, rows []payload.Row) (map[string][]payload.Row, int) {
	out := map[string][]payload.Row{}
	if cfg.PartitionColumn == "" {
		out[""] = rows
		return out, 0
	}
	rejected := 0
	for _, row := range rows {
		t, ok := row[cfg.PartitionColumn].(time.Time)
		if !ok {
			rejected++
			continue
		}
		dir := cfg.PartitionKey + "=" + t.UTC().Format(cfg.PartitionFormat)
		out[dir] = append(out[dir], row)
	}
	return out, rejected
}

func (p *Payload) writeObject(ctx context.Context, conn storage.StorageConnection, cfg Config, dir string, rows []payload.Row) (n int64, err error) {
	s, err := inferSchema(rows)
	if err != nil {
		return 0, exception.NewBatchError("ParquetExport", "failed to infer the Parquet schema", fmt.Errorf("%w: %v", exception.ErrPayloadContract, err), exception.KindFatal)
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return 0, err
	}

	buf := new(bytes.Buffer)
	pw, err := writer.NewJSONWriterFromWriter(s.JSON(), buf, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	pw.CompressionType = codec

	for _, row := range rows {
		rec, rerr := s.record(row)
		if rerr != nil {
			logger.Debugf("ParquetExport: '%s' skipped row: %v", p.jobKey, rerr)
			continue
		}
		if err := pw.Write(rec); err != nil {
			return 0, fmt.Errorf("failed to write Parquet record: %w", err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}

	// The writer panics on some malformed inputs instead of returning an error.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("parquet writer panicked during WriteStop: %v", r)
			}
		}()
		err = pw.WriteStop()
	}()
	if err != nil {
		return 0, err
	}

	name := fmt.Sprintf("%s_%s_%s.parquet", cfg.FilePrefix, p.now().UTC().Format("20060102150405"), uuid.NewString()[:8])
	objectName := path.Join(cfg.OutputDir, dir, name)
	if err := conn.Upload(ctx, "", objectName, buf, "application/octet-stream"); err != nil {
		return 0, fmt.Errorf("failed to upload '%s': %w", objectName, err)
	}
	logger.Debugf("ParquetExport: '%s' uploaded %d rows to %s.", p.jobKey, n, objectName)
	return n, nil
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

// LoadChunk implements payload.Partitionable. A retried chunk writes new objects; readers
// of the output directory should tolerate duplicates from retries.
func (p *Payload) LoadChunk(ctx context.Context, conns payload.Connections, params model.Params, rows []payload.Row) (int64, error) {
	if conns.TargetStorage == nil {
		return 0, requireConnections(conns)
	}
	_, cfg, err := p.reader(params)
	if err != nil {
		return 0, err
	}
	return p.export(ctx, conns.TargetStorage, cfg, rows)
}
