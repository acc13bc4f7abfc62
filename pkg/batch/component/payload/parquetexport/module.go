package parquetexport

import "github.com/tigerroll/ferry/pkg/batch/core/payload"

// Module registers the Parquet export payload.
var Module = payload.Provide(Type, New)
