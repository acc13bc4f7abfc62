package sqlcopy

import "github.com/tigerroll/ferry/pkg/batch/core/payload"

// Module registers the copy payload.
var Module = payload.Provide(Type, New)
