// Package parallel executes one job run, sequentially or split into chunks processed by a
// bounded worker pool with per-chunk retry, progress tracking and checkpoint watermarking.
package parallel

import (
	"fmt"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

// ChunkManager partitions an estimated rowset into ChunkPlans. Plans are computed once per
// run from a single estimate and are never recomputed.
type ChunkManager struct {
	chunkSize int64
}

// NewChunkManager creates a ChunkManager producing chunks of chunkSize rows.
func NewChunkManager(chunkSize int64) *ChunkManager {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return &ChunkManager{chunkSize: chunkSize}
}

// ChunkCount returns ceil(rows / chunkSize).
func (m *ChunkManager) ChunkCount(rows int64) int {
	if rows <= 0 {
		return 0
	}
	return int((rows + m.chunkSize - 1) / m.chunkSize)
}

// KeyRangePlans splits the integer key interval [minKey, maxKey] into ceil(rows/chunkSize)
// contiguous half-open ranges. When the interval holds fewer keys than chunks, one chunk per
// key is produced and the planned rows are spread evenly.
func (m *ChunkManager) KeyRangePlans(column string, rows, minKey, maxKey int64) ([]model.ChunkPlan, error) {
	if maxKey < minKey {
		return nil, fmt.Errorf("invalid key range [%d, %d]", minKey, maxKey)
	}
	n := m.ChunkCount(rows)
	if n == 0 {
		return nil, nil
	}
	span := maxKey - minKey + 1
	perChunk := m.chunkSize
	if int64(n) > span {
		n = int(span)
		perChunk = (rows + span - 1) / span
	}
	step := (span + int64(n) - 1) / int64(n)

	plans := make([]model.ChunkPlan, 0, n)
	remaining := rows
	lower := minKey
	for i := 0; i < n; i++ {
		upper := lower + step
		if i == n-1 || upper > maxKey+1 {
			upper = maxKey + 1
		}
		planned := perChunk
		if i == n-1 || planned > remaining {
			planned = remaining
		}
		remaining -= planned
		plans = append(plans, model.ChunkPlan{
			ChunkID: i + 1,
			Mode:    model.PlanKeyRange,
			Column:  column,
			Lower:   lower,
			Upper:   upper,
			Rows:    planned,
		})
		lower = upper
		if lower > maxKey {
			break
		}
	}
	if remaining > 0 {
		plans[len(plans)-1].Rows += remaining
	}
	return plans, nil
}

// OffsetPlans splits rows into ceil(rows/chunkSize) pages starting at skip. Every page holds
// chunkSize rows except the last.
func (m *ChunkManager) OffsetPlans(column string, rows, skip int64) []model.ChunkPlan {
	n := m.ChunkCount(rows)
	plans := make([]model.ChunkPlan, 0, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * m.chunkSize
		limit := m.chunkSize
		if offset+limit > rows {
			limit = rows - offset
		}
		plans = append(plans, model.ChunkPlan{
			ChunkID: i + 1,
			Mode:    model.PlanOffset,
			Column:  column,
			Offset:  skip + offset,
			Limit:   limit,
			Rows:    limit,
		})
	}
	return plans
}
