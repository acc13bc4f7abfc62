package parallel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/engine/parallel"
)

func TestOffsetPlansCoverEveryRowOnce(t *testing.T) {
	cases := []struct{ rows, size, skip int64 }{
		{250000, 50000, 0},
		{1, 50000, 0},
		{100001, 50000, 0},
		{99999, 1000, 1500},
		{7, 3, 2},
	}
	for _, c := range cases {
		m := parallel.NewChunkManager(c.size)
		plans := m.OffsetPlans("id", c.rows, c.skip)
		require.Len(t, plans, int((c.rows+c.size-1)/c.size))

		next := c.skip
		var total int64
		for i, p := range plans {
			assert.Equal(t, model.PlanOffset, p.Mode)
			assert.Equal(t, i+1, p.ChunkID)
			assert.Equal(t, next, p.Offset, "no gap or overlap before chunk %d", p.ChunkID)
			if i < len(plans)-1 {
				assert.Equal(t, c.size, p.Limit)
			}
			next = p.Offset + p.Limit
			total += p.Rows
		}
		assert.Equal(t, c.rows, total)
		assert.Equal(t, c.skip+c.rows, next)
	}
}

func TestKeyRangePlansCoverInterval(t *testing.T) {
	m := parallel.NewChunkManager(50000)
	plans, err := m.KeyRangePlans("id", 250000, 1, 250000)
	require.NoError(t, err)
	require.Len(t, plans, 5)

	lower := int64(1)
	var total int64
	for _, p := range plans {
		assert.Equal(t, model.PlanKeyRange, p.Mode)
		assert.Equal(t, lower, p.Lower)
		assert.Greater(t, p.Upper, p.Lower)
		lower = p.Upper
		total += p.Rows
	}
	assert.Equal(t, int64(250001), lower)
	assert.Equal(t, int64(250000), total)
	assert.Equal(t, int64(50001), plans[0].Upper)
}

func TestKeyRangePlansSparseAndUneven(t *testing.T) {
	m := parallel.NewChunkManager(10)
	plans, err := m.KeyRangePlans("id", 35, 100, 1099)
	require.NoError(t, err)
	require.Len(t, plans, 4)
	assert.Equal(t, int64(100), plans[0].Lower)
	assert.Equal(t, int64(1100), plans[3].Upper)
	assert.Equal(t, []int64{10, 10, 10, 5}, []int64{plans[0].Rows, plans[1].Rows, plans[2].Rows, plans[3].Rows})

	// Fewer distinct keys than chunks.
	plans, err = m.KeyRangePlans("id", 40, 1, 2)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, int64(40), plans[0].Rows+plans[1].Rows)
	assert.Equal(t, int64(3), plans[1].Upper)

	_, err = m.KeyRangePlans("id", 10, 5, 1)
	assert.Error(t, err)
}
