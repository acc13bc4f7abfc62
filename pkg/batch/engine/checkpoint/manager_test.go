package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/engine/checkpoint"
	"github.com/tigerroll/ferry/pkg/batch/infrastructure/repository/inmemory"
)

func TestCompareValues(t *testing.T) {
	assert.Equal(t, -1, checkpoint.CompareValues("9", "10"))
	assert.Equal(t, 1, checkpoint.CompareValues("10.5", "9.75"))
	assert.Equal(t, 0, checkpoint.CompareValues("7", "7"))
	assert.Equal(t, -1, checkpoint.CompareValues("2025-01-01T09:00:00Z", "2025-01-01T10:00:00+00:00"))
	assert.Equal(t, 1, checkpoint.CompareValues("b", "a"))
}

func TestMaxKey(t *testing.T) {
	rows := []payload.Row{{"id": int64(9)}, {"id": int64(10)}, {"id": nil}, {"other": 1}}
	assert.Equal(t, "10", checkpoint.MaxKey(rows, "id"))
	assert.Equal(t, "", checkpoint.MaxKey(rows, "missing"))
	assert.Equal(t, "", checkpoint.MaxKey(rows, ""))
}

func TestResolveStrategy(t *testing.T) {
	assert.Equal(t, model.CheckpointKey, checkpoint.ResolveStrategy(model.CheckpointAuto, "id"))
	assert.Equal(t, model.CheckpointCursorSkip, checkpoint.ResolveStrategy("", ""))
	assert.Equal(t, model.CheckpointNone, checkpoint.ResolveStrategy(model.CheckpointNone, "id"))
}

func TestAdvanceRoundTripAndMonotonicity(t *testing.T) {
	ctx := context.Background()
	m := checkpoint.NewManager(inmemory.NewInMemoryRepository(), nil)

	_, ok, err := m.Load(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, ok)

	changed, err := m.Advance(ctx, "orders", model.CheckpointKey, "id", "100")
	require.NoError(t, err)
	assert.True(t, changed)

	v, ok, err := m.Load(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "100", v)

	for _, lower := range []string{"100", "99", "20"} {
		changed, err = m.Advance(ctx, "orders", model.CheckpointKey, "id", lower)
		require.NoError(t, err)
		assert.False(t, changed, lower)
	}
	v, _, _ = m.Load(ctx, "orders")
	assert.Equal(t, "100", v)

	require.NoError(t, m.Clear(ctx, "orders"))
	_, ok, _ = m.Load(ctx, "orders")
	assert.False(t, ok)
}

func TestContextKeyStrategy(t *testing.T) {
	ctx := context.Background()
	repo := inmemory.NewInMemoryRepository()
	m := checkpoint.NewManager(repo, repo)
	def := &model.JobDefinition{JobKey: "orders", CheckpointStrategy: model.CheckpointAuto, CheckpointColumn: "id"}

	entry := model.NewProcessLogEntry("orders", "r1")
	require.NoError(t, repo.StartProcess(ctx, entry))

	c, err := m.Open(ctx, def, entry.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointKey, c.Strategy())

	q, args := c.ApplyToQuery("SELECT id, name FROM orders")
	assert.Equal(t, "SELECT * FROM (SELECT id, name FROM orders) AS ckpt_src ORDER BY id", q)
	assert.Empty(t, args)

	require.NoError(t, c.Advance(ctx, "500"))
	q, args = c.ApplyToQuery("SELECT id, name FROM orders")
	assert.Equal(t, "SELECT * FROM (SELECT id, name FROM orders) AS ckpt_src WHERE id > ? ORDER BY id", q)
	assert.Equal(t, []interface{}{int64(500)}, args)
	assert.Zero(t, c.SkipRows())

	snap := checkpoint.Snapshot(c)
	require.NoError(t, c.Advance(ctx, "800"))
	assert.Equal(t, "500", snap.LastValue())
	assert.Equal(t, "800", c.LastValue())

	p, err := repo.FindProcess(ctx, entry.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "800", p.CheckpointValue)

	resumed, err := m.Open(ctx, def, "", false)
	require.NoError(t, err)
	assert.Equal(t, "800", resumed.StartValue())
}

func TestContextCursorSkipAndNone(t *testing.T) {
	ctx := context.Background()
	m := checkpoint.NewManager(inmemory.NewInMemoryRepository(), nil)
	def := &model.JobDefinition{JobKey: "events"}

	c, err := m.Open(ctx, def, "", false)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointCursorSkip, c.Strategy())
	require.NoError(t, c.Advance(ctx, "1500"))
	assert.Equal(t, int64(1500), c.SkipRows())
	q, args := c.ApplyToQuery("SELECT * FROM events")
	assert.Equal(t, "SELECT * FROM events", q)
	assert.Nil(t, args)

	history, err := m.Open(ctx, def, "", true)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointNone, history.Strategy())
	assert.Zero(t, history.SkipRows())
	require.NoError(t, history.Advance(ctx, "9999"))
	v, _, _ := m.Load(ctx, "events")
	assert.Equal(t, "1500", v)
}

func TestOpenRejectsBadConfiguration(t *testing.T) {
	m := checkpoint.NewManager(inmemory.NewInMemoryRepository(), nil)
	_, err := m.Open(context.Background(), &model.JobDefinition{JobKey: "x", CheckpointStrategy: "SOMETIMES"}, "", false)
	assert.Error(t, err)
	_, err = m.Open(context.Background(), &model.JobDefinition{JobKey: "x", CheckpointStrategy: model.CheckpointKey, CheckpointColumn: "id; DROP TABLE x"}, "", false)
	assert.Error(t, err)
}
