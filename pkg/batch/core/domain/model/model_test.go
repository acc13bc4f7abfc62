package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
)

func TestParams_ValueScan(t *testing.T) {
	p := model.Params{"table": "orders", "limit": 10}
	v, err := p.Value()
	require.NoError(t, err)

	var scanned model.Params
	require.NoError(t, scanned.Scan([]byte(v.(string))))
	assert.Equal(t, "orders", scanned.GetString("table", ""))
	assert.Equal(t, int64(10), scanned.GetInt64("limit", 0))

	require.NoError(t, scanned.Scan(nil))
	assert.Empty(t, scanned)
	assert.Error(t, scanned.Scan(42))

	var nilParams model.Params
	v, err = nilParams.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)
}

func TestParams_MergeAndGetters(t *testing.T) {
	base := model.Params{"from": "2025-01-01", "full": "true"}
	merged := base.Merge(model.Params{"from": "2024-01-01", "to": "2024-12-31"})

	assert.Equal(t, "2024-01-01", merged.GetString("from", ""))
	assert.Equal(t, "2024-12-31", merged.GetString("to", ""))
	assert.Equal(t, "2025-01-01", base.GetString("from", ""), "merge must not mutate the receiver")
	assert.True(t, merged.GetBool("full", false))
	assert.Equal(t, int64(7), merged.GetInt64("missing", 7))
	assert.Equal(t, "x", merged.GetString("missing", "x"))
}

func TestScheduleDefinition_InWindow(t *testing.T) {
	start := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	s := model.NewScheduleDefinition("orders", model.FrequencyDaily)
	s.StartDate = &start
	s.EndDate = &end

	assert.False(t, s.InWindow(time.Date(2025, 1, 9, 23, 59, 0, 0, time.UTC)))
	assert.True(t, s.InWindow(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)))
	assert.True(t, s.InWindow(time.Date(2025, 1, 20, 23, 0, 0, 0, time.UTC)), "end date is inclusive")
	assert.False(t, s.InWindow(time.Date(2025, 1, 21, 0, 0, 0, 0, time.UTC)))
	assert.True(t, s.Expired(time.Date(2025, 1, 21, 0, 0, 0, 0, time.UTC)))
	assert.False(t, s.Expired(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))
}

func TestRunStatus_ProcessStatus(t *testing.T) {
	assert.Equal(t, model.ProcessCompleted, model.RunSuccess.ProcessStatus())
	assert.Equal(t, model.ProcessCompleted, model.RunPartial.ProcessStatus())
	assert.Equal(t, model.ProcessFailed, model.RunFailed.ProcessStatus())
	assert.Equal(t, model.ProcessStopped, model.RunStopped.ProcessStatus())
}

func TestRequestType(t *testing.T) {
	assert.True(t, model.RequestStop.IsControl())
	assert.True(t, model.RequestRefreshSchedule.IsControl())
	assert.False(t, model.RequestHistory.IsControl())
	assert.False(t, model.RequestType("BOGUS").Valid())

	req := model.NewQueueRequest("orders", model.RequestImmediate, nil)
	assert.Equal(t, model.RequestStatusNew, req.Status)
	assert.NotEmpty(t, req.RequestID)
	assert.NotNil(t, req.Payload)
	assert.Equal(t, req.RequestedAt, req.AvailableAt)
	assert.False(t, req.Status.IsTerminal())
	assert.True(t, model.RequestStatusFailed.IsTerminal())
}
