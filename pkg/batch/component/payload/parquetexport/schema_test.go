package parquetexport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ferry/pkg/batch/core/payload"
)

func TestInferSchema(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s, err := inferSchema([]payload.Row{
		{"id": int64(1), "note": nil, "price": 1.5, "paid": true, "at": at},
		{"id": int64(2), "note": []byte("x"), "price": nil},
		{"id": int64(3), "empty": nil},
	})
	require.NoError(t, err)
	require.Len(t, s.columns, 6)
	assert.Equal(t, []column{
		{name: "at", typ: typeTimestamp},
		{name: "empty", typ: typeString},
		{name: "id", typ: typeInt64},
		{name: "note", typ: typeString},
		{name: "paid", typ: typeBool},
		{name: "price", typ: typeDouble},
	}, s.columns)
	assert.Contains(t, s.JSON(), `"name=at, type=INT64, convertedtype=TIMESTAMP_MILLIS, repetitiontype=OPTIONAL"`)

	rec, err := s.record(payload.Row{"id": int64(1), "note": []byte("x"), "price": int64(2), "at": at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"note":"x","price":2,"at":1740819600000}`, rec)

	_, err = s.record(payload.Row{"paid": "yes"})
	assert.Error(t, err)

	_, err = inferSchema([]payload.Row{{"order id": 1}})
	assert.Error(t, err)
}
