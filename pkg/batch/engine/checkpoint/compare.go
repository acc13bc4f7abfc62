package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/payload"
)

// CompareValues orders two checkpoint values. Values that both parse as integers, floats or
// RFC3339 timestamps are compared as such; anything else is compared lexically.
func CompareValues(a, b string) int {
	if ai, err := strconv.ParseInt(a, 10, 64); err == nil {
		if bi, err := strconv.ParseInt(b, 10, 64); err == nil {
			return compareOrdered(ai, bi)
		}
	}
	if af, err := strconv.ParseFloat(a, 64); err == nil {
		if bf, err := strconv.ParseFloat(b, 64); err == nil {
			return compareOrdered(af, bf)
		}
	}
	if at, err := time.Parse(time.RFC3339Nano, a); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, b); err == nil {
			return at.Compare(bt)
		}
	}
	return strings.Compare(a, b)
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// typedValue converts a stored value to the argument bound into a KEY predicate so integer keys
// compare numerically in the database.
func typedValue(v string) interface{} {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// FormatValue renders a column value as a checkpoint value.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// MaxKey returns the highest value of column among rows in checkpoint format, "" when none.
func MaxKey(rows []payload.Row, column string) string {
	if column == "" {
		return ""
	}
	best := ""
	for _, row := range rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		s := FormatValue(v)
		if best == "" || CompareValues(s, best) > 0 {
			best = s
		}
	}
	return best
}
