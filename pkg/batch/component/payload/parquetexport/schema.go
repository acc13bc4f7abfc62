package parquetexport

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tigerroll/ferry/pkg/batch/core/payload"
)

type columnType int

const (
	typeString columnType = iota
	typeInt64
	typeDouble
	typeBool
	typeTimestamp
)

var columnName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

type column struct {
	name string
	typ  columnType
}

func (c column) tag() string {
	var typ string
	switch c.typ {
	case typeInt64:
		typ = "type=INT64"
	case typeDouble:
		typ = "type=DOUBLE"
	case typeBool:
		typ = "type=BOOLEAN"
	case typeTimestamp:
		typ = "type=INT64, convertedtype=TIMESTAMP_MILLIS"
	default:
		typ = "type=BYTE_ARRAY, convertedtype=UTF8"
	}
	return fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.name, typ)
}

// schema is the column layout of one Parquet file, inferred from the rows it holds.
type schema struct {
	columns []column
}

// inferSchema takes each column's type from its first non-NULL value. Columns that are NULL
// in every row are written as strings.
func inferSchema(rows []payload.Row) (*schema, error) {
	types := map[string]columnType{}
	typed := map[string]bool{}
	for _, row := range rows {
		for name, v := range row {
			if _, seen := types[name]; !seen {
				if !columnName.MatchString(name) {
					return nil, fmt.Errorf("column name '%s' cannot be written to Parquet", name)
				}
				types[name] = typeString
			}
			if v == nil || typed[name] {
				continue
			}
			types[name] = typeOf(v)
			typed[name] = true
		}
	}
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	s := &schema{columns: make([]column, len(names))}
	for i, name := range names {
		s.columns[i] = column{name: name, typ: types[name]}
	}
	return s, nil
}

func typeOf(v interface{}) columnType {
	if _, ok := v.(time.Time); ok {
		return typeTimestamp
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return typeInt64
	case reflect.Float32, reflect.Float64:
		return typeDouble
	case reflect.Bool:
		return typeBool
	default:
		return typeString
	}
}

// JSON returns the schema in the format of the parquet-go JSON writer.
func (s *schema) JSON() string {
	fields := make([]string, len(s.columns))
	for i, c := range s.columns {
		fields[i] = fmt.Sprintf(`{"Tag":%q}`, c.tag())
	}
	return fmt.Sprintf(`{"Tag":"name=ferry_export, repetitiontype=REQUIRED","Fields":[%s]}`, strings.Join(fields, ","))
}

// record encodes row as a JSON record of the schema. NULL values are omitted.
func (s *schema) record(row payload.Row) (string, error) {
	out := make(map[string]interface{}, len(s.columns))
	for _, c := range s.columns {
		v, ok := row[c.name]
		if !ok || v == nil {
			continue
		}
		converted, err := convert(c, v)
		if err != nil {
			return "", err
		}
		out[c.name] = converted
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func convert(c column, v interface{}) (interface{}, error) {
	rv := reflect.ValueOf(v)
	switch c.typ {
	case typeInt64:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint()), nil
		}
	case typeDouble:
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return rv.Float(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), nil
		}
	case typeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case typeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UnixMilli(), nil
		}
	default:
		switch t := v.(type) {
		case string:
			return t, nil
		case []byte:
			return string(t), nil
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		default:
			return fmt.Sprint(t), nil
		}
	}
	return nil, fmt.Errorf("column '%s': value %v (%T) does not match the column type", c.name, v, v)
}
