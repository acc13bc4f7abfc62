// Package model holds the domain types shared by the scheduler, the execution engine and the
// stores: queue requests, schedule definitions, run logs, checkpoints and chunk plans.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// Params is a free-form JSON object. It carries job parameters, request payloads and
// result payloads.
type Params map[string]interface{}

// Clone returns a shallow copy of p. A nil Params clones to an empty one.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p with every key of over applied on top.
func (p Params) Merge(over Params) Params {
	out := p.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// GetString returns the value of key rendered as a string, or def when absent.
func (p Params) GetString(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// GetInt64 returns the value of key as an int64, or def when absent or not numeric.
// JSON numbers decode as float64, so both are accepted.
func (p Params) GetInt64(key string, def int64) int64 {
	switch t := p[key].(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns the value of key as a bool, or def when absent.
func (p Params) GetBool(key string, def bool) bool {
	switch t := p[key].(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// Value implements the `driver.Valuer` interface, converting Params to a JSON string.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the `sql.Scanner` interface, converting a JSON string to Params.
func (p *Params) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*p = Params{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan type for Params: %T", value)
	}
	if len(b) == 0 {
		*p = Params{}
		return nil
	}
	if err := json.Unmarshal(b, (*map[string]interface{})(p)); err != nil {
		return fmt.Errorf("failed to unmarshal Params JSON: %w", err)
	}
	return nil
}
