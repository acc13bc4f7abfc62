// Package serialization converts parameter maps and row contexts to JSON for persistence and
// logs, masking sensitive keys.
package serialization

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

const mask = "********"

// MaskParams returns a copy of params with every key listed in maskedKeys (case-insensitive)
// replaced by a mask.
func MaskParams(params map[string]interface{}, maskedKeys []string) map[string]interface{} {
	masked := make(map[string]interface{}, len(params))
	for k, v := range params {
		masked[k] = v
		for _, key := range maskedKeys {
			if strings.EqualFold(k, key) {
				masked[k] = mask
				break
			}
		}
	}
	return masked
}

// MarshalParams serializes params into a JSON object, masking maskedKeys.
func MarshalParams(params map[string]interface{}, maskedKeys []string) ([]byte, error) {
	if len(params) == 0 {
		logger.Debugf("Params is nil. Returning empty JSON object.")
		return []byte("{}"), nil
	}
	data, err := json.Marshal(MaskParams(params, maskedKeys))
	if err != nil {
		logger.Errorf("Failed to serialize params: %v", err)
		return nil, exception.NewBatchError("serialization", "Failed to serialize params", err, exception.KindPermanent)
	}
	return data, nil
}

// UnmarshalParams deserializes a JSON object into params, replacing its content.
func UnmarshalParams(data []byte, params *map[string]interface{}) error {
	if *params == nil {
		*params = make(map[string]interface{})
	} else {
		for k := range *params {
			delete(*params, k)
		}
	}
	if len(data) == 0 || string(data) == "null" || string(data) == "{}" {
		return nil
	}
	if err := json.Unmarshal(data, params); err != nil {
		logger.Errorf("Failed to deserialize params: %v", err)
		return exception.NewBatchError("serialization", "Failed to deserialize params", err, exception.KindPermanent)
	}
	return nil
}

// RowContext renders a row for a JobErrorEntry, masking maskedKeys and truncating the result
// to maxLen bytes. Rows that cannot be marshalled fall back to fmt formatting.
func RowContext(row map[string]interface{}, maskedKeys []string, maxLen int) string {
	if row == nil {
		return ""
	}
	var s string
	if data, err := json.Marshal(MaskParams(row, maskedKeys)); err == nil {
		s = string(data)
	} else {
		s = fmt.Sprintf("%v", MaskParams(row, maskedKeys))
	}
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
