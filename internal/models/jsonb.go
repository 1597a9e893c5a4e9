package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB is a free-form JSON object column. Postgres stores it as jsonb,
// sqlite (used in tests) as plain text.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONB: %T", value)
	}
	return json.Unmarshal(data, j)
}
