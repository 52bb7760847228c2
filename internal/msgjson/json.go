package msgjson

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ColumnValue marshals v for storage in a JSON column. Shared by the typed
// document columns on the message model; keeps gorm.io/datatypes out of the
// dependency tree.
func ColumnValue(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgjson: marshal column: %w", err)
	}
	return data, nil
}

// ColumnScan unmarshals a scanned database value into dst, treating nil and
// the SQL null literal as an empty document.
func ColumnScan(value interface{}, dst any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("msgjson: unsupported scan type %T", value)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("msgjson: unmarshal column: %w", err)
	}
	return nil
}
