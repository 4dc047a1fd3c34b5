package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core/schema"
)

// readRows reads all rows and converts each column value into its decoded
// record form. The physical insertion-order column is dropped.
func readRows(logger *zap.Logger, c *schema.Collection, rowIDColumn string, rows *sql.Rows) ([]schema.Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	known := columnsOf(c)

	results := []schema.Record{}
	for rows.Next() {
		values := make([]any, len(columns))
		scanArgs := make([]any, len(columns))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(schema.Record, len(columns))
		for i, name := range columns {
			if name == rowIDColumn || name == "rowid" {
				continue
			}
			col, ok := known[name]
			if !ok && !c.IsView() {
				logger.Debug("Column not declared in collection, using raw value", zap.String("collection", c.Name), zap.String("column", name))
			}
			row[name] = decodeValue(col, ok, values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %w", err)
	}
	return results, nil
}

func decodeValue(col schema.ColumnDescriptor, declared bool, val any) any {
	if val == nil {
		return nil
	}
	if !declared {
		switch v := val.(type) {
		case []byte:
			return string(v)
		case time.Time:
			return v.UTC().Format(schema.TimeLayout)
		}
		return val
	}

	switch col.Kind {
	case schema.ColumnBool:
		switch v := val.(type) {
		case bool:
			return v
		case int64:
			return v != 0
		case []byte:
			return string(v) == "1" || string(v) == "true"
		case string:
			return v == "1" || v == "true"
		}
	case schema.ColumnFloat:
		switch v := val.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int64:
			return float64(v)
		}
	case schema.ColumnJSON:
		var raw []byte
		switch v := val.(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			return val
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
		return string(raw)
	case schema.ColumnDate:
		if t, ok := val.(time.Time); ok {
			return t.UTC().Format(schema.DateLayout)
		}
	case schema.ColumnTimestamp:
		if t, ok := val.(time.Time); ok {
			return t.UTC().Format(schema.TimeLayout)
		}
	}

	switch v := val.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(schema.TimeLayout)
	}
	return val
}
