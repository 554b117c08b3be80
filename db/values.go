package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Row is a column-name keyed result row with driver values normalised:
// []byte becomes string, everything else is left as returned.
type Row map[string]interface{}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			r[c] = normalise(vals[i])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanValues returns rows as ordered value slices for CSV export
func scanValues(rows *sql.Rows) ([][]interface{}, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i := range vals {
			vals[i] = normalise(vals[i])
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func normalise(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Int64 reads col as an integer, 0 when NULL or unparsable
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	}
	return 0
}

// Int reads col as an int
func (r Row) Int(col string) int { return int(r.Int64(col)) }

// Float reads col as a float64
func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Bool reads col as a flag; any non-zero value is true
func (r Row) Bool(col string) bool {
	if b, ok := r[col].(bool); ok {
		return b
	}
	return r.Int64(col) != 0
}

// Text reads col as text, "" when NULL
func (r Row) Text(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.UTC().Format(timeLayout)
	default:
		return fmt.Sprint(v)
	}
}

// Time reads col as a timestamp
func (r Row) Time(col string) sql.NullTime {
	switch v := r[col].(type) {
	case time.Time:
		return sql.NullTime{Time: v, Valid: true}
	case string:
		for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999"} {
			if t, err := time.Parse(layout, v); err == nil {
				return sql.NullTime{Time: t, Valid: true}
			}
		}
	}
	return sql.NullTime{}
}

// JSONValue renders the row for retrieve output files
func (r Row) JSONValue() map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		if t, ok := v.(time.Time); ok {
			out[k] = t.UTC().Format(timeLayout)
			continue
		}
		out[k] = v
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
