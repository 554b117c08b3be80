package db

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Export files use the MySQL SELECT ... INTO OUTFILE layout so the ground can
// LOAD DATA them directly:
//
//	FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '"' ESCAPED BY '\\'
//	LINES TERMINATED BY '\n'
const (
	csvFieldSep = ','
	csvLineSep  = '\n'
	csvEnclose  = '"'
	csvEscape   = '\\'
	csvNull     = `\N`
	timeLayout  = "2006-01-02 15:04:05"
)

// loadDataClause is the FIELDS/LINES clause matching WriteRows output
const loadDataClause = `FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '"' ESCAPED BY '\\' LINES TERMINATED BY '\n'`

// CSVWriter encodes rows in export-file format
type CSVWriter struct {
	w   *bufio.Writer
	buf []byte
}

// NewCSVWriter wraps w
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: bufio.NewWriter(w)}
}

// Write encodes one row
func (cw *CSVWriter) Write(row []interface{}) error {
	cw.buf = cw.buf[:0]
	for i, v := range row {
		if i > 0 {
			cw.buf = append(cw.buf, csvFieldSep)
		}
		cw.buf = appendField(cw.buf, v)
	}
	cw.buf = append(cw.buf, csvLineSep)
	_, err := cw.w.Write(cw.buf)
	return err
}

// Flush writes buffered rows to the underlying writer
func (cw *CSVWriter) Flush() error {
	return cw.w.Flush()
}

func appendField(dst []byte, v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return append(dst, csvNull...)
	case int64:
		return strconv.AppendInt(dst, val, 10)
	case int:
		return strconv.AppendInt(dst, int64(val), 10)
	case int32:
		return strconv.AppendInt(dst, int64(val), 10)
	case uint64:
		return strconv.AppendUint(dst, val, 10)
	case float64:
		return strconv.AppendFloat(dst, val, 'g', -1, 64)
	case float32:
		return strconv.AppendFloat(dst, float64(val), 'g', -1, 32)
	case bool:
		if val {
			return append(dst, '1')
		}
		return append(dst, '0')
	case time.Time:
		return appendQuoted(dst, []byte(val.UTC().Format(timeLayout)))
	case []byte:
		return appendQuoted(dst, val)
	case string:
		return appendQuoted(dst, []byte(val))
	default:
		return appendQuoted(dst, []byte(fmt.Sprint(val)))
	}
}

func appendQuoted(dst, s []byte) []byte {
	dst = append(dst, csvEnclose)
	for _, c := range s {
		switch c {
		case 0:
			dst = append(dst, csvEscape, '0')
		case csvEscape, csvEnclose, csvFieldSep, csvLineSep:
			dst = append(dst, csvEscape, c)
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, csvEnclose)
}

// WriteRowsFile replaces path with the encoded rows
func WriteRowsFile(path string, rows [][]interface{}) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale export %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create export %s: %w", path, err)
	}
	cw := NewCSVWriter(f)
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("failed to write export %s: %w", path, err)
		}
	}
	if err := cw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush export %s: %w", path, err)
	}
	return f.Close()
}

// ReadRows decodes an export file. NULL fields come back as nil, everything
// else as string.
func ReadRows(r io.Reader) ([][]interface{}, error) {
	br := bufio.NewReader(r)
	var (
		rows   [][]interface{}
		row    []interface{}
		field  bytes.Buffer
		quoted bool
		inQ    bool
		dirty  bool
		line   = 1
	)

	endField := func() {
		if !quoted && field.String() == csvNull {
			row = append(row, nil)
		} else {
			row = append(row, field.String())
		}
		field.Reset()
		quoted = false
		dirty = false
	}

	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch {
		case c == csvEscape:
			next, err := br.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("line %d: dangling escape", line)
			}
			if next == 'N' && !inQ && field.Len() == 0 {
				field.WriteString(csvNull)
			} else {
				field.WriteByte(unescapeByte(next))
			}
			if next == csvLineSep {
				line++
			}
			dirty = true
		case c == csvEnclose && !inQ && field.Len() == 0 && !quoted:
			inQ = true
			quoted = true
			dirty = true
		case c == csvEnclose && inQ:
			inQ = false
		case inQ:
			if c == csvLineSep {
				line++
			}
			field.WriteByte(c)
		case c == csvFieldSep:
			endField()
			dirty = true
		case c == csvLineSep:
			endField()
			rows = append(rows, row)
			row = nil
			line++
		case c == '\r':
		default:
			field.WriteByte(c)
			dirty = true
		}
	}
	if inQ {
		return nil, fmt.Errorf("line %d: unterminated quoted field", line)
	}
	if dirty || len(row) > 0 {
		endField()
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadRowsFile decodes the export file at path
func ReadRowsFile(path string) ([][]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRows(f)
}

func unescapeByte(c byte) byte {
	switch c {
	case '0':
		return 0
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case 'b':
		return '\b'
	case 'Z':
		return 0x1a
	default:
		return c
	}
}
