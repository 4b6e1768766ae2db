package reader

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// csvReader streams RFC-4180 CSV one row at a time, matching the buffered
// reader + encoding/csv pattern used throughout the teacher's
// internal/worker (processCSVStreaming, suppression_import.go).
type csvReader struct {
	file    *os.File
	r       *csv.Reader
	headers []string
	rowNum  int64 // last row number returned
	pending *Row  // one-row lookahead buffered past a mid-file blank line
}

func openCSV(path string, startRow int64) (Reader, error) {
	if startRow < 1 {
		startRow = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	r := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	rawHeaders, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrFormat)
		}
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	headers := make([]string, len(rawHeaders))
	for i, h := range rawHeaders {
		headers[i] = normalizeHeader(h)
	}

	cr := &csvReader{file: f, r: r, headers: headers}

	for i := int64(1); i < startRow; i++ {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			f.Close()
			return nil, fmt.Errorf("%w: skip to row %d: %v", ErrIO, startRow, err)
		}
		cr.rowNum++
	}

	return cr, nil
}

func (c *csvReader) Headers() []string { return c.headers }

// Next returns the buffered lookahead row first, if Next previously
// peeked one while resolving a mid-file blank line.
func (c *csvReader) Next() (Row, bool, error) {
	if c.pending != nil {
		row := *c.pending
		c.pending = nil
		return row, true, nil
	}

	fields, ok, err := readCSVRecord(c.r)
	if err != nil || !ok {
		return Row{}, false, err
	}

	if isBlankRecord(fields) {
		// An empty trailing line is ignored (spec.md §4.1); a blank line
		// anywhere else is not, so peek one record ahead to tell the two
		// apart instead of dropping every blank line unconditionally.
		nextFields, hasNext, err := readCSVRecord(c.r)
		if err != nil {
			return Row{}, false, err
		}
		if !hasNext {
			return Row{}, false, nil
		}
		c.rowNum++
		blank := Row{Number: c.rowNum, Fields: c.toRecord(nil)}
		c.rowNum++
		next := Row{Number: c.rowNum, Fields: c.toRecord(nextFields)}
		c.pending = &next
		return blank, true, nil
	}

	c.rowNum++
	return Row{Number: c.rowNum, Fields: c.toRecord(fields)}, true, nil
}

func (c *csvReader) toRecord(fields []string) Record {
	rec := make(Record, len(c.headers))
	for i, h := range c.headers {
		if i < len(fields) {
			rec[h] = fields[i]
		} else {
			rec[h] = ""
		}
	}
	return rec
}

func (c *csvReader) Close() error {
	return c.file.Close()
}

// readCSVRecord reads one record, translating io.EOF into (nil, false, nil)
// so callers don't need to handle io.EOF specially.
func readCSVRecord(r *csv.Reader) ([]string, bool, error) {
	fields, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return fields, true, nil
}

// isBlankRecord reports whether a record is the single-empty-field shape
// encoding/csv produces for a blank line.
func isBlankRecord(fields []string) bool {
	return len(fields) == 1 && fields[0] == ""
}

// countCSVRows scans the file end-to-end counting data rows, independent
// of any reader instance, for the one-time total-row pass (spec.md §4.1).
// It must count exactly the rows csvReader.Next would emit, including the
// same one-line lookahead around blank lines, so total_rows never drifts
// from what the streaming pass actually processes.
func countCSVRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	var count int64
	fields, ok, err := readCSVRecord(r)
	if err != nil {
		return 0, err
	}
	for ok {
		if isBlankRecord(fields) {
			_, hasNext, nextErr := readCSVRecord(r)
			if nextErr != nil {
				return 0, nextErr
			}
			if !hasNext {
				break // trailing blank line: ignored, matching Next()
			}
			// The blank line and the row right after it both count,
			// mirroring Next()'s unconditional lookahead buffering.
			count += 2
			fields, ok, err = readCSVRecord(r)
			if err != nil {
				return 0, err
			}
			continue
		}
		count++
		fields, ok, err = readCSVRecord(r)
		if err != nil {
			return 0, err
		}
	}
	return count, nil
}
