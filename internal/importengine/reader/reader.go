// Package reader implements StreamingReader (spec.md §4.1): a lazy,
// forward-only sequence of normalized rows from a CSV or workbook file,
// bounded to one chunk's worth of rows resident at a time.
package reader

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported_format")
	ErrIO                = errors.New("io_error")
	ErrFormat            = errors.New("format_error")
)

// Record is one data row, keyed by normalized header name.
type Record map[string]string

// Row pairs a Record with its 1-based data-row number.
type Row struct {
	Number int64
	Fields Record
}

// Reader is the capability set spec.md §9 asks for: {open, read_chunk,
// close}, with one implementation per format, dispatched by extension at
// the Coordinator/ChunkEngine boundary via Open.
type Reader interface {
	// Headers returns the normalized header row.
	Headers() []string
	// Next returns the next Row, or ok=false when the input is exhausted.
	Next() (Row, bool, error)
	// Close releases any underlying file handles or library state.
	Close() error
}

// TotalRowCounter describes a type that can compute the total number of
// data rows without materializing them. Neither csvReader nor
// workbookReader implements it; the StreamingReader "total-row counting"
// pass (spec.md §4.1) is the package-level CountRows.
type TotalRowCounter interface {
	CountRows(path string) (int64, error)
}

// RequiredHeaders is the fixed schema every import file must declare
// (spec.md §6).
var RequiredHeaders = []string{
	"employee_number", "first_name", "last_name", "email",
	"department", "salary", "currency", "country_code", "start_date",
}

// Open dispatches to the CSV or workbook reader by file extension and
// begins yielding from the given 1-based data-row offset.
func Open(path string, startRow int64) (Reader, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return openCSV(path, startRow)
	case ".xlsx", ".xls":
		return openWorkbook(path, startRow)
	default:
		return nil, ErrUnsupportedFormat
	}
}

// CountRows dispatches a total-row count pass by file extension.
func CountRows(path string) (int64, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return countCSVRows(path)
	case ".xlsx", ".xls":
		return countWorkbookRows(path)
	default:
		return 0, ErrUnsupportedFormat
	}
}

// normalizeHeader lower-cases a header and collapses internal whitespace
// runs to a single underscore, per spec.md §4.1.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	fields := strings.Fields(h)
	return strings.Join(fields, "_")
}

// MissingRequiredHeaders returns any of RequiredHeaders absent from got.
func MissingRequiredHeaders(got []string) []string {
	have := make(map[string]bool, len(got))
	for _, h := range got {
		have[h] = true
	}
	var missing []string
	for _, req := range RequiredHeaders {
		if !have[req] {
			missing = append(missing, req)
		}
	}
	return missing
}
