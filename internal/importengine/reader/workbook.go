package reader

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// workbookReader streams the first sheet of an .xlsx/.xls file row by row
// via excelize's Rows iterator, which reads directly off the underlying
// zip/XML stream rather than materializing the sheet — the Go equivalent
// of the row-range filtered load spec.md §4.1 describes, grounded on
// other_examples' parseXLSXStream/processXLSXInChunks (xuri/excelize/v2
// Rows()+Columns()). Only the current row is held in memory at any time.
type workbookReader struct {
	file    *excelize.File
	iter    *excelize.Rows
	headers []string
	rowNum  int64
}

func openWorkbook(path string, startRow int64) (Reader, error) {
	if startRow < 1 {
		startRow = 1
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: no sheets", ErrFormat)
	}
	sheet := sheets[0]

	iter, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if !iter.Next() {
		iter.Close()
		f.Close()
		return nil, fmt.Errorf("%w: empty sheet", ErrFormat)
	}
	rawHeaders, err := iter.Columns()
	if err != nil {
		iter.Close()
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	headers := make([]string, len(rawHeaders))
	for i, h := range rawHeaders {
		headers[i] = normalizeHeader(h)
	}

	wr := &workbookReader{file: f, iter: iter, headers: headers}

	for i := int64(1); i < startRow; i++ {
		if !iter.Next() {
			break
		}
		wr.rowNum++
	}

	return wr, nil
}

func (w *workbookReader) Headers() []string { return w.headers }

func (w *workbookReader) Next() (Row, bool, error) {
	if !w.iter.Next() {
		return Row{}, false, nil
	}

	// Calculated-value extraction: Columns() resolves formulas to their
	// last-computed scalar, matching spec.md §4.1.
	cells, err := w.iter.Columns()
	if err != nil {
		return Row{}, false, fmt.Errorf("%w: %v", ErrIO, err)
	}

	w.rowNum++

	rec := make(Record, len(w.headers))
	for i, h := range w.headers {
		if i < len(cells) {
			rec[h] = cells[i]
		} else {
			rec[h] = ""
		}
	}

	return Row{Number: w.rowNum, Fields: rec}, true, nil
}

func (w *workbookReader) Close() error {
	err := w.iter.Close()
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// countWorkbookRows counts data rows by walking the row iterator once,
// per spec.md §4.1 ("workbook: ... minus one for the header"). excelize's
// Rows iterator is streaming, so this pass stays within the memory bound
// even on a large sheet.
func countWorkbookRows(path string) (int64, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, fmt.Errorf("%w: no sheets", ErrFormat)
	}
	sheet := sheets[0]

	iter, err := f.Rows(sheet)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer iter.Close()

	var total int64
	for iter.Next() {
		total++
	}
	if total == 0 {
		return 0, nil
	}
	return total - 1, nil
}
