// Package csvparser reads bulk enrollment CSVs for the admin import.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultMaxRows = 1000

var (
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRows        = errors.New("csv must contain at least one data row")
)

// RowError describes a data row that could not be turned into an Enrollment.
// Line is the 1-based line in the file, counting the header.
type RowError struct {
	Line   int    `json:"line"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Parse reads a CSV with a header row. Email is required; the other known
// columns (Timezone, Name, Goal1..Goal3, Role, TeamSize, Industry,
// WorkEnvironment) are matched case-insensitively and unknown columns are
// ignored. Malformed rows are reported, not fatal.
//
// maxRows limits how many data rows are read (excluding header).
func Parse(r io.Reader, maxRows int) ([]Enrollment, []RowError, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, ErrNoRows
		}
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(headers))
	for i, h := range headers {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if key == "" {
			continue
		}
		if _, dup := cols[key]; !dup {
			cols[key] = i
		}
	}
	if _, ok := cols[colEmail]; !ok {
		return nil, nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var (
		rows    []Enrollment
		rowErrs []RowError
		seen    = make(map[string]bool)
	)
	for line := 2; len(rows)+len(rowErrs) < maxRows; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rowErrs = append(rowErrs, RowError{Line: line, Reason: perr.Err.Error()})
				continue
			}
			return nil, nil, err
		}

		if len(record) != len(headers) {
			rowErrs = append(rowErrs, RowError{
				Line:   line,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(headers), len(record)),
			})
			continue
		}

		e := fromRecord(cols, record)
		switch {
		case e.Email == "":
			rowErrs = append(rowErrs, RowError{Line: line, Reason: "missing email"})
			continue
		case seen[strings.ToLower(e.Email)]:
			rowErrs = append(rowErrs, RowError{Line: line, Email: e.Email, Reason: "duplicate email in file"})
			continue
		}
		seen[strings.ToLower(e.Email)] = true
		e.Line = line

		rows = append(rows, e)
	}

	if len(rows) == 0 && len(rowErrs) == 0 {
		return nil, nil, ErrNoRows
	}

	return rows, rowErrs, nil
}
