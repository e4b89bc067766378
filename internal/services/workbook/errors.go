package workbook

import (
	"errors"
	"fmt"
)

// ErrSheetNotFound indicates a required sheet is missing from the workbook.
var ErrSheetNotFound = errors.New("sheet not found")

// ErrEmptyCell indicates the query cell of a sheet holds no text.
var ErrEmptyCell = errors.New("cell is empty")

// SheetError represents a failure tied to one sheet of a workbook.
type SheetError struct {
	Path  string
	Sheet string
	Cell  string // empty when the failure is not cell specific
	Err   error
}

func (e *SheetError) Error() string {
	if e.Cell != "" {
		return fmt.Sprintf("%s: sheet %q cell %s: %v", e.Path, e.Sheet, e.Cell, e.Err)
	}
	return fmt.Sprintf("%s: sheet %q: %v", e.Path, e.Sheet, e.Err)
}

func (e *SheetError) Unwrap() error {
	return e.Err
}
