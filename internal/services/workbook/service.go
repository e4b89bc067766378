// Package workbook reads query sheets from and writes result sheets to xlsx files.
package workbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// Fixed sheet names of the input and output workbooks.
const (
	SheetSQL1  = "sql1"
	SheetSQL2  = "sql2"
	SheetData1 = "data1"
	SheetData2 = "data2"
)

// DefaultSQLCell is the cell holding the statement on each query sheet.
const DefaultSQLCell = "A1"

// Queries holds the two statements read from the input workbook.
type Queries struct {
	SQL1 string // run against the warehouse
	SQL2 string // run against the relational database
}

// NamedTable is a table destined for one output sheet.
type NamedTable struct {
	Sheet string
	Table *models.Table
}

// Service defines the interface for workbook operations.
type Service interface {
	ReadQueries(path, cell string) (*Queries, error)
	Write(path string, tables []NamedTable) (int64, error)
}

// Impl implements the workbook Service interface.
type Impl struct {
	logger zerolog.Logger
	stat   func(string) (os.FileInfo, error)
}

// New creates a new workbook service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger, stat: os.Stat}
}

// ReadQueries reads the statements held in cell of the sql1 and sql2 sheets.
// Both sheets are checked before anything is returned.
func (s *Impl) ReadQueries(path, cell string) (*Queries, error) {
	if cell == "" {
		cell = DefaultSQLCell
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sql1, err := readCell(f, path, SheetSQL1, cell)
	if err != nil {
		return nil, err
	}
	sql2, err := readCell(f, path, SheetSQL2, cell)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("path", path).
		Str("cell", cell).
		Int("sql1_len", len(sql1)).
		Int("sql2_len", len(sql2)).
		Msg("queries loaded")

	return &Queries{SQL1: sql1, SQL2: sql2}, nil
}

func readCell(f *excelize.File, path, sheet, cell string) (string, error) {
	idx, err := f.GetSheetIndex(sheet)
	if err != nil {
		return "", &SheetError{Path: path, Sheet: sheet, Err: err}
	}
	if idx < 0 {
		return "", &SheetError{Path: path, Sheet: sheet, Err: ErrSheetNotFound}
	}

	value, err := f.GetCellValue(sheet, cell)
	if err != nil {
		return "", &SheetError{Path: path, Sheet: sheet, Cell: cell, Err: err}
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", &SheetError{Path: path, Sheet: sheet, Cell: cell, Err: ErrEmptyCell}
	}

	return value, nil
}

// Write creates a new workbook at path holding one sheet per table, in
// order, each with a header row. An existing file is replaced. It returns the
// size of the written file.
func (s *Impl) Write(path string, tables []NamedTable) (int64, error) {
	if len(tables) == 0 {
		return 0, fmt.Errorf("no tables to write")
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	defaultSheet := f.GetSheetName(0)
	for i, nt := range tables {
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, nt.Sheet); err != nil {
				return 0, fmt.Errorf("naming sheet %q: %w", nt.Sheet, err)
			}
		} else if _, err := f.NewSheet(nt.Sheet); err != nil {
			return 0, fmt.Errorf("creating sheet %q: %w", nt.Sheet, err)
		}

		if err := writeTable(f, nt.Sheet, nt.Table); err != nil {
			return 0, &SheetError{Path: path, Sheet: nt.Sheet, Err: err}
		}
	}
	f.SetActiveSheet(0)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return 0, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("saving workbook %s: %w", path, err)
	}

	// The file is saved at this point; an unknown size only affects reporting.
	var size int64
	if info, err := s.stat(path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to stat written workbook")
	} else {
		size = info.Size()
	}

	s.logger.Info().
		Str("path", path).
		Int("sheets", len(tables)).
		Int64("size_bytes", size).
		Msg("workbook written")

	return size, nil
}

func writeTable(f *excelize.File, sheet string, table *models.Table) error {
	if table == nil {
		return fmt.Errorf("nil table")
	}

	header := make([]any, len(table.Columns))
	for i, c := range table.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, row := range table.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := row
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}

	return nil
}

// ReadTable reads a sheet written by Write back into a table of strings.
// The first row is taken as the header.
func ReadTable(path, sheet string) (*models.Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	idx, err := f.GetSheetIndex(sheet)
	if err != nil || idx < 0 {
		return nil, &SheetError{Path: path, Sheet: sheet, Err: ErrSheetNotFound}
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, &SheetError{Path: path, Sheet: sheet, Err: err}
	}

	table := &models.Table{Rows: [][]any{}}
	if len(rows) == 0 {
		return table, nil
	}

	table.Columns = rows[0]
	for _, row := range rows[1:] {
		// GetRows trims trailing empty cells; pad back to the header width.
		values := make([]any, len(table.Columns))
		for i := range values {
			if i < len(row) {
				values[i] = row[i]
			} else {
				values[i] = ""
			}
		}
		table.Rows = append(table.Rows, values)
	}

	return table, nil
}

// SheetNames lists the sheets of the workbook at path in order.
func SheetNames(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return f.GetSheetList(), nil
}
