package mirror

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrSchemaMismatch means a configured sheet is present but missing a
	// required column. The import is aborted and the store untouched.
	ErrSchemaMismatch = errors.New("sheet schema mismatch")
	// ErrExportFailed means the workbook could not be rewritten. The
	// store change is already committed; the mirror is marked stale and
	// retried on the next export cycle.
	ErrExportFailed = errors.New("mirror export failed")
)

// RawRow is one sheet row keyed by logical field name (not by the
// configured column header, which the adapter translates away).
type RawRow map[string]string

// Workbook maps logical table names to their imported rows.
type Workbook map[string][]RawRow

// Adapter reads and rewrites the mirror workbook. It owns all excelize
// traffic; nothing else in the codebase touches the xlsx file.
type Adapter struct {
	Path    string
	Mapping config.SheetMapping
}

// NewAdapter builds an adapter for the workbook named by WORKBOOK_PATH
// (default "shopfloor.xlsx").
func NewAdapter(mapping config.SheetMapping) *Adapter {
	path := strings.TrimSpace(os.Getenv("WORKBOOK_PATH"))
	if path == "" {
		path = "shopfloor.xlsx"
	}
	return &Adapter{Path: path, Mapping: mapping}
}

// ImportAll reads every configured sheet into field-keyed rows. A
// missing workbook or a missing sheet yields no rows for that table; a
// present sheet missing a required column aborts the whole import with
// ErrSchemaMismatch before anything else is looked at.
func (a *Adapter) ImportAll() (Workbook, error) {
	wb := Workbook{}
	if _, err := os.Stat(a.Path); os.IsNotExist(err) {
		return wb, nil
	}

	f, err := excelize.OpenFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", a.Path, err)
	}
	defer f.Close()

	for _, table := range a.Mapping.Tables() {
		spec, err := a.Mapping.Spec(table)
		if err != nil {
			return nil, err
		}
		idx, err := f.GetSheetIndex(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", spec.Name, err)
		}
		if idx < 0 {
			continue
		}
		rows, err := f.GetRows(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", spec.Name, err)
		}
		parsed, err := parseSheet(spec, rows)
		if err != nil {
			return nil, err
		}
		wb[table] = parsed
	}
	return wb, nil
}

// parseSheet resolves the header row against the configured column
// names and converts data rows to field-keyed RawRows. Header matching
// trims whitespace and ignores case, since the workbook is hand-edited.
func parseSheet(spec config.SheetSpec, rows [][]string) ([]RawRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	colIndex := map[string]int{}
	for _, field := range spec.Fields {
		want := spec.Column(field)
		for i, cell := range header {
			if strings.EqualFold(strings.TrimSpace(cell), want) {
				colIndex[field] = i
				break
			}
		}
	}
	for _, field := range spec.Required {
		if _, ok := colIndex[field]; !ok {
			return nil, fmt.Errorf("sheet %s: missing required column %q (field %s): %w",
				spec.Name, spec.Column(field), field, ErrSchemaMismatch)
		}
	}

	var parsed []RawRow
	for _, row := range rows[1:] {
		raw := RawRow{}
		empty := true
		for field, idx := range colIndex {
			var value string
			if idx < len(row) {
				value = strings.TrimSpace(row[idx])
			}
			raw[field] = value
			if value != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		parsed = append(parsed, raw)
	}
	return parsed, nil
}

// ExportAll rewrites the configured sheets from the given rows. Sheets
// not in the mapping are preserved, as is the rest of the workbook; the
// configured ones are dropped and rebuilt, the way the operation's
// previous tooling did it.
func (a *Adapter) ExportAll(wb Workbook) error {
	var f *excelize.File
	if _, statErr := os.Stat(a.Path); statErr == nil {
		opened, err := excelize.OpenFile(a.Path)
		if err != nil {
			return fmt.Errorf("open workbook %s: %v: %w", a.Path, err, ErrExportFailed)
		}
		f = opened
	} else {
		f = excelize.NewFile()
	}
	defer f.Close()

	for _, table := range a.Mapping.Tables() {
		spec, err := a.Mapping.Spec(table)
		if err != nil {
			return err
		}
		if err := writeSheet(f, spec, wb[table]); err != nil {
			return fmt.Errorf("sheet %s: %v: %w", spec.Name, err, ErrExportFailed)
		}
	}

	// Drop the placeholder sheet of a brand-new workbook unless it is a
	// configured one.
	if !a.sheetConfigured("Sheet1") {
		if idx, err := f.GetSheetIndex("Sheet1"); err == nil && idx >= 0 && f.SheetCount > 1 {
			_ = f.DeleteSheet("Sheet1")
		}
	}

	if err := f.SaveAs(a.Path); err != nil {
		return fmt.Errorf("save workbook %s: %v: %w", a.Path, err, ErrExportFailed)
	}
	return nil
}

func writeSheet(f *excelize.File, spec config.SheetSpec, rows []RawRow) error {
	if idx, err := f.GetSheetIndex(spec.Name); err == nil && idx >= 0 {
		if err := f.DeleteSheet(spec.Name); err != nil {
			return err
		}
	}
	if _, err := f.NewSheet(spec.Name); err != nil {
		return err
	}

	for i, field := range spec.Fields {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(spec.Name, cell, spec.Column(field)); err != nil {
			return err
		}
	}
	for rowNo, raw := range rows {
		for i, field := range spec.Fields {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(spec.Name, cell, raw[field]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) sheetConfigured(name string) bool {
	for _, table := range a.Mapping.Tables() {
		spec, err := a.Mapping.Spec(table)
		if err != nil {
			continue
		}
		if strings.EqualFold(spec.Name, name) {
			return true
		}
	}
	return false
}
