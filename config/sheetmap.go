package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Logical table names. Each maps to one sheet in the mirror workbook.
const (
	TableItems     = "items"
	TableMovements = "movements"
	TableBom       = "bom"
	TableOrders    = "orders"
	TableMachines  = "machines"
)

// SheetSpec describes how one logical table appears in the workbook:
// which sheet holds it and which header names carry which fields.
// Fields and Required are fixed by the schema; Name and Columns come
// from configuration so operators can keep their existing headers.
type SheetSpec struct {
	Name     string            `yaml:"name"`
	Columns  map[string]string `yaml:"columns"`
	Fields   []string          `yaml:"-"`
	Required []string          `yaml:"-"`
}

// Column resolves the configured header for a field, falling back to the
// field name itself when no override is present.
func (s SheetSpec) Column(field string) string {
	if col, ok := s.Columns[field]; ok && strings.TrimSpace(col) != "" {
		return strings.TrimSpace(col)
	}
	return field
}

// SheetMapping is the full sheet/column configuration for the mirror.
type SheetMapping struct {
	Items     SheetSpec `yaml:"items"`
	Movements SheetSpec `yaml:"movements"`
	Bom       SheetSpec `yaml:"bom"`
	Orders    SheetSpec `yaml:"orders"`
	Machines  SheetSpec `yaml:"machines"`
}

// Spec returns the sheet spec for a logical table name.
func (m SheetMapping) Spec(table string) (SheetSpec, error) {
	switch table {
	case TableItems:
		return m.Items, nil
	case TableMovements:
		return m.Movements, nil
	case TableBom:
		return m.Bom, nil
	case TableOrders:
		return m.Orders, nil
	case TableMachines:
		return m.Machines, nil
	}
	return SheetSpec{}, fmt.Errorf("unknown logical table %q", table)
}

// Tables lists the logical tables in export order.
func (m SheetMapping) Tables() []string {
	return []string{TableItems, TableMovements, TableBom, TableOrders, TableMachines}
}

// DefaultSheetMapping mirrors the workbook layout the operation already
// uses, so a missing mapping file still produces a working sync.
func DefaultSheetMapping() SheetMapping {
	return SheetMapping{
		Items: SheetSpec{
			Name:     "Stock",
			Columns:  map[string]string{},
			Fields:   []string{"sku", "name", "quantity", "unit", "location", "reorder_level"},
			Required: []string{"sku", "quantity"},
		},
		Movements: SheetSpec{
			Name:     "Movements",
			Columns:  map[string]string{},
			Fields:   []string{"id", "sku", "delta", "reason", "order_id", "operator", "posted_at"},
			Required: []string{"id", "sku", "delta"},
		},
		Bom: SheetSpec{
			Name:     "BOM",
			Columns:  map[string]string{},
			Fields:   []string{"finished_sku", "component_sku", "qty_per", "version"},
			Required: []string{"finished_sku", "component_sku", "qty_per"},
		},
		Orders: SheetSpec{
			Name:     "Orders",
			Columns:  map[string]string{},
			Fields:   []string{"id", "finished_sku", "quantity", "status", "created_at"},
			Required: []string{"id", "finished_sku", "quantity"},
		},
		Machines: SheetSpec{
			Name:     "Machines",
			Columns:  map[string]string{},
			Fields:   []string{"machine", "product", "operator", "status", "updated_at"},
			Required: []string{"machine", "status"},
		},
	}
}

// LoadSheetMapping reads the yaml mapping file named by SHEET_MAP_PATH
// and overlays it on the defaults. Only sheet names and column headers
// can be overridden; field sets are part of the schema.
func LoadSheetMapping() (SheetMapping, error) {
	mapping := DefaultSheetMapping()
	path := strings.TrimSpace(os.Getenv("SHEET_MAP_PATH"))
	if path == "" {
		return mapping, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return mapping, fmt.Errorf("read sheet mapping %s: %w", path, err)
	}
	var override SheetMapping
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return mapping, fmt.Errorf("parse sheet mapping %s: %w", path, err)
	}
	mapping.Items = overlaySpec(mapping.Items, override.Items)
	mapping.Movements = overlaySpec(mapping.Movements, override.Movements)
	mapping.Bom = overlaySpec(mapping.Bom, override.Bom)
	mapping.Orders = overlaySpec(mapping.Orders, override.Orders)
	mapping.Machines = overlaySpec(mapping.Machines, override.Machines)
	return mapping, nil
}

func overlaySpec(base SheetSpec, override SheetSpec) SheetSpec {
	if strings.TrimSpace(override.Name) != "" {
		base.Name = strings.TrimSpace(override.Name)
	}
	for field, col := range override.Columns {
		if base.Columns == nil {
			base.Columns = map[string]string{}
		}
		base.Columns[field] = col
	}
	return base
}
