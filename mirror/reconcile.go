package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/models"
	"bitbucket.org/mmdatafocus/shopfloor_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm/clause"
)

// Reconciler runs the two directional passes between the record store
// and the mirror workbook. Callers hold the lock coordinator token for
// the whole pass; the reconciler itself never locks.
type Reconciler struct {
	Adapter *Adapter
}

func NewReconciler(adapter *Adapter) *Reconciler {
	return &Reconciler{Adapter: adapter}
}

// ImportSummary reports what an import pass did, with enough context to
// audit every decision it made.
type ImportSummary struct {
	ItemsCreated      int      `json:"items_created"`
	AdjustmentsPosted int      `json:"adjustments_posted"`
	Conflicts         []string `json:"conflicts"`
	RowsSkipped       []string `json:"rows_skipped"`
	BomsReplaced      int      `json:"boms_replaced"`
	MachinesUpdated   int      `json:"machines_updated"`
	ExportAfterImport bool     `json:"export_after_import"`
}

// ImportPass reads the workbook, applies external edits to the store as
// ledger movements, then re-exports so the workbook reflects the
// authoritative state. A schema mismatch aborts before the store is
// touched. Rows present in the store but deleted from the sheet are
// deliberately left alone; an import is a read path and never deletes.
func (r *Reconciler) ImportPass(ctx context.Context) (*ImportSummary, error) {
	logger := config.GetLogger()

	wb, err := r.Adapter.ImportAll()
	if err != nil {
		return nil, err
	}

	summary := &ImportSummary{}
	if err := r.importItems(ctx, wb[config.TableItems], summary); err != nil {
		return nil, err
	}
	if err := r.importBom(ctx, wb[config.TableBom], summary); err != nil {
		return nil, err
	}
	if err := r.importMachines(ctx, wb[config.TableMachines], summary); err != nil {
		return nil, err
	}
	// Movements and orders sheets are projections of the ledger; the
	// store is the only writer of those, so they are export-only.

	if err := r.ExportPass(ctx); err != nil {
		// Store-side work is committed; a failed re-export only leaves
		// the mirror stale.
		return summary, err
	}
	summary.ExportAfterImport = true

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	logger.WithFields(logrus.Fields{
		"module":             "mirror",
		"correlationId":      correlationId,
		"items_created":      summary.ItemsCreated,
		"adjustments_posted": summary.AdjustmentsPosted,
		"conflicts":          len(summary.Conflicts),
		"rows_skipped":       len(summary.RowsSkipped),
	}).Info("import pass finished")
	return summary, nil
}

// importItems reconciles the stock sheet. External quantity edits enter
// as manual-adjustment movements, never as direct writes, so the ledger
// stays total. When both the store and the sheet moved since the last
// snapshot, the store wins and the divergence is reported.
func (r *Reconciler) importItems(ctx context.Context, rows []RawRow, summary *ImportSummary) error {
	snapshot, err := r.loadSnapshot(ctx, config.TableItems)
	if err != nil {
		return err
	}
	prev := keyRows(snapshot, "sku")

	for _, row := range rows {
		sku := row["sku"]
		if sku == "" {
			summary.RowsSkipped = append(summary.RowsSkipped, "items: row with empty sku")
			continue
		}
		sheetQty, err := utils.ParseDecimalOrZero(row["quantity"])
		if err != nil {
			summary.RowsSkipped = append(summary.RowsSkipped,
				fmt.Sprintf("items: %s: bad quantity %q", sku, row["quantity"]))
			continue
		}
		if sheetQty.IsNegative() {
			summary.RowsSkipped = append(summary.RowsSkipped,
				fmt.Sprintf("items: %s: negative quantity %s", sku, sheetQty.String()))
			continue
		}

		prevRow, seen := prev[sku]
		if seen && rowsEqual(row, prevRow) {
			continue
		}

		item, err := models.GetItem(ctx, sku)
		switch {
		case err == nil:
			if err := r.applyItemEdit(ctx, item, row, prevRow, seen, sheetQty, summary); err != nil {
				return err
			}
		case errors.Is(err, models.ErrItemNotFound):
			// New row in the sheet: first import of this item.
			input := itemInputFromRow(row)
			if _, cerr := models.CreateItemWithOpeningBalance(ctx, input, sheetQty); cerr != nil {
				return fmt.Errorf("items: %s: %w", sku, cerr)
			}
			summary.ItemsCreated++
		default:
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyItemEdit(ctx context.Context, item *models.Item, row, prevRow RawRow, seen bool, sheetQty decimal.Decimal, summary *ImportSummary) error {
	var prevQty decimal.Decimal
	if seen {
		var err error
		prevQty, err = utils.ParseDecimalOrZero(prevRow["quantity"])
		if err != nil {
			prevQty = item.QtyOnHand
		}
	}

	storeChanged := seen && !item.QtyOnHand.Equal(prevQty)
	sheetChanged := !seen || !sheetQty.Equal(prevQty)

	switch {
	case sheetChanged && storeChanged:
		// Store wins: the ledger-derived value is authoritative and the
		// sheet gets overwritten on the export that follows.
		summary.Conflicts = append(summary.Conflicts,
			fmt.Sprintf("items: %s: sheet says %s, store says %s; keeping store",
				item.Sku, sheetQty.String(), item.QtyOnHand.String()))
	case sheetChanged:
		delta := sheetQty.Sub(item.QtyOnHand)
		if !delta.IsZero() {
			if _, err := models.AdjustStock(ctx, item.Sku, delta); err != nil {
				return fmt.Errorf("items: %s: %w", item.Sku, err)
			}
			summary.AdjustmentsPosted++
		}
	}

	// Descriptive fields follow the sheet when edited there.
	if detailsChanged(row, item) {
		input := itemInputFromRow(row)
		if _, err := models.UpdateItemDetails(ctx, item.Sku, input); err != nil {
			return fmt.Errorf("items: %s: %w", item.Sku, err)
		}
	}
	return nil
}

// importBom replaces a finished good's BOM when its sheet section no
// longer matches the last snapshot. Versioning in the store keeps
// committed orders pointing at the lines they consumed.
func (r *Reconciler) importBom(ctx context.Context, rows []RawRow, summary *ImportSummary) error {
	snapshot, err := r.loadSnapshot(ctx, config.TableBom)
	if err != nil {
		return err
	}
	prevSections := groupBomRows(snapshot)
	sections := groupBomRows(rows)

	for finishedSku, section := range sections {
		if sectionsEqual(section, prevSections[finishedSku]) {
			continue
		}
		var lines []models.NewBomLine
		valid := true
		for _, row := range section {
			qtyPer, perr := utils.ParseDecimal(row["qty_per"])
			if perr != nil || !qtyPer.IsPositive() {
				summary.RowsSkipped = append(summary.RowsSkipped,
					fmt.Sprintf("bom: %s: component %s: bad qty_per %q", finishedSku, row["component_sku"], row["qty_per"]))
				valid = false
				break
			}
			lines = append(lines, models.NewBomLine{
				ComponentSku: row["component_sku"],
				QtyPer:       qtyPer,
			})
		}
		if !valid || len(lines) == 0 {
			continue
		}
		if _, err := models.SetBom(ctx, finishedSku, lines); err != nil {
			return fmt.Errorf("bom: %s: %w", finishedSku, err)
		}
		summary.BomsReplaced++
	}
	return nil
}

func (r *Reconciler) importMachines(ctx context.Context, rows []RawRow, summary *ImportSummary) error {
	snapshot, err := r.loadSnapshot(ctx, config.TableMachines)
	if err != nil {
		return err
	}
	prev := keyRows(snapshot, "machine")

	for _, row := range rows {
		machine := row["machine"]
		if machine == "" {
			continue
		}
		if prevRow, seen := prev[machine]; seen && rowsEqual(row, prevRow) {
			continue
		}
		input := &models.NewMachineStatus{
			Machine:  machine,
			Product:  row["product"],
			Operator: row["operator"],
			Status:   models.MachineState(row["status"]),
		}
		if _, err := models.UpsertMachineStatus(ctx, input); err != nil {
			summary.RowsSkipped = append(summary.RowsSkipped,
				fmt.Sprintf("machines: %s: %v", machine, err))
			continue
		}
		summary.MachinesUpdated++
	}
	return nil
}

// ExportPass serializes the authoritative store state into the workbook
// and records the exported image per sheet. On write failure every
// sheet is marked stale so the retry cycle picks it up; the store is
// never rolled back for a mirror problem.
func (r *Reconciler) ExportPass(ctx context.Context) error {
	wb, err := r.buildWorkbook(ctx)
	if err != nil {
		return err
	}
	if err := r.Adapter.ExportAll(wb); err != nil {
		if derr := r.markAllDirty(ctx); derr != nil {
			config.LogError(config.GetLogger(), "mirror", "ExportPass", "mark mirror dirty", nil, derr)
		}
		return err
	}
	return r.saveSnapshot(ctx, wb)
}

// RetryStale re-runs the export only when a previous one failed.
func (r *Reconciler) RetryStale(ctx context.Context) error {
	db := config.GetDB()
	var stale int64
	if err := db.WithContext(ctx).Model(&models.MirrorState{}).
		Where("dirty = ?", true).Count(&stale).Error; err != nil {
		return err
	}
	if stale == 0 {
		return nil
	}
	config.GetLogger().WithFields(logrus.Fields{
		"module": "mirror",
		"sheets": stale,
	}).Info("retrying stale mirror export")
	return r.ExportPass(ctx)
}

func (r *Reconciler) buildWorkbook(ctx context.Context) (Workbook, error) {
	wb := Workbook{}

	items, err := models.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		row := RawRow{
			"sku":      item.Sku,
			"name":     item.Name,
			"quantity": item.QtyOnHand.String(),
			"unit":     item.Unit,
			"location": item.Location,
		}
		if item.ReorderLevel != nil {
			row["reorder_level"] = item.ReorderLevel.String()
		} else {
			row["reorder_level"] = ""
		}
		wb[config.TableItems] = append(wb[config.TableItems], row)
	}

	movements, err := models.ListMovements(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, m := range movements {
		row := RawRow{
			"id":        m.ID,
			"sku":       m.ItemSku,
			"delta":     m.QtyDelta.String(),
			"reason":    string(m.Reason),
			"order_id":  "",
			"operator":  m.Operator,
			"posted_at": m.PostedAt.Format(time.RFC3339),
		}
		if m.OrderId != nil {
			row["order_id"] = strconv.Itoa(*m.OrderId)
		}
		wb[config.TableMovements] = append(wb[config.TableMovements], row)
	}

	bomLines, err := models.ListBomLines(ctx)
	if err != nil {
		return nil, err
	}
	for _, line := range bomLines {
		wb[config.TableBom] = append(wb[config.TableBom], RawRow{
			"finished_sku":  line.FinishedSku,
			"component_sku": line.ComponentSku,
			"qty_per":       line.QtyPer.String(),
			"version":       strconv.Itoa(line.BomVersionId),
		})
	}

	orders, err := models.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, order := range orders {
		wb[config.TableOrders] = append(wb[config.TableOrders], RawRow{
			"id":           strconv.Itoa(order.ID),
			"finished_sku": order.FinishedSku,
			"quantity":     order.Qty.String(),
			"status":       string(order.Status),
			"created_at":   order.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	machines, err := models.ListMachineStatuses(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		wb[config.TableMachines] = append(wb[config.TableMachines], RawRow{
			"machine":    m.Machine,
			"product":    m.Product,
			"operator":   m.Operator,
			"status":     string(m.Status),
			"updated_at": m.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	return wb, nil
}

func (r *Reconciler) loadSnapshot(ctx context.Context, table string) ([]RawRow, error) {
	db := config.GetDB()
	var state models.MirrorState
	err := db.WithContext(ctx).Where("sheet = ?", table).First(&state).Error
	if err != nil {
		// No snapshot yet: first sync.
		return nil, nil
	}
	var rows []RawRow
	if state.RowsJson == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(state.RowsJson), &rows); err != nil {
		return nil, fmt.Errorf("snapshot for %s: %w", table, err)
	}
	return rows, nil
}

func (r *Reconciler) saveSnapshot(ctx context.Context, wb Workbook) error {
	db := config.GetDB()
	now := time.Now().UTC()
	for _, table := range r.Adapter.Mapping.Tables() {
		raw, err := json.Marshal(wb[table])
		if err != nil {
			return err
		}
		state := models.MirrorState{
			Sheet:      table,
			RowsJson:   string(raw),
			Dirty:      false,
			ExportedAt: now,
		}
		err = db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sheet"}},
			DoUpdates: clause.AssignmentColumns([]string{"rows_json", "dirty", "exported_at", "updated_at"}),
		}).Create(&state).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// markAllDirty records that the workbook is behind the store, creating
// the per-sheet rows if no export ever succeeded.
func (r *Reconciler) markAllDirty(ctx context.Context) error {
	db := config.GetDB()
	for _, table := range r.Adapter.Mapping.Tables() {
		state := models.MirrorState{Sheet: table, Dirty: true}
		err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sheet"}},
			DoUpdates: clause.AssignmentColumns([]string{"dirty", "updated_at"}),
		}).Create(&state).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func itemInputFromRow(row RawRow) *models.NewItem {
	input := &models.NewItem{
		Sku:      row["sku"],
		Name:     row["name"],
		Unit:     row["unit"],
		Location: row["location"],
	}
	if input.Name == "" {
		input.Name = input.Sku
	}
	if level, err := utils.ParseDecimal(row["reorder_level"]); err == nil {
		input.ReorderLevel = &level
	}
	return input
}

func detailsChanged(row RawRow, item *models.Item) bool {
	if name := row["name"]; name != "" && name != item.Name {
		return true
	}
	if unit := row["unit"]; unit != "" && unit != item.Unit {
		return true
	}
	if location := row["location"]; location != "" && location != item.Location {
		return true
	}
	return false
}

func keyRows(rows []RawRow, field string) map[string]RawRow {
	keyed := make(map[string]RawRow, len(rows))
	for _, row := range rows {
		if key := row[field]; key != "" {
			keyed[key] = row
		}
	}
	return keyed
}

func rowsEqual(a, b RawRow) bool {
	if len(a) != len(b) {
		return false
	}
	for field, value := range a {
		if b[field] != value {
			return false
		}
	}
	return true
}

func groupBomRows(rows []RawRow) map[string][]RawRow {
	sections := map[string][]RawRow{}
	for _, row := range rows {
		finished := row["finished_sku"]
		if finished == "" || row["component_sku"] == "" {
			continue
		}
		sections[finished] = append(sections[finished], row)
	}
	return sections
}

func sectionsEqual(a, b []RawRow) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i]["component_sku"] != b[i]["component_sku"] || a[i]["qty_per"] != b[i]["qty_per"] {
			return false
		}
	}
	return true
}
