package mirror_test

import (
	"context"
	"path/filepath"
	"testing"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/mirror"
	"bitbucket.org/mmdatafocus/shopfloor_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// setupReconciler provisions a fresh store and an empty workbook path
// under the test's temp dir.
func setupReconciler(t *testing.T) *mirror.Reconciler {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "test.db"))
	t.Setenv("WORKBOOK_PATH", filepath.Join(dir, "mirror.xlsx"))
	require.NoError(t, config.ConnectDatabase())
	models.MigrateTable()
	return mirror.NewReconciler(mirror.NewAdapter(config.DefaultSheetMapping()))
}

func seedItem(t *testing.T, sku string, qty string) {
	t.Helper()
	d, err := decimal.NewFromString(qty)
	require.NoError(t, err)
	_, err = models.CreateItemWithOpeningBalance(context.Background(), &models.NewItem{
		Sku:  sku,
		Name: sku,
		Unit: "pcs",
	}, d)
	require.NoError(t, err)
}

// setSheetQty edits the quantity cell for a given stock row in place,
// the way an operator editing the open workbook would.
func setSheetQty(t *testing.T, r *mirror.Reconciler, sku, qty string) {
	t.Helper()
	spec, err := r.Adapter.Mapping.Spec(config.TableItems)
	require.NoError(t, err)
	f, err := excelize.OpenFile(r.Adapter.Path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(spec.Name)
	require.NoError(t, err)
	skuCol, qtyCol := -1, -1
	for i, header := range rows[0] {
		switch header {
		case spec.Column("sku"):
			skuCol = i
		case spec.Column("quantity"):
			qtyCol = i
		}
	}
	require.GreaterOrEqual(t, skuCol, 0)
	require.GreaterOrEqual(t, qtyCol, 0)

	for rowNo, row := range rows[1:] {
		if skuCol < len(row) && row[skuCol] == sku {
			cell, err := excelize.CoordinatesToCellName(qtyCol+1, rowNo+2)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(spec.Name, cell, qty))
			require.NoError(t, f.Save())
			return
		}
	}
	t.Fatalf("sku %s not found in sheet %s", sku, spec.Name)
}

func movementCount(t *testing.T, sku string) int {
	t.Helper()
	movements, err := models.ListMovements(context.Background(), sku)
	require.NoError(t, err)
	return len(movements)
}

func TestImportPass_RoundTripIsIdempotent(t *testing.T) {
	r := setupReconciler(t)
	seedItem(t, "MP-001", "42.5")
	seedItem(t, "MP-002", "0")
	_, err := models.UpsertMachineStatus(context.Background(), &models.NewMachineStatus{
		Machine: "Oriente 45",
		Status:  models.MachineStateRunning,
	})
	require.NoError(t, err)

	require.NoError(t, r.ExportPass(context.Background()))

	// Importing straight back must change nothing.
	summary, err := r.ImportPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.ItemsCreated)
	assert.Zero(t, summary.AdjustmentsPosted)
	assert.Empty(t, summary.Conflicts)
	assert.Empty(t, summary.RowsSkipped)
	assert.Equal(t, 1, movementCount(t, "MP-001"), "only the opening balance")

	qty, err := models.CurrentQuantity(context.Background(), "MP-001")
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("42.5")))
}

func TestImportPass_ExternalQuantityEditBecomesMovement(t *testing.T) {
	r := setupReconciler(t)
	seedItem(t, "MP-001", "100")
	require.NoError(t, r.ExportPass(context.Background()))

	setSheetQty(t, r, "MP-001", "85")

	summary, err := r.ImportPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AdjustmentsPosted)
	assert.Empty(t, summary.Conflicts)

	qty, err := models.CurrentQuantity(context.Background(), "MP-001")
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.NewFromInt(85)), "got %s", qty)

	movements, err := models.ListMovements(context.Background(), "MP-001")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	adjustment := movements[0] // newest first
	assert.Equal(t, models.ReasonManualAdjustment, adjustment.Reason)
	assert.True(t, adjustment.QtyDelta.Equal(decimal.NewFromInt(-15)), "got %s", adjustment.QtyDelta)
}

func TestImportPass_NewSheetRowCreatesItem(t *testing.T) {
	r := setupReconciler(t)
	seedItem(t, "MP-001", "10")
	require.NoError(t, r.ExportPass(context.Background()))

	// Append a row the store has never seen.
	spec, err := r.Adapter.Mapping.Spec(config.TableItems)
	require.NoError(t, err)
	f, err := excelize.OpenFile(r.Adapter.Path)
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue(spec.Name, "A3", "MP-NEW"))
	require.NoError(t, f.SetCellValue(spec.Name, "B3", "Novo material"))
	require.NoError(t, f.SetCellValue(spec.Name, "C3", "7"))
	require.NoError(t, f.Save())
	require.NoError(t, f.Close())

	summary, err := r.ImportPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ItemsCreated)

	item, err := models.GetItem(context.Background(), "MP-NEW")
	require.NoError(t, err)
	assert.Equal(t, "Novo material", item.Name)
	assert.True(t, item.QtyOnHand.Equal(decimal.NewFromInt(7)))

	movements, err := models.ListMovements(context.Background(), "MP-NEW")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, models.ReasonOpeningBalance, movements[0].Reason)
}

func TestImportPass_StoreWinsOnConflict(t *testing.T) {
	r := setupReconciler(t)
	seedItem(t, "MP-001", "100")
	require.NoError(t, r.ExportPass(context.Background()))

	// Both sides move after the snapshot.
	setSheetQty(t, r, "MP-001", "90")
	_, err := models.AdjustStock(context.Background(), "MP-001", decimal.NewFromInt(-30))
	require.NoError(t, err)

	summary, err := r.ImportPass(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Conflicts, 1)
	assert.Contains(t, summary.Conflicts[0], "MP-001")
	assert.Zero(t, summary.AdjustmentsPosted)

	// The store value survives and the re-export pushed it back out.
	qty, err := models.CurrentQuantity(context.Background(), "MP-001")
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.NewFromInt(70)), "got %s", qty)

	wb, err := r.Adapter.ImportAll()
	require.NoError(t, err)
	require.Len(t, wb[config.TableItems], 1)
	assert.Equal(t, "70", wb[config.TableItems][0]["quantity"])
}

func TestImportPass_SchemaMismatchLeavesStoreUntouched(t *testing.T) {
	r := setupReconciler(t)
	seedItem(t, "MP-001", "100")
	require.NoError(t, r.ExportPass(context.Background()))

	// Rename the quantity header so the column can no longer be resolved.
	spec, err := r.Adapter.Mapping.Spec(config.TableItems)
	require.NoError(t, err)
	f, err := excelize.OpenFile(r.Adapter.Path)
	require.NoError(t, err)
	qtyCol := -1
	header, err := f.GetRows(spec.Name)
	require.NoError(t, err)
	for i, cell := range header[0] {
		if cell == spec.Column("quantity") {
			qtyCol = i
		}
	}
	require.GreaterOrEqual(t, qtyCol, 0)
	cell, err := excelize.CoordinatesToCellName(qtyCol+1, 1)
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue(spec.Name, cell, "mystery"))
	require.NoError(t, f.Save())
	require.NoError(t, f.Close())

	_, err = r.ImportPass(context.Background())
	require.ErrorIs(t, err, mirror.ErrSchemaMismatch)

	assert.Equal(t, 1, movementCount(t, "MP-001"), "no movement may be posted on a failed import")
	qty, qerr := models.CurrentQuantity(context.Background(), "MP-001")
	require.NoError(t, qerr)
	assert.True(t, qty.Equal(decimal.NewFromInt(100)))
}

func TestImportPass_SheetDeletedRowStaysInStore(t *testing.T) {
	r := setupReconciler(t)
	seedItem(t, "MP-001", "10")
	seedItem(t, "MP-002", "20")
	require.NoError(t, r.ExportPass(context.Background()))

	// Remove MP-002's row from the sheet.
	spec, err := r.Adapter.Mapping.Spec(config.TableItems)
	require.NoError(t, err)
	f, err := excelize.OpenFile(r.Adapter.Path)
	require.NoError(t, err)
	require.NoError(t, f.RemoveRow(spec.Name, 3))
	require.NoError(t, f.Save())
	require.NoError(t, f.Close())

	_, err = r.ImportPass(context.Background())
	require.NoError(t, err)

	// Deletion from the sheet is not a store mutation; the re-export
	// restores the row.
	_, err = models.GetItem(context.Background(), "MP-002")
	require.NoError(t, err)
	wb, err := r.Adapter.ImportAll()
	require.NoError(t, err)
	assert.Len(t, wb[config.TableItems], 2)
}

func TestImportPass_BomEditReplacesLines(t *testing.T) {
	r := setupReconciler(t)
	seedItem(t, "Steel-10mm", "100")
	seedItem(t, "Bracket", "0")
	_, err := models.SetBom(context.Background(), "Bracket", []models.NewBomLine{
		{ComponentSku: "Steel-10mm", QtyPer: decimal.NewFromInt(5)},
	})
	require.NoError(t, err)
	require.NoError(t, r.ExportPass(context.Background()))

	// Change qty_per in the sheet.
	spec, err := r.Adapter.Mapping.Spec(config.TableBom)
	require.NoError(t, err)
	f, err := excelize.OpenFile(r.Adapter.Path)
	require.NoError(t, err)
	rows, err := f.GetRows(spec.Name)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	perCol := -1
	for i, cell := range rows[0] {
		if cell == spec.Column("qty_per") {
			perCol = i
		}
	}
	require.GreaterOrEqual(t, perCol, 0)
	cell, err := excelize.CoordinatesToCellName(perCol+1, 2)
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue(spec.Name, cell, "3"))
	require.NoError(t, f.Save())
	require.NoError(t, f.Close())

	summary, err := r.ImportPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BomsReplaced)

	version, lines, err := models.GetBom(context.Background(), "Bracket")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].QtyPer.Equal(decimal.NewFromInt(3)))
	assert.True(t, version.Active)
}

func TestImportPass_BadQuantityRowSkipped(t *testing.T) {
	r := setupReconciler(t)
	seedItem(t, "MP-001", "10")
	require.NoError(t, r.ExportPass(context.Background()))

	setSheetQty(t, r, "MP-001", "banana")

	summary, err := r.ImportPass(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.RowsSkipped, 1)
	assert.Contains(t, summary.RowsSkipped[0], "MP-001")

	qty, err := models.CurrentQuantity(context.Background(), "MP-001")
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.NewFromInt(10)))
}
