package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/locking"
	"bitbucket.org/mmdatafocus/shopfloor_backend/mirror"
	"bitbucket.org/mmdatafocus/shopfloor_backend/models"
	"bitbucket.org/mmdatafocus/shopfloor_backend/workflow"
	"github.com/shopspring/decimal"
)

func setupEngine(t *testing.T) *workflow.Engine {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "test.db"))
	t.Setenv("LOCK_PATH", filepath.Join(dir, ".lock"))
	t.Setenv("WORKBOOK_PATH", filepath.Join(dir, "mirror.xlsx"))
	if err := config.ConnectDatabase(); err != nil {
		t.Fatalf("ConnectDatabase: %v", err)
	}
	models.MigrateTable()
	mapping := config.DefaultSheetMapping()
	return workflow.NewEngine(locking.NewFileLock(), mirror.NewReconciler(mirror.NewAdapter(mapping)))
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

// Two commits racing for a scarce shared component: combined demand
// exceeds supply, so exactly one may succeed and final stock must equal
// initial stock minus the winner's consumption.
func TestConcurrentCommits_ScarceComponent(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	if _, err := models.CreateItemWithOpeningBalance(ctx, &models.NewItem{Sku: "Steel-10mm", Name: "Steel rod"}, dec(t, "100")); err != nil {
		t.Fatalf("create component: %v", err)
	}
	if _, err := models.CreateItemWithOpeningBalance(ctx, &models.NewItem{Sku: "Bracket", Name: "Bracket"}, decimal.Zero); err != nil {
		t.Fatalf("create finished good: %v", err)
	}
	if _, err := models.SetBom(ctx, "Bracket", []models.NewBomLine{
		{ComponentSku: "Steel-10mm", QtyPer: dec(t, "5")},
	}); err != nil {
		t.Fatalf("SetBom: %v", err)
	}

	// 15 units each -> 75 steel each; only one order can be satisfied.
	var orderIds [2]int
	for i := range orderIds {
		order, err := models.CreateOrder(ctx, &models.NewProductionOrder{FinishedSku: "Bracket", Qty: dec(t, "15")})
		if err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		orderIds[i] = order.ID
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.CommitOrder(ctx, orderIds[i])
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected commit error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("got %d successes and %d insufficient-stock failures, want 1 and 1", succeeded, insufficient)
	}

	steel, err := engine.CurrentQuantity(ctx, "Steel-10mm")
	if err != nil {
		t.Fatalf("CurrentQuantity: %v", err)
	}
	if !steel.Equal(dec(t, "25")) {
		t.Fatalf("steel stock = %s, want 25 (100 minus the single successful consumption)", steel.String())
	}
}

func TestAdjust_ExportsMirror(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	if _, err := models.CreateItemWithOpeningBalance(ctx, &models.NewItem{Sku: "MP-001", Name: "Resina"}, dec(t, "10")); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if _, err := engine.Adjust(ctx, "MP-001", dec(t, "-4")); err != nil {
		t.Fatalf("Adjust: %v", err)
	}

	if _, err := os.Stat(os.Getenv("WORKBOOK_PATH")); err != nil {
		t.Fatalf("workbook not written after adjust: %v", err)
	}
	qty, err := engine.CurrentQuantity(ctx, "MP-001")
	if err != nil {
		t.Fatalf("CurrentQuantity: %v", err)
	}
	if !qty.Equal(dec(t, "6")) {
		t.Fatalf("quantity = %s, want 6", qty.String())
	}
}

// A failing export leaves the store committed and the mirror flagged
// stale; the retry cycle catches the workbook up once writing works.
func TestAdjust_StoreRetainedWhenExportFails(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	if _, err := models.CreateItemWithOpeningBalance(ctx, &models.NewItem{Sku: "MP-001", Name: "Resina"}, dec(t, "10")); err != nil {
		t.Fatalf("create item: %v", err)
	}

	// Point the adapter at an unwritable path.
	goodPath := engine.Reconciler.Adapter.Path
	engine.Reconciler.Adapter.Path = filepath.Join(t.TempDir(), "missing-dir", "mirror.xlsx")

	movement, err := engine.Adjust(ctx, "MP-001", dec(t, "-1"))
	if !errors.Is(err, mirror.ErrExportFailed) {
		t.Fatalf("expected ErrExportFailed, got %v", err)
	}
	if movement == nil {
		t.Fatal("movement should be committed despite the failed export")
	}

	qty, qerr := engine.CurrentQuantity(ctx, "MP-001")
	if qerr != nil {
		t.Fatalf("CurrentQuantity: %v", qerr)
	}
	if !qty.Equal(dec(t, "9")) {
		t.Fatalf("store lost the committed adjustment: %s", qty.String())
	}

	var stale int64
	if err := config.GetDB().Model(&models.MirrorState{}).Where("dirty = ?", true).Count(&stale).Error; err != nil {
		t.Fatalf("count dirty: %v", err)
	}
	if stale == 0 {
		t.Fatal("no sheet marked stale after failed export")
	}

	// Fix the path; the retry pass must clear the staleness.
	engine.Reconciler.Adapter.Path = goodPath
	if err := engine.RetryStaleExports(ctx); err != nil {
		t.Fatalf("RetryStaleExports: %v", err)
	}
	if err := config.GetDB().Model(&models.MirrorState{}).Where("dirty = ?", true).Count(&stale).Error; err != nil {
		t.Fatalf("count dirty: %v", err)
	}
	if stale != 0 {
		t.Fatalf("%d sheet(s) still stale after successful retry", stale)
	}
	if _, err := os.Stat(goodPath); err != nil {
		t.Fatalf("workbook not written by retry: %v", err)
	}
}
