package models_test

import (
	"context"
	"path/filepath"
	"testing"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/models"
	"github.com/shopspring/decimal"
)

// setupTestDB points the record store at a fresh sqlite file under the
// test's temp dir and migrates the schema.
func setupTestDB(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "test.db"))
	if err := config.ConnectDatabase(); err != nil {
		t.Fatalf("ConnectDatabase: %v", err)
	}
	models.MigrateTable()
}

func mustCreateItemWithStock(t *testing.T, sku, name string, qty decimal.Decimal) *models.Item {
	t.Helper()
	item, err := models.CreateItemWithOpeningBalance(context.Background(), &models.NewItem{
		Sku:  sku,
		Name: name,
		Unit: "pcs",
	}, qty)
	if err != nil {
		t.Fatalf("CreateItemWithOpeningBalance(%s): %v", sku, err)
	}
	return item
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}
