package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/locking"
	"bitbucket.org/mmdatafocus/shopfloor_backend/mirror"
	"bitbucket.org/mmdatafocus/shopfloor_backend/models"
	"github.com/shopspring/decimal"
)

// Engine is the operational surface. Every state-mutating entry point
// acquires the lock coordinator, mutates the record store, then
// triggers the mirror export, so callers (HTTP handlers, CLIs) never
// manage locking themselves and no two sessions interleave a
// check-then-apply sequence.
type Engine struct {
	Lock       *locking.FileLock
	Reconciler *mirror.Reconciler
}

func NewEngine(lock *locking.FileLock, reconciler *mirror.Reconciler) *Engine {
	return &Engine{Lock: lock, Reconciler: reconciler}
}

// ImportAll runs the spreadsheet-to-store pass under the lock.
func (e *Engine) ImportAll(ctx context.Context) (*mirror.ImportSummary, error) {
	var summary *mirror.ImportSummary
	err := e.Lock.WithLock(ctx, func(ctx context.Context) error {
		var ierr error
		summary, ierr = e.Reconciler.ImportPass(ctx)
		return ierr
	})
	return summary, err
}

// ExportAll rewrites the workbook from the current store state.
func (e *Engine) ExportAll(ctx context.Context) error {
	return e.Lock.WithLock(ctx, e.Reconciler.ExportPass)
}

// Adjust posts a manual stock adjustment and exports. When only the
// export fails the movement stays committed: the caller gets the
// movement back together with the export error, and the mirror is
// retried on the next cycle.
func (e *Engine) Adjust(ctx context.Context, sku string, delta decimal.Decimal) (*models.Movement, error) {
	var movement *models.Movement
	err := e.Lock.WithLock(ctx, func(ctx context.Context) error {
		var aerr error
		movement, aerr = models.AdjustStock(ctx, sku, delta)
		if aerr != nil {
			return aerr
		}
		return e.Reconciler.ExportPass(ctx)
	})
	return movement, err
}

// CreateItem registers an item and exports.
func (e *Engine) CreateItem(ctx context.Context, input *models.NewItem) (*models.Item, error) {
	var item *models.Item
	err := e.Lock.WithLock(ctx, func(ctx context.Context) error {
		var cerr error
		item, cerr = models.CreateItem(ctx, input)
		if cerr != nil {
			return cerr
		}
		return e.Reconciler.ExportPass(ctx)
	})
	return item, err
}

// DeleteItem removes an unreferenced item and exports.
func (e *Engine) DeleteItem(ctx context.Context, sku string) error {
	return e.Lock.WithLock(ctx, func(ctx context.Context) error {
		if err := models.DeleteItem(ctx, sku); err != nil {
			return err
		}
		return e.Reconciler.ExportPass(ctx)
	})
}

// SetBom publishes a bill of materials and exports.
func (e *Engine) SetBom(ctx context.Context, finishedSku string, lines []models.NewBomLine) (*models.BomVersion, error) {
	var version *models.BomVersion
	err := e.Lock.WithLock(ctx, func(ctx context.Context) error {
		var serr error
		version, serr = models.SetBom(ctx, finishedSku, lines)
		if serr != nil {
			return serr
		}
		return e.Reconciler.ExportPass(ctx)
	})
	return version, err
}

// CreateOrder opens a draft production order and exports.
func (e *Engine) CreateOrder(ctx context.Context, input *models.NewProductionOrder) (*models.ProductionOrder, error) {
	var order *models.ProductionOrder
	err := e.Lock.WithLock(ctx, func(ctx context.Context) error {
		var cerr error
		order, cerr = models.CreateOrder(ctx, input)
		if cerr != nil {
			return cerr
		}
		return e.Reconciler.ExportPass(ctx)
	})
	return order, err
}

// CommitOrder applies the BOM consumption for a draft order under one
// lock hold: sufficiency check, component consumptions, output
// movement, status change, then mirror export. A failed commit exports
// too, so the order's Failed status reaches the sheet.
func (e *Engine) CommitOrder(ctx context.Context, id int) (*models.ProductionOrder, error) {
	var order *models.ProductionOrder
	err := e.Lock.WithLock(ctx, func(ctx context.Context) error {
		var cerr error
		order, cerr = models.CommitOrder(ctx, id)
		if cerr != nil {
			if exportErr := e.Reconciler.ExportPass(ctx); exportErr != nil {
				config.LogError(config.GetLogger(), "workflow", "CommitOrder", "export after failed commit", id, exportErr)
			}
			return cerr
		}
		return e.Reconciler.ExportPass(ctx)
	})
	return order, err
}

// UpsertMachine updates the live machine board and exports.
func (e *Engine) UpsertMachine(ctx context.Context, input *models.NewMachineStatus) (*models.MachineStatus, error) {
	var status *models.MachineStatus
	err := e.Lock.WithLock(ctx, func(ctx context.Context) error {
		var uerr error
		status, uerr = models.UpsertMachineStatus(ctx, input)
		if uerr != nil {
			return uerr
		}
		return e.Reconciler.ExportPass(ctx)
	})
	return status, err
}

// RetryStaleExports re-exports only when a previous export failed.
// Driven by the cron schedule in the server.
func (e *Engine) RetryStaleExports(ctx context.Context) error {
	return e.Lock.WithLock(ctx, e.Reconciler.RetryStale)
}

// CurrentQuantity reads the cached ledger-derived quantity. Reads do
// not mutate state and skip the lock.
func (e *Engine) CurrentQuantity(ctx context.Context, sku string) (decimal.Decimal, error) {
	return models.CurrentQuantity(ctx, sku)
}
