package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "Draft"
	OrderStatusCommitted OrderStatus = "Committed"
	OrderStatusFailed    OrderStatus = "Failed"
)

// ProductionOrder is a request to produce Qty units of a finished good.
// It is Committed only after every component deduction and the output
// movement were posted in one transaction; otherwise it is Failed and
// the ledger is untouched.
type ProductionOrder struct {
	ID            int             `gorm:"primary_key" json:"id"`
	FinishedSku   string          `gorm:"size:64;index;not null" json:"finished_sku"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	Status        OrderStatus     `gorm:"size:16;not null;default:Draft;index" json:"status"`
	BomVersionId  *int            `gorm:"index" json:"bom_version_id"`
	FailureReason *string         `gorm:"type:text" json:"failure_reason"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	CommittedAt   *time.Time      `json:"committed_at"`
}

type NewProductionOrder struct {
	FinishedSku string          `json:"finished_sku" validate:"required,max=64"`
	Qty         decimal.Decimal `json:"qty" validate:"required"`
}

// CreateOrder opens a draft order. Nothing is checked against the BOM
// yet; sufficiency is evaluated at commit time against current stock.
func CreateOrder(ctx context.Context, input *NewProductionOrder) (*ProductionOrder, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	if !input.Qty.IsPositive() {
		return nil, fmt.Errorf("order qty must be positive, got %s", input.Qty.String())
	}
	if _, err := GetItem(ctx, input.FinishedSku); err != nil {
		return nil, err
	}

	db := config.GetDB()
	order := ProductionOrder{
		FinishedSku: input.FinishedSku,
		Qty:         input.Qty,
		Status:      OrderStatusDraft,
	}
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*ProductionOrder, error) {
	db := config.GetDB()
	var order ProductionOrder
	err := db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func ListOrders(ctx context.Context) ([]ProductionOrder, error) {
	db := config.GetDB()
	var orders []ProductionOrder
	if err := db.WithContext(ctx).Order("id").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CommitOrder applies the BOM-driven stock consumption for a draft
// order. Two phases: first every component's projected sufficiency is
// checked with nothing written; only then are the component consumption
// movements and the single output movement posted, all in one
// transaction. Any failure marks the order Failed with zero movements
// posted.
func CommitOrder(ctx context.Context, id int) (*ProductionOrder, error) {
	db := config.GetDB()

	order, err := GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusDraft {
		return nil, fmt.Errorf("order %d is %s: %w", id, order.Status, ErrOrderNotDraft)
	}

	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	version, lines, err := ResolveBom(tx, order.FinishedSku)
	if err != nil {
		tx.Rollback()
		return failOrder(ctx, order, err)
	}

	// Phase 1: check every component before posting anything. The output
	// item must exist too; production never auto-creates it.
	if _, err := fetchItemTx(tx, order.FinishedSku); err != nil {
		tx.Rollback()
		return failOrder(ctx, order, err)
	}
	for _, line := range lines {
		component, err := fetchItemTx(tx, line.ComponentSku)
		if err != nil {
			if errors.Is(err, ErrItemNotFound) {
				err = fmt.Errorf("bom for %s: component %s: %w",
					order.FinishedSku, line.ComponentSku, ErrUnknownComponent)
			}
			tx.Rollback()
			return failOrder(ctx, order, err)
		}
		required := line.QtyPer.Mul(order.Qty)
		if component.QtyOnHand.LessThan(required) {
			err = fmt.Errorf("component %s: need %s, have %s: %w",
				line.ComponentSku, required.String(), component.QtyOnHand.String(), ErrInsufficientStock)
			tx.Rollback()
			return failOrder(ctx, order, err)
		}
	}

	// Phase 2: all components are sufficient; post the full movement set.
	for _, line := range lines {
		required := line.QtyPer.Mul(order.Qty)
		if _, err := PostMovement(tx, line.ComponentSku, required.Neg(), ReasonProductionConsumption, &order.ID); err != nil {
			tx.Rollback()
			return failOrder(ctx, order, err)
		}
	}
	if _, err := PostMovement(tx, order.FinishedSku, order.Qty, ReasonProductionOutput, &order.ID); err != nil {
		tx.Rollback()
		return failOrder(ctx, order, err)
	}

	now := time.Now().UTC()
	err = tx.Model(order).Updates(map[string]interface{}{
		"Status":       OrderStatusCommitted,
		"BomVersionId": version.ID,
		"CommittedAt":  &now,
	}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

// failOrder records the failure on the order outside the rolled-back
// transaction, then returns the original error.
func failOrder(ctx context.Context, order *ProductionOrder, cause error) (*ProductionOrder, error) {
	db := config.GetDB()
	reason := cause.Error()
	uerr := db.WithContext(ctx).Model(order).Updates(map[string]interface{}{
		"Status":        OrderStatusFailed,
		"FailureReason": &reason,
	}).Error
	if uerr != nil {
		config.LogError(config.GetLogger(), "productionOrder.go", "failOrder", "mark order failed", order.ID, uerr)
	}
	return order, cause
}

func fetchItemTx(tx *gorm.DB, sku string) (*Item, error) {
	var item Item
	err := tx.Where("sku = ?", sku).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("item %s: %w", sku, ErrItemNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
