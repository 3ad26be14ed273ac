package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type MovementReason string

const (
	ReasonManualAdjustment      MovementReason = "manual adjustment"
	ReasonProductionConsumption MovementReason = "production consumption"
	ReasonProductionOutput      MovementReason = "production output"
	ReasonOpeningBalance        MovementReason = "opening balance"
)

// Movement is one signed quantity change in the append-only ledger.
// Rows are created by PostMovement and never updated or deleted; the
// sum of QtyDelta per item equals that item's QtyOnHand.
type Movement struct {
	ID        string          `gorm:"size:36;primary_key" json:"id"` // uuid
	ItemSku   string          `gorm:"size:64;index:idx_movement_item_posted,priority:1;not null" json:"item_sku"`
	QtyDelta  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_delta"`
	Reason    MovementReason  `gorm:"size:32;not null" json:"reason"`
	OrderId   *int            `gorm:"index" json:"order_id"`
	Operator  string          `gorm:"size:100" json:"operator"`
	PostedAt  time.Time       `gorm:"index:idx_movement_item_posted,priority:2;not null" json:"posted_at"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// PostMovement appends one movement inside the caller's transaction and
// bumps the item's cached quantity in the same transaction. The
// projected quantity is validated before anything is written, so a
// rejected post leaves no row behind.
func PostMovement(tx *gorm.DB, sku string, delta decimal.Decimal, reason MovementReason, orderId *int) (*Movement, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx is nil")
	}
	ctx := tx.Statement.Context

	var item Item
	err := tx.Where("sku = ?", sku).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("item %s: %w", sku, ErrItemNotFound)
	}
	if err != nil {
		return nil, err
	}

	projected := item.QtyOnHand.Add(delta)
	if projected.IsNegative() {
		return nil, fmt.Errorf("item %s: have %s, movement %s: %w",
			sku, item.QtyOnHand.String(), delta.String(), ErrInsufficientStock)
	}

	operator, _ := utils.GetOperatorFromContext(ctx)
	movement := Movement{
		ID:       uuid.NewString(),
		ItemSku:  sku,
		QtyDelta: delta,
		Reason:   reason,
		OrderId:  orderId,
		Operator: operator,
		PostedAt: time.Now().UTC(),
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&Item{}).Where("sku = ?", sku).
		Update("qty_on_hand", projected).Error; err != nil {
		return nil, err
	}
	return &movement, nil
}

// AdjustStock posts a manual adjustment for an item. This is the only
// way external quantity edits enter the store: the quantity field is
// never written directly.
func AdjustStock(ctx context.Context, sku string, delta decimal.Decimal) (*Movement, error) {
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	movement, err := PostMovement(tx, sku, delta, ReasonManualAdjustment, nil)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return movement, tx.Commit().Error
}

// CreateItemWithOpeningBalance registers an item discovered in the
// mirror and posts its starting quantity as an opening-balance movement
// in the same transaction, so even first-seen stock has a ledger trail.
func CreateItemWithOpeningBalance(ctx context.Context, input *NewItem, qty decimal.Decimal) (*Item, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	if qty.IsNegative() {
		return nil, fmt.Errorf("item %s: opening balance %s: %w", input.Sku, qty.String(), ErrInsufficientStock)
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	item := Item{
		Sku:          input.Sku,
		Name:         input.Name,
		Unit:         input.Unit,
		Location:     input.Location,
		QtyOnHand:    decimal.Zero,
		ReorderLevel: input.ReorderLevel,
	}
	if err := tx.Create(&item).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if !qty.IsZero() {
		if _, err := PostMovement(tx, item.Sku, qty, ReasonOpeningBalance, nil); err != nil {
			tx.Rollback()
			return nil, err
		}
		item.QtyOnHand = qty
	}
	return &item, tx.Commit().Error
}

// CurrentQuantity returns the cached ledger-derived quantity.
func CurrentQuantity(ctx context.Context, sku string) (decimal.Decimal, error) {
	item, err := GetItem(ctx, sku)
	if err != nil {
		return decimal.Zero, err
	}
	return item.QtyOnHand, nil
}

// ListMovements returns the ledger for one item, or for all items when
// sku is empty, newest first.
func ListMovements(ctx context.Context, sku string) ([]Movement, error) {
	db := config.GetDB()
	q := db.WithContext(ctx).Model(&Movement{})
	if sku != "" {
		q = q.Where("item_sku = ?", sku)
	}
	var movements []Movement
	if err := q.Order("posted_at DESC, created_at DESC").Find(&movements).Error; err != nil {
		return nil, err
	}
	return movements, nil
}

// QtyDrift reports a cached quantity that disagrees with the ledger sum.
type QtyDrift struct {
	Sku       string          `json:"sku"`
	Cached    decimal.Decimal `json:"cached"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
}

// RebuildQuantities recomputes every item's quantity from the full
// movement log and repairs the cache where it drifted. Intended for the
// maintenance CLI; the hot path never does a full scan.
func RebuildQuantities(ctx context.Context) ([]QtyDrift, error) {
	db := config.GetDB()

	type ledgerSum struct {
		ItemSku string
		Total   decimal.Decimal
	}
	var sums []ledgerSum
	err := db.WithContext(ctx).Model(&Movement{}).
		Select("item_sku, COALESCE(SUM(qty_delta), 0) AS total").
		Group("item_sku").
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal, len(sums))
	for _, s := range sums {
		totals[s.ItemSku] = s.Total
	}

	items, err := ListItems(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []QtyDrift
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	for _, item := range items {
		total := totals[item.Sku]
		if item.QtyOnHand.Equal(total) {
			continue
		}
		drifts = append(drifts, QtyDrift{Sku: item.Sku, Cached: item.QtyOnHand, LedgerSum: total})
		if err := tx.Model(&Item{}).Where("sku = ?", item.Sku).
			Update("qty_on_hand", total).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	return drifts, tx.Commit().Error
}
