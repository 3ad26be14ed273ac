package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Item is a stocked material or finished good. QtyOnHand is a cached
// projection over the movement ledger: it is only ever written inside
// PostMovement, in the same transaction as the movement row.
type Item struct {
	Sku          string           `gorm:"size:64;primary_key" json:"sku"`
	Name         string           `gorm:"size:200;not null" json:"name"`
	Unit         string           `gorm:"size:20" json:"unit"`
	Location     string           `gorm:"size:100" json:"location"`
	QtyOnHand    decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"qty_on_hand"`
	ReorderLevel *decimal.Decimal `gorm:"type:decimal(20,4)" json:"reorder_level"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Sku          string           `json:"sku" validate:"required,max=64"`
	Name         string           `json:"name" validate:"required,max=200"`
	Unit         string           `json:"unit" validate:"max=20"`
	Location     string           `json:"location" validate:"max=100"`
	ReorderLevel *decimal.Decimal `json:"reorder_level"`
}

var validate = validator.New()

// CreateItem registers a new item with zero stock. Opening quantity, if
// any, is posted separately so the ledger stays total.
func CreateItem(ctx context.Context, input *NewItem) (*Item, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	db := config.GetDB()

	item := Item{
		Sku:          input.Sku,
		Name:         input.Name,
		Unit:         input.Unit,
		Location:     input.Location,
		QtyOnHand:    decimal.Zero,
		ReorderLevel: input.ReorderLevel,
	}
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetItem(ctx context.Context, sku string) (*Item, error) {
	db := config.GetDB()
	var item Item
	err := db.WithContext(ctx).Where("sku = ?", sku).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("item %s: %w", sku, ErrItemNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func ListItems(ctx context.Context) ([]Item, error) {
	db := config.GetDB()
	var items []Item
	if err := db.WithContext(ctx).Order("sku").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateItemDetails changes descriptive fields only. Quantity is not
// writable here; it moves through the ledger.
func UpdateItemDetails(ctx context.Context, sku string, input *NewItem) (*Item, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	item, err := GetItem(ctx, sku)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	err = db.WithContext(ctx).Model(item).Updates(map[string]interface{}{
		"Name":         input.Name,
		"Unit":         input.Unit,
		"Location":     input.Location,
		"ReorderLevel": input.ReorderLevel,
	}).Error
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteItem removes an item that nothing references. Items referenced
// by a BOM line or by a draft/committed order are protected.
func DeleteItem(ctx context.Context, sku string) error {
	db := config.GetDB()
	item, err := GetItem(ctx, sku)
	if err != nil {
		return err
	}

	var bomRefs int64
	if err := db.WithContext(ctx).Model(&BomLine{}).
		Where("component_sku = ? OR finished_sku = ?", sku, sku).
		Count(&bomRefs).Error; err != nil {
		return err
	}
	if bomRefs > 0 {
		return fmt.Errorf("item %s: %w", sku, ErrItemInUse)
	}

	var orderRefs int64
	if err := db.WithContext(ctx).Model(&ProductionOrder{}).
		Where("finished_sku = ? AND status <> ?", sku, OrderStatusFailed).
		Count(&orderRefs).Error; err != nil {
		return err
	}
	if orderRefs > 0 {
		return fmt.Errorf("item %s: %w", sku, ErrItemInUse)
	}

	return db.WithContext(ctx).Delete(item).Error
}

// BelowReorderLevel lists items whose cached quantity has fallen to or
// under their configured threshold.
func BelowReorderLevel(ctx context.Context) ([]Item, error) {
	db := config.GetDB()
	var items []Item
	err := db.WithContext(ctx).
		Where("reorder_level IS NOT NULL AND qty_on_hand <= reorder_level").
		Order("sku").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
