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

// BomVersion is one published revision of the bill of materials for a
// finished good. Exactly one version per finished good is active. A
// version referenced by a committed order is frozen; edits create the
// next version instead of touching its lines.
type BomVersion struct {
	ID          int       `gorm:"primary_key" json:"id"`
	FinishedSku string    `gorm:"size:64;index:idx_bom_version_finished;not null" json:"finished_sku"`
	Version     int       `gorm:"not null;default:1" json:"version"`
	Active      bool      `gorm:"not null;default:true;index" json:"active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type BomLine struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BomVersionId int             `gorm:"index;not null" json:"bom_version_id"`
	FinishedSku  string          `gorm:"size:64;index;not null" json:"finished_sku"`
	ComponentSku string          `gorm:"size:64;index;not null" json:"component_sku"`
	QtyPer       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_per"`
	Position     int             `gorm:"not null;default:0" json:"position"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewBomLine struct {
	ComponentSku string          `json:"component_sku" validate:"required,max=64"`
	QtyPer       decimal.Decimal `json:"qty_per" validate:"required"`
}

// SetBom replaces the bill of materials for a finished good. If the
// active version is already referenced by a committed order, its lines
// are frozen and a new version is published; otherwise the lines of the
// active version are rewritten in place.
func SetBom(ctx context.Context, finishedSku string, lines []NewBomLine) (*BomVersion, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("bom for %s: %w", finishedSku, ErrInvalidBom)
	}
	for _, line := range lines {
		if err := validate.Struct(&line); err != nil {
			return nil, err
		}
		if !line.QtyPer.IsPositive() {
			return nil, fmt.Errorf("bom for %s: component %s qty_per must be positive",
				finishedSku, line.ComponentSku)
		}
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	current, err := activeBomVersion(tx, finishedSku)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}

	target := current
	switch {
	case current == nil:
		target = &BomVersion{FinishedSku: finishedSku, Version: 1, Active: true}
		if err := tx.Create(target).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	default:
		frozen, err := bomVersionInUse(tx, current.ID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if frozen {
			if err := tx.Model(current).Update("active", false).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
			target = &BomVersion{FinishedSku: finishedSku, Version: current.Version + 1, Active: true}
			if err := tx.Create(target).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
		} else {
			if err := tx.Where("bom_version_id = ?", current.ID).Delete(&BomLine{}).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}

	for i, line := range lines {
		row := BomLine{
			BomVersionId: target.ID,
			FinishedSku:  finishedSku,
			ComponentSku: line.ComponentSku,
			QtyPer:       line.QtyPer,
			Position:     i + 1,
		}
		if err := tx.Create(&row).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	return target, tx.Commit().Error
}

// ResolveBom returns the active version and its ordered lines for a
// finished good. A missing or empty BOM is ErrInvalidBom.
func ResolveBom(tx *gorm.DB, finishedSku string) (*BomVersion, []BomLine, error) {
	version, err := activeBomVersion(tx, finishedSku)
	if errors.Is(err, gorm.ErrRecordNotFound) || version == nil {
		return nil, nil, fmt.Errorf("bom for %s: %w", finishedSku, ErrInvalidBom)
	}
	if err != nil {
		return nil, nil, err
	}
	var lines []BomLine
	if err := tx.Where("bom_version_id = ?", version.ID).
		Order("position").Find(&lines).Error; err != nil {
		return nil, nil, err
	}
	if len(lines) == 0 {
		return nil, nil, fmt.Errorf("bom for %s: %w", finishedSku, ErrInvalidBom)
	}
	return version, lines, nil
}

// GetBom is the read-path wrapper over ResolveBom.
func GetBom(ctx context.Context, finishedSku string) (*BomVersion, []BomLine, error) {
	return ResolveBom(config.GetDB().WithContext(ctx), finishedSku)
}

// ListBomLines returns every active BOM line across finished goods,
// for the mirror export.
func ListBomLines(ctx context.Context) ([]BomLine, error) {
	db := config.GetDB()
	var lines []BomLine
	err := db.WithContext(ctx).
		Joins("JOIN bom_versions ON bom_versions.id = bom_lines.bom_version_id AND bom_versions.active = ?", true).
		Order("bom_lines.finished_sku, bom_lines.position").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func activeBomVersion(tx *gorm.DB, finishedSku string) (*BomVersion, error) {
	var version BomVersion
	err := tx.Where("finished_sku = ? AND active = ?", finishedSku, true).
		Order("version DESC").First(&version).Error
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func bomVersionInUse(tx *gorm.DB, versionId int) (bool, error) {
	var count int64
	err := tx.Model(&ProductionOrder{}).
		Where("bom_version_id = ? AND status = ?", versionId, OrderStatusCommitted).
		Count(&count).Error
	return count > 0, err
}
