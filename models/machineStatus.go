package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"gorm.io/gorm/clause"
)

type MachineState string

const (
	MachineStateRunning   MachineState = "running"
	MachineStateBreakdown MachineState = "breakdown"
	MachineStateSetup     MachineState = "setup"
	MachineStateStopped   MachineState = "stopped"
)

// MachineStatus is the live per-machine board: what is running, who is
// operating it, and its state. One row per machine, upserted in place;
// this is status, not history, so it does not go through the ledger.
type MachineStatus struct {
	Machine   string       `gorm:"size:100;primary_key" json:"machine"`
	Product   string       `gorm:"size:100" json:"product"`
	Operator  string       `gorm:"size:100" json:"operator"`
	Status    MachineState `gorm:"size:20;not null;default:stopped" json:"status"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewMachineStatus struct {
	Machine  string       `json:"machine" validate:"required,max=100"`
	Product  string       `json:"product" validate:"max=100"`
	Operator string       `json:"operator" validate:"max=100"`
	Status   MachineState `json:"status" validate:"required,oneof=running breakdown setup stopped"`
}

func UpsertMachineStatus(ctx context.Context, input *NewMachineStatus) (*MachineStatus, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	db := config.GetDB()
	status := MachineStatus{
		Machine:  input.Machine,
		Product:  input.Product,
		Operator: input.Operator,
		Status:   input.Status,
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "machine"}},
		DoUpdates: clause.AssignmentColumns([]string{"product", "operator", "status", "updated_at"}),
	}).Create(&status).Error
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func ListMachineStatuses(ctx context.Context) ([]MachineStatus, error) {
	db := config.GetDB()
	var statuses []MachineStatus
	if err := db.WithContext(ctx).Order("machine").Find(&statuses).Error; err != nil {
		return nil, err
	}
	return statuses, nil
}
