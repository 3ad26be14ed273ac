package models

import (
	"time"
)

// MirrorState is the last exported image of one sheet, serialized as
// JSON rows. The reconciler diffs incoming sheet rows against it to
// tell external edits from rows it wrote itself. Dirty marks a sheet
// whose export failed after a store commit; the store is authoritative
// and the export is retried on the next cycle.
type MirrorState struct {
	Sheet      string    `gorm:"size:100;primary_key" json:"sheet"`
	RowsJson   string    `gorm:"type:text" json:"rows_json"`
	Dirty      bool      `gorm:"not null;default:false" json:"dirty"`
	ExportedAt time.Time `json:"exported_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
