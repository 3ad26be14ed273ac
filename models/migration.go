package models

import (
	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Item{},
		&Movement{},
		&BomVersion{},
		&BomLine{},
		&ProductionOrder{},
		&MachineStatus{},
		&MirrorState{},
	)
	if err != nil {
		panic(err)
	}
}
