package models

import (
	"log"

	"github.com/akoresins/factory_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Client{}, &Order{},
		&Production{}, &ProductionMaterial{}, &BatchAllocation{},
		&PossibleRawMaterial{}, &RawMaterialStock{}, &RawMaterialHistory{},
		&ResinFormula{}, &FormulaMaterial{},
		&BatchSetting{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
