package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/akoresins/factory_backend/config"
	"github.com/akoresins/factory_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type seedFile struct {
	Materials []string      `json:"materials"`
	Formulas  []seedFormula `json:"formulas"`
}

type seedFormula struct {
	Name      string                     `json:"name"`
	Materials map[string]decimal.Decimal `json:"materials"`
}

// Loads the raw material catalog and resin formulas from a JSON file.
// Re-runnable: catalog entries upsert by name, existing formulas are replaced.
func main() {
	path := flag.String("file", "formulas.json", "JSON file with materials and formulas")
	flag.Parse()

	raw, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", *path, err)
		os.Exit(1)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		fmt.Fprintf(os.Stderr, "parsing %s: %v\n", *path, err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	models.MigrateTable()

	err = db.Transaction(func(tx *gorm.DB) error {
		for _, name := range seed.Materials {
			material := models.PossibleRawMaterial{Name: name}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoNothing: true,
			}).Create(&material).Error; err != nil {
				return err
			}
		}

		for _, f := range seed.Formulas {
			var existing models.ResinFormula
			err := tx.Where("name = ?", f.Name).First(&existing).Error
			if err == nil {
				if err := tx.Where("formula_id = ?", existing.ID).Delete(&models.FormulaMaterial{}).Error; err != nil {
					return err
				}
				if err := tx.Where("id = ?", existing.ID).Delete(&models.ResinFormula{}).Error; err != nil {
					return err
				}
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			formula := models.ResinFormula{Name: f.Name}
			for material, ratio := range f.Materials {
				formula.Materials = append(formula.Materials, models.FormulaMaterial{
					Material: material,
					Ratio:    ratio,
				})
			}
			if err := tx.Create(&formula).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seeding failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded %d materials, %d formulas\n", len(seed.Materials), len(seed.Formulas))
}
