package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/akoresins/factory_backend/config"
	"github.com/akoresins/factory_backend/models"
	"github.com/akoresins/factory_backend/workflow"
)

// Re-runs batch allocation for a scheduling key. Allocation tears down
// provisional batches and re-derives them from the orders, so this is the
// recovery tool after an interrupted run.
func main() {
	date := flag.String("date", "", "Required: scheduled date (2006-01-02)")
	resinType := flag.String("resin-type", "", "Resin type; empty re-batches every type scheduled on the date")
	flag.Parse()

	if strings.TrimSpace(*date) == "" {
		fmt.Fprintln(os.Stderr, "--date is required")
		os.Exit(1)
	}
	if _, err := time.Parse(models.DateLayout, *date); err != nil {
		fmt.Fprintln(os.Stderr, "--date must be "+models.DateLayout)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	resinTypes := []string{*resinType}
	if strings.TrimSpace(*resinType) == "" {
		if err := db.Model(&models.Order{}).
			Where("scheduled_date = ?", *date).
			Distinct().
			Pluck("resin_type", &resinTypes).Error; err != nil {
			fmt.Fprintf(os.Stderr, "listing resin types: %v\n", err)
			os.Exit(1)
		}
		if len(resinTypes) == 0 {
			fmt.Println("no orders scheduled on", *date)
			return
		}
	}

	for _, rt := range resinTypes {
		batches, err := workflow.AllocateBatches(db, logger, *date, rt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "allocation failed for %s/%s: %v\n", *date, rt, err)
			os.Exit(1)
		}
		fmt.Printf("%s/%s: %d batches\n", *date, rt, len(batches))
		for _, b := range batches {
			fmt.Printf("  %s qty=%s allocations=%d\n", b.BatchNumber, b.Qty, len(b.Allocations))
		}
	}
}
