package workflow_test

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akoresins/factory_backend/config"
	"github.com/akoresins/factory_backend/models"
	"github.com/akoresins/factory_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestBatchingAndDispatchPipeline(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "factory_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	logger := config.GetLogger()

	seedFormula(t, db, "GP Resin", map[string]string{
		"Styrene": "1",
		"Cobalt":  "1",
	})
	addStock(t, db, "Styrene", "10000")
	addStock(t, db, "Cobalt", "10000")

	scheduledDate := "2026-09-01"

	// Two 3000 L orders, capacity 5000: FIFO packing must fill batch one to
	// 5000 and carry the later order's remainder into batch two.
	orderA := createOrder(t, db, "Alpha Co", "GP Resin", "3000", scheduledDate)
	orderB := createOrder(t, db, "Beta Co", "GP Resin", "3000", scheduledDate)

	batches, err := workflow.AllocateBatches(db, logger, scheduledDate, "GP Resin")
	if err != nil {
		t.Fatalf("AllocateBatches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if !batches[0].Qty.Equal(dec(t, "5000")) || !batches[1].Qty.Equal(dec(t, "1000")) {
		t.Fatalf("expected totals 5000/1000, got %s/%s", batches[0].Qty, batches[1].Qty)
	}
	firstNumber := batches[0].BatchNumber

	// Re-running allocation must be a no-op in shape: same totals, and batch
	// numbers keep counting instead of reusing.
	batches, err = workflow.AllocateBatches(db, logger, scheduledDate, "GP Resin")
	if err != nil {
		t.Fatalf("AllocateBatches rerun: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("rerun: expected 2 batches, got %d", len(batches))
	}
	if !batches[0].Qty.Equal(dec(t, "5000")) || !batches[1].Qty.Equal(dec(t, "1000")) {
		t.Fatalf("rerun: expected totals 5000/1000, got %s/%s", batches[0].Qty, batches[1].Qty)
	}
	if batches[0].BatchNumber == firstNumber {
		t.Fatalf("rerun reused batch number %s", firstNumber)
	}

	// pending -> in_process -> done; completion deducts the scaled formula.
	batch := batches[0]
	if _, err := workflow.Proceed(db, logger, batch.ID); err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	if _, err := workflow.Complete(db, logger, batch.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := stockQty(t, db, "Styrene"); !got.Equal(dec(t, "7500")) {
		t.Fatalf("Styrene after completion = %s, want 7500", got)
	}

	// Completing out of order is rejected.
	if _, err := workflow.Complete(db, logger, batches[1].ID); err == nil {
		t.Fatalf("Complete on pending batch should fail")
	}

	// Dispatch splits the batch back out to the orders and completes the
	// fully covered one.
	dispatched, err := workflow.DispatchBatch(db, logger, batch.ID)
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if dispatched.Status != models.ProductionStatusDeployed {
		t.Fatalf("batch status = %s, want deployed", dispatched.Status)
	}

	reloadedA, err := models.GetOrder(db, orderA.ID)
	if err != nil {
		t.Fatalf("GetOrder A: %v", err)
	}
	if reloadedA.Status != models.OrderStatusCompleted {
		t.Fatalf("order A status = %s, want completed", reloadedA.Status)
	}
	reloadedB, err := models.GetOrder(db, orderB.ID)
	if err != nil {
		t.Fatalf("GetOrder B: %v", err)
	}
	if reloadedB.Status != models.OrderStatusPartiallyDispatched {
		t.Fatalf("order B status = %s, want partially_dispatched", reloadedB.Status)
	}
	if !reloadedB.FulfilledQty.Equal(dec(t, "2000")) {
		t.Fatalf("order B fulfilled = %s, want 2000", reloadedB.FulfilledQty)
	}
}

func TestCompleteRejectsInsufficientStockAtomically(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "factory_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()
	logger := config.GetLogger()

	seedFormula(t, db, "ISO Resin", map[string]string{
		"Styrene": "1",
		"Cobalt":  "1",
	})
	// Enough styrene for half the batch, no cobalt at all.
	addStock(t, db, "Styrene", "100")

	production, err := workflow.ProduceResin(db, logger, &workflow.ProduceResinInput{
		ResinType: "ISO Resin",
		Litres:    dec(t, "400"),
	})
	if err == nil {
		t.Fatalf("ProduceResin should fail on insufficient stock, got production %d", production.ID)
	}
	var insufficient *models.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if len(insufficient.Shortfalls) != 2 {
		t.Fatalf("expected both short materials reported, got %+v", insufficient.Shortfalls)
	}
	// Nothing may have been deducted.
	if got := stockQty(t, db, "Styrene"); !got.Equal(dec(t, "100")) {
		t.Fatalf("Styrene = %s after failed produce, want 100", got)
	}

	// Deletion returns exactly what was deducted.
	addStock(t, db, "Cobalt", "300")
	ok, err := workflow.ProduceResin(db, logger, &workflow.ProduceResinInput{
		ResinType: "ISO Resin",
		Litres:    dec(t, "200"),
	})
	if err != nil {
		t.Fatalf("ProduceResin: %v", err)
	}
	styreneBefore := stockQty(t, db, "Styrene")
	if _, err := workflow.DeleteProduction(db, logger, ok.ID); err != nil {
		t.Fatalf("DeleteProduction: %v", err)
	}
	if got := stockQty(t, db, "Styrene"); !got.Equal(styreneBefore.Add(dec(t, "100"))) {
		t.Fatalf("Styrene after delete = %s, want %s", got, styreneBefore.Add(dec(t, "100")))
	}
}

func TestConcurrentAllocationRunsStaySerialized(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "factory_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()
	logger := config.GetLogger()

	scheduledDate := "2026-09-03"
	orderA := createOrder(t, db, "Alpha Co", "GP Resin", "3000", scheduledDate)
	orderB := createOrder(t, db, "Beta Co", "GP Resin", "3000", scheduledDate)

	// Concurrent runs on the same key must serialize on the batching lock
	// across each run's COMMIT. A run whose lock releases before commit lets
	// the next run re-pack from a stale snapshot, duplicating allocations.
	const runs = 4
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := workflow.AllocateBatches(db, logger, scheduledDate, "GP Resin")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AllocateBatches: %v", err)
		}
	}

	var batches []*models.Production
	if err := db.Preload("Allocations").
		Where("is_batch = 1 AND resin_type = ? AND scheduled_date = ? AND status = ?",
			"GP Resin", scheduledDate, models.ProductionStatusPending).
		Find(&batches).Error; err != nil {
		t.Fatalf("load batches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 surviving batches, got %d", len(batches))
	}

	seenNumbers := make(map[string]bool)
	batchIds := make(map[int]bool)
	allocatedByOrder := map[int]decimal.Decimal{
		orderA.ID: decimal.Zero,
		orderB.ID: decimal.Zero,
	}
	for _, b := range batches {
		if seenNumbers[b.BatchNumber] {
			t.Fatalf("batch number %s reused", b.BatchNumber)
		}
		seenNumbers[b.BatchNumber] = true
		batchIds[b.ID] = true

		sum := decimal.Zero
		for _, a := range b.Allocations {
			sum = sum.Add(a.Qty)
			allocatedByOrder[a.OrderId] = allocatedByOrder[a.OrderId].Add(a.Qty)
		}
		if !sum.Equal(b.Qty) {
			t.Fatalf("batch %s allocations sum %s != total %s", b.BatchNumber, sum, b.Qty)
		}
	}
	for orderId, allocated := range allocatedByOrder {
		if !allocated.Equal(dec(t, "3000")) {
			t.Fatalf("order %d allocated %s in total, want exactly 3000", orderId, allocated)
		}
	}

	for _, id := range []int{orderA.ID, orderB.ID} {
		order, err := models.GetOrder(db, id)
		if err != nil {
			t.Fatalf("GetOrder %d: %v", id, err)
		}
		if order.Status != models.OrderStatusBatched {
			t.Fatalf("order %d status = %s, want batched", id, order.Status)
		}
		if order.BatchId == nil || !batchIds[*order.BatchId] {
			t.Fatalf("order %d batch_id %v does not point at a surviving batch", id, order.BatchId)
		}
	}
}

func TestDeploySplitsNonBatchProduction(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "factory_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()
	logger := config.GetLogger()

	seedFormula(t, db, "GP Resin", map[string]string{
		"Styrene": "1",
		"Cobalt":  "1",
	})
	addStock(t, db, "Styrene", "10000")
	addStock(t, db, "Cobalt", "10000")

	// 500 L produced against a 300 L order, 300 deployed: the client gets a
	// 300 L record, the 200 L remainder goes to Godown, and both carry
	// proportional shares of the 250/250 materials list.
	order := createOrder(t, db, "Gamma Co", "GP Resin", "300", "2026-09-02")
	production, err := workflow.ProduceResin(db, logger, &workflow.ProduceResinInput{
		ResinType: "GP Resin",
		Litres:    dec(t, "500"),
		OrderId:   &order.ID,
	})
	if err != nil {
		t.Fatalf("ProduceResin: %v", err)
	}

	deployed, err := workflow.Deploy(db, logger, production.ID, dec(t, "300"))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if deployed.Status != models.ProductionStatusDeployed {
		t.Fatalf("source status = %s, want deployed", deployed.Status)
	}
	if deployed.SplitInto != "client+godown" {
		t.Fatalf("split_into = %q, want client+godown", deployed.SplitInto)
	}

	var children []*models.Production
	if err := db.Preload("MaterialsUsed").
		Where("original_production_id = ?", production.ID).
		Order("id ASC").
		Find(&children).Error; err != nil {
		t.Fatalf("load split records: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected client + overflow records, got %d", len(children))
	}

	client, overflow := children[0], children[1]
	if !client.Qty.Equal(dec(t, "300")) || client.ClientName == nil || *client.ClientName != "Gamma Co" {
		t.Fatalf("client record wrong: qty=%s client=%v", client.Qty, client.ClientName)
	}
	if client.OrderNumber == nil || *client.OrderNumber != order.OrderNumber+"S1" {
		t.Fatalf("client display number = %v, want %s", client.OrderNumber, order.OrderNumber+"S1")
	}
	if !overflow.Qty.Equal(dec(t, "200")) || overflow.ClientName == nil || *overflow.ClientName != "Godown" {
		t.Fatalf("overflow record wrong: qty=%s client=%v", overflow.Qty, overflow.ClientName)
	}
	if overflow.OrderNumber == nil || *overflow.OrderNumber != order.OrderNumber+"S2" {
		t.Fatalf("overflow display number = %v, want %s", overflow.OrderNumber, order.OrderNumber+"S2")
	}

	// Shares of each material must sum back to the source's 250 within
	// tolerance.
	shareSums := make(map[string]decimal.Decimal)
	for _, child := range children {
		for _, m := range child.MaterialsUsed {
			shareSums[m.Material] = shareSums[m.Material].Add(m.RequiredQty)
		}
	}
	for material, sum := range shareSums {
		if sum.Sub(dec(t, "250")).Abs().GreaterThan(models.QtyTolerance) {
			t.Fatalf("%s shares sum to %s, want 250", material, sum)
		}
	}

	reloaded, err := models.GetOrder(db, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if reloaded.Status != models.OrderStatusCompleted {
		t.Fatalf("order status = %s, want completed", reloaded.Status)
	}
	if !reloaded.FulfilledQty.Equal(dec(t, "300")) {
		t.Fatalf("order fulfilled = %s, want 300", reloaded.FulfilledQty)
	}

	// Full-quantity deploy: no split, no suffix, single record.
	order2 := createOrder(t, db, "Delta Co", "GP Resin", "200", "2026-09-02")
	production2, err := workflow.ProduceResin(db, logger, &workflow.ProduceResinInput{
		ResinType: "GP Resin",
		Litres:    dec(t, "200"),
		OrderId:   &order2.ID,
	})
	if err != nil {
		t.Fatalf("ProduceResin (no split): %v", err)
	}
	deployed2, err := workflow.Deploy(db, logger, production2.ID, dec(t, "200"))
	if err != nil {
		t.Fatalf("Deploy (no split): %v", err)
	}
	if deployed2.SplitInto != "client-only" {
		t.Fatalf("split_into = %q, want client-only", deployed2.SplitInto)
	}

	var children2 []*models.Production
	if err := db.Where("original_production_id = ?", production2.ID).Find(&children2).Error; err != nil {
		t.Fatalf("load no-split records: %v", err)
	}
	if len(children2) != 1 {
		t.Fatalf("expected a single record without split, got %d", len(children2))
	}
	only := children2[0]
	if only.OrderNumber == nil || *only.OrderNumber != order2.OrderNumber {
		t.Fatalf("no-split display number = %v, want %s unchanged", only.OrderNumber, order2.OrderNumber)
	}
	if only.FromSplit != nil && *only.FromSplit {
		t.Fatalf("no-split record flagged as split")
	}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func seedFormula(t *testing.T, db *gorm.DB, name string, ratios map[string]string) {
	t.Helper()
	formula := models.ResinFormula{Name: name}
	for material, ratio := range ratios {
		if err := db.Where(models.PossibleRawMaterial{Name: material}).
			FirstOrCreate(&models.PossibleRawMaterial{Name: material}).Error; err != nil {
			t.Fatalf("seed material %s: %v", material, err)
		}
		formula.Materials = append(formula.Materials, models.FormulaMaterial{
			Material: material,
			Ratio:    dec(t, ratio),
		})
	}
	if err := db.Create(&formula).Error; err != nil {
		t.Fatalf("seed formula %s: %v", name, err)
	}
}

func addStock(t *testing.T, db *gorm.DB, material, qty string) {
	t.Helper()
	if _, err := models.AddRawMaterialStock(db, &models.NewStockIntake{
		Material: material,
		Qty:      dec(t, qty),
	}); err != nil {
		t.Fatalf("add stock %s: %v", material, err)
	}
}

func stockQty(t *testing.T, db *gorm.DB, material string) decimal.Decimal {
	t.Helper()
	var stock models.RawMaterialStock
	if err := db.Where("material = ?", material).First(&stock).Error; err != nil {
		t.Fatalf("load stock %s: %v", material, err)
	}
	return stock.TotalQty
}

func createOrder(t *testing.T, db *gorm.DB, client, resinType, qty, date string) *models.Order {
	t.Helper()
	order, err := models.CreateOrder(db, &models.NewOrder{
		ClientName:    client,
		ResinType:     resinType,
		Qty:           dec(t, qty),
		ScheduledDate: date,
	})
	if err != nil {
		t.Fatalf("create order for %s: %v", client, err)
	}
	return order
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("factory-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=factory_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
