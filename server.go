package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/akoresins/factory_backend/config"
	"github.com/akoresins/factory_backend/models"
	"github.com/akoresins/factory_backend/utils"
	"github.com/akoresins/factory_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const defaultPort = "8080"

// statusForError maps the engine's typed errors onto HTTP statuses. Anything
// untyped is a server-side failure.
func statusForError(err error) int {
	var notFound *models.NotFoundError
	var invalidState *models.InvalidStateError
	var insufficient *models.InsufficientStockError
	var invalidQty *models.InvalidQuantityError
	var inconsistent *models.InconsistentError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalidState):
		return http.StatusConflict
	case errors.As(err, &insufficient), errors.As(err, &invalidQty), errors.As(err, &inconsistent):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusForError(err)
	body := gin.H{"error": err.Error()}
	var insufficient *models.InsufficientStockError
	if errors.As(err, &insufficient) {
		body["shortfalls"] = insufficient.Shortfalls
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}

func createClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewClient
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		client, err := models.CreateClient(config.GetDB().WithContext(c.Request.Context()), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, client)
	}
}

func listClientsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clients, err := models.ListClients(config.GetDB().WithContext(c.Request.Context()))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, clients)
	}
}

func listOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := models.ListOrders(config.GetDB().WithContext(c.Request.Context()))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, orders)
	}
}

func createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order, err := models.CreateOrder(config.GetDB().WithContext(c.Request.Context()), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

type allocateBatchesRequest struct {
	ScheduledDate string `json:"scheduled_date" binding:"required"`
	ResinType     string `json:"resin_type" binding:"required"`
}

func allocateBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		var req allocateBatchesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := time.Parse(models.DateLayout, req.ScheduledDate); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_date must be " + models.DateLayout})
			return
		}

		// Redis lock is a best-effort optimization; correctness comes from the
		// MySQL advisory lock inside AllocateBatches.
		var lock *redislock.Lock
		if redisLock := config.GetRedisLock(); redisLock != nil {
			key := fmt.Sprintf("lock:batching:%s:%s", req.ScheduledDate, req.ResinType)
			obtained, err := redisLock.Obtain(c.Request.Context(), key, 30*time.Second, nil)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"field":          "allocateBatchesHandler",
					"scheduled_date": req.ScheduledDate,
					"resin_type":     req.ResinType,
				}).Warn("proceeding without redis lock: " + err.Error())
			} else {
				lock = obtained
			}
		}
		defer func() {
			if lock != nil {
				_ = lock.Release(c.Request.Context())
			}
		}()

		batches, err := workflow.AllocateBatches(config.GetDB().WithContext(c.Request.Context()), logger, req.ScheduledDate, req.ResinType)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"scheduled_date": req.ScheduledDate,
			"resin_type":     req.ResinType,
			"batches":        batches,
		})
	}
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func dispatchBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		batch, err := workflow.DispatchBatch(config.GetDB().WithContext(c.Request.Context()), config.GetLogger(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func dispatchAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		seq, ok := pathId(c, "seq")
		if !ok {
			return
		}
		batch, err := workflow.DispatchAllocation(config.GetDB().WithContext(c.Request.Context()), config.GetLogger(), id, seq)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func produceResinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.ProduceResinInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		production, err := workflow.ProduceResin(config.GetDB().WithContext(c.Request.Context()), config.GetLogger(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, production)
	}
}

func listProductionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productions, err := models.ListProductions(config.GetDB().WithContext(c.Request.Context()))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, productions)
	}
}

func proceedProductionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		production, err := workflow.Proceed(config.GetDB().WithContext(c.Request.Context()), config.GetLogger(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, production)
	}
}

func completeProductionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		production, err := workflow.Complete(config.GetDB().WithContext(c.Request.Context()), config.GetLogger(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, production)
	}
}

type deployRequest struct {
	DispatchQty decimal.Decimal `json:"dispatch_qty" binding:"required"`
}

func deployProductionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req deployRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		production, err := workflow.Deploy(config.GetDB().WithContext(c.Request.Context()), config.GetLogger(), id, req.DispatchQty)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, production)
	}
}

func deleteProductionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		adminHash := os.Getenv("ADMIN_PASS_HASH")
		if adminHash == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "deletion is not configured"})
			return
		}
		if err := utils.ComparePassword(adminHash, c.GetHeader("X-Admin-Pass")); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		production, err := workflow.DeleteProduction(config.GetDB().WithContext(c.Request.Context()), config.GetLogger(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, production)
	}
}

func addRawMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockIntake
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entry, err := models.AddRawMaterialStock(config.GetDB().WithContext(c.Request.Context()), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

func listRawMaterialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		materials, err := models.ListRawMaterials(config.GetDB().WithContext(c.Request.Context()))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, materials)
	}
}

func rawMaterialHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		material := c.Query("material")
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

		total, entries, err := models.GetRawMaterialHistory(config.GetDB().WithContext(c.Request.Context()), material, page, limit)
		if err != nil {
			abortWithError(c, err)
			return
		}

		if c.Query("format") == "xlsx" {
			book, err := historyWorkbook(entries)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.Header("Content-Disposition", `attachment; filename="raw-material-history.xlsx"`)
			c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			if err := book.Write(c.Writer); err != nil {
				_ = c.Error(err)
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"total":   total,
			"page":    page,
			"limit":   limit,
			"entries": entries,
		})
	}
}

func historyWorkbook(entries []*models.RawMaterialHistory) (*excelize.File, error) {
	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	headers := []string{"Entry Id", "Material", "Qty", "Description", "Reference Type", "Reference Id", "Recorded At"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := book.SetCellValue(sheet, cell, h); err != nil {
			return nil, err
		}
	}
	for row, entry := range entries {
		values := []interface{}{
			entry.EntryId,
			entry.Material,
			entry.Qty.String(),
			entry.Description,
			string(entry.ReferenceType),
			entry.ReferenceId,
			entry.RecordedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return nil, err
			}
			if err := book.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}
	return book, nil
}

func listFormulasHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		formulas, err := models.ListFormulas(config.GetDB().WithContext(c.Request.Context()))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, formulas)
	}
}

func listBatchSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := models.ListBatchSettings(config.GetDB().WithContext(c.Request.Context()))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, settings)
	}
}

type batchSettingRequest struct {
	Capacity decimal.Decimal `json:"capacity" binding:"required"`
}

func setBatchSettingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resinType := c.Param("resinType")
		var req batchSettingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !req.Capacity.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "capacity must be positive"})
			return
		}
		setting, err := models.SetBatchCapacity(config.GetDB().WithContext(c.Request.Context()), resinType, req.Capacity)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, setting)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger logs only requests that collected errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server before the DB is up; app endpoints return 503
	// until dependencies are ready.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "X-Admin-Pass")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/clients", listClientsHandler())
	r.POST("/clients", createClientHandler())
	r.GET("/orders", listOrdersHandler())
	r.POST("/orders", createOrderHandler())
	r.POST("/batches/allocate", allocateBatchesHandler())
	r.POST("/batches/:id/dispatch", dispatchBatchHandler())
	r.POST("/batches/:id/allocations/:seq/dispatch", dispatchAllocationHandler())
	r.POST("/produce-resin", produceResinHandler())
	r.GET("/produced-resins", listProductionsHandler())
	r.POST("/produced-resins/:id/proceed", proceedProductionHandler())
	r.POST("/produced-resins/:id/complete", completeProductionHandler())
	r.POST("/produced-resins/:id/deploy", deployProductionHandler())
	r.DELETE("/produced-resins/:id", deleteProductionHandler())
	r.POST("/raw-materials", addRawMaterialHandler())
	r.GET("/raw-materials", listRawMaterialsHandler())
	r.GET("/raw-materials/history", rawMaterialHistoryHandler())
	r.GET("/formulas", listFormulasHandler())
	r.GET("/batch-settings", listBatchSettingsHandler())
	r.PUT("/batch-settings/:resinType", setBatchSettingHandler())
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
