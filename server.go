package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/shopfloor_backend/config"
	"bitbucket.org/mmdatafocus/shopfloor_backend/locking"
	"bitbucket.org/mmdatafocus/shopfloor_backend/mirror"
	"bitbucket.org/mmdatafocus/shopfloor_backend/models"
	"bitbucket.org/mmdatafocus/shopfloor_backend/utils"
	"bitbucket.org/mmdatafocus/shopfloor_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8084"

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

	if err := config.ConnectDatabase(); err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to open record store")
	}
	models.MigrateTable()

	mapping, err := config.LoadSheetMapping()
	if err != nil {
		// A broken mapping file falls back to defaults; say so and keep going.
		logger.WithField("error", err.Error()).Warn("sheet mapping file ignored")
	}
	engine := workflow.NewEngine(locking.NewFileLock(), mirror.NewReconciler(mirror.NewAdapter(mapping)))

	// Verify the cached quantities against the ledger before serving;
	// drift from out-of-band edits to the sqlite file surfaces here.
	if drifts, err := models.RebuildQuantities(sigCtx); err != nil {
		logger.WithField("error", err.Error()).Warn("startup quantity verification failed")
	} else if len(drifts) > 0 {
		logger.WithField("items", len(drifts)).Warn("repaired drifted quantity cache")
	}

	// Startup import pass picks up edits made while the service was down.
	if summary, err := engine.ImportAll(sigCtx); err != nil {
		logger.WithField("error", err.Error()).Warn("startup import pass failed")
	} else {
		logger.WithFields(logrus.Fields{
			"items_created":      summary.ItemsCreated,
			"adjustments_posted": summary.AdjustmentsPosted,
		}).Info("startup import pass finished")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		if operator := c.GetHeader("x-operator"); operator != "" {
			ctx = utils.SetOperatorInContext(ctx, operator)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	registerRoutes(r, engine)

	// Mirror retry cycle: if an export failed, try again every minute
	// until the workbook catches up with the store.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		if err := engine.RetryStaleExports(context.Background()); err != nil && !errors.Is(err, locking.ErrNotObtained) {
			config.LogError(logger, "server.go", "main", "retry stale mirror export", nil, err)
		}
	}); err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to schedule mirror retry")
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	go func() {
		logger.WithField("port", port).Info("shopfloor backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err.Error()).Fatal("http server failed")
		}
	}()

	<-sigCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err.Error()).Error("graceful shutdown failed")
	}
}

func registerRoutes(r *gin.Engine, engine *workflow.Engine) {
	r.POST("/sync/import", func(c *gin.Context) {
		summary, err := engine.ImportAll(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	r.POST("/sync/export", func(c *gin.Context) {
		if err := engine.ExportAll(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.POST("/items", func(c *gin.Context) {
		var input models.NewItem
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := engine.CreateItem(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	})

	r.DELETE("/items/:sku", func(c *gin.Context) {
		if err := engine.DeleteItem(c.Request.Context(), c.Param("sku")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/stock/reorder-alerts", func(c *gin.Context) {
		items, err := models.BelowReorderLevel(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	})

	r.GET("/stock/:sku", func(c *gin.Context) {
		qty, err := engine.CurrentQuantity(c.Request.Context(), c.Param("sku"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sku": c.Param("sku"), "quantity": qty})
	})

	r.POST("/stock/adjust", func(c *gin.Context) {
		var input struct {
			Sku   string          `json:"sku" binding:"required"`
			Delta decimal.Decimal `json:"delta" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		movement, err := engine.Adjust(c.Request.Context(), input.Sku, input.Delta)
		if err != nil {
			// The adjustment may be committed with only the mirror stale.
			if movement != nil && errors.Is(err, mirror.ErrExportFailed) {
				c.JSON(http.StatusAccepted, gin.H{"movement": movement, "mirror": "stale"})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, movement)
	})

	r.GET("/movements", func(c *gin.Context) {
		movements, err := models.ListMovements(c.Request.Context(), c.Query("sku"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, movements)
	})

	r.PUT("/bom/:sku", func(c *gin.Context) {
		var lines []models.NewBomLine
		if err := c.ShouldBindJSON(&lines); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		version, err := engine.SetBom(c.Request.Context(), c.Param("sku"), lines)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, version)
	})

	r.POST("/orders", func(c *gin.Context) {
		var input models.NewProductionOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order, err := engine.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	})

	r.POST("/orders/:id/commit", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "order id must be an integer"})
			return
		}
		order, err := engine.CommitOrder(c.Request.Context(), id)
		if err != nil {
			respondOrderError(c, order, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})

	r.GET("/orders/:id", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "order id must be an integer"})
			return
		}
		order, err := models.GetOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})

	r.PUT("/machines/:machine", func(c *gin.Context) {
		var input models.NewMachineStatus
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		input.Machine = c.Param("machine")
		status, err := engine.UpsertMachine(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	r.GET("/machines", func(c *gin.Context) {
		statuses, err := models.ListMachineStatuses(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, statuses)
	})
}

// respondError maps the error taxonomy onto HTTP statuses. Busy and
// insufficient-stock are retryable by the caller; schema and BOM errors
// need the input fixed first.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, locking.ErrNotObtained):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInsufficientStock):
		status = http.StatusConflict
	case errors.Is(err, models.ErrItemNotFound), errors.Is(err, models.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mirror.ErrSchemaMismatch),
		errors.Is(err, models.ErrInvalidBom),
		errors.Is(err, models.ErrUnknownComponent),
		errors.Is(err, models.ErrItemInUse),
		errors.Is(err, models.ErrOrderNotDraft):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, mirror.ErrExportFailed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// respondOrderError includes the (now Failed) order so the caller sees
// the recorded failure reason alongside the error.
func respondOrderError(c *gin.Context, order *models.ProductionOrder, err error) {
	if order == nil {
		respondError(c, err)
		return
	}
	status := http.StatusUnprocessableEntity
	if errors.Is(err, models.ErrInsufficientStock) {
		status = http.StatusConflict
	}
	if errors.Is(err, locking.ErrNotObtained) {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error(), "order": order})
}
