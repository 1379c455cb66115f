package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/api/handlers"
	"github.com/orrn/printfleet/internal/api/middleware"
	"github.com/orrn/printfleet/internal/archive"
	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/logging"
	"github.com/orrn/printfleet/internal/webhook"
)

// Deps are the components the operator API drives. Archiver and Webhooks are
// optional.
type Deps struct {
	Config   *config.Config
	Auth     *middleware.Auth
	Jobs     *core.JobOrchestrator
	Queue    *core.QueueOrchestrator
	Printers *core.PrinterManager
	Files    core.FileStore
	Archiver *archive.Archiver
	Webhooks *webhook.Sender
	Logger   hclog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	logger := logging.OrNull(d.Logger).Named("http")

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))
	r.MaxMultipartMemory = 32 << 20

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	d.Auth.RegisterRoutes(v1)

	protected := v1.Group("", d.Auth.RequireAuth())
	handlers.NewPrinterHandler(d.Printers).RegisterRoutes(protected)
	handlers.NewJobHandler(d.Jobs, d.Files, logger).RegisterRoutes(protected)
	handlers.NewQueueHandler(d.Queue).RegisterRoutes(protected)
	if d.Config != nil {
		handlers.NewSettingsHandler(d.Config).RegisterRoutes(protected)
	}
	if d.Archiver != nil {
		handlers.NewArchiveHandler(d.Archiver).RegisterRoutes(protected)
	}
	if d.Webhooks != nil {
		handlers.NewWebhookHandler(d.Webhooks).RegisterRoutes(protected)
	}
	return r
}
