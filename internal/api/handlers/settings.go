package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/config"
)

type FleetEntryResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Endpoint  string `json:"endpoint"`
	Enabled   bool   `json:"enabled"`
}

// ServerConfigResponse is the running configuration with credentials left
// out.
type ServerConfigResponse struct {
	Port                int                  `json:"port"`
	DatabaseDriver      string               `json:"database_driver"`
	ArchivePath         string               `json:"archive_path"`
	ArchiveDays         int                  `json:"archive_days"`
	HealthCheckInterval string               `json:"health_check_interval"`
	ConnectionTimeout   string               `json:"connection_timeout"`
	AutoProcess         bool                 `json:"auto_process"`
	StorageDriver       string               `json:"storage_driver"`
	WebhookEndpoints    int                  `json:"webhook_endpoints"`
	AuthEnabled         bool                 `json:"auth_enabled"`
	TracingExporter     string               `json:"tracing_exporter"`
	LogLevel            string               `json:"log_level"`
	LogFormat           string               `json:"log_format"`
	Fleet               []FleetEntryResponse `json:"fleet"`
}

type SettingsHandler struct {
	config *config.Config
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config
	resp := ServerConfigResponse{
		Port:                cfg.Server.Port,
		DatabaseDriver:      cfg.Database.Driver,
		ArchivePath:         cfg.Database.ArchivePath,
		ArchiveDays:         cfg.Database.ArchiveDays,
		HealthCheckInterval: cfg.Printers.HealthCheckInterval.String(),
		ConnectionTimeout:   cfg.Printers.ConnectionTimeout.String(),
		AutoProcess:         cfg.Queue.AutoProcess,
		StorageDriver:       cfg.Storage.Driver,
		WebhookEndpoints:    len(cfg.Webhooks.Endpoints),
		AuthEnabled:         cfg.Auth.PasswordHash != "",
		TracingExporter:     cfg.Tracing.Exporter,
		LogLevel:            cfg.Logging.Level,
		LogFormat:           cfg.Logging.Format,
		Fleet:               make([]FleetEntryResponse, 0, len(cfg.Printers.Fleet)),
	}
	for _, p := range cfg.Printers.Fleet {
		resp.Fleet = append(resp.Fleet, FleetEntryResponse{
			ID:        p.ID,
			Name:      p.Name,
			Transport: p.Transport,
			Endpoint:  p.Endpoint,
			Enabled:   p.Enabled,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings/server", h.GetServerConfig)
}
