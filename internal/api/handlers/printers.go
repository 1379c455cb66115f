package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/adapter"
	"github.com/orrn/printfleet/internal/core"
)

type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"api_key"`
}

type PrinterHandler struct {
	printers *core.PrinterManager
}

func NewPrinterHandler(printers *core.PrinterManager) *PrinterHandler {
	return &PrinterHandler{printers: printers}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	statuses, err := h.printers.ListStatuses(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"printers": statuses, "count": len(statuses)})
}

func (h *PrinterHandler) GetPrinterStatus(c *gin.Context) {
	st, err := h.printers.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *PrinterHandler) EnablePrinter(c *gin.Context)  { h.setEnabled(c, true) }
func (h *PrinterHandler) DisablePrinter(c *gin.Context) { h.setEnabled(c, false) }

func (h *PrinterHandler) setEnabled(c *gin.Context, enabled bool) {
	id := c.Param("id")
	if err := h.printers.SetEnabled(c.Request.Context(), id, enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
}

// command wraps a printer pass-through that only reports success or failure.
func (h *PrinterHandler) command(action string, fn func(*gin.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := fn(c, id); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "action": action})
	}
}

func (h *PrinterHandler) SendCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	if err := h.printers.SendRaw(c.Request.Context(), id, []byte(req.Command)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "action": "command"})
}

func (h *PrinterHandler) UpdateCredentials(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	creds := adapter.Credentials{Username: req.Username, Password: req.Password, APIKey: req.APIKey}
	if err := h.printers.Reconfigure(c.Request.Context(), id, creds); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "action": "reconfigure"})
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.GET("/printers/:id", h.GetPrinterStatus)
	r.POST("/printers/:id/enable", h.EnablePrinter)
	r.POST("/printers/:id/disable", h.DisablePrinter)
	r.POST("/printers/:id/connect", h.command("connect", func(c *gin.Context, id string) error {
		return h.printers.Connect(c.Request.Context(), id)
	}))
	r.POST("/printers/:id/disconnect", h.command("disconnect", func(c *gin.Context, id string) error {
		return h.printers.Disconnect(c.Request.Context(), id)
	}))
	r.POST("/printers/:id/pause", h.command("pause", func(c *gin.Context, id string) error {
		return h.printers.Pause(c.Request.Context(), id)
	}))
	r.POST("/printers/:id/resume", h.command("resume", func(c *gin.Context, id string) error {
		return h.printers.Resume(c.Request.Context(), id)
	}))
	r.POST("/printers/:id/stop", h.command("stop", func(c *gin.Context, id string) error {
		return h.printers.StopPrint(c.Request.Context(), id)
	}))
	r.POST("/printers/:id/command", h.SendCommand)
	r.PUT("/printers/:id/credentials", h.UpdateCredentials)
}
