package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/webhook"
)

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type WebhookHandler struct {
	sender *webhook.Sender
}

func NewWebhookHandler(sender *webhook.Sender) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	stats := h.sender.Stats()
	c.JSON(http.StatusOK, gin.H{"webhooks": stats, "count": len(stats)})
}

// TestWebhook sends a ping to the endpoint and reports the outcome. Delivery
// failures are reported in the body rather than as an error status.
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	err := h.sender.Ping(c.Request.Context(), c.Param("name"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "delivered"})
	case errors.Is(err, webhook.ErrUnknownEndpoint):
		respondError(c, err)
	default:
		c.JSON(http.StatusOK, TestWebhookResponse{Success: false, Message: err.Error()})
	}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:name/test", h.TestWebhook)
}
