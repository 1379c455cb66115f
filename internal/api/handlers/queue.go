package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/core"
)

type AddToQueueRequest struct {
	JobID    string `json:"job_id" binding:"required"`
	Position *int   `json:"position" binding:"omitempty,min=0"`
}

type ReorderQueueRequest struct {
	JobIDs []string `json:"job_ids" binding:"required"`
}

type QueueHandler struct {
	queue *core.QueueOrchestrator
}

func NewQueueHandler(queue *core.QueueOrchestrator) *QueueHandler {
	return &QueueHandler{queue: queue}
}

func (h *QueueHandler) GetGlobalQueue(c *gin.Context) {
	items, err := h.queue.ListGlobalQueue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (h *QueueHandler) GetQueue(c *gin.Context) {
	id := c.Param("id")
	jobs, err := h.queue.ListQueue(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"printer_id": id, "ready": h.queue.Ready(id), "jobs": jobs, "count": len(jobs)})
}

func (h *QueueHandler) AddToQueue(c *gin.Context) {
	var req AddToQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	pos, err := h.queue.AddToQueue(c.Request.Context(), req.JobID, c.Param("id"), req.Position)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": req.JobID, "printer_id": c.Param("id"), "position": pos})
}

func (h *QueueHandler) ReorderQueue(c *gin.Context) {
	var req ReorderQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, err := h.queue.ReorderQueue(c.Request.Context(), c.Param("id"), req.JobIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"printer_id": c.Param("id"), "job_ids": order})
}

func (h *QueueHandler) ClearQueue(c *gin.Context) {
	n, err := h.queue.ClearQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"printer_id": c.Param("id"), "removed": n})
}

func (h *QueueHandler) ProcessQueue(c *gin.Context) {
	sub, err := h.queue.ProcessQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sub == nil {
		c.JSON(http.StatusOK, gin.H{"printer_id": c.Param("id"), "submission": nil})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"printer_id": c.Param("id"), "submission": sub})
}

func (h *QueueHandler) RemoveFromQueue(c *gin.Context) {
	j, err := h.queue.RemoveFromQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *QueueHandler) RetryJob(c *gin.Context) {
	j, err := h.queue.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *QueueHandler) PendingSubmissions(c *gin.Context) {
	pending := h.queue.PendingSubmissions()
	c.JSON(http.StatusOK, gin.H{"submissions": pending, "count": len(pending)})
}

func (h *QueueHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue", h.GetGlobalQueue)
	r.GET("/submissions", h.PendingSubmissions)
	r.GET("/printers/:id/queue", h.GetQueue)
	r.POST("/printers/:id/queue", h.AddToQueue)
	r.PUT("/printers/:id/queue/order", h.ReorderQueue)
	r.DELETE("/printers/:id/queue", h.ClearQueue)
	r.POST("/printers/:id/queue/process", h.ProcessQueue)
	r.DELETE("/jobs/:id/queue", h.RemoveFromQueue)
	r.POST("/jobs/:id/retry", h.RetryJob)
}
