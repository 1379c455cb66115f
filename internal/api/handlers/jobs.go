package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/logging"
)

const maxUploadSize = 1 << 30

type ListJobsQuery struct {
	PrinterID string `form:"printer_id"`
	Status    string `form:"status"`
	Limit     int    `form:"limit" binding:"omitempty,min=0,max=500"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
}

type CloneJobRequest struct {
	PrinterID string `json:"printer_id"`
}

type MarkJobRequest struct {
	Reason string `json:"reason"`
}

type JobHandler struct {
	jobs   *core.JobOrchestrator
	files  core.FileStore
	logger hclog.Logger
}

func NewJobHandler(jobs *core.JobOrchestrator, files core.FileStore, logger hclog.Logger) *JobHandler {
	return &JobHandler{
		jobs:   jobs,
		files:  files,
		logger: logging.OrNull(logger).Named("api"),
	}
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err)
		return
	}
	if query.Limit <= 0 {
		query.Limit = 50
	}

	filter := core.JobFilter{
		PrinterID: query.PrinterID,
		Limit:     query.Limit,
		Offset:    query.Offset,
	}
	if query.Status != "" {
		for _, s := range strings.Split(query.Status, ",") {
			status := core.JobStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !status.Valid() {
				badRequest(c, errors.New("unknown status "+s))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	j, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

// UploadJob stores a multipart "file" and creates a PENDING job for it.
// Analysis runs inline unless analyze=false; an analysis failure is recorded
// on the job and does not fail the upload.
func (h *JobHandler) UploadJob(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, err)
		return
	}
	if fh.Size > maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "too_large", Message: "file exceeds upload limit"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	ctx := c.Request.Context()
	ref, err := h.files.Put(ctx, fh.Filename, f, fh.Size)
	if err != nil {
		respondError(c, err)
		return
	}

	j, err := h.jobs.CreateJob(ctx, core.NewJob{
		PrinterID: c.PostForm("printer_id"),
		FileName:  fh.Filename,
		File:      ref,
	})
	if err != nil {
		if derr := h.files.Delete(ctx, ref); derr != nil {
			h.logger.Warn("failed to remove orphaned upload", "storage_id", ref.StorageID, "error", derr)
		}
		respondError(c, err)
		return
	}

	if analyze, _ := strconv.ParseBool(c.DefaultPostForm("analyze", "true")); analyze {
		if analyzed, err := h.jobs.AnalyzeJob(ctx, j.ID); err != nil {
			h.logger.Warn("analysis failed", "job_id", j.ID, "error", err)
			if fresh, gerr := h.jobs.GetJob(ctx, j.ID); gerr == nil {
				j = fresh
			}
		} else {
			j = analyzed
		}
	}

	c.JSON(http.StatusCreated, j)
}

func (h *JobHandler) CloneJob(c *gin.Context) {
	var req CloneJobRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	j, err := h.jobs.CreateFromStoredFile(c.Request.Context(), c.Param("id"), req.PrinterID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (h *JobHandler) AnalyzeJob(c *gin.Context) {
	j, err := h.jobs.AnalyzeJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *JobHandler) DeleteJob(c *gin.Context) {
	if err := h.jobs.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) MarkJob(c *gin.Context) {
	var req MarkJobRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	ctx, id := c.Request.Context(), c.Param("id")
	var (
		j   *core.PrintJob
		err error
	)
	switch c.Param("status") {
	case "completed":
		j, err = h.jobs.MarkCompleted(ctx, id)
	case "failed":
		j, err = h.jobs.MarkFailed(ctx, id, req.Reason)
	case "cancelled":
		j, err = h.jobs.MarkCancelled(ctx, id)
	case "unknown":
		j, err = h.jobs.MarkUnknown(ctx, id, req.Reason)
	default:
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "unknown status " + c.Param("status")})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *JobHandler) ClearOverride(c *gin.Context) {
	id := c.Param("id")
	cleared := h.jobs.ClearOverride(id)
	c.JSON(http.StatusOK, gin.H{"printer_id": id, "cleared": cleared})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.UploadJob)
	r.GET("/jobs/:id", h.GetJob)
	r.DELETE("/jobs/:id", h.DeleteJob)
	r.POST("/jobs/:id/clone", h.CloneJob)
	r.POST("/jobs/:id/analyze", h.AnalyzeJob)
	r.POST("/jobs/:id/mark/:status", h.MarkJob)
	r.POST("/printers/:id/override/clear", h.ClearOverride)
}
