package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/archive"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
}

func NewArchiveHandler(archiver *archive.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	Archives    []*archive.ArchiveFile `json:"archives"`
	Count       int                    `json:"count"`
	ArchiveDays int                    `json:"archive_days"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ArchiveListResponse{
		Archives:    archives,
		Count:       len(archives),
		ArchiveDays: h.archiver.ArchiveDays(),
	})
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Param("filename"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *ArchiveHandler) GetArchivedJob(c *gin.Context) {
	j, err := h.archiver.GetArchivedJob(c.Request.Context(), c.Param("filename"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *ArchiveHandler) DownloadArchive(c *gin.Context) {
	filename := c.Param("filename")
	if _, err := h.archiver.GetArchiveInfo(filename); err != nil {
		respondError(c, err)
		return
	}
	c.FileAttachment(filepath.Join(h.archiver.ArchivePath(), filename), filename)
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	if err := h.archiver.DeleteArchive(c.Param("filename")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	n, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": n})
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.ListArchives)
	r.POST("/archives/run", h.TriggerArchive)
	r.GET("/archives/:filename", h.GetArchiveInfo)
	r.GET("/archives/:filename/download", h.DownloadArchive)
	r.GET("/archives/:filename/jobs/:id", h.GetArchivedJob)
	r.DELETE("/archives/:filename", h.DeleteArchive)
}
