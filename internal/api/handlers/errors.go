package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/adapter"
	"github.com/orrn/printfleet/internal/archive"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/storage"
	"github.com/orrn/printfleet/internal/webhook"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps domain errors onto HTTP status codes and short error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, archive.ErrArchiveNotFound),
		errors.Is(err, webhook.ErrUnknownEndpoint):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrJobActive),
		errors.Is(err, core.ErrPrinterBusy),
		errors.Is(err, core.ErrPrinterDisabled),
		errors.Is(err, core.ErrUnknownSubmission):
		return http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrPrinterNotReady),
		errors.Is(err, adapter.ErrNotAuthenticated),
		errors.Is(err, adapter.ErrAborted):
		return http.StatusServiceUnavailable, "printer_unavailable"
	case errors.Is(err, core.ErrPrinterUnsupported),
		errors.Is(err, archive.ErrInvalidName),
		errors.Is(err, storage.ErrInvalidRef):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, adapter.ErrCommandRejected):
		return http.StatusBadGateway, "printer_rejected"
	}
	return http.StatusInternalServerError, "internal_error"
}

func respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
}

// bindOptionalJSON binds a JSON body that the client may omit.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
