package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/shineum/csv-mailer/internal/delivery"
)

// Client-facing error messages. Causes of server errors are only logged.
const (
	msgInvalidJSON  = "Invalid JSON payload"
	msgNoJSON       = "No JSON data provided"
	msgNoRecipients = "No valid email addresses found in CSV"
	msgDownload     = "Failed to download file from S3"
	msgReadCSV      = "Failed to read CSV file"
	msgConnect      = "Failed to establish email connection"
	msgInternal     = "Internal server error"
)

// Processor runs a delivery job.
type Processor interface {
	Process(ctx context.Context, job *delivery.Job) (*delivery.Report, error)
}

// Handlers serves the delivery API.
type Handlers struct {
	Service Processor
}

// NewHandlers returns Handlers backed by svc.
func NewHandlers(svc Processor) *Handlers {
	return &Handlers{Service: svc}
}

// Healthz reports liveness.
func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// SendEmails validates a delivery job, runs it and answers with the report.
func (h *Handlers) SendEmails(c *gin.Context) {
	rid := c.GetString(requestIDKey)

	body, err := c.GetRawData()
	if err != nil {
		slog.Warn("failed to read request body", "rid", rid, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidJSON})
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoJSON})
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidJSON})
		return
	}
	if emptyJSON(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoJSON})
		return
	}

	var job delivery.Job
	if err := binding.JSON.BindBody(body, &job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidJSON})
		return
	}

	report, err := h.Service.Process(c.Request.Context(), &job)
	if err != nil {
		status, msg := classify(err)
		if status >= http.StatusInternalServerError {
			slog.Error("job failed", "rid", rid, "bucket", job.Bucket, "key", job.Key, "error", err)
		} else {
			slog.Warn("job rejected", "rid", rid, "bucket", job.Bucket, "key", job.Key, "reason", msg)
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	slog.Info("job completed",
		"rid", rid,
		"bucket", job.Bucket,
		"key", job.Key,
		"sent", report.SentCount,
		"failed", report.FailedCount,
		"total", report.TotalRecipients,
	)
	c.JSON(http.StatusOK, report)
}

// classify maps a Process error to a status code and client message.
func classify(err error) (int, string) {
	var verr *delivery.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Message
	case errors.Is(err, delivery.ErrNoRecipients):
		return http.StatusBadRequest, msgNoRecipients
	case errors.Is(err, delivery.ErrDownload):
		return http.StatusInternalServerError, msgDownload
	case errors.Is(err, delivery.ErrReadRecipients):
		return http.StatusInternalServerError, msgReadCSV
	case errors.Is(err, delivery.ErrConnect):
		return http.StatusInternalServerError, msgConnect
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// emptyJSON reports whether a decoded document carries no data: null, an
// empty object or array, an empty string, false or zero.
func emptyJSON(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	}
	return false
}
