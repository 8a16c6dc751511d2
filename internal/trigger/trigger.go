// Package trigger forwards S3 object-created events to the delivery service.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/shineum/csv-mailer/internal/config"
	"github.com/shineum/csv-mailer/internal/delivery"
)

// ResponseBody is returned once every record has been forwarded.
const ResponseBody = "Request sent to delivery service"

// ErrNoRecords is returned for an event that carries no S3 records.
var ErrNoRecords = errors.New("trigger: event has no records")

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is the Lambda invocation result.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Handler turns S3 events into delivery requests.
type Handler struct {
	Config *config.TriggerConfig
	Client HTTPDoer
}

// New returns a Handler using http.DefaultClient. Requests are bounded by the
// invocation context only, since the service answers after the whole list
// has been sent.
func New(cfg *config.TriggerConfig) *Handler {
	return &Handler{
		Config: cfg,
		Client: http.DefaultClient,
	}
}

// Handle posts one job per record. A transport failure is returned as the
// invocation error; a non-2xx answer from the service is only logged.
func (h *Handler) Handle(ctx context.Context, event events.S3Event) (Response, error) {
	if len(event.Records) == 0 {
		return Response{}, ErrNoRecords
	}

	for _, rec := range event.Records {
		job := h.jobFor(rec)
		if err := h.post(ctx, job); err != nil {
			return Response{}, err
		}
	}

	return Response{StatusCode: http.StatusOK, Body: ResponseBody}, nil
}

func (h *Handler) jobFor(rec events.S3EventRecord) *delivery.Job {
	key := rec.S3.Object.URLDecodedKey
	if key == "" {
		key = rec.S3.Object.Key
	}
	return &delivery.Job{
		Bucket:         rec.S3.Bucket.Name,
		Key:            key,
		Filename:       key[strings.LastIndex(key, "/")+1:],
		SenderEmail:    h.Config.SenderEmail,
		SenderPassword: h.Config.SenderPassword,
		Subject:        h.Config.Subject,
		Body:           h.Config.Body,
	}
}

func (h *Handler) post(ctx context.Context, job *delivery.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Config.EndpointURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach delivery service: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("delivery service rejected job",
			"bucket", job.Bucket,
			"key", job.Key,
			"status", resp.StatusCode,
			"response", string(body),
		)
		return nil
	}

	slog.Info("job forwarded", "bucket", job.Bucket, "key", job.Key, "status", resp.StatusCode)
	return nil
}
