// Package main is the Lambda entry point that forwards S3 uploads to the
// delivery service.
package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/shineum/csv-mailer/internal/config"
	"github.com/shineum/csv-mailer/internal/logging"
	"github.com/shineum/csv-mailer/internal/trigger"
)

func main() {
	logging.Setup(os.Getenv("LOG_LEVEL"))

	cfg := config.LoadTrigger()
	if cfg.EndpointURL == "" {
		slog.Warn("DELIVERY_ENDPOINT is not set; invocations will fail")
	}

	h := trigger.New(cfg)
	lambda.Start(h.Handle)
}
