// Package server exposes the delivery service over HTTP.
package server

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/csv-mailer/internal/metrics"
)

// NewHTTPServer builds the HTTP server. When tlsConfig is non-nil the caller
// is expected to serve with ListenAndServeTLS("", "").
func NewHTTPServer(addr string, h *Handlers, tlsConfig *tls.Config) *http.Server {
	r := gin.New()
	r.Use(Observability(), Recovery())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/send-emails", h.SendEmails)

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
