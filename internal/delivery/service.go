package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shineum/csv-mailer/internal/email"
	"github.com/shineum/csv-mailer/internal/metrics"
	"github.com/shineum/csv-mailer/internal/parser"
	"github.com/shineum/csv-mailer/internal/provider"
	"github.com/shineum/csv-mailer/internal/smtp"
	"github.com/shineum/csv-mailer/internal/storage"
)

// Fetcher downloads a stored object into dst.
type Fetcher interface {
	Download(ctx context.Context, bucket, key string, dst io.Writer) (int64, error)
}

// Session is an open, authenticated mail submission session.
type Session interface {
	Send(msg *email.Email) error
	Close() error
}

// Dialer opens a Session on server for the given credentials.
type Dialer interface {
	Dial(ctx context.Context, server provider.Server, username, password string) (Session, error)
}

// SMTPDialer adapts smtp.Dialer to Dialer.
type SMTPDialer struct {
	Dialer *smtp.Dialer
}

// Dial implements Dialer.
func (d SMTPDialer) Dial(ctx context.Context, server provider.Server, username, password string) (Session, error) {
	c, err := d.Dialer.Dial(ctx, server.Host, server.Port, username, password)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Service processes jobs. It holds no per-job state and may be shared by
// concurrent requests.
type Service struct {
	// Providers resolves sender domains. Defaults to provider.Default.
	Providers  provider.Table
	ScratchDir string
	Fetcher    Fetcher
	Dialer     Dialer
}

// NewService returns a Service using the built-in provider table.
func NewService(fetcher Fetcher, dialer Dialer, scratchDir string) *Service {
	return &Service{
		Providers:  provider.Default,
		ScratchDir: scratchDir,
		Fetcher:    fetcher,
		Dialer:     dialer,
	}
}

// Process runs job to completion. A *ValidationError or ErrNoRecipients
// means the job was rejected; ErrDownload, ErrReadRecipients and ErrConnect
// mean a dependency failed. Per-recipient send failures are not errors; they
// are listed in the Report.
func (s *Service) Process(ctx context.Context, job *Job) (*Report, error) {
	start := time.Now()
	report, err := s.process(ctx, job)
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	metrics.JobsTotal.WithLabelValues(outcome(err)).Inc()
	return report, err
}

func outcome(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return metrics.OutcomeCompleted
	case errors.As(err, &verr), errors.Is(err, ErrNoRecipients):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}

func (s *Service) process(ctx context.Context, job *Job) (*Report, error) {
	if err := job.Validate(s.providers()); err != nil {
		return nil, err
	}

	recipients, err := s.fetchRecipients(ctx, job)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	return s.send(ctx, job, recipients)
}

func (s *Service) providers() provider.Table {
	if s.Providers == nil {
		return provider.Default
	}
	return s.Providers
}

// fetchRecipients downloads the list into a scratch file and parses it. The
// scratch file is removed before returning on every path.
func (s *Service) fetchRecipients(ctx context.Context, job *Job) ([]string, error) {
	f, err := os.CreateTemp(s.ScratchDir, "*-"+filepath.Base(job.Filename))
	if err != nil {
		return nil, fmt.Errorf("%w: creating scratch file: %w", ErrDownload, err)
	}
	path := f.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to remove scratch file", "path", path, "error", err)
		}
	}()

	n, err := s.Fetcher.Download(ctx, job.Bucket, job.Key, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		slog.Error("recipient list download failed",
			"bucket", job.Bucket,
			"key", job.Key,
			"reason", downloadFailureReason(err),
			"error", err,
		)
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", ErrDownload, job.Bucket, job.Key, err)
	}
	slog.Info("recipient list downloaded", "bucket", job.Bucket, "key", job.Key, "bytes", n)

	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadRecipients, err)
	}
	defer r.Close()

	recipients, err := parser.Recipients(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadRecipients, err)
	}
	return recipients, nil
}

// downloadFailureReason names the storage error class for logs. Clients see
// the same message for every class.
func downloadFailureReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrAccessDenied):
		return "access_denied"
	default:
		return "failed"
	}
}

// send delivers one message per recipient over a single session.
func (s *Service) send(ctx context.Context, job *Job, recipients []string) (*Report, error) {
	server, ok := s.providers().Lookup(job.SenderEmail)
	if !ok {
		return nil, invalid("Unsupported email provider")
	}

	sess, err := s.Dialer.Dial(ctx, server, job.SenderEmail, job.SenderPassword)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, server.Addr(), err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Warn("failed to close smtp session", "server", server.Addr(), "error", err)
		}
	}()

	report := &Report{TotalRecipients: len(recipients)}
	for _, rcpt := range recipients {
		msg := &email.Email{
			From:     job.SenderEmail,
			To:       []string{rcpt},
			Subject:  job.Subject,
			TextBody: job.Body,
		}
		if err := sess.Send(msg); err != nil {
			slog.Error("failed to send email", "recipient", rcpt, "error", err)
			report.recordFailed(rcpt)
			metrics.EmailsFailed.Inc()
			continue
		}
		slog.Info("email sent", "recipient", rcpt)
		report.recordSent()
		metrics.EmailsSent.Inc()
	}
	report.finish()

	return report, nil
}
