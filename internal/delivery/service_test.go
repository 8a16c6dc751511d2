package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shineum/csv-mailer/internal/email"
	"github.com/shineum/csv-mailer/internal/provider"
	"github.com/shineum/csv-mailer/internal/smtp"
	"github.com/shineum/csv-mailer/internal/smtp/smtptest"
	"github.com/shineum/csv-mailer/internal/storage"
)

// fakeFetcher serves content, or fails with err.
type fakeFetcher struct {
	content string
	err     error
	calls   int
	// observe runs after the content is written, with the scratch file.
	observe func(dst io.Writer)
}

func (f *fakeFetcher) Download(_ context.Context, _, _ string, dst io.Writer) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	n, err := io.Copy(dst, strings.NewReader(f.content))
	if f.observe != nil {
		f.observe(dst)
	}
	return n, err
}

// fakeSession records sends and fails for recipients listed in fail.
type fakeSession struct {
	fail   map[string]bool
	sent   []string
	closed int
}

func (s *fakeSession) Send(msg *email.Email) error {
	if s.fail[msg.To[0]] {
		return errors.New("550 mailbox unavailable")
	}
	s.sent = append(s.sent, msg.To[0])
	return nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
	calls   int
	server  provider.Server
	user    string
}

func (d *fakeDialer) Dial(_ context.Context, server provider.Server, username, _ string) (Session, error) {
	d.calls++
	d.server = server
	d.user = username
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func newTestService(t *testing.T, fetcher *fakeFetcher, dialer *fakeDialer) *Service {
	t.Helper()
	return NewService(fetcher, dialer, t.TempDir())
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not empty: %d entries left", len(entries))
	}
}

func TestProcess_AllSent(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{content: "x,a@gmail.com\ny,not-an-email\nz,b@outlook.com\n"}
	dialer := &fakeDialer{session: &fakeSession{}}
	svc := newTestService(t, fetcher, dialer)

	report, err := svc.Process(context.Background(), validJob())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.SentCount != 2 || report.TotalRecipients != 2 {
		t.Errorf("report: got sent %d total %d, want 2/2", report.SentCount, report.TotalRecipients)
	}
	if report.FailedEmails != nil || report.FailedCount != 0 {
		t.Errorf("unexpected failures: %+v", report)
	}
	if got := strings.Join(dialer.session.sent, ","); got != "a@gmail.com,b@outlook.com" {
		t.Errorf("sent: got %s", got)
	}
	if dialer.calls != 1 {
		t.Errorf("dial calls: got %d, want 1", dialer.calls)
	}
	if dialer.server != provider.Default["gmail.com"] {
		t.Errorf("server: got %+v", dialer.server)
	}
	if dialer.user != "sender@gmail.com" {
		t.Errorf("username: got %q", dialer.user)
	}
	if dialer.session.closed != 1 {
		t.Errorf("session closed %d times, want 1", dialer.session.closed)
	}
	assertScratchEmpty(t, svc.ScratchDir)
}

func TestProcess_PartialFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{content: "1,a@gmail.com\n2,b@gmail.com\n3,c@gmail.com\n"}
	session := &fakeSession{fail: map[string]bool{"b@gmail.com": true}}
	svc := newTestService(t, fetcher, &fakeDialer{session: session})

	report, err := svc.Process(context.Background(), validJob())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.SentCount != 2 || report.FailedCount != 1 || report.TotalRecipients != 3 {
		t.Errorf("report: got %+v", report)
	}
	if report.SentCount+report.FailedCount != report.TotalRecipients {
		t.Errorf("sent + failed != total: %+v", report)
	}
	if len(report.FailedEmails) != 1 || report.FailedEmails[0] != "b@gmail.com" {
		t.Errorf("FailedEmails: got %v", report.FailedEmails)
	}
	if strings.Join(session.sent, ",") != "a@gmail.com,c@gmail.com" {
		t.Errorf("sending stopped after failure: %v", session.sent)
	}
	if session.closed != 1 {
		t.Errorf("session closed %d times, want 1", session.closed)
	}
}

func TestProcess_RejectedBeforeDownload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(j *Job)
	}{
		{"unsupported provider", func(j *Job) { j.SenderEmail = "sender@yahoo.com" }},
		{"missing subject", func(j *Job) { j.Subject = "" }},
		{"wrong extension", func(j *Job) { j.Filename = "list.txt" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fetcher := &fakeFetcher{content: "x,a@gmail.com\n"}
			dialer := &fakeDialer{session: &fakeSession{}}
			svc := newTestService(t, fetcher, dialer)

			j := validJob()
			tt.modify(j)
			_, err := svc.Process(context.Background(), j)

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if fetcher.calls != 0 {
				t.Errorf("download attempted %d times", fetcher.calls)
			}
			if dialer.calls != 0 {
				t.Errorf("dial attempted %d times", dialer.calls)
			}
		})
	}
}

func TestProcess_NoRecipients(t *testing.T) {
	t.Parallel()

	for _, content := range []string{"", "x,not-an-email\nonly-one-column\n"} {
		fetcher := &fakeFetcher{content: content}
		dialer := &fakeDialer{session: &fakeSession{}}
		svc := newTestService(t, fetcher, dialer)

		_, err := svc.Process(context.Background(), validJob())
		if !errors.Is(err, ErrNoRecipients) {
			t.Errorf("content %q: expected ErrNoRecipients, got %v", content, err)
		}
		if dialer.calls != 0 {
			t.Errorf("content %q: dial attempted", content)
		}
		assertScratchEmpty(t, svc.ScratchDir)
	}
}

func TestProcess_DownloadFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("storage: access denied")
	fetcher := &fakeFetcher{err: cause}
	dialer := &fakeDialer{session: &fakeSession{}}
	svc := newTestService(t, fetcher, dialer)

	_, err := svc.Process(context.Background(), validJob())
	if !errors.Is(err, ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause not wrapped: %v", err)
	}
	if dialer.calls != 0 {
		t.Error("dial attempted after download failure")
	}
	assertScratchEmpty(t, svc.ScratchDir)
}

func TestDownloadFailureReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", fmt.Errorf("%w: NoSuchKey", storage.ErrNotFound), "not_found"},
		{"access denied", fmt.Errorf("%w: AccessDenied", storage.ErrAccessDenied), "access_denied"},
		{"other storage error", fmt.Errorf("%w: timeout", storage.ErrDownloadFailed), "failed"},
		{"unclassified", errors.New("disk full"), "failed"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := downloadFailureReason(tt.err); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcess_DownloadFailureKeepsStorageClass(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: fmt.Errorf("%w: NoSuchKey", storage.ErrNotFound)}
	svc := newTestService(t, fetcher, &fakeDialer{session: &fakeSession{}})

	_, err := svc.Process(context.Background(), validJob())
	if !errors.Is(err, ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("storage class lost: %v", err)
	}
	if got := downloadFailureReason(err); got != "not_found" {
		t.Errorf("reason: got %q, want not_found", got)
	}
}

func TestProcess_ScratchDirMissing(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{content: "x,a@gmail.com\n"}
	svc := NewService(fetcher, &fakeDialer{session: &fakeSession{}}, "/nonexistent/scratch")

	_, err := svc.Process(context.Background(), validJob())
	if !errors.Is(err, ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	if fetcher.calls != 0 {
		t.Error("download attempted without a scratch file")
	}
}

func TestProcess_ReadFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		content: "x,a@gmail.com\n",
		observe: func(dst io.Writer) {
			if f, ok := dst.(*os.File); ok {
				os.Remove(f.Name())
			}
		},
	}
	dialer := &fakeDialer{session: &fakeSession{}}
	svc := newTestService(t, fetcher, dialer)

	_, err := svc.Process(context.Background(), validJob())
	if !errors.Is(err, ErrReadRecipients) {
		t.Fatalf("expected ErrReadRecipients, got %v", err)
	}
	if dialer.calls != 0 {
		t.Error("dial attempted after read failure")
	}
	assertScratchEmpty(t, svc.ScratchDir)
}

func TestProcess_InvalidUTF8List(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{content: "x,a@gmail.com\ny,b\xff@gmail.com\n"}
	dialer := &fakeDialer{session: &fakeSession{}}
	svc := newTestService(t, fetcher, dialer)

	_, err := svc.Process(context.Background(), validJob())
	if !errors.Is(err, ErrReadRecipients) {
		t.Fatalf("expected ErrReadRecipients, got %v", err)
	}
	if dialer.calls != 0 {
		t.Error("dial attempted for an unreadable list")
	}
	assertScratchEmpty(t, svc.ScratchDir)
}

func TestProcess_ScratchFileNamedAfterUpload(t *testing.T) {
	t.Parallel()

	var scratchName string
	fetcher := &fakeFetcher{
		content: "x,a@gmail.com\n",
		observe: func(dst io.Writer) {
			if f, ok := dst.(*os.File); ok {
				scratchName = f.Name()
			}
		},
	}
	svc := newTestService(t, fetcher, &fakeDialer{session: &fakeSession{}})

	j := validJob()
	j.Filename = "../../etc/list.csv"
	if _, err := svc.Process(context.Background(), j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(scratchName, svc.ScratchDir) || !strings.HasSuffix(scratchName, "-list.csv") {
		t.Errorf("scratch file %q not inside %q with upload suffix", scratchName, svc.ScratchDir)
	}
	if _, err := os.Stat(scratchName); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("scratch file still present: %v", err)
	}
}

func TestProcess_ConnectFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{content: "x,a@gmail.com\n"}
	dialer := &fakeDialer{err: errors.New("535 authentication failed")}
	svc := newTestService(t, fetcher, dialer)

	report, err := svc.Process(context.Background(), validJob())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if report != nil {
		t.Errorf("expected nil report, got %+v", report)
	}
	assertScratchEmpty(t, svc.ScratchDir)
}

func TestProcess_SMTPIntegration(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t,
		smtptest.WithAuth("sender@example.com", "secret"),
		smtptest.WithRejectedRecipients("bounce@example.org"),
	)
	fetcher := &fakeFetcher{content: "1,one@example.org\n2,bounce@example.org\n3,two@example.org\n3,TWO@example.org\n"}
	svc := &Service{
		Providers:  provider.Table{"example.com": {Host: srv.Host, Port: srv.Port}},
		ScratchDir: t.TempDir(),
		Fetcher:    fetcher,
		Dialer:     SMTPDialer{Dialer: &smtp.Dialer{TLSConfig: srv.ClientTLSConfig()}},
	}

	j := validJob()
	j.SenderEmail = "sender@example.com"
	j.SenderPassword = "secret"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := svc.Process(ctx, j)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.TotalRecipients != 3 || report.SentCount != 2 || report.FailedCount != 1 {
		t.Errorf("report: got %+v", report)
	}
	if len(report.FailedEmails) != 1 || report.FailedEmails[0] != "bounce@example.org" {
		t.Errorf("FailedEmails: got %v", report.FailedEmails)
	}

	msgs := srv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("delivered: got %d, want 2", len(msgs))
	}
	for i, want := range []string{"one@example.org", "two@example.org"} {
		if msgs[i].To[0] != want {
			t.Errorf("message %d To: got %v, want %s", i, msgs[i].To, want)
		}
		if !strings.Contains(string(msgs[i].Data), "Subject: Hello") {
			t.Errorf("message %d missing subject", i)
		}
	}
	if srv.Sessions() != 1 {
		t.Errorf("sessions: got %d, want 1", srv.Sessions())
	}
	if srv.Quits() != 1 {
		t.Errorf("quits: got %d, want 1", srv.Quits())
	}
}

func TestProcess_SMTPAuthFailureSendsNothing(t *testing.T) {
	t.Parallel()

	srv := smtptest.NewServer(t, smtptest.WithAuth("sender@example.com", "secret"))
	svc := &Service{
		Providers:  provider.Table{"example.com": {Host: srv.Host, Port: srv.Port}},
		ScratchDir: t.TempDir(),
		Fetcher:    &fakeFetcher{content: "1,one@example.org\n"},
		Dialer:     SMTPDialer{Dialer: &smtp.Dialer{TLSConfig: srv.ClientTLSConfig()}},
	}

	j := validJob()
	j.SenderEmail = "sender@example.com"
	j.SenderPassword = "wrong"

	_, err := svc.Process(context.Background(), j)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if len(srv.Messages()) != 0 {
		t.Errorf("delivered %d messages after auth failure", len(srv.Messages()))
	}
}
