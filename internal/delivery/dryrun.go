package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/csv-mailer/internal/email"
	"github.com/shineum/csv-mailer/internal/provider"
)

// DryRunDialer opens sessions that print messages instead of submitting
// them. Credentials are not checked.
type DryRunDialer struct {
	// W is the output destination, defaulting to os.Stdout.
	W io.Writer
}

// Dial implements Dialer.
func (d DryRunDialer) Dial(_ context.Context, server provider.Server, username, _ string) (Session, error) {
	w := d.W
	if w == nil {
		w = os.Stdout
	}
	return &dryRunSession{w: w, server: server, user: username}, nil
}

type dryRunSession struct {
	w      io.Writer
	server provider.Server
	user   string
}

// Send prints msg in a readable block. Write errors are returned so that the
// recipient is reported as failed.
func (s *dryRunSession) Send(msg *email.Email) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Server: %s (as %s)\n", s.server.Addr(), s.user)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(msg.TextBody + "\n")
	b.WriteString("========================================\n")

	_, err := io.WriteString(s.w, b.String())
	return err
}

func (s *dryRunSession) Close() error { return nil }
