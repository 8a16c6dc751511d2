// Package smtp opens authenticated mail submission sessions and sends
// messages over them.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	netsmtp "net/smtp"
	"slices"
	"strconv"
	"strings"

	"github.com/shineum/csv-mailer/internal/email"
)

// ErrAuthNotSupported is returned when the server advertises neither PLAIN
// nor LOGIN authentication.
var ErrAuthNotSupported = errors.New("server supports no usable AUTH mechanism")

// Dialer opens submission sessions.
type Dialer struct {
	// LocalName is sent with EHLO. Defaults to "localhost".
	LocalName string
	// TLSConfig is used for the STARTTLS upgrade. ServerName is always set
	// to the dialed host.
	TLSConfig *tls.Config
}

// Client is an authenticated session. It is not safe for concurrent use.
type Client struct {
	c    *netsmtp.Client
	host string
}

// Dial connects to host:port, greets the server, upgrades with STARTTLS when
// it is advertised and authenticates. On any failure the connection is
// closed and no client is returned.
func (d *Dialer) Dial(ctx context.Context, host string, port int, username, password string) (*Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := netsmtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting from %s: %w", addr, err)
	}

	if err := d.handshake(c, host, username, password); err != nil {
		c.Close()
		return nil, err
	}

	slog.Debug("smtp session established", "addr", addr, "user", username)
	return &Client{c: c, host: host}, nil
}

func (d *Dialer) handshake(c *netsmtp.Client, host, username, password string) error {
	localName := d.LocalName
	if localName == "" {
		localName = "localhost"
	}
	if err := c.Hello(localName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if d.TLSConfig != nil {
			cfg = d.TLSConfig.Clone()
		}
		cfg.ServerName = host
		if err := c.StartTLS(cfg); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	auth, err := chooseAuth(c, host, username, password)
	if err != nil {
		return err
	}
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// chooseAuth prefers PLAIN and falls back to LOGIN.
func chooseAuth(c *netsmtp.Client, host, username, password string) (netsmtp.Auth, error) {
	ok, params := c.Extension("AUTH")
	if !ok {
		return nil, ErrAuthNotSupported
	}
	mechs := strings.Fields(strings.ToUpper(params))
	switch {
	case slices.Contains(mechs, "PLAIN"):
		return netsmtp.PlainAuth("", username, password, host), nil
	case slices.Contains(mechs, "LOGIN"):
		return LoginAuth(username, password, host), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAuthNotSupported, params)
	}
}

// Send transmits msg to each of its recipients. If the transaction fails the
// session is reset so that the next Send can proceed.
func (cl *Client) Send(msg *email.Email) error {
	if len(msg.To) == 0 {
		return errors.New("message has no recipients")
	}
	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	if err := cl.transaction(msg.From, msg.To, data); err != nil {
		if rerr := cl.c.Reset(); rerr != nil {
			return errors.Join(err, fmt.Errorf("RSET failed: %w", rerr))
		}
		return err
	}
	return nil
}

func (cl *Client) transaction(from string, to []string, data []byte) error {
	if err := cl.c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range to {
		if err := cl.c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s rejected: %w", rcpt, err)
		}
	}
	w, err := cl.c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return nil
}

// Close ends the session with QUIT, dropping the connection if QUIT fails.
func (cl *Client) Close() error {
	if err := cl.c.Quit(); err != nil {
		cl.c.Close()
		return fmt.Errorf("QUIT failed: %w", err)
	}
	return nil
}
