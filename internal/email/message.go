// Package email defines the outgoing message model and the address checks
// shared by the delivery service and the recipient parser.
package email

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"
)

// Email is a single plain-text message addressed to one or more recipients.
type Email struct {
	From      string
	To        []string
	Subject   string
	TextBody  string
	MessageID string
	Date      time.Time
}

// ValidAddress reports whether s looks like an email address: it contains
// an "@" and the part following it contains a ".".
func ValidAddress(s string) bool {
	parts := strings.Split(s, "@")
	return len(parts) >= 2 && strings.Contains(parts[1], ".")
}

// Domain returns the lower-cased domain of address, or "" if it has no "@".
func Domain(address string) string {
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

// Bytes renders the message as RFC 5322 text: a multipart/mixed envelope
// holding one quoted-printable text/plain part.
func (e *Email) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	date := e.Date
	if date.IsZero() {
		date = time.Now()
	}
	messageID := e.MessageID
	if messageID == "" {
		messageID = newMessageID(e.From)
	}

	fmt.Fprintf(&buf, "From: %s\r\n", sanitize(e.From))
	fmt.Fprintf(&buf, "To: %s\r\n", sanitize(strings.Join(e.To, ", ")))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", sanitize(e.Subject)))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: %s\r\n", sanitize(messageID))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := make(textproto.MIMEHeader)
	bodyHeader.Set("Content-Type", "text/plain; charset=UTF-8")
	bodyHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}

	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(e.TextBody)); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// sanitize strips CR and LF so values cannot inject extra headers.
func sanitize(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func newMessageID(from string) string {
	domain := Domain(from)
	if domain == "" {
		domain = "localhost"
	}
	var b [12]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(b[:]), domain)
}
