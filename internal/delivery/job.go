// Package delivery runs a mailing job: it validates the request, downloads
// the recipient list, opens one SMTP session for the sender and sends one
// message per recipient.
package delivery

import (
	"strings"

	"github.com/shineum/csv-mailer/internal/email"
	"github.com/shineum/csv-mailer/internal/provider"
)

// allowedExtension is the only accepted recipient list file type.
const allowedExtension = "csv"

// Job describes one mailing request.
type Job struct {
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	Filename       string `json:"filename"`
	SenderEmail    string `json:"sender_email"`
	SenderPassword string `json:"sender_password"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
}

// ValidationError is a problem with the job itself. Its message is safe to
// return to the caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// Validate checks that every field is set, that the sender address is
// well-formed and served by a provider in table, and that the file is a CSV.
func (j *Job) Validate(table provider.Table) error {
	fields := []struct {
		name  string
		value string
	}{
		{"bucket", j.Bucket},
		{"key", j.Key},
		{"filename", j.Filename},
		{"sender_email", j.SenderEmail},
		{"sender_password", j.SenderPassword},
		{"subject", j.Subject},
		{"body", j.Body},
	}
	for _, f := range fields {
		if f.value == "" {
			return invalid("Missing required field: " + f.name)
		}
	}

	if !email.ValidAddress(j.SenderEmail) {
		return invalid("Invalid sender email format")
	}
	if _, ok := table.Lookup(j.SenderEmail); !ok {
		return invalid("Unsupported email provider")
	}
	if !allowedFile(j.Filename) {
		return invalid("Invalid file type. Only CSV files are allowed")
	}
	return nil
}

func allowedFile(filename string) bool {
	i := strings.LastIndex(filename, ".")
	return i >= 0 && strings.EqualFold(filename[i+1:], allowedExtension)
}
