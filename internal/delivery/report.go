package delivery

import "fmt"

// Report summarises a finished job. SentCount+FailedCount always equals
// TotalRecipients; the failure fields are omitted when nothing failed.
type Report struct {
	Message         string   `json:"message"`
	SentCount       int      `json:"sent_count"`
	TotalRecipients int      `json:"total_recipients"`
	FailedEmails    []string `json:"failed_emails,omitempty"`
	FailedCount     int      `json:"failed_count,omitempty"`
}

func (r *Report) recordSent() { r.SentCount++ }

func (r *Report) recordFailed(recipient string) {
	r.FailedEmails = append(r.FailedEmails, recipient)
	r.FailedCount = len(r.FailedEmails)
}

func (r *Report) finish() {
	r.Message = fmt.Sprintf("Email sending completed. %d emails sent successfully.", r.SentCount)
}
