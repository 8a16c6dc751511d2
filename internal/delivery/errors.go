package delivery

import "errors"

// Errors returned by Service.Process. Dependency failures wrap the
// underlying cause, which is meant for logs only.
var (
	ErrNoRecipients   = errors.New("delivery: no valid recipients in list")
	ErrDownload       = errors.New("delivery: recipient list download failed")
	ErrReadRecipients = errors.New("delivery: recipient list unreadable")
	ErrConnect        = errors.New("delivery: smtp session could not be established")
)
