// Package provider maps sender email domains to the SMTP submission server
// that accepts mail for them.
package provider

import (
	"net"
	"strconv"

	"github.com/shineum/csv-mailer/internal/email"
)

// Server is an SMTP submission endpoint.
type Server struct {
	Host string
	Port int
}

// Addr returns the host:port dial address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Table maps a lower-case email domain to its submission server.
type Table map[string]Server

var (
	gmail   = Server{Host: "smtp.gmail.com", Port: 587}
	outlook = Server{Host: "smtp-mail.outlook.com", Port: 587}
)

// Default is the built-in table of supported sender domains.
var Default = Table{
	"gmail.com":   gmail,
	"outlook.com": outlook,
	"hotmail.com": outlook,
	"live.com":    outlook,
}

// Lookup returns the server for the domain of address.
func (t Table) Lookup(address string) (Server, bool) {
	s, ok := t[email.Domain(address)]
	return s, ok
}
