// Package smtptest provides an in-process SMTP submission server for tests.
// It speaks enough ESMTP for a submission client: EHLO, STARTTLS, AUTH
// PLAIN/LOGIN, MAIL, RCPT, DATA, RSET, NOOP and QUIT, and records every
// accepted message.
package smtptest

import (
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	smtptls "github.com/shineum/csv-mailer/internal/tls"
)

// Message is a message accepted by the server.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Option configures a Server.
type Option func(*Server)

// WithAuth requires clients to authenticate with the given credentials
// before MAIL FROM.
func WithAuth(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithMechanisms sets the advertised AUTH mechanisms. The default is
// PLAIN and LOGIN.
func WithMechanisms(mechanisms ...string) Option {
	return func(s *Server) {
		s.mechanisms = mechanisms
	}
}

// WithoutTLS disables STARTTLS.
func WithoutTLS() Option {
	return func(s *Server) {
		s.noTLS = true
	}
}

// WithRejectedRecipients makes RCPT TO fail with 550 for the given addresses.
func WithRejectedRecipients(addresses ...string) Option {
	return func(s *Server) {
		for _, a := range addresses {
			s.rejected[strings.ToLower(a)] = struct{}{}
		}
	}
}

// Server is a running test SMTP server listening on 127.0.0.1.
type Server struct {
	// Host and Port are the address clients should dial.
	Host string
	Port int

	hostname   string
	username   string
	password   string
	mechanisms []string
	noTLS      bool
	rejected   map[string]struct{}

	tlsConfig *tls.Config
	clientTLS *tls.Config
	listener  net.Listener
	wg        sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	messages []Message
	sessions int
	quits    int
	closed   bool
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		Host:       "127.0.0.1",
		hostname:   "mail.smtptest.local",
		mechanisms: []string{"PLAIN", "LOGIN"},
		rejected:   make(map[string]struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if !s.noTLS {
		cert, err := smtptls.GenerateSelfSignedCert(s.Host, "localhost")
		if err != nil {
			t.Fatalf("smtptest: failed to generate certificate: %v", err)
		}
		pool, err := smtptls.CertPool(cert)
		if err != nil {
			t.Fatalf("smtptest: failed to build cert pool: %v", err)
		}
		s.tlsConfig = smtptls.ServerConfig(*cert)
		s.clientTLS = &tls.Config{RootCAs: pool, ServerName: s.Host, MinVersion: tls.VersionTLS12}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.Host, "0"))
	if err != nil {
		t.Fatalf("smtptest: failed to listen: %v", err)
	}
	s.listener = ln
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// ClientTLSConfig returns a client configuration that trusts the server's
// self-signed certificate, or nil when STARTTLS is disabled.
func (s *Server) ClientTLSConfig() *tls.Config {
	if s.clientTLS == nil {
		return nil
	}
	return s.clientTLS.Clone()
}

// Messages returns the accepted messages in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Sessions returns the number of connections accepted so far.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Quits returns the number of sessions that ended with QUIT.
func (s *Server) Quits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quits
}

// Close stops accepting connections, closes open sessions and waits for
// their goroutines to exit.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := newSession(s, conn)
			sess.handle()

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) authEnabled() bool {
	return s.username != "" || s.password != ""
}

func (s *Server) isRejected(address string) bool {
	_, ok := s.rejected[strings.ToLower(address)]
	return ok
}

func (s *Server) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *Server) recordQuit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quits++
}
