package flow

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
)

// DefaultCallbackPorts are the preferred loopback ports, tried in order. The
// redirect URI family registered with the provider must cover all of them.
// When every preferred port is occupied the server falls back to an
// OS-assigned ephemeral port.
var DefaultCallbackPorts = []int{8765, 8766, 8767, 8768, 8769}

// closeGraceDelay is how long the listener stays up after answering the
// callback, so the browser receives the full confirmation page instead of a
// connection reset.
const closeGraceDelay = 500 * time.Millisecond

const confirmationPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Sign-in complete</title>
<style>body{font-family:sans-serif;margin:4em auto;max-width:28em;text-align:center;color:#222}</style>
</head>
<body>
{{if .Error}}<h1>Sign-in failed</h1><p>The identity provider reported: {{.Error}}</p>
{{else}}<h1>Sign-in complete</h1><p>You can close this window and return to the application.</p>{{end}}
</body>
</html>`

var confirmationTmpl = template.Must(template.New("callback").Parse(confirmationPage))

// CallbackResult is the parsed query of the authorization redirect. Either
// Code or Error is meaningfully present, never both treated as success.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// IsError reports whether the provider redirected back with an error.
func (r *CallbackResult) IsError() bool { return r.Error != "" }

// LoopbackServer is a single-shot HTTP listener bound to 127.0.0.1 that
// receives exactly one authorization redirect and then shuts down. The
// callback path contains a random segment so other local processes cannot
// guess the redirect URI.
type LoopbackServer struct {
	ports      []int
	logger     *slog.Logger
	graceDelay time.Duration

	listener    net.Listener
	server      *http.Server
	redirectURI string
	path        string

	resultCh  chan *CallbackResult
	handleOne sync.Once
	closeOnce sync.Once
}

// NewLoopbackServer creates a server that will try the given preferred ports
// in order. A nil or empty ports slice selects DefaultCallbackPorts.
func NewLoopbackServer(ports []int, logger *slog.Logger) *LoopbackServer {
	if len(ports) == 0 {
		ports = DefaultCallbackPorts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopbackServer{
		ports:      ports,
		logger:     logger,
		graceDelay: closeGraceDelay,
		resultCh:   make(chan *CallbackResult, 1),
	}
}

// Start binds the listener and begins serving. It returns the full redirect
// URI to use in the authorization request. The server accepts a single GET on
// the generated callback path; every other path is a 404 and every other
// method a 405.
func (s *LoopbackServer) Start() (string, error) {
	segment, err := RandomString(16)
	if err != nil {
		return "", fmt.Errorf("generate callback path: %w", err)
	}
	s.path = "/callback/" + segment

	listener, err := s.bind()
	if err != nil {
		return "", &BindError{Err: err}
	}
	s.listener = listener

	port := listener.Addr().(*net.TCPAddr).Port
	s.redirectURI = fmt.Sprintf("http://127.0.0.1:%d%s", port, s.path)

	r := chi.NewRouter()
	r.Get(s.path, s.handleCallback)

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("loopback server stopped", "error", err)
		}
	}()

	s.logger.Debug("loopback callback server listening", "port", port)
	return s.redirectURI, nil
}

// bind walks the preferred port list, then falls back to an ephemeral port.
// Only the loopback interface is ever bound.
func (s *LoopbackServer) bind() (net.Listener, error) {
	for _, port := range s.ports {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return listener, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			s.logger.Debug("preferred callback port occupied", "port", port)
			continue
		}
		return nil, err
	}
	return net.Listen("tcp", "127.0.0.1:0")
}

// Wait blocks until the callback arrives or the context is done. The caller
// races this against its attempt deadline.
func (s *LoopbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedirectURI returns the redirect URI established by Start.
func (s *LoopbackServer) RedirectURI() string { return s.redirectURI }

func (s *LoopbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var first bool
	s.handleOne.Do(func() {
		first = true
		s.processCallback(w, r)
	})
	if !first {
		http.NotFound(w, r)
	}
}

func (s *LoopbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result := &CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")
	if err := confirmationTmpl.Execute(w, map[string]string{"Error": result.Error}); err != nil {
		s.logger.Warn("render callback page", "error", err)
	}

	s.resultCh <- result

	// Let the response flush to the browser before tearing the socket down.
	go func() {
		time.Sleep(s.graceDelay)
		s.Close()
	}()
}

// Close shuts the listener down. It is idempotent and safe to call after the
// server has already closed itself.
func (s *LoopbackServer) Close() {
	s.closeOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.logger.Debug("loopback callback server closed")
	})
}
