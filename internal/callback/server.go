// Package callback runs a temporary loopback HTTP listener that captures an
// OAuth redirect in-process and hands it to the deep-link router.
package callback

import (
	"context"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/kiro-accounts/internal/deeplink"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

const (
	// PreferredPort is tried first; a random port is used when it is taken.
	PreferredPort = 3128
	// Path receives the redirect.
	Path = "/oauth/callback"
	// DefaultTimeout bounds how long the listener stays up.
	DefaultTimeout = 10 * time.Minute
)

// Config configures a Server.
type Config struct {
	// Port overrides PreferredPort. Zero uses PreferredPort, -1 a random port.
	Port int
	// Canonical is the callback URL the query is re-rooted on before it is
	// routed, so the router sees the same URL an OS event would carry.
	Canonical string
	Timeout   time.Duration
}

// Server is a started loopback listener.
type Server struct {
	srv       *http.Server
	ln        net.Listener
	out       chan<- deeplink.Delivery
	canonical *url.URL
	once      sync.Once
	done      chan struct{}

	// handling serializes redirects; received is set once one is accepted.
	handling sync.Mutex
	mu       sync.Mutex
	received bool
}

// Start listens on loopback and delivers redirects to out until one is
// accepted by the router. Redirects that do not belong to the pending login
// are answered with an error page and the listener keeps waiting. The
// listener shuts itself down after cfg.Timeout.
func Start(cfg Config, out chan<- deeplink.Delivery) (*Server, error) {
	if cfg.Canonical == "" {
		cfg.Canonical = provider.DefaultRedirectURI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	canonical, err := url.Parse(cfg.Canonical)
	if err != nil {
		return nil, fmt.Errorf("invalid canonical callback URL: %w", err)
	}

	ln, err := listen(cfg.Port)
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, out: out, canonical: canonical, done: make(chan struct{})}

	r := chi.NewRouter()
	r.Get(Path, s.handle)
	s.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Callback] Server error: %v", err)
		}
	}()
	go func() {
		select {
		case <-time.After(cfg.Timeout):
			log.Printf("[Callback] ⏰ No redirect after %v, stopping listener", cfg.Timeout)
		case <-s.done:
		}
		s.Close()
	}()

	log.Printf("[Callback] Listening on %s", s.URL())
	return s, nil
}

func listen(port int) (net.Listener, error) {
	if port == 0 {
		port = PreferredPort
	}
	if port > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, nil
		}
		log.Printf("[Callback] Port %d in use, using random port", port)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}
	return ln, nil
}

// URL is the redirect URI to register with the provider.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s%s", s.ln.Addr().String(), Path)
}

// Port is the bound port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close shuts the listener down. It is safe to call more than once.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			log.Printf("[Callback] Error shutting down: %v", err)
		}
		log.Printf("[Callback] Server stopped")
	})
}

// Done is closed once the server has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.handling.Lock()
	defer s.handling.Unlock()
	if s.accepted() {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
		return
	}

	target := *s.canonical
	target.RawQuery = r.URL.RawQuery
	result := make(chan error, 1)
	select {
	case s.out <- deeplink.Delivery{Source: deeplink.SourceLocal, Payload: target.String(), Result: result}:
	case <-r.Context().Done():
		return
	case <-s.done:
		http.Error(w, "Login window closed", http.StatusGone)
		return
	}

	var err error
	select {
	case err = <-result:
	case <-r.Context().Done():
		return
	case <-s.done:
		// The login may have finished and closed us before the router
		// reported back.
		select {
		case err = <-result:
		case <-time.After(time.Second):
			http.Error(w, "Login window closed", http.StatusGone)
			return
		}
	}

	if ignored(err) {
		log.Printf("[Callback] ⚠️ Ignored redirect: %v", err)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		writePage(w, "⚠️ This link does not match the login in progress")
		return
	}

	s.mu.Lock()
	s.received = true
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	status := "✅ Login received"
	if msg := r.URL.Query().Get("error"); msg != "" {
		status = "❌ Login failed: " + html.EscapeString(msg)
	} else if err != nil {
		status = "❌ Login failed: " + html.EscapeString(err.Error())
	}
	writePage(w, status)

	go s.Close()
}

func (s *Server) accepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// ignored reports whether a dispatch error left the pending login open, so
// the listener should wait for another redirect.
func ignored(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindParse, errs.KindCorrelationMismatch:
		return true
	}
	return false
}

func writePage(w http.ResponseWriter, status string) {
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Kiro Accounts</title>
<style>body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; background: #1a1a2e; color: #eee; text-align: center; }</style>
</head>
<body><h2>%s</h2><p>You can close this tab and return to the application.</p></body>
</html>`, status)
}
