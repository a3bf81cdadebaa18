// Package instance keeps a single running process per data directory. A
// second launch forwards its argv to the primary over a Unix socket and
// exits; the primary routes any callback URL it carries and comes to the
// foreground.
package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pysugar/kiro-accounts/internal/codec"
	"github.com/pysugar/kiro-accounts/internal/deeplink"
)

// SocketName is the socket file created in the data directory.
const SocketName = "kiro-accounts.sock"

const (
	dialTimeout    = time.Second
	ioTimeout      = 5 * time.Second
	maxRequestSize = 64 * 1024
)

// ErrRunning is returned by Acquire when another instance owns the socket.
var ErrRunning = errors.New("another instance is running")

// RelaunchRequest is what a second instance sends to the primary.
type RelaunchRequest struct {
	Args    []string `cbor:"args"`
	WorkDir string   `cbor:"work_dir,omitempty"`
	SentAt  int64    `cbor:"sent_at"`
}

// Response acknowledges a RelaunchRequest.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

// SocketPath returns the socket location for dataDir.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, SocketName)
}

// Listener is the primary instance's end of the socket.
type Listener struct {
	path string
	ln   net.Listener
	once sync.Once
}

// Acquire makes this process the primary instance. It returns ErrRunning
// when a live instance answers on path. A socket file left by a crashed
// process is removed.
func Acquire(path string) (*Listener, error) {
	if conn, err := net.DialTimeout("unix", path, dialTimeout); err == nil {
		conn.Close()
		return nil, ErrRunning
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return &Listener{path: path, ln: ln}, nil
}

// Path returns the socket path.
func (l *Listener) Path() string {
	return l.path
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		err = l.ln.Close()
		os.Remove(l.path)
	})
	return err
}

// Serve accepts relaunch requests until ctx is done. Each request's argv is
// sent to out as a relaunch delivery, and focus runs for every request
// whether or not it carried a URL.
func (l *Listener) Serve(ctx context.Context, out chan<- deeplink.Delivery, focus func()) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	log.Printf("[Instance] 🔌 Listening for relaunch requests on %s", l.path)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[Instance] ⚠️ Accept failed: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(ctx, conn, out, focus)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn, out chan<- deeplink.Delivery, focus func()) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	var req RelaunchRequest
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		if !errors.Is(err, io.EOF) {
			reply(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		}
		return
	}
	log.Printf("[Instance] 📨 Relaunch with %d arguments", len(req.Args))

	if focus != nil {
		focus()
	}
	select {
	case out <- deeplink.Delivery{Source: deeplink.SourceRelaunch, Args: req.Args}:
		reply(conn, Response{OK: true})
	case <-ctx.Done():
		reply(conn, Response{Error: "shutting down"})
	}
}

func reply(conn net.Conn, resp Response) {
	if err := codec.NewEncoder(conn).Encode(resp); err != nil {
		log.Printf("[Instance] ⚠️ Failed to write response: %v", err)
	}
}

// Forward sends args to the primary instance listening on path.
func Forward(ctx context.Context, path string, args []string) error {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "unix", path)
	if err != nil {
		return fmt.Errorf("dial primary instance %s: %w", path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	wd, _ := os.Getwd()
	req := RelaunchRequest{Args: args, WorkDir: wd, SentAt: time.Now().Unix()}
	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("send relaunch request: %w", err)
	}
	var resp Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&resp); err != nil {
		return fmt.Errorf("read relaunch response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("primary instance rejected relaunch: %s", resp.Error)
	}
	return nil
}
