package callback

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/kiro-accounts/internal/deeplink"
	"github.com/pysugar/kiro-accounts/internal/errs"
)

func TestServerDeliversCanonicalURL(t *testing.T) {
	out := make(chan deeplink.Delivery, 1)
	s, err := Start(Config{Port: -1, Canonical: "kiro://kiro.kiroAgent/authenticate-success"}, out)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	payload := make(chan string, 1)
	go func() {
		d := <-out
		if d.Source != deeplink.SourceLocal {
			t.Errorf("source = %s", d.Source)
		}
		payload <- d.Payload
		d.Result <- nil
	}()

	resp, err := http.Get(s.URL() + "?state=abc&code=xyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case p := <-payload:
		u, err := url.Parse(p)
		if err != nil || u.Scheme != "kiro" || u.Query().Get("state") != "abc" || u.Query().Get("code") != "xyz" {
			t.Fatalf("unexpected payload %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after the first callback")
	}
}

func TestServerRejectsSecondCallback(t *testing.T) {
	out := make(chan deeplink.Delivery, 2)
	s, err := Start(Config{Port: -1}, out)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	s.mu.Lock()
	s.received = true
	s.mu.Unlock()

	resp, err := http.Get(s.URL() + "?state=abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(out) != 0 {
		t.Fatal("second callback must not be delivered")
	}
}

func TestServerTimeout(t *testing.T) {
	s, err := Start(Config{Port: -1, Timeout: 20 * time.Millisecond}, make(chan deeplink.Delivery))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not time out")
	}
	if !strings.HasSuffix(s.URL(), Path) {
		t.Fatalf("URL = %s", s.URL())
	}
}

func TestServerKeepsWaitingAfterForeignRedirect(t *testing.T) {
	out := make(chan deeplink.Delivery, 1)
	s, err := Start(Config{Port: -1}, out)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	go func() {
		d := <-out
		d.Result <- errs.New(errs.KindCorrelationMismatch, "callback does not match the pending login")
		d = <-out
		d.Result <- nil
	}()

	resp, err := http.Get(s.URL() + "?state=stale&code=old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("foreign redirect status = %d, want 400", resp.StatusCode)
	}
	select {
	case <-s.Done():
		t.Fatal("listener stopped on a redirect the login rejected")
	default:
	}

	resp, err = http.Get(s.URL() + "?state=abc&code=xyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after the accepted callback")
	}
}
