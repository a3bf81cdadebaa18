// Package deeplink turns the different ways an OAuth redirect reaches the
// application into one canonical callback URL and hands it to the login
// state.
package deeplink

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strings"

	"github.com/pysugar/kiro-accounts/internal/auth/login"
	"github.com/pysugar/kiro-accounts/internal/errs"
)

// DefaultScheme is the URI scheme the IDE registers with the OS.
const DefaultScheme = "kiro"

// Source identifies where a delivery came from.
type Source string

const (
	// SourceEvent is an OS URL-scheme event, possibly JSON encoded.
	SourceEvent Source = "event"
	// SourceRelaunch is the argv of a second process instance.
	SourceRelaunch Source = "relaunch"
	// SourceLocal is the in-process loopback listener.
	SourceLocal Source = "local"
)

// Delivery is one redirect as received from a source. Payload is used for
// event and local deliveries, Args for relaunch deliveries. When Result is
// set, Run sends the dispatch outcome on it; it must have room for one
// value.
type Delivery struct {
	Source  Source
	Payload string
	Args    []string
	Result  chan<- error
}

// Event is a validated callback URL with the provider hinted by its path.
type Event struct {
	URL  string
	Hint string
}

// Completer consumes canonical callback URLs.
type Completer interface {
	Complete(ctx context.Context, input string) error
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, input string) error

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, input string) error {
	return f(ctx, input)
}

// FromState adapts a login state machine to Completer.
func FromState(s *login.State) Completer {
	return CompleterFunc(func(ctx context.Context, input string) error {
		_, err := s.Complete(ctx, input)
		return err
	})
}

// Router normalizes deliveries and forwards them to a Completer.
type Router struct {
	completer Completer
	schemes   map[string]bool
}

// New creates a router accepting the given URI schemes. With no schemes it
// accepts DefaultScheme.
func New(c Completer, schemes ...string) *Router {
	if len(schemes) == 0 {
		schemes = []string{DefaultScheme}
	}
	allowed := make(map[string]bool, len(schemes))
	for _, s := range schemes {
		allowed[strings.ToLower(s)] = true
	}
	return &Router{completer: c, schemes: allowed}
}

// Run handles deliveries until ctx is done or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			err := r.Dispatch(ctx, d)
			if d.Result != nil {
				select {
				case d.Result <- err:
				default:
				}
			}
		}
	}
}

// Dispatch handles a single delivery. Unrecognized input is logged and
// dropped; the returned error is the completer's result, or a ParseError.
func (r *Router) Dispatch(ctx context.Context, d Delivery) error {
	switch d.Source {
	case SourceRelaunch:
		return r.HandleArgs(ctx, d.Args)
	default:
		return r.HandleEvent(ctx, d.Payload)
	}
}

// HandleEvent handles an event payload (shape A) or a loopback capture
// (shape C).
func (r *Router) HandleEvent(ctx context.Context, payload string) error {
	return r.forward(ctx, DecodePayload(payload))
}

// HandleArgs handles the argv of a relaunched instance (shape B).
func (r *Router) HandleArgs(ctx context.Context, args []string) error {
	raw, ok := r.extract(args)
	if !ok {
		log.Printf("[DeepLink] ⚠️ No callback URL in %d launch arguments", len(args))
		return errs.New(errs.KindParse, "no %s URL among launch arguments", r.schemeList())
	}
	return r.forward(ctx, raw)
}

func (r *Router) forward(ctx context.Context, raw string) error {
	ev, err := r.Parse(raw)
	if err != nil {
		log.Printf("[DeepLink] ⚠️ Dropping callback: %v", err)
		return err
	}
	log.Printf("[DeepLink] 🔗 Callback received (hint: %s)", ev.Hint)
	if err := r.completer.Complete(ctx, ev.URL); err != nil {
		log.Printf("[DeepLink] ❌ Login completion failed: %v", err)
		return err
	}
	return nil
}

// Parse validates a canonical callback URL.
func (r *Router) Parse(raw string) (Event, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Event{}, errs.New(errs.KindParse, "empty callback URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Event{}, errs.Wrap(errs.KindParse, err, "malformed callback URL")
	}
	if !r.schemes[strings.ToLower(u.Scheme)] {
		return Event{}, errs.New(errs.KindParse, "unexpected scheme %q", u.Scheme)
	}
	if u.Query().Get(login.StateParam) == "" {
		return Event{}, errs.New(errs.KindParse, "callback URL has no %s parameter", login.StateParam)
	}
	return Event{URL: raw, Hint: hint(u)}, nil
}

// DecodePayload unwraps up to two layers of JSON string encoding. Payloads
// that are not JSON strings are returned unchanged.
func DecodePayload(payload string) string {
	s := strings.TrimSpace(payload)
	for i := 0; i < 2; i++ {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			break
		}
		s = strings.TrimSpace(inner)
	}
	return s
}

// ExtractURL finds the callback URL in a relaunch argument vector. args[0]
// is the executable. The layouts [exe, flag, sep, url], [exe, flag, url] and
// [exe, url] are tried from the longest to the shortest.
func ExtractURL(args []string, scheme string) (string, bool) {
	prefix := strings.ToLower(scheme) + "://"
	for _, pos := range []int{3, 2, 1} {
		if len(args) > pos && strings.HasPrefix(strings.ToLower(args[pos]), prefix) {
			return args[pos], true
		}
	}
	// Anything the OS appended beyond the known layouts.
	for _, a := range args {
		if strings.HasPrefix(strings.ToLower(a), prefix) {
			return a, true
		}
	}
	return "", false
}

func (r *Router) extract(args []string) (string, bool) {
	for scheme := range r.schemes {
		if u, ok := ExtractURL(args, scheme); ok {
			return u, true
		}
	}
	return "", false
}

func (r *Router) schemeList() string {
	names := make([]string, 0, len(r.schemes))
	for s := range r.schemes {
		names = append(names, s)
	}
	return strings.Join(names, "|")
}

// hint reads the provider from the callback path. The IDE uses
// kiro://kiro.kiroAgent/authenticate-success for social logins.
func hint(u *url.URL) string {
	path := strings.ToLower(u.Host + u.Path)
	switch {
	case strings.Contains(path, "authenticate-success"), strings.Contains(path, "social"):
		return "social"
	case strings.Contains(path, "idc"), strings.Contains(path, "sso"):
		return "idc"
	}
	return "unknown"
}
