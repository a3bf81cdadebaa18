// Package login tracks the single in-flight login and correlates provider
// callbacks to it.
package login

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/kiro-accounts/internal/account"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

// DefaultLifetime bounds a pending login whose provider sets no deadline.
const DefaultLifetime = 10 * time.Minute

// StateParam is the callback query parameter carrying the correlation token.
const StateParam = "state"

// Status is the lifecycle stage of a pending login.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Client is the part of provider.Client a login drives.
type Client interface {
	Begin(ctx context.Context, state string, params provider.Params) (*provider.Authorization, error)
	Finish(ctx context.Context, auth *provider.Authorization, cb provider.Callback) (*provider.Result, error)
}

// Providers resolves the client for a provider kind.
type Providers interface {
	Client(kind provider.Kind) (Client, error)
}

// FromSet adapts a provider.Set.
func FromSet(set *provider.Set) Providers {
	return setProviders{set}
}

type setProviders struct{ set *provider.Set }

func (p setProviders) Client(kind provider.Kind) (Client, error) {
	return p.set.Get(kind)
}

// Config configures a State.
type Config struct {
	Providers Providers
	Lifetime  time.Duration
	Now       func() time.Time
}

// State owns the pending-login slot. At most one login is in flight.
type State struct {
	providers Providers
	lifetime  time.Duration
	now       func() time.Time

	mu   sync.Mutex
	slot *Pending
}

// New creates a login state.
func New(cfg Config) *State {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &State{providers: cfg.Providers, lifetime: cfg.Lifetime, now: cfg.Now}
}

// Begin starts a login for kind. It fails with AlreadyPending while an
// unexpired login is in flight.
func (s *State) Begin(ctx context.Context, kind provider.Kind, params provider.Params) (*Pending, error) {
	client, err := s.providers.Client(kind)
	if err != nil {
		return nil, err
	}
	token, err := newCorrelationToken()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := s.now()
	s.reapLocked(now)
	if s.slot != nil {
		s.mu.Unlock()
		return nil, errs.New(errs.KindAlreadyPending, "a %s login is already in progress", s.slot.kind)
	}
	p := &Pending{
		state:   s,
		token:   token,
		kind:    kind,
		created: now,
		expires: now.Add(s.lifetime),
		status:  StatusPending,
		done:    make(chan struct{}),
	}
	// The slot is reserved before the provider call so a concurrent Begin
	// sees it.
	s.slot = p
	s.mu.Unlock()

	auth, err := client.Begin(ctx, token, params)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.status == StatusCancelled {
		return nil, errs.New(errs.KindCancelled, "login cancelled while starting")
	}
	if err != nil {
		s.finishLocked(p, StatusFailed, nil, err)
		return nil, err
	}
	p.auth = auth
	if auth != nil && !auth.ExpiresAt.IsZero() {
		p.expires = auth.ExpiresAt
	}
	log.Printf("[Login] 🚀 Started %s login (expires %s)", kind, p.expires.Format(time.RFC3339))
	return p, nil
}

// Complete correlates a callback with the pending login and finishes the
// provider exchange. input is either the raw correlation token or a
// callback URL carrying it in the state parameter.
func (s *State) Complete(ctx context.Context, input string) (*account.Account, error) {
	token, cbURL, err := parseInput(input)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p := s.slot
	if p == nil || p.auth == nil {
		s.mu.Unlock()
		return nil, errs.New(errs.KindNoPendingLogin, "no login is pending")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.token)) != 1 {
		s.mu.Unlock()
		log.Printf("[Login] 🚫 Rejected callback with mismatched correlation token")
		return nil, errs.New(errs.KindCorrelationMismatch, "callback does not match the pending login")
	}
	if p.status != StatusPending {
		s.mu.Unlock()
		return nil, errs.New(errs.KindNoPendingLogin, "login is already being completed")
	}
	if cbURL != nil {
		if q := cbURL.Query(); q.Get("code") == "" && q.Get("error") == "" {
			s.mu.Unlock()
			return nil, errs.New(errs.KindParse, "callback URL carries neither code nor error")
		}
	}
	if s.now().After(p.expires) {
		expired := errs.New(errs.KindExpired, "pending %s login expired at %s", p.kind, p.expires.Format(time.RFC3339))
		s.finishLocked(p, StatusExpired, nil, expired)
		s.mu.Unlock()
		return nil, expired
	}
	client, err := s.providers.Client(p.kind)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	finishCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.status = StatusCompleting
	p.cancelFinish = cancel
	auth := p.auth
	s.mu.Unlock()

	res, ferr := client.Finish(finishCtx, auth, provider.Callback{URL: cbURL})

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.status == StatusCancelled {
		return nil, errs.New(errs.KindCancelled, "login cancelled during token exchange")
	}
	if ferr != nil && errs.KindOf(ferr) == errs.KindParse {
		// The callback was unusable; the login stays open for a valid one.
		p.status = StatusPending
		p.cancelFinish = nil
		log.Printf("[Login] ⚠️ Ignored unusable %s callback: %v", p.kind, ferr)
		return nil, ferr
	}
	if ferr != nil {
		s.finishLocked(p, StatusFailed, nil, ferr)
		log.Printf("[Login] ❌ %s login failed: %v", p.kind, ferr)
		return nil, ferr
	}
	acc := accountFrom(p.kind, res, s.now())
	s.finishLocked(p, StatusCompleted, acc, nil)
	log.Printf("[Login] ✅ %s login completed for %s", p.kind, acc.DisplayName)
	return acc, nil
}

// Cancel abandons the pending login. It reports false when there is
// nothing to cancel, including a login whose exchange already committed.
func (s *State) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.slot
	if p == nil || p.status.terminal() {
		return false
	}
	if p.cancelFinish != nil {
		p.cancelFinish()
	}
	s.finishLocked(p, StatusCancelled, nil, errs.New(errs.KindCancelled, "login cancelled"))
	log.Printf("[Login] 🛑 Cancelled %s login", p.kind)
	return true
}

// Current returns the in-flight login, or nil when there is none or it
// has expired.
func (s *State) Current() *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil || s.now().After(s.slot.expires) {
		return nil
	}
	return s.slot
}

// Wait blocks until p reaches a terminal state or ctx is done.
func (s *State) Wait(ctx context.Context, p *Pending) (*account.Account, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.account, p.err
}

// reapLocked drops a terminal or expired slot.
func (s *State) reapLocked(now time.Time) {
	p := s.slot
	if p == nil {
		return
	}
	if p.status == StatusPending && now.After(p.expires) {
		s.finishLocked(p, StatusExpired, nil, errs.New(errs.KindExpired, "pending %s login expired", p.kind))
		log.Printf("[Login] ⌛ Reaped expired %s login", p.kind)
		return
	}
	if p.status.terminal() {
		s.slot = nil
	}
}

// finishLocked moves p to a terminal status exactly once, clears the slot
// and wakes waiters.
func (s *State) finishLocked(p *Pending, status Status, acc *account.Account, err error) {
	if p.status.terminal() {
		return
	}
	p.status = status
	p.account = acc
	p.err = err
	p.cancelFinish = nil
	if s.slot == p {
		s.slot = nil
	}
	close(p.done)
}

func parseInput(input string) (string, *url.URL, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil, errs.New(errs.KindParse, "empty callback")
	}
	if !strings.Contains(input, "://") {
		return input, nil, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", nil, errs.Wrap(errs.KindParse, err, "malformed callback URL")
	}
	token := u.Query().Get(StateParam)
	if token == "" {
		return "", nil, errs.New(errs.KindParse, "callback URL has no %s parameter", StateParam)
	}
	return token, u, nil
}

func newCorrelationToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func accountFrom(kind provider.Kind, res *provider.Result, now time.Time) *account.Account {
	name := res.Profile.DisplayName
	if name == "" {
		name = res.Profile.Email
	}
	if name == "" {
		name = string(kind) + " account"
	}
	return &account.Account{
		Provider:       kind,
		DisplayName:    name,
		Email:          res.Profile.Email,
		Subscription:   res.Profile.Subscription,
		Credentials:    res.Credentials,
		Status:         provider.StatusActive,
		LastVerifiedAt: &now,
	}
}
