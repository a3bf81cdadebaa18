// Package service wires the login state machine, the account store and the
// machine-id binder into the operations the command API exposes.
package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/kiro-accounts/internal/account"
	"github.com/pysugar/kiro-accounts/internal/auth/login"
	"github.com/pysugar/kiro-accounts/internal/callback"
	"github.com/pysugar/kiro-accounts/internal/deeplink"
	"github.com/pysugar/kiro-accounts/internal/discovery"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/machineid"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

// Config wires a Service.
type Config struct {
	Store  *account.Store
	Login  *login.State
	Binder *machineid.Binder

	// Deliveries feeds the deep-link router; the loopback callback
	// listener writes to it.
	Deliveries chan<- deeplink.Delivery
	// CallbackPort is passed to callback.Start; -1 disables the listener.
	// While the listener runs, social logins redirect to it.
	CallbackPort int
	// RedirectURI is the canonical social callback URL loopback redirects
	// are re-rooted on.
	RedirectURI string

	// KiroTokenPath is the IDE session document Switch writes.
	KiroTokenPath string
	// SSOCacheDir is scanned by ImportLocal.
	SSOCacheDir string

	ExportWorkFactor int
}

// Service is the application facade.
type Service struct {
	cfg Config

	mu     sync.Mutex
	flight *flight
	last   *LoginResult
}

// flight tracks one login from Begin to persistence.
type flight struct {
	pending   *login.Pending
	opts      LoginOptions
	persisted chan struct{}
	account   account.Account
	err       error
	server    *callback.Server
}

// LoginOptions controls what happens after a login completes.
type LoginOptions struct {
	// BindMachine binds the account to the current machine id.
	BindMachine bool `json:"bind_machine"`
}

// LoginResult is the outcome of the most recent login.
type LoginResult struct {
	Provider   provider.Kind `json:"provider"`
	AccountID  string        `json:"account_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// LoginStatus reports the in-flight login, or the last result.
type LoginStatus struct {
	Pending *login.Info  `json:"pending,omitempty"`
	Last    *LoginResult `json:"last,omitempty"`
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.KiroTokenPath == "" {
		cfg.KiroTokenPath = discovery.DefaultTokenPath()
	}
	if cfg.SSOCacheDir == "" {
		cfg.SSOCacheDir = filepath.Dir(cfg.KiroTokenPath)
	}
	return &Service{cfg: cfg}
}

// ProviderInfo describes a supported login provider.
type ProviderInfo struct {
	Kind        provider.Kind `json:"kind"`
	Name        string        `json:"name"`
	Flow        string        `json:"flow"`
	Interactive bool          `json:"interactive"`
}

// Providers lists the supported providers.
func (s *Service) Providers() []ProviderInfo {
	return []ProviderInfo{
		{Kind: provider.KindSocial, Name: "Google / GitHub", Flow: "authorization_code", Interactive: true},
		{Kind: provider.KindIdentityCenter, Name: "AWS Builder ID / IAM Identity Center", Flow: "device_code", Interactive: true},
		{Kind: provider.KindDirectImport, Name: "Token import", Flow: "import", Interactive: false},
	}
}

// BeginLogin starts a login and returns its public view. Completion is
// driven in the background: social logins wait for their redirect, device
// and import logins are finished immediately. The resulting account is
// persisted by the service.
func (s *Service) BeginLogin(ctx context.Context, kind provider.Kind, params provider.Params, opts LoginOptions) (login.Info, error) {
	f, err := s.begin(ctx, kind, params, opts)
	if err != nil {
		return login.Info{}, err
	}
	return f.pending.Info(), nil
}

func (s *Service) begin(ctx context.Context, kind provider.Kind, params provider.Params, opts LoginOptions) (*flight, error) {
	// The listener must be up before the provider opens the browser.
	var srv *callback.Server
	if kind == provider.KindSocial && s.cfg.CallbackPort >= 0 && s.cfg.Deliveries != nil {
		var err error
		srv, err = callback.Start(callback.Config{
			Port:      s.cfg.CallbackPort,
			Canonical: s.cfg.RedirectURI,
		}, s.cfg.Deliveries)
		if err != nil {
			// The OS URL-scheme handler still delivers the redirect.
			log.Printf("[Service] ⚠️ Loopback callback listener unavailable: %v", err)
		} else {
			params.RedirectURI = srv.URL()
		}
	}

	p, err := s.cfg.Login.Begin(ctx, kind, params)
	if err != nil {
		if srv != nil {
			srv.Close()
		}
		return nil, err
	}
	f := &flight{pending: p, opts: opts, persisted: make(chan struct{}), server: srv}

	s.mu.Lock()
	s.flight = f
	s.mu.Unlock()

	go s.await(f)
	if kind != provider.KindSocial {
		// Device-code and import flows complete without a redirect.
		go func() {
			if _, err := s.cfg.Login.Complete(context.Background(), p.CorrelationToken()); err != nil {
				log.Printf("[Service] %s login did not complete: %v", kind, err)
			}
		}()
	}
	return f, nil
}

// await persists the result of f once its login reaches a terminal state.
func (s *Service) await(f *flight) {
	defer close(f.persisted)
	p := f.pending
	acc, err := s.cfg.Login.Wait(context.Background(), p)
	if f.server != nil {
		f.server.Close()
	}
	if err == nil {
		var stored account.Account
		stored, err = s.persist(context.Background(), *acc, f.opts)
		f.account = stored
	}
	f.err = err

	res := &LoginResult{Provider: p.Provider(), FinishedAt: time.Now()}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.AccountID = f.account.ID
	}
	s.mu.Lock()
	s.last = res
	if s.flight == f {
		s.flight = nil
	}
	s.mu.Unlock()
}

// persist upserts acc by provider and email, then binds it when asked.
func (s *Service) persist(ctx context.Context, acc account.Account, opts LoginOptions) (account.Account, error) {
	stored, err := s.upsert(ctx, acc)
	if err != nil {
		return account.Account{}, err
	}
	if opts.BindMachine {
		current, err := s.cfg.Binder.Current(ctx)
		if err != nil {
			return stored, err
		}
		if stored, err = s.cfg.Store.BindMachine(ctx, stored.ID, current); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

func (s *Service) upsert(ctx context.Context, acc account.Account) (account.Account, error) {
	if acc.Email != "" {
		if existing, ok := s.cfg.Store.FindByEmail(acc.Provider, acc.Email); ok {
			creds := acc.Credentials
			if creds.RefreshToken == "" {
				creds.RefreshToken = existing.Credentials.RefreshToken
			}
			patch := account.Patch{Credentials: &creds, Status: &acc.Status}
			if acc.Subscription != "" {
				patch.Subscription = &acc.Subscription
			}
			log.Printf("[Service] 🔁 Updating existing account %s", existing.DisplayName)
			return s.cfg.Store.Update(ctx, existing.ID, patch)
		}
	}
	return s.cfg.Store.Add(ctx, acc)
}

// CompleteLogin finishes the pending login from a pasted callback URL or
// correlation token and returns the stored account.
func (s *Service) CompleteLogin(ctx context.Context, input string) (account.Account, error) {
	s.mu.Lock()
	f := s.flight
	s.mu.Unlock()

	if _, err := s.cfg.Login.Complete(ctx, input); err != nil {
		return account.Account{}, err
	}
	if f == nil {
		return account.Account{}, errs.New(errs.KindNoPendingLogin, "login finished without a tracked flight")
	}
	return s.waitPersisted(ctx, f)
}

// WaitLogin blocks until the in-flight login has been persisted.
func (s *Service) WaitLogin(ctx context.Context) (account.Account, error) {
	s.mu.Lock()
	f := s.flight
	s.mu.Unlock()
	if f == nil {
		return account.Account{}, errs.New(errs.KindNoPendingLogin, "no login is pending")
	}
	return s.waitPersisted(ctx, f)
}

func (s *Service) waitPersisted(ctx context.Context, f *flight) (account.Account, error) {
	select {
	case <-f.persisted:
		return f.account, f.err
	case <-ctx.Done():
		return account.Account{}, ctx.Err()
	}
}

// LoginStatus reports the pending login and the last result.
func (s *Service) LoginStatus() LoginStatus {
	var st LoginStatus
	if p := s.cfg.Login.Current(); p != nil {
		info := p.Info()
		st.Pending = &info
	}
	s.mu.Lock()
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	s.mu.Unlock()
	return st
}

// CancelLogin abandons the pending login.
func (s *Service) CancelLogin() bool {
	return s.cfg.Login.Cancel()
}

// Logout cancels any pending login and forgets the last login result.
// Stored accounts are kept.
func (s *Service) Logout() {
	s.cfg.Login.Cancel()
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	log.Printf("[Service] 👋 Logged out")
}

// ImportToken adds an account from a session document or bare access
// token. It runs the direct-import login synchronously.
func (s *Service) ImportToken(ctx context.Context, token string, opts LoginOptions) (account.Account, error) {
	f, err := s.begin(ctx, provider.KindDirectImport, provider.Params{Token: token}, opts)
	if err != nil {
		return account.Account{}, err
	}
	return s.waitPersisted(ctx, f)
}

// LocalSessions lists the Kiro sessions found on this machine, masked.
func (s *Service) LocalSessions() *discovery.ScanResult {
	result := discovery.ScanDir(s.cacheDir())
	for i, c := range result.Credentials {
		result.Credentials[i] = discovery.MaskCredential(c)
	}
	return result
}

// ImportLocal imports the session the Kiro IDE is currently signed in with.
func (s *Service) ImportLocal(ctx context.Context, opts LoginOptions) (account.Account, error) {
	result := discovery.ScanDir(s.cacheDir())
	if len(result.Credentials) == 0 {
		if len(result.Errors) > 0 {
			return account.Account{}, errs.New(errs.KindInvalidFormat, "local session unreadable: %s", result.Errors[0].Error)
		}
		return account.Account{}, errs.New(errs.KindNotFound, "no local Kiro session found")
	}
	doc, err := json.Marshal(result.Credentials[0].Session)
	if err != nil {
		return account.Account{}, fmt.Errorf("encode local session: %w", err)
	}
	return s.ImportToken(ctx, string(doc), opts)
}

func (s *Service) cacheDir() string { return s.cfg.SSOCacheDir }

// SwitchResult reports what Switch changed.
type SwitchResult struct {
	Account   account.Account `json:"account"`
	MachineID string          `json:"machine_id"`
	TokenPath string          `json:"token_path"`
}

// Switch makes id the IDE's active account: its credentials are refreshed
// when due and written to the IDE session file, and the machine id is set
// to the account's bound id, or restored to the original when it has none.
func (s *Service) Switch(ctx context.Context, id string) (SwitchResult, error) {
	acc, err := s.cfg.Store.Refresh(ctx, id)
	if err != nil {
		if errs.KindOf(err) != errs.KindProvider {
			return SwitchResult{}, err
		}
		// Switch with the stored token; the IDE refreshes on its own.
		log.Printf("[Service] ⚠️ Refresh before switch failed, using stored token: %v", err)
		if acc, err = s.cfg.Store.Get(id); err != nil {
			return SwitchResult{}, err
		}
	}
	if acc.Credentials.AccessToken == "" {
		return SwitchResult{}, errs.New(errs.KindInvalidFormat, "account %s has no access token", id)
	}

	var machine string
	if acc.BoundMachineID != nil {
		if machine, err = s.cfg.Binder.SetCustom(ctx, *acc.BoundMachineID); err != nil {
			return SwitchResult{}, err
		}
	} else {
		orig, err := s.cfg.Binder.OriginalBackup(ctx)
		if err != nil {
			return SwitchResult{}, err
		}
		if orig != nil {
			if err := s.cfg.Binder.Restore(ctx, *orig); err != nil {
				return SwitchResult{}, err
			}
		}
		if machine, err = s.cfg.Binder.Current(ctx); err != nil {
			return SwitchResult{}, err
		}
	}

	if err := discovery.WriteKiroToken(s.cfg.KiroTokenPath, sessionFor(acc)); err != nil {
		return SwitchResult{}, errs.Wrap(errs.KindStoreIO, err, "write IDE session")
	}
	log.Printf("[Service] 🔀 Switched IDE to %s (machine id %s)", acc.DisplayName, machine)
	return SwitchResult{Account: acc, MachineID: machine, TokenPath: s.cfg.KiroTokenPath}, nil
}

func sessionFor(acc account.Account) provider.Session {
	c := acc.Credentials
	sess := provider.Session{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		AuthMethod:   c.AuthMethod,
		ProfileARN:   c.ProfileARN,
		Region:       c.Region,
		StartURL:     c.StartURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
	}
	if !c.ExpiresAt.IsZero() {
		sess.ExpiresAt = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	switch {
	case acc.Provider == provider.KindIdentityCenter, strings.EqualFold(c.AuthMethod, "IdC"):
		sess.Provider = "BuilderId"
		if sess.AuthMethod == "" {
			sess.AuthMethod = "IdC"
		}
	case sess.AuthMethod == "":
		sess.AuthMethod = "social"
	}
	if c.ClientID != "" {
		sum := sha1.Sum([]byte(c.ClientID))
		sess.ClientIDHash = hex.EncodeToString(sum[:])
	}
	return sess
}
