package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/kiro-accounts/internal/account"
	"github.com/pysugar/kiro-accounts/internal/auth/login"
	"github.com/pysugar/kiro-accounts/internal/callback"
	"github.com/pysugar/kiro-accounts/internal/db"
	"github.com/pysugar/kiro-accounts/internal/deeplink"
	"github.com/pysugar/kiro-accounts/internal/discovery"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/machineid"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

const (
	guidA = "11111111-1111-4111-8111-111111111111"
	guidB = "22222222-2222-4222-8222-222222222222"
)

type memSource struct {
	mu sync.Mutex
	id string
}

func (m *memSource) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *memSource) Write(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}

// fakeClient implements both the login and store sides of a provider.
type fakeClient struct {
	mu        sync.Mutex
	email     string
	access    string
	finishErr error
	redirect  string
}

func (f *fakeClient) set(email, access string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.email, f.access = email, access
}

func (f *fakeClient) Begin(ctx context.Context, state string, params provider.Params) (*provider.Authorization, error) {
	f.mu.Lock()
	f.redirect = params.RedirectURI
	f.mu.Unlock()
	return &provider.Authorization{Kind: provider.KindSocial, AuthURL: "https://auth.example.test/?state=" + state}, nil
}

func (f *fakeClient) Finish(ctx context.Context, auth *provider.Authorization, cb provider.Callback) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishErr != nil {
		return nil, f.finishErr
	}
	return &provider.Result{
		Credentials: provider.Credentials{
			AccessToken:  f.access,
			RefreshToken: "refresh-" + f.access,
			ExpiresAt:    time.Now().Add(time.Hour),
			AuthMethod:   provider.AuthMethodSocial,
		},
		Profile: provider.Profile{Email: f.email},
	}, nil
}

func (f *fakeClient) Refresh(ctx context.Context, c provider.Credentials) (provider.Credentials, error) {
	return c, nil
}

func (f *fakeClient) Verify(ctx context.Context, c provider.Credentials) (provider.Check, error) {
	return provider.Check{Status: provider.StatusActive}, nil
}

type loginProviders struct{ c *fakeClient }

func (p loginProviders) Client(provider.Kind) (login.Client, error) { return p.c, nil }

type storeProviders struct{ c *fakeClient }

func (p storeProviders) Client(provider.Kind) (account.Client, error) { return p.c, nil }

type fixture struct {
	svc    *Service
	store  *account.Store
	binder *machineid.Binder
	src    *memSource
	client *fakeClient
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "accounts.db"), "silent")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	src := &memSource{id: guidA}
	binder := machineid.NewBinder(gdb, src)
	client := &fakeClient{email: "dev@example.com", access: "access-1"}
	store, err := account.NewStore(context.Background(), account.Config{
		DB:        gdb,
		Binder:    binder,
		Providers: storeProviders{client},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token := filepath.Join(t.TempDir(), "cache", discovery.KiroTokenFile)
	svc := New(Config{
		Store:         store,
		Login:         login.New(login.Config{Providers: loginProviders{client}}),
		Binder:        binder,
		CallbackPort:  -1,
		KiroTokenPath: token,
	})
	return &fixture{svc: svc, store: store, binder: binder, src: src, client: client, token: token}
}

func (f *fixture) socialLogin(t *testing.T, opts LoginOptions) account.Account {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.BeginLogin(ctx, provider.KindSocial, provider.Params{IdP: "Google"}, opts); err != nil {
		t.Fatalf("begin: %v", err)
	}
	p := f.svc.cfg.Login.Current()
	if p == nil {
		t.Fatal("no pending login")
	}
	acc, err := f.svc.CompleteLogin(ctx, "kiro://kiro.kiroAgent/authenticate-success?code=c&state="+p.CorrelationToken())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return acc
}

func TestLoginPersistsAndUpsertsByEmail(t *testing.T) {
	f := newFixture(t)

	first := f.socialLogin(t, LoginOptions{})
	if first.ID == "" || first.Email != "dev@example.com" || first.Status != provider.StatusActive {
		t.Fatalf("unexpected account %+v", first)
	}

	f.client.set("dev@example.com", "access-2")
	second := f.socialLogin(t, LoginOptions{})
	if second.ID != first.ID {
		t.Fatalf("a repeated login should update the account, got ids %s and %s", first.ID, second.ID)
	}
	if second.Credentials.AccessToken != "access-2" {
		t.Fatalf("credentials not replaced: %+v", second.Credentials)
	}
	if n := len(f.store.List()); n != 1 {
		t.Fatalf("got %d accounts, want 1", n)
	}

	st := f.svc.LoginStatus()
	if st.Pending != nil || st.Last == nil || st.Last.AccountID != first.ID || st.Last.Error != "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestLoginBindsCurrentMachine(t *testing.T) {
	f := newFixture(t)
	acc := f.socialLogin(t, LoginOptions{BindMachine: true})
	if acc.BoundMachineID == nil || *acc.BoundMachineID != guidA {
		t.Fatalf("bound machine id = %v, want %s", acc.BoundMachineID, guidA)
	}
}

func TestFailedLoginIsReported(t *testing.T) {
	f := newFixture(t)
	f.client.finishErr = errs.Provider("social", false, nil, "exchange rejected")

	ctx := context.Background()
	if _, err := f.svc.BeginLogin(ctx, provider.KindSocial, provider.Params{}, LoginOptions{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	token := f.svc.cfg.Login.Current().CorrelationToken()
	if _, err := f.svc.CompleteLogin(ctx, token); errs.KindOf(err) != errs.KindProvider {
		t.Fatalf("complete err = %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := f.svc.WaitLogin(waitCtx); err != nil && errs.KindOf(err) != errs.KindNoPendingLogin && errs.KindOf(err) != errs.KindProvider {
		t.Fatalf("wait err = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.svc.LoginStatus().Last == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st := f.svc.LoginStatus()
	if st.Last == nil || st.Last.Error == "" {
		t.Fatalf("failure not reported: %+v", st)
	}
	if len(f.store.List()) != 0 {
		t.Fatal("a failed login must not store an account")
	}
}

func TestCancelLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.BeginLogin(ctx, provider.KindSocial, provider.Params{}, LoginOptions{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !f.svc.CancelLogin() {
		t.Fatal("cancel should report true")
	}
	if f.svc.CancelLogin() {
		t.Fatal("second cancel should report false")
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := f.svc.WaitLogin(waitCtx)
	if err != nil && errs.KindOf(err) != errs.KindCancelled && errs.KindOf(err) != errs.KindNoPendingLogin {
		t.Fatalf("wait err = %v", err)
	}
}

func TestImportTokenCompletesWithoutCallback(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acc, err := f.svc.ImportToken(ctx, "aoa-imported", LoginOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if acc.Provider != provider.KindDirectImport || acc.ID == "" {
		t.Fatalf("unexpected account %+v", acc)
	}
	if _, err := f.store.Get(acc.ID); err != nil {
		t.Fatalf("imported account not stored: %v", err)
	}
}

func TestSwitchAppliesBindingAndWritesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Record guidA as the original machine id.
	if _, err := f.binder.Current(ctx); err != nil {
		t.Fatalf("current: %v", err)
	}

	bound := f.socialLogin(t, LoginOptions{})
	if _, err := f.store.BindMachine(ctx, bound.ID, guidB); err != nil {
		t.Fatalf("bind: %v", err)
	}
	f.client.set("other@example.com", "access-other")
	unbound := f.socialLogin(t, LoginOptions{})

	res, err := f.svc.Switch(ctx, bound.ID)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if got, _ := f.src.Read(); res.MachineID != guidB || got != guidB {
		t.Fatalf("machine id = %s (source %s), want %s", res.MachineID, got, guidB)
	}
	cred, err := discovery.ParseKiroToken(f.token)
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if cred.Session.AccessToken != "access-1" {
		t.Fatalf("session access token = %q", cred.Session.AccessToken)
	}

	res, err = f.svc.Switch(ctx, unbound.ID)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if res.MachineID != guidA {
		t.Fatalf("unbound account should restore the original id, got %s", res.MachineID)
	}
	cred, _ = discovery.ParseKiroToken(f.token)
	if cred.Session.AccessToken != "access-other" {
		t.Fatalf("session access token = %q", cred.Session.AccessToken)
	}
}

func TestSwitchUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Switch(context.Background(), "missing")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestSessionForIdentityCenter(t *testing.T) {
	s := sessionFor(account.Account{
		Provider: provider.KindIdentityCenter,
		Credentials: provider.Credentials{
			AccessToken: "a", ClientID: "cid", ClientSecret: "sec",
			ExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	})
	if s.Provider != "BuilderId" || s.AuthMethod != "IdC" || s.ClientIDHash == "" || s.ExpiresAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestImportLocalWithoutSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ImportLocal(context.Background(), LoginOptions{})
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestMismatchedCallbackLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	f.socialLogin(t, LoginOptions{})
	before := f.store.List()

	ctx := context.Background()
	f.client.set("other@example.com", "access-9")
	if _, err := f.svc.BeginLogin(ctx, provider.KindSocial, provider.Params{}, LoginOptions{BindMachine: true}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	forged := "kiro://kiro.kiroAgent/authenticate-success?code=c&state=forged"
	if _, err := f.svc.CompleteLogin(ctx, forged); !errors.Is(err, errs.ErrCorrelationMismatch) {
		t.Fatalf("expected CorrelationMismatch, got %v", err)
	}

	if after := f.store.List(); !reflect.DeepEqual(before, after) {
		t.Fatalf("store changed by a mismatched callback:\nbefore %+v\nafter  %+v", before, after)
	}
	if bindings, err := f.binder.Bindings(ctx); err != nil || len(bindings) != 0 {
		t.Fatalf("bindings = %v, %v", bindings, err)
	}
	if st := f.svc.LoginStatus(); st.Pending == nil {
		t.Fatal("the pending login should survive a mismatched callback")
	}
}

func TestLoopbackRedirectCompletesLogin(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries := make(chan deeplink.Delivery, 4)
	cfg := f.svc.cfg
	cfg.CallbackPort = 0
	cfg.Deliveries = deliveries
	f.svc = New(cfg)
	go deeplink.New(deeplink.FromState(cfg.Login)).Run(ctx, deliveries)

	if _, err := f.svc.BeginLogin(ctx, provider.KindSocial, provider.Params{}, LoginOptions{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.client.mu.Lock()
	redirect := f.client.redirect
	f.client.mu.Unlock()
	if !strings.HasPrefix(redirect, "http://127.0.0.1:") || !strings.HasSuffix(redirect, callback.Path) {
		t.Fatalf("social login should redirect to the loopback listener, got %q", redirect)
	}

	resp, err := http.Get(redirect + "?code=c&state=stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("stale redirect status = %d", resp.StatusCode)
	}

	token := cfg.Login.Current().CorrelationToken()
	resp, err = http.Get(redirect + "?code=c&state=" + url.QueryEscape(token))
	if err != nil {
		t.Fatalf("listener should still accept the real redirect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if last := f.svc.LoginStatus().Last; last != nil {
			if last.Error != "" || last.AccountID == "" {
				t.Fatalf("login result %+v", last)
			}
			acc, err := f.store.Get(last.AccountID)
			if err != nil || acc.Email != "dev@example.com" {
				t.Fatalf("persisted account %+v, %v", acc, err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("login was not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
