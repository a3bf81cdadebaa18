package account

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

func TestRefreshSkipsFreshTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.Add(ctx, sampleAccount("a", time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := f.store.Refresh(ctx, "a")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if f.client.refreshN.Load() != 0 || got.Credentials.AccessToken != "access-a" {
		t.Fatalf("fresh token should not be exchanged (calls=%d)", f.client.refreshN.Load())
	}
}

func TestRefreshReplacesCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.Add(ctx, sampleAccount("a", time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.store.BindMachine(ctx, "a", guidB); err != nil {
		t.Fatalf("bind: %v", err)
	}

	got, err := f.store.Refresh(ctx, "a")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.Credentials.AccessToken != "refreshed-access-a" {
		t.Fatalf("access token = %q", got.Credentials.AccessToken)
	}
	if got.BoundMachineID == nil || *got.BoundMachineID != guidB {
		t.Fatal("refresh must not touch the binding")
	}
	if got.DisplayName != "a display" {
		t.Fatal("refresh must not touch profile fields")
	}
}

func TestFailedRefreshLeavesAccountUnchanged(t *testing.T) {
	for _, failure := range []error{
		errs.Provider("social", true, nil, "gateway timeout"),
		errs.Provider("social", false, provider.ErrRevoked, "invalid_grant"),
	} {
		f := newFixture(t)
		ctx := context.Background()
		f.client.refresh = func(provider.Credentials) (provider.Credentials, error) { return provider.Credentials{}, failure }

		if _, err := f.store.Add(ctx, sampleAccount("a", -time.Minute)); err != nil {
			t.Fatalf("add: %v", err)
		}
		before, _ := f.store.Get("a")

		if _, err := f.store.Refresh(ctx, "a"); !errors.Is(err, errs.ErrProvider) {
			t.Fatalf("expected provider error, got %v", err)
		}
		after, _ := f.store.Get("a")
		if !reflect.DeepEqual(before, after) {
			t.Fatalf("account changed after failed refresh:\nbefore %+v\nafter  %+v", before, after)
		}

		reopened, err := NewStore(ctx, Config{DB: f.db, Binder: f.binder})
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		persisted, _ := reopened.Get("a")
		if persisted.Credentials != before.Credentials || persisted.Status != before.Status {
			t.Fatalf("persisted account changed: %+v", persisted)
		}
	}
}

func TestConcurrentRefreshSharesExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := make(chan struct{})
	f.client.refresh = func(c provider.Credentials) (provider.Credentials, error) {
		<-release
		c.AccessToken = "shared"
		c.ExpiresAt = time.Now().Add(time.Hour)
		return c, nil
	}
	if _, err := f.store.Add(ctx, sampleAccount("a", -time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc, err := f.store.Refresh(ctx, "a")
			if err != nil {
				t.Errorf("refresh: %v", err)
				return
			}
			results[i] = acc.Credentials.AccessToken
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := f.client.refreshN.Load(); n != 1 {
		t.Fatalf("expected one exchange, got %d", n)
	}
	for i, tok := range results {
		if tok != "shared" {
			t.Fatalf("caller %d saw %q", i, tok)
		}
	}
}

func TestVerifyUpdatesStatusOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.verify = func(provider.Credentials) (provider.Check, error) {
		return provider.Check{Status: provider.StatusExpired, Profile: provider.Profile{Email: "new@example.com"}}, nil
	}
	if _, err := f.store.Add(ctx, sampleAccount("a", time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	before, _ := f.store.Get("a")

	got, err := f.store.Verify(ctx, "a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != provider.StatusExpired || got.LastVerifiedAt == nil {
		t.Fatalf("status not recorded: %+v", got)
	}
	if got.Credentials != before.Credentials || got.Email != before.Email {
		t.Fatal("verify must not change tokens or profile")
	}

	synced, err := f.store.Sync(ctx, "a")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced.Email != "new@example.com" || synced.Credentials != before.Credentials {
		t.Fatalf("sync should update profile only: %+v", synced)
	}
}

func TestVerifyErrorLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.verify = func(provider.Credentials) (provider.Check, error) {
		return provider.Check{}, errs.Provider("social", true, nil, "unreachable")
	}
	if _, err := f.store.Add(ctx, sampleAccount("a", time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.store.Verify(ctx, "a"); !errs.IsRetryable(err) {
		t.Fatalf("expected retryable provider error, got %v", err)
	}
	got, _ := f.store.Get("a")
	if got.Status != provider.StatusActive || got.LastVerifiedAt != nil {
		t.Fatalf("failed verify changed the account: %+v", got)
	}
}

func TestConcurrentDeleteAndRefreshKeepBindingsConsistent(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		f.client.refresh = func(c provider.Credentials) (provider.Credentials, error) {
			time.Sleep(time.Millisecond)
			c.AccessToken = "new"
			c.ExpiresAt = time.Now().Add(time.Hour)
			return c, nil
		}
		if _, err := f.store.Add(ctx, sampleAccount("a", -time.Minute)); err != nil {
			t.Fatalf("add: %v", err)
		}
		if _, err := f.store.BindMachine(ctx, "a", guidB); err != nil {
			t.Fatalf("bind: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); f.store.Refresh(ctx, "a") }()
		go func() { defer wg.Done(); f.store.Delete(ctx, "a") }()
		wg.Wait()

		bindings, err := f.binder.Bindings(ctx)
		if err != nil {
			t.Fatalf("bindings: %v", err)
		}
		bound := map[string]string{}
		for _, b := range bindings {
			bound[b.MachineID] = b.AccountID
		}
		for _, acc := range f.store.List() {
			if acc.BoundMachineID != nil && bound[*acc.BoundMachineID] != acc.ID {
				t.Fatalf("account %s points at missing binding %s", acc.ID, *acc.BoundMachineID)
			}
		}
		for machine, accID := range bound {
			acc, err := f.store.Get(accID)
			if err != nil || acc.BoundMachineID == nil || *acc.BoundMachineID != machine {
				t.Fatalf("binding %s -> %s has no matching account", machine, accID)
			}
		}
		if _, err := f.store.Get("a"); err == nil {
			t.Fatal("delete should win: the account must be gone")
		}
	}
}

func TestRefreshExpiringRetriesAndReverifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls int
	var mu sync.Mutex
	f.client.refresh = func(c provider.Credentials) (provider.Credentials, error) {
		mu.Lock()
		defer mu.Unlock()
		if c.RefreshToken == "refresh-revoked" {
			return provider.Credentials{}, errs.Provider("social", false, provider.ErrRevoked, "invalid_grant")
		}
		calls++
		if calls == 1 {
			return provider.Credentials{}, errs.Provider("social", true, nil, "throttled")
		}
		c.AccessToken = "renewed"
		c.ExpiresAt = time.Now().Add(time.Hour)
		return c, nil
	}
	f.client.verify = func(provider.Credentials) (provider.Check, error) {
		return provider.Check{Status: provider.StatusInvalid}, nil
	}

	for _, a := range []Account{sampleAccount("flaky", time.Minute), sampleAccount("revoked", time.Minute), sampleAccount("fresh", 2*time.Hour)} {
		if _, err := f.store.Add(ctx, a); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if n := f.store.RefreshExpiring(ctx); n != 1 {
		t.Fatalf("expected one refreshed account, got %d", n)
	}
	flaky, _ := f.store.Get("flaky")
	if flaky.Credentials.AccessToken != "renewed" {
		t.Fatalf("retry did not land: %+v", flaky.Credentials)
	}
	revoked, _ := f.store.Get("revoked")
	if revoked.Status != provider.StatusInvalid || revoked.Credentials.AccessToken != "access-revoked" {
		t.Fatalf("revoked account should be invalid with tokens kept: %+v", revoked)
	}
	fresh, _ := f.store.Get("fresh")
	if fresh.Credentials.AccessToken != "access-fresh" {
		t.Fatal("fresh account should not be refreshed")
	}
}

func TestRefreshKeepsFieldsUpdatedDuringExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	f.client.refresh = func(c provider.Credentials) (provider.Credentials, error) {
		close(started)
		<-release
		c.AccessToken = "rotated"
		c.RefreshToken = "refresh-rotated"
		c.ExpiresAt = time.Now().Add(time.Hour)
		return c, nil
	}
	if _, err := f.store.Add(ctx, sampleAccount("a", -time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.store.Refresh(ctx, "a")
		done <- err
	}()
	<-started

	cur, _ := f.store.Get("a")
	creds := cur.Credentials
	creds.Region = "eu-west-1"
	creds.ClientID = "edited-client"
	if _, err := f.store.Update(ctx, "a", Patch{Credentials: &creds}); err != nil {
		t.Fatalf("update: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, _ := f.store.Get("a")
	if got.Credentials.AccessToken != "rotated" || got.Credentials.RefreshToken != "refresh-rotated" {
		t.Fatalf("refreshed tokens not applied: %+v", got.Credentials)
	}
	if got.Credentials.Region != "eu-west-1" || got.Credentials.ClientID != "edited-client" {
		t.Fatalf("concurrent edit lost: %+v", got.Credentials)
	}
}

func TestCancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.client.exchange = func(ctx context.Context, c provider.Credentials) (provider.Credentials, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return provider.Credentials{}, ctx.Err()
		}
		c.AccessToken = "shared"
		c.ExpiresAt = time.Now().Add(time.Hour)
		return c, nil
	}
	if _, err := f.store.Add(context.Background(), sampleAccount("a", -time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.store.Refresh(first, "a")
		firstErr <- err
	}()
	<-started

	second := make(chan Account, 1)
	secondErr := make(chan error, 1)
	go func() {
		acc, err := f.store.Refresh(context.Background(), "a")
		secondErr <- err
		second <- acc
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: err = %v", err)
	}
	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("waiting caller failed: %v", err)
	}
	if acc := <-second; acc.Credentials.AccessToken != "shared" {
		t.Fatalf("access token = %q", acc.Credentials.AccessToken)
	}
	if n := f.client.refreshN.Load(); n != 1 {
		t.Fatalf("expected one exchange, got %d", n)
	}
}
