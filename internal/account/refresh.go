package account

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/provider"
)

var (
	refreshColumns = append(append([]string{}, credentialColumns...), "status")
	verifyColumns  = []string{"status", "last_verified_at", "updated_at"}
	syncColumns    = []string{"status", "last_verified_at", "updated_at", "display_name", "email", "subscription"}
)

// exchangeTimeout bounds a shared refresh exchange. It runs detached from
// the caller that started it so one cancelled request cannot fail the
// others waiting on it.
const exchangeTimeout = time.Minute

func (s *Store) client(kind provider.Kind) (Client, error) {
	if s.providers == nil {
		return nil, errs.New(errs.KindProvider, "no provider clients configured")
	}
	return s.providers.Client(kind)
}

// Refresh exchanges the refresh token for new credentials. It is a no-op
// while the access token is valid past the grace window. A failed exchange
// leaves the stored account untouched. Concurrent calls for one id share a
// single exchange.
func (s *Store) Refresh(ctx context.Context, id string) (Account, error) {
	acc, err := s.Get(id)
	if err != nil {
		return Account{}, err
	}
	if acc.Credentials.ValidFor(s.now(), s.grace) {
		return acc, nil
	}
	return s.sharedRefresh(ctx, id)
}

// sharedRefresh joins or starts the exchange for id. A caller whose ctx
// ends stops waiting; the exchange itself carries on for the others.
func (s *Store) sharedRefresh(ctx context.Context, id string) (Account, error) {
	ch := s.group.DoChan(id, func() (any, error) {
		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()
		return s.refresh(exCtx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Account{}, res.Err
		}
		return res.Val.(Account), nil
	case <-ctx.Done():
		return Account{}, ctx.Err()
	}
}

func (s *Store) refresh(ctx context.Context, id string) (Account, error) {
	acc, err := s.Get(id)
	if err != nil {
		return Account{}, err
	}
	if acc.Credentials.RefreshToken == "" {
		return Account{}, errs.Provider(string(acc.Provider), false, provider.ErrRevoked, "account %s has no refresh token", id)
	}
	client, err := s.client(acc.Provider)
	if err != nil {
		return Account{}, err
	}

	fresh, err := client.Refresh(ctx, acc.Credentials)
	if err != nil {
		log.Printf("❌ Refresh failed for %s: %v", acc.DisplayName, err)
		return Account{}, err
	}
	if fresh.AccessToken == "" {
		return Account{}, errs.Provider(string(acc.Provider), false,
			errs.New(errs.KindInvalidFormat, "refresh returned no access token"), "refresh for %s", id)
	}

	unlock := s.keys.Lock(id)
	defer unlock()
	cur, ok := s.lookup(id)
	if !ok {
		return Account{}, errs.New(errs.KindNotFound, "account %s was deleted during refresh", id)
	}
	if fresh.RefreshToken != "" && fresh.RefreshToken != cur.Credentials.RefreshToken {
		log.Printf("🔄 Rotating refresh token for: %s", cur.DisplayName)
	}
	cur.Credentials = mergeCredentials(cur.Credentials, acc.Credentials, fresh)
	cur.Status = provider.StatusActive
	cur.UpdatedAt = s.now()
	stored, err := s.write(ctx, cur, refreshColumns)
	if err != nil {
		return Account{}, err
	}
	log.Printf("✅ Refreshed token for: %s (expires: %s)", stored.DisplayName, stored.Credentials.ExpiresAt.Format(time.RFC3339))
	return stored, nil
}

// Verify probes the provider and records the outcome. Tokens are never
// changed.
func (s *Store) Verify(ctx context.Context, id string) (Account, error) {
	return s.probe(ctx, id, false)
}

// Sync is Verify plus the profile fields the provider reports.
func (s *Store) Sync(ctx context.Context, id string) (Account, error) {
	return s.probe(ctx, id, true)
}

func (s *Store) probe(ctx context.Context, id string, withProfile bool) (Account, error) {
	acc, err := s.Get(id)
	if err != nil {
		return Account{}, err
	}
	client, err := s.client(acc.Provider)
	if err != nil {
		return Account{}, err
	}
	check, err := client.Verify(ctx, acc.Credentials)
	if err != nil {
		return Account{}, err
	}

	unlock := s.keys.Lock(id)
	defer unlock()
	cur, ok := s.lookup(id)
	if !ok {
		return Account{}, errs.New(errs.KindNotFound, "account %s was deleted during verify", id)
	}
	now := s.now()
	cur.Status = check.Status
	if cur.Status == provider.StatusActive && cur.Credentials.AccessToken == "" {
		cur.Status = provider.StatusInvalid
	}
	cur.LastVerifiedAt = &now
	cur.UpdatedAt = now
	columns := verifyColumns
	if withProfile {
		columns = syncColumns
		if check.Profile.DisplayName != "" {
			cur.DisplayName = check.Profile.DisplayName
		}
		if check.Profile.Email != "" {
			cur.Email = check.Profile.Email
		}
		if check.Profile.Subscription != "" {
			cur.Subscription = check.Profile.Subscription
		}
	}
	stored, err := s.write(ctx, cur, columns)
	if err != nil {
		return Account{}, err
	}
	log.Printf("🔍 Verified %s: %s", stored.DisplayName, stored.Status)
	return stored, nil
}

// StartRefreshLoop refreshes accounts expiring within the look-ahead window
// every interval until ctx is done. Retryable provider errors are retried
// with exponential backoff; a revoked grant is followed by Verify so the
// account status reflects it.
func (s *Store) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RefreshExpiring(ctx)
			}
		}
	}()
	log.Printf("🔄 Token refresh loop started (interval: %s)", interval)
}

// RefreshExpiring runs one pass of the refresh loop and returns how many
// accounts were refreshed.
func (s *Store) RefreshExpiring(ctx context.Context) int {
	now := s.now()
	refreshed := 0
	for _, acc := range s.List() {
		if acc.Status == provider.StatusInvalid || acc.Credentials.RefreshToken == "" {
			continue
		}
		if acc.Credentials.ValidFor(now, s.ahead) {
			continue
		}
		if err := s.refreshWithRetry(ctx, acc.ID); err != nil {
			if errors.Is(err, provider.ErrRevoked) {
				log.Printf("🔒 Refresh grant for %s was rejected, re-verifying", acc.DisplayName)
				if _, verr := s.Verify(ctx, acc.ID); verr != nil {
					log.Printf("⚠️ Verify after rejected refresh failed for %s: %v", acc.DisplayName, verr)
				}
				continue
			}
			log.Printf("⏳ Refresh for %s still failing, will retry next cycle: %v", acc.DisplayName, err)
			continue
		}
		refreshed++
	}
	return refreshed
}

func (s *Store) refreshWithRetry(ctx context.Context, id string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry
	b.MaxInterval = 15 * s.retry

	_, err := backoff.Retry(ctx, func() (Account, error) {
		// Bypass the grace check: the loop already decided this account
		// needs a new token.
		acc, err := s.sharedRefresh(ctx, id)
		if err != nil && !errs.IsRetryable(err) {
			return Account{}, backoff.Permanent(err)
		}
		return acc, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(4))
	return err
}

// mergeCredentials applies what a refresh changed (before -> after) onto
// cur, so fields edited by an Update during the exchange survive.
func mergeCredentials(cur, before, after provider.Credentials) provider.Credentials {
	out := cur
	out.AccessToken = after.AccessToken
	out.ExpiresAt = after.ExpiresAt
	if after.RefreshToken != "" && after.RefreshToken != before.RefreshToken {
		out.RefreshToken = after.RefreshToken
	}
	if after.AuthMethod != before.AuthMethod {
		out.AuthMethod = after.AuthMethod
	}
	if after.ClientID != before.ClientID {
		out.ClientID = after.ClientID
	}
	if after.ClientSecret != before.ClientSecret {
		out.ClientSecret = after.ClientSecret
	}
	if after.Region != before.Region {
		out.Region = after.Region
	}
	if after.StartURL != before.StartURL {
		out.StartURL = after.StartURL
	}
	if after.ProfileARN != before.ProfileARN {
		out.ProfileARN = after.ProfileARN
	}
	return out
}
