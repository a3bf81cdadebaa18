package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/util"
	"golang.org/x/oauth2"
)

// Prober checks a bearer token against the usage-limits endpoint, which
// answers for every auth method and reports the profile behind the token.
type Prober struct {
	BaseURL    string
	HTTPClient *http.Client
	Now        func() time.Time
}

type usageLimits struct {
	UserInfo *struct {
		Email  string `json:"email"`
		UserID string `json:"userId"`
	} `json:"userInfo"`
	SubscriptionInfo *struct {
		SubscriptionTitle string `json:"subscriptionTitle"`
		Type              string `json:"type"`
	} `json:"subscriptionInfo"`
}

// Probe reports the status of creds. Expired and rejected tokens are
// statuses, not errors; transport and server failures are retryable
// provider errors.
func (p *Prober) Probe(ctx context.Context, kind Kind, creds Credentials) (Check, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	if creds.AccessToken == "" {
		return Check{Status: StatusInvalid}, nil
	}

	q := url.Values{}
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	if creds.ProfileARN != "" {
		q.Set("profileArn", creds.ProfileARN)
	}
	endpoint := strings.TrimRight(p.BaseURL, "/") + "/getUsageLimits?" + q.Encode()

	if p.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(creds.Token()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Check{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Check{}, errs.Provider(string(kind), true, err, "verify request failed")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponse))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if !creds.ExpiresAt.IsZero() && now().After(creds.ExpiresAt) {
			return Check{Status: StatusExpired}, nil
		}
		return Check{Status: StatusInvalid}, nil
	default:
		return Check{}, errs.Provider(string(kind), resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			nil, "verify failed (%d): %s", resp.StatusCode, util.TruncateBytes(body))
	}

	var limits usageLimits
	if err := json.Unmarshal(body, &limits); err != nil {
		return Check{}, errs.Provider(string(kind), false,
			errs.Wrap(errs.KindInvalidFormat, err, "malformed usage response"), "verify returned an undecodable body")
	}
	check := Check{Status: StatusActive}
	if limits.UserInfo != nil {
		check.Profile.Email = limits.UserInfo.Email
		check.Profile.UserID = limits.UserInfo.UserID
		check.Profile.DisplayName = limits.UserInfo.Email
	}
	if limits.SubscriptionInfo != nil {
		check.Profile.Subscription = limits.SubscriptionInfo.SubscriptionTitle
		if check.Profile.Subscription == "" {
			check.Profile.Subscription = limits.SubscriptionInfo.Type
		}
	}
	return check, nil
}
