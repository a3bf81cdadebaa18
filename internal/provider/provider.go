// Package provider implements the token exchanges for the three supported
// identity providers behind one sealed Client contract.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/browser"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"golang.org/x/oauth2"
)

// Kind names a provider variant.
type Kind string

const (
	KindSocial         Kind = "social"
	KindIdentityCenter Kind = "idc"
	KindDirectImport   Kind = "import"
)

// Kinds lists every supported provider in display order.
var Kinds = []Kind{KindSocial, KindIdentityCenter, KindDirectImport}

// ParseKind accepts the canonical names plus a few aliases used by the IDE.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "social", "google", "github":
		return KindSocial, nil
	case "idc", "identity-center", "sso", "builderid":
		return KindIdentityCenter, nil
	case "import", "direct", "token":
		return KindDirectImport, nil
	}
	return "", errs.New(errs.KindInvalidFormat, "unknown provider %q", s)
}

// Auth methods recorded on credentials. They match the values the Kiro IDE
// writes to its session cache.
const (
	AuthMethodSocial = "social"
	AuthMethodIdC    = "IdC"
)

// Status is the verified state of a credential set.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusInvalid Status = "invalid"
)

// Credentials is the normalized token set every provider produces.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	AuthMethod   string    `json:"auth_method,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Region       string    `json:"region,omitempty"`
	StartURL     string    `json:"start_url,omitempty"`
	ProfileARN   string    `json:"profile_arn,omitempty"`
}

// ValidFor reports whether the access token stays valid for at least d.
// A zero expiry counts as unknown and therefore not valid.
func (c Credentials) ValidFor(now time.Time, d time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.After(now.Add(d))
}

// Token adapts the credentials for oauth2 transports.
func (c Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.ExpiresAt,
	}
}

// Profile is the identity information a provider reports for a token.
type Profile struct {
	UserID       string `json:"user_id,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	Subscription string `json:"subscription,omitempty"`
}

// Result is the outcome of a finished login.
type Result struct {
	Credentials Credentials
	Profile     Profile
}

// Check is the outcome of a verification probe.
type Check struct {
	Status  Status
	Profile Profile
}

// Params carries per-login inputs. Each provider reads only its own fields.
type Params struct {
	// IdP selects the social identity provider ("Google", "Github").
	IdP string `json:"idp,omitempty"`
	// StartURL and Region configure an Identity Center login.
	StartURL string `json:"start_url,omitempty"`
	Region   string `json:"region,omitempty"`
	// Token is a session document or bare access token for direct import.
	Token string `json:"token,omitempty"`
	// RedirectURI overrides the social redirect, e.g. with a loopback
	// listener's URL. It is never taken from API input.
	RedirectURI string `json:"-"`
}

// Authorization is the handle returned by Begin and consumed by Finish.
type Authorization struct {
	Kind      Kind      `json:"kind"`
	AuthURL   string    `json:"auth_url,omitempty"`
	UserCode  string    `json:"user_code,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`

	state        string
	codeVerifier string
	redirectURI  string

	deviceCode   string
	interval     time.Duration
	clientID     string
	clientSecret string
	region       string
	startURL     string

	imported *Result
}

// State returns the correlation token embedded in the authorization request.
func (a *Authorization) State() string {
	return a.state
}

// Callback is the provider response delivered back to the application.
// Device-flow and direct-import providers ignore it.
type Callback struct {
	URL *url.URL
}

// Client is the contract every provider implements. The set of
// implementations is closed; see Set.
type Client interface {
	Kind() Kind
	// Begin starts a login. state is the caller's correlation token.
	Begin(ctx context.Context, state string, params Params) (*Authorization, error)
	// Finish completes the exchange started by Begin.
	Finish(ctx context.Context, auth *Authorization, cb Callback) (*Result, error)
	// Refresh trades the refresh token for new credentials. The input is
	// never modified.
	Refresh(ctx context.Context, creds Credentials) (Credentials, error)
	// Verify probes the provider without changing tokens.
	Verify(ctx context.Context, creds Credentials) (Check, error)

	sealed()
}

// ErrRevoked marks provider errors that no retry can fix: the refresh token
// or grant was rejected.
var ErrRevoked = errors.New("credentials revoked")

// Set holds one client per provider kind.
type Set struct {
	Social         *Social
	IdentityCenter *IdentityCenter
	DirectImport   *DirectImport
}

// Get returns the client for kind.
func (s *Set) Get(kind Kind) (Client, error) {
	switch kind {
	case KindSocial:
		if s.Social != nil {
			return s.Social, nil
		}
	case KindIdentityCenter:
		if s.IdentityCenter != nil {
			return s.IdentityCenter, nil
		}
	case KindDirectImport:
		if s.DirectImport != nil {
			return s.DirectImport, nil
		}
	default:
		return nil, errs.New(errs.KindInvalidFormat, "unknown provider %q", kind)
	}
	return nil, fmt.Errorf("provider %s is not configured", kind)
}

// BrowserOpener opens an authorization page for the user.
type BrowserOpener func(url string) error

// DefaultBrowser opens url with the platform's default browser.
func DefaultBrowser(url string) error {
	return browser.OpenURL(url)
}

func openBrowser(open BrowserOpener, kind Kind, target string) {
	if open == nil || target == "" {
		return
	}
	if err := open(target); err != nil {
		// The URL is still returned to the caller, who can show it.
		log.Printf("[Provider:%s] ⚠️ Failed to open browser: %v", kind, err)
	}
}
